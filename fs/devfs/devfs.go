// Package devfs implements DevFs, the file system that exposes device
// handles (character and block) as files under /dev. It owns no storage of
// its own: every entry is a name bound to a caller-supplied device handle,
// registered by a driver or by the partition-table collaborator in fs/mbr
// when it discovers a new partition.
package devfs

import (
	"strings"

	"gopheros/blockdev"
	"gopheros/fs/mbr"
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/sync"
	"gopheros/kernel/vfs"
)

var (
	ErrUnknownDevice  = kernel.NewError("devfs", "no device registered under that name")
	ErrAlreadyPresent = kernel.NewError("devfs", "a device is already registered under that name")
)

// Kind distinguishes a character device (byte stream, e.g. a serial port)
// from a block device (fixed-size addressable sectors, e.g. a disk).
type Kind int

const (
	KindChar Kind = iota
	KindBlock
)

// CharDevice is the minimal character-device collaborator interface; its
// concrete implementations (serial, tty) are out of scope per this
// repository's boundary (spec §1).
type CharDevice interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

type entry struct {
	kind  Kind
	block blockdev.Device
	char  CharDevice
}

// DevFs is a mountable vfs.FileSystem backed entirely by in-memory name to
// device-handle bindings.
type DevFs struct {
	mu      sync.Spinlock
	devices map[string]entry

	nextLetterClass map[string]int // class (e.g. "sd") -> next letter index
	nextDigitClass  map[string]int // class (e.g. "tty") -> next free integer
}

// New creates an empty DevFs.
func New() *DevFs {
	return &DevFs{
		devices:         make(map[string]entry),
		nextLetterClass: make(map[string]int),
		nextDigitClass:  make(map[string]int),
	}
}

func (d *DevFs) Name() string { return "devfs" }

// RegisterBlockDevice binds name (e.g. "sda") to a block device.
func (d *DevFs) RegisterBlockDevice(name string, dev blockdev.Device) *kernel.Error {
	d.mu.Acquire()
	defer d.mu.Release()
	if _, ok := d.devices[name]; ok {
		return ErrAlreadyPresent
	}
	d.devices[name] = entry{kind: KindBlock, block: dev}
	return nil
}

// RegisterDisk binds dev under the next free name in class's letter
// sequence (e.g. "sd" -> "sda", "sdb", ...), then probes it for a
// partition table. Each discovered partition is registered in turn as
// "<diskName><n>" (1-based), per the naming policy spec §4.5.1 and
// §4.5.4 describe for disks and their partitions. A disk carrying no
// recognizable MBR/GPT signature is still registered as a whole-disk
// block device; ErrNoSignature from the probe is swallowed rather than
// propagated, since an unpartitioned disk is not an error.
func (d *DevFs) RegisterDisk(class string, dev blockdev.Device) (string, []mbr.Entry, *kernel.Error) {
	name := d.NextLetterName(class)
	if err := d.RegisterBlockDevice(name, dev); err != nil {
		return "", nil, err
	}

	entries, err := mbr.Probe(name, dev, d)
	if err == mbr.ErrNoSignature {
		kfmt.Printf("devfs: %s has no partition table\n", name)
		return name, nil, nil
	}
	if err != nil {
		return name, nil, err
	}

	kfmt.Printf("devfs: %s carries %d partitions\n", name, uint32(len(entries)))
	return name, entries, nil
}

// RegisterCharDevice binds name (e.g. "ttyS0") to a character device.
func (d *DevFs) RegisterCharDevice(name string, dev CharDevice) *kernel.Error {
	d.mu.Acquire()
	defer d.mu.Release()
	if _, ok := d.devices[name]; ok {
		return ErrAlreadyPresent
	}
	d.devices[name] = entry{kind: KindChar, char: dev}
	return nil
}

// NextLetterName returns the lowest unused name in the a, b, ..., z, aa, ab,
// ... sequence for the given device class prefix (e.g. "sd" for hard
// disks), and reserves it. This is the naming policy for letter-indexed
// device classes per the specification.
func (d *DevFs) NextLetterName(class string) string {
	d.mu.Acquire()
	defer d.mu.Release()

	idx := d.nextLetterClass[class]
	d.nextLetterClass[class] = idx + 1
	return class + letterSuffix(idx)
}

// NextDigitName returns the lowest unused non-negative integer suffix for
// the given device class prefix (e.g. "tty" for serial lines).
func (d *DevFs) NextDigitName(class string) string {
	d.mu.Acquire()
	defer d.mu.Release()

	idx := d.nextDigitClass[class]
	d.nextDigitClass[class] = idx + 1
	return class + itoa(idx)
}

// letterSuffix implements the a, b, ..., z, aa, ab, ... sequence: it is a
// bijective base-26 encoding using 'a'..'z' as digits.
func letterSuffix(n int) string {
	var buf []byte
	for {
		buf = append([]byte{byte('a' + n%26)}, buf...)
		n = n/26 - 1
		if n < 0 {
			break
		}
	}
	return string(buf)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	return string(buf)
}

// BlockDevice resolves name to a registered block device, for callers (the
// VFS mount path, fs/mbr probing) that need the raw handle rather than a
// vfs.File wrapper.
func (d *DevFs) BlockDevice(name string) (blockdev.Device, *kernel.Error) {
	d.mu.Acquire()
	defer d.mu.Release()
	e, ok := d.devices[name]
	if !ok || e.kind != KindBlock {
		return nil, ErrUnknownDevice
	}
	return e.block, nil
}

// DirOpen synthesises a directory listing by enumerating prefix-matching
// keys and stripping anything after the next '/'.
func (d *DevFs) DirOpen(path string) ([]vfs.DirEntry, *kernel.Error) {
	d.mu.Acquire()
	defer d.mu.Release()

	prefix := strings.TrimPrefix(strings.TrimSuffix(path, "/"), "/")
	if prefix != "" {
		prefix += "/"
	}

	seen := make(map[string]bool)
	var out []vfs.DirEntry
	for name := range d.devices {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		if rest == "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
			if seen[rest] {
				continue
			}
			seen[rest] = true
			out = append(out, vfs.DirEntry{Name: rest, IsDir: true})
			continue
		}
		if seen[rest] {
			continue
		}
		seen[rest] = true
		out = append(out, vfs.DirEntry{Name: rest})
	}
	return out, nil
}

// deviceFile adapts a blockdev.Device to a vfs.File by tracking an
// independent read/write offset.
type deviceFile struct {
	dev blockdev.Device
	pos int64
}

func (f *deviceFile) Read(p []byte) (int, error) {
	n, err := f.dev.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *deviceFile) Write(p []byte) (int, error) {
	n, err := f.dev.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *deviceFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		f.pos = offset
	case 1:
		f.pos += offset
	case 2:
		f.pos = f.dev.Size() + offset
	}
	return f.pos, nil
}

func (f *deviceFile) Close() error { return nil }

// charFile adapts a CharDevice to a vfs.File; seeking is not meaningful for
// a stream and always reports position 0.
type charFile struct {
	dev CharDevice
}

func (f *charFile) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := f.dev.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = b
	return 1, nil
}

func (f *charFile) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := f.dev.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

func (f *charFile) Seek(offset int64, whence int) (int64, error) { return 0, nil }
func (f *charFile) Close() error                                  { return nil }

// FOpen returns a character-file or block-file wrapper depending on device
// kind.
func (d *DevFs) FOpen(path string, mode vfs.Mode) (vfs.File, *kernel.Error) {
	name := strings.TrimPrefix(path, "/")

	d.mu.Acquire()
	e, ok := d.devices[name]
	d.mu.Release()
	if !ok {
		return nil, ErrUnknownDevice
	}

	switch e.kind {
	case KindBlock:
		return &deviceFile{dev: e.block}, nil
	default:
		return &charFile{dev: e.char}, nil
	}
}

// Rename is a no-op success per the specification.
func (d *DevFs) Rename(oldPath, newPath string) *kernel.Error { return nil }
