// Package vfs implements the kernel's mount table: the layer that maps
// absolute path prefixes onto concrete file-system instances (fs/devfs,
// fs/memfs, fs/ext2) with longest-prefix-match lookup semantics. It knows
// nothing about the on-disk format of any concrete file system; it only
// knows how to route a path to one and rewrite the path relative to that
// file system's root.
//
// The mount table borrows its concurrency idiom from the rest of this
// module: callers serialise access the same way kernel/pfa and kernel/vmm
// do, by holding a spinlock around the critical section rather than relying
// on channels or goroutine-safe containers.
package vfs

import (
	"io"
	"sort"
	"strings"

	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/sync"
)

var (
	ErrNotFound       = kernel.NewError("vfs", "path does not resolve to any mounted file system")
	ErrAlreadyMounted = kernel.NewError("vfs", "device is already mounted")
	ErrNotMounted     = kernel.NewError("vfs", "no mount matches the given name")
	ErrCrossFSRename  = kernel.NewError("vfs", "rename across file systems is not supported")
	ErrUnknownMode    = kernel.NewError("vfs", "unrecognised file mode string")
	ErrNoProbeMatch   = kernel.NewError("vfs", "no registered file system recognised the device")
	ErrUnknownDevice  = kernel.NewError("vfs", "device name not found under /dev")
)

// DirEntry describes one entry synthesised by a FileSystem's DirOpen.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Mode is the decoded form of an fopen mode string.
type Mode struct {
	Write    bool
	Truncate bool
	Append   bool
}

// ParseMode implements the mode string grammar from the VFS specification:
// one of r, r+, w, w+, a, a+, each optionally followed by a (ignored) "b".
func ParseMode(s string) (Mode, *kernel.Error) {
	s = strings.TrimSuffix(s, "b")
	switch s {
	case "r":
		return Mode{}, nil
	case "r+":
		return Mode{Write: true}, nil
	case "w":
		return Mode{Write: true, Truncate: true}, nil
	case "w+":
		return Mode{Write: true, Truncate: true}, nil
	case "a":
		return Mode{Write: true, Append: true}, nil
	case "a+":
		return Mode{Write: true, Append: true}, nil
	default:
		return Mode{}, ErrUnknownMode
	}
}

// File is the handle a FileSystem hands back from FOpen.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// FileSystem is the interface every mountable concrete file system
// implements (fs/devfs.DevFs, fs/memfs.MemFs, fs/ext2.Ext2Fs).
type FileSystem interface {
	Name() string
	DirOpen(path string) ([]DirEntry, *kernel.Error)
	FOpen(path string, mode Mode) (File, *kernel.Error)
	Rename(oldPath, newPath string) *kernel.Error
}

// DeviceResolver looks up a device name (as it would appear under /dev) and
// probes it to produce a mountable FileSystem. Concrete wiring lives with
// the caller (typically the kernel init sequence), keeping this package
// free of an import on fs/devfs or fs/ext2.
type DeviceResolver func(devName string) (FileSystem, *kernel.Error)

type mountEntry struct {
	point   string
	devName string // empty for virtual mounts
	fs      FileSystem
}

// MountTable is the kernel-global mount table singleton.
type MountTable struct {
	mu      sync.Spinlock
	mounts  []mountEntry
	resolve DeviceResolver
}

// New creates an empty mount table. resolve is used by Mount to turn a
// device name into a probed FileSystem; it may be nil if the caller only
// ever uses MountVirtual.
func New(resolve DeviceResolver) *MountTable {
	return &MountTable{resolve: resolve}
}

// Mount resolves devName via the injected DeviceResolver, refuses if the
// device is already mounted, and records the mapping.
func (t *MountTable) Mount(mountPoint, devName string) *kernel.Error {
	if t.resolve == nil {
		return ErrUnknownDevice
	}

	t.mu.Acquire()
	defer t.mu.Release()

	for _, m := range t.mounts {
		if m.devName == devName {
			return ErrAlreadyMounted
		}
	}

	fs, err := t.resolve(devName)
	if err != nil {
		return err
	}

	t.mounts = append(t.mounts, mountEntry{point: normalizeMountPoint(mountPoint), devName: devName, fs: fs})
	kfmt.Printf("vfs: mounted %s (%s) at %s\n", devName, fs.Name(), mountPoint)
	return nil
}

// MountVirtual adds a FileSystem not backed by a block device (DevFs,
// MemFs).
func (t *MountTable) MountVirtual(mountPoint string, fs FileSystem) *kernel.Error {
	t.mu.Acquire()
	defer t.mu.Release()

	t.mounts = append(t.mounts, mountEntry{point: normalizeMountPoint(mountPoint), fs: fs})
	kfmt.Printf("vfs: mounted %s at %s\n", fs.Name(), mountPoint)
	return nil
}

// Umount accepts either a mount point or a device name and destroys the
// corresponding mapping.
func (t *MountTable) Umount(name string) *kernel.Error {
	t.mu.Acquire()
	defer t.mu.Release()

	norm := normalizeMountPoint(name)
	for i, m := range t.mounts {
		if m.point == norm || m.devName == name {
			t.mounts = append(t.mounts[:i], t.mounts[i+1:]...)
			kfmt.Printf("vfs: unmounted %s\n", m.point)
			return nil
		}
	}
	return ErrNotMounted
}

// Lookup finds the mount whose point is the longest prefix of absPath,
// rewrites absPath to be relative to that mount's root, and returns the
// owning FileSystem. It falls back to the root "/" mount when no deeper
// match exists, and fails only when no root mount is registered at all.
func (t *MountTable) Lookup(absPath string) (FileSystem, string, *kernel.Error) {
	t.mu.Acquire()
	defer t.mu.Release()

	norm := normalizeMountPoint(absPath)

	candidates := make([]mountEntry, len(t.mounts))
	copy(candidates, t.mounts)
	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].point) > len(candidates[j].point)
	})

	for _, m := range candidates {
		if m.point == "/" {
			continue
		}
		if norm == m.point || strings.HasPrefix(norm, m.point+"/") {
			rel := strings.TrimPrefix(norm, m.point)
			rel = "/" + strings.TrimPrefix(rel, "/")
			return m.fs, rel, nil
		}
	}

	for _, m := range candidates {
		if m.point == "/" {
			return m.fs, norm, nil
		}
	}

	return nil, "", ErrNotFound
}

// DirOpen delegates to Lookup then the resolved FileSystem's DirOpen.
func (t *MountTable) DirOpen(path string) ([]DirEntry, *kernel.Error) {
	fs, rel, err := t.Lookup(path)
	if err != nil {
		return nil, err
	}
	return fs.DirOpen(rel)
}

// FOpen delegates to Lookup and passes the decoded mode to the resolved
// FileSystem's FOpen, which performs the truncation for w/w+; for a/a+ it
// then seeks the returned file to its end.
func (t *MountTable) FOpen(path, modeStr string) (File, *kernel.Error) {
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	fs, rel, err := t.Lookup(path)
	if err != nil {
		return nil, err
	}

	f, err := fs.FOpen(rel, mode)
	if err != nil {
		return nil, err
	}

	if mode.Append {
		if _, serr := f.Seek(0, io.SeekEnd); serr != nil {
			f.Close()
			return nil, kernel.NewError("vfs", serr.Error())
		}
	}

	return f, nil
}

// Rename requires both paths to resolve to the same file system.
func (t *MountTable) Rename(oldPath, newPath string) *kernel.Error {
	oldFS, oldRel, err := t.Lookup(oldPath)
	if err != nil {
		return err
	}
	newFS, newRel, err := t.Lookup(newPath)
	if err != nil {
		return err
	}
	if oldFS != newFS {
		return ErrCrossFSRename
	}
	return oldFS.Rename(oldRel, newRel)
}

func normalizeMountPoint(p string) string {
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}
