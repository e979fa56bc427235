// Package blockdev defines the block-device collaborator that the concrete
// file systems in fs/ read and write through. Spec §1 treats real device
// drivers (IDE, AHCI, ...) as external collaborators whose internals are
// out of scope; this package supplies the one concrete implementation this
// repository needs to be testable end to end: a host-file-backed device
// used by fs/ext2, fs/mbr and the cmd/mkext2image tool.
package blockdev

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"gopheros/kernel"
)

// Device is the narrow interface every concrete file system in fs/ depends
// on. It deliberately mirrors io.ReaderAt/io.WriterAt so that any backing
// store — a host file, a RAM disk, or eventually a real block driver
// satisfying this interface — can stand in.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Sync() error
	Close() error
}

// Error codes returned by concrete Device implementations for hardware-class
// failures, per spec §7's error handling table ("Drivers return a typed
// error code").
type DriverError struct {
	Code string
}

func (e *DriverError) Error() string { return "blockdev: " + e.Code }

var (
	ErrBadAlignment  = &DriverError{"bad_alignment"}
	ErrBadSize       = &DriverError{"bad_size"}
	ErrReadOnly      = &DriverError{"read_only"}
	ErrHardwareFault = &DriverError{"hardware_fault"}
	ErrNoDevice      = &DriverError{"no_device"}
	ErrBadDriver     = &DriverError{"bad_driver"}
)

// FileDevice is a Device backed by an mmap'd host file — the disk-image
// backing store used by fs/ext2, fs/mbr and the image-building CLI. Mapping
// the whole image once and slicing into it avoids a syscall per block,
// mirroring how saferwall/pe maps a binary once to parse its headers rather
// than issuing a read per section.
type FileDevice struct {
	f        *os.File
	mapping  mmap.MMap
	readOnly bool
}

// OpenFileDevice mmaps path as a block device. When readOnly is false the
// mapping is opened RDWR and writes are flushed back on Sync/Close.
func OpenFileDevice(path string, readOnly bool) (*FileDevice, *kernel.Error) {
	flag := os.O_RDWR
	prot := mmap.RDWR
	if readOnly {
		flag = os.O_RDONLY
		prot = mmap.RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, kernel.NewError("blockdev", err.Error())
	}

	m, err := mmap.Map(f, prot, 0)
	if err != nil {
		f.Close()
		return nil, kernel.NewError("blockdev", err.Error())
	}

	return &FileDevice{f: f, mapping: m, readOnly: readOnly}, nil
}

// CreateFileDevice creates (or truncates) a host file of the given size and
// mmaps it RDWR, for use by cmd/mkext2image and tests that need a scratch
// disk image.
func CreateFileDevice(path string, size int64) (*FileDevice, *kernel.Error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, kernel.NewError("blockdev", err.Error())
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, kernel.NewError("blockdev", err.Error())
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, kernel.NewError("blockdev", err.Error())
	}

	return &FileDevice{f: f, mapping: m}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.mapping)) {
		return 0, ErrBadSize
	}
	return copy(p, d.mapping[off:off+int64(len(p))]), nil
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > int64(len(d.mapping)) {
		return 0, ErrBadSize
	}
	return copy(d.mapping[off:off+int64(len(p))], p), nil
}

// Size returns the device capacity in bytes.
func (d *FileDevice) Size() int64 { return int64(len(d.mapping)) }

// Sync flushes dirty mapped pages back to the host file.
func (d *FileDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	return d.mapping.Flush()
}

// Close flushes and unmaps the device.
func (d *FileDevice) Close() error {
	_ = d.Sync()
	if err := d.mapping.Unmap(); err != nil {
		return err
	}
	return d.f.Close()
}
