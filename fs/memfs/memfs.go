// Package memfs implements MemFs, a RAM-backed file system with
// reference-counted inodes. It is used both as a general-purpose
// in-memory file system and, during early boot, to adopt loader-provided
// buffers (Multiboot modules, throwaway ELF section copies) as ordinary
// files; AdoptExternal copies their bytes into the backing store.
//
// Storage is delegated to github.com/spf13/afero's in-memory file system
// rather than a hand-rolled byte-slice map, the same way this module
// delegates mmap'd host files to github.com/edsrzf/mmap-go in blockdev:
// inode bytes live in an afero.MemMapFs keyed by a synthetic per-inode
// path, and MemFs itself only tracks name-to-inode bindings, link counts,
// and sizes.
package memfs

import (
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"gopheros/kernel"
	"gopheros/kernel/sync"
	"gopheros/kernel/vfs"
)

var (
	ErrNotFound     = kernel.NewError("memfs", "no such file")
	ErrNotAdopted   = kernel.NewError("memfs", "inode memory is externally owned and cannot be resized")
	ErrAlreadyExist = kernel.NewError("memfs", "file already exists")
)

// OpenHandleCounter reports how many process-wide file-table entries
// reference a given name, so delete_mapping/delete_file can decide whether
// an inode's memory may actually be released. In production this is the
// kernel's global file table (spec §4.8); tests and early-boot callers may
// supply a resolver that always returns zero.
type OpenHandleCounter func(name string) int

// inode is MemFs's internal record, addressable from any number of names.
type inode struct {
	id        int
	size      int64
	linkCount int
	adopted   bool // true if memory is externally owned (create_mapping with addr/sz)
}

// MemFs is a mountable vfs.FileSystem whose file contents live in an
// afero.MemMapFs.
type MemFs struct {
	mu        sync.Spinlock
	backing   afero.Fs
	names     map[string]*inode
	inodes    map[int]*inode
	nextInode int
	isOpen    OpenHandleCounter
}

// New creates an empty MemFs. isOpen may be nil, in which case every name
// is treated as having zero open handles (appropriate for early boot before
// the file table exists).
func New(isOpen OpenHandleCounter) *MemFs {
	if isOpen == nil {
		isOpen = func(string) int { return 0 }
	}
	return &MemFs{
		backing: afero.NewMemMapFs(),
		names:   make(map[string]*inode),
		inodes:  make(map[int]*inode),
		isOpen:  isOpen,
	}
}

func (m *MemFs) Name() string { return "memfs" }

func (m *MemFs) inodePath(id int) string {
	return "/inode-" + strconv.Itoa(id)
}

// CreateFile allocates memory for a new inode with link_count=1 and binds
// name to it.
func (m *MemFs) CreateFile(name string, sz int64) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	if _, ok := m.names[name]; ok {
		return ErrAlreadyExist
	}

	m.nextInode++
	ino := &inode{id: m.nextInode, size: sz, linkCount: 1}

	if err := afero.WriteFile(m.backing, m.inodePath(ino.id), make([]byte, sz), 0644); err != nil {
		return kernel.NewError("memfs", err.Error())
	}

	m.names[name] = ino
	m.inodes[ino.id] = ino
	return nil
}

// CreateMapping adds another name for an existing inode (identified by its
// current name) and increments its link count — a hard link.
func (m *MemFs) CreateMapping(name, existing string) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	ino, ok := m.names[existing]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.names[name]; ok {
		return ErrAlreadyExist
	}
	ino.linkCount++
	m.names[name] = ino
	return nil
}

// AdoptExternal registers name as a file holding the bytes of data. This
// is the "create_mapping(name, addr, sz)" form used to make loader buffers
// appear as files during init. The bytes are copied into the backing store
// when the mapping is made: later changes to data are not seen through the
// file, and writes through the file do not reach data. MemFs never grows
// or shrinks an adopted inode.
func (m *MemFs) AdoptExternal(name string, data []byte) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	if _, ok := m.names[name]; ok {
		return ErrAlreadyExist
	}

	m.nextInode++
	ino := &inode{id: m.nextInode, size: int64(len(data)), linkCount: 1, adopted: true}

	if err := afero.WriteFile(m.backing, m.inodePath(ino.id), data, 0644); err != nil {
		return kernel.NewError("memfs", err.Error())
	}

	m.names[name] = ino
	m.inodes[ino.id] = ino
	return nil
}

// DeleteMapping decrements name's inode link count; the backing memory is
// freed iff the link count reaches zero and the file table reports zero
// open handles for name.
func (m *MemFs) DeleteMapping(name string) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()
	return m.deleteMappingLocked(name, true)
}

// DeleteFile is DeleteMapping with an option to skip the file-table check
// (ft_check=false), permitted during early boot before the file table
// exists.
func (m *MemFs) DeleteFile(name string, ftCheck bool) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()
	return m.deleteMappingLocked(name, ftCheck)
}

func (m *MemFs) deleteMappingLocked(name string, ftCheck bool) *kernel.Error {
	ino, ok := m.names[name]
	if !ok {
		return ErrNotFound
	}
	delete(m.names, name)
	ino.linkCount--

	if ino.linkCount > 0 {
		return nil
	}
	if ftCheck && m.isOpen(name) > 0 {
		return nil
	}

	delete(m.inodes, ino.id)
	if !ino.adopted {
		m.backing.Remove(m.inodePath(ino.id))
	}
	return nil
}

// Unlink is equivalent to DeleteFile(name, true).
func (m *MemFs) Unlink(name string) *kernel.Error {
	return m.DeleteFile(name, true)
}

// ReallocateFile grows or shrinks the inode bound to name. On shrink the
// retained prefix is copy-truncated; shrinking to zero releases the memory
// but keeps the inode record (with addr conceptually nil — modeled here as
// size 0 and no backing bytes).
func (m *MemFs) ReallocateFile(name string, newSize int64) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	ino, ok := m.names[name]
	if !ok {
		return ErrNotFound
	}
	if ino.adopted {
		return ErrNotAdopted
	}

	path := m.inodePath(ino.id)
	old, err := afero.ReadFile(m.backing, path)
	if err != nil {
		return kernel.NewError("memfs", err.Error())
	}

	if newSize == 0 {
		m.backing.Remove(path)
		ino.size = 0
		return nil
	}

	grown := make([]byte, newSize)
	copy(grown, old)
	if err := afero.WriteFile(m.backing, path, grown, 0644); err != nil {
		return kernel.NewError("memfs", err.Error())
	}
	ino.size = newSize
	return nil
}

// Destroy frees every remaining inode's memory regardless of open handles,
// per the destructor semantics in the specification. Accesses via dangling
// handles obtained before Destroy are undefined afterward.
func (m *MemFs) Destroy() {
	m.mu.Acquire()
	defer m.mu.Release()
	for id := range m.inodes {
		m.backing.Remove(m.inodePath(id))
	}
	m.names = make(map[string]*inode)
	m.inodes = make(map[int]*inode)
}

// DirOpen lists the names currently bound at or below path.
func (m *MemFs) DirOpen(path string) ([]vfs.DirEntry, *kernel.Error) {
	m.mu.Acquire()
	defer m.mu.Release()

	prefix := strings.TrimPrefix(strings.TrimSuffix(path, "/"), "/")
	if prefix != "" {
		prefix += "/"
	}

	seen := make(map[string]bool)
	var out []vfs.DirEntry
	for name := range m.names {
		trimmed := strings.TrimPrefix(name, "/")
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		rest := trimmed[len(prefix):]
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

// memFile is the vfs.File handle returned by FOpen; it wraps an afero
// file while keeping MemFs's inode size field in sync on writes that
// extend the file.
type memFile struct {
	fs   *MemFs
	name string
	ino  *inode
	f    afero.File
}

func (h *memFile) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *memFile) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	if err == nil {
		if pos, perr := h.f.Seek(0, io.SeekCurrent); perr == nil && pos > h.ino.size {
			h.fs.mu.Acquire()
			h.ino.size = pos
			h.fs.mu.Release()
		}
	}
	return n, err
}
func (h *memFile) Seek(offset int64, whence int) (int64, error) { return h.f.Seek(offset, whence) }
func (h *memFile) Close() error                                  { return h.f.Close() }

// FOpen opens name for reading/writing per mode; w/w+ truncates first.
func (m *MemFs) FOpen(name string, mode vfs.Mode) (vfs.File, *kernel.Error) {
	m.mu.Acquire()
	ino, ok := m.names[name]
	m.mu.Release()
	if !ok {
		if !mode.Write {
			return nil, ErrNotFound
		}
		if err := m.CreateFile(name, 0); err != nil {
			return nil, err
		}
		m.mu.Acquire()
		ino = m.names[name]
		m.mu.Release()
	}

	path := m.inodePath(ino.id)
	if mode.Truncate {
		if err := afero.WriteFile(m.backing, path, nil, 0644); err != nil {
			return nil, kernel.NewError("memfs", err.Error())
		}
		m.mu.Acquire()
		ino.size = 0
		m.mu.Release()
	}

	f, err := m.backing.OpenFile(path, osOpenFlags(mode), 0644)
	if err != nil {
		return nil, kernel.NewError("memfs", err.Error())
	}

	return &memFile{fs: m, name: name, ino: ino, f: f}, nil
}

func osOpenFlags(mode vfs.Mode) int {
	const (
		oRdOnly = 0
		oRdWr   = 2
	)
	if mode.Write {
		return oRdWr
	}
	return oRdOnly
}

// Rename moves the name-to-inode binding.
func (m *MemFs) Rename(oldName, newName string) *kernel.Error {
	m.mu.Acquire()
	defer m.mu.Release()

	ino, ok := m.names[oldName]
	if !ok {
		return ErrNotFound
	}
	if _, exists := m.names[newName]; exists {
		return ErrAlreadyExist
	}
	delete(m.names, oldName)
	m.names[newName] = ino
	return nil
}
