package proc

import (
	"gopheros/kernel"
	"gopheros/kernel/sync"
	"gopheros/kernel/vfs"
)

// fileDescription is a reference-counted open file, the entry a FileTable
// key maps to.
type fileDescription struct {
	name string
	file vfs.File
	refs int
}

// FileTable is the kernel-global table of open files described in spec
// §4.8: entries are reference-counted so fork's dup-on-copy and close only
// release the underlying vfs.File once the last reference goes away.
// Per-process file descriptors are a local small-int map into this table
// (see Process.OpenFile/CloseFile).
type FileTable struct {
	mu      sync.Spinlock
	entries map[int]*fileDescription
	nextKey int
	mount   *vfs.MountTable
}

// NewFileTable creates an empty file table resolving paths through mount.
func NewFileTable(mount *vfs.MountTable) *FileTable {
	return &FileTable{entries: map[int]*fileDescription{}, nextKey: 1, mount: mount}
}

// Open resolves name through the mount table and returns a new key with a
// reference count of 1, or an error if the open fails.
func (ft *FileTable) Open(name string, write bool) (int, *kernel.Error) {
	ft.mu.Acquire()
	defer ft.mu.Release()

	modeStr := "r"
	if write {
		modeStr = "r+"
	}
	f, err := ft.mount.FOpen(name, modeStr)
	if err != nil {
		return 0, err
	}

	key := ft.nextKey
	ft.nextKey++
	ft.entries[key] = &fileDescription{name: name, file: f, refs: 1}
	return key, nil
}

// Copy increments key's reference count, for fork duplicating a file
// descriptor.
func (ft *FileTable) Copy(key int) {
	ft.mu.Acquire()
	defer ft.mu.Release()

	if e, ok := ft.entries[key]; ok {
		e.refs++
	}
}

// Close decrements key's reference count, closing and removing the entry
// once it reaches zero.
func (ft *FileTable) Close(key int) *kernel.Error {
	ft.mu.Acquire()
	defer ft.mu.Release()

	e, ok := ft.entries[key]
	if !ok {
		return kernel.NewError("proc", "file table key not open")
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(ft.entries, key)
	if err := e.file.Close(); err != nil {
		return kernel.NewError("proc", err.Error())
	}
	return nil
}

// IsOpen reports how many entries are open against name, counting every
// reference across every key.
func (ft *FileTable) IsOpen(name string) int {
	ft.mu.Acquire()
	defer ft.mu.Release()

	count := 0
	for _, e := range ft.entries {
		if e.name == name {
			count += e.refs
		}
	}
	return count
}

// File returns the vfs.File bound to key, for syscalls that need to read
// or write it.
func (ft *FileTable) File(key int) (vfs.File, *kernel.Error) {
	ft.mu.Acquire()
	defer ft.mu.Release()

	e, ok := ft.entries[key]
	if !ok {
		return nil, kernel.NewError("proc", "file table key not open")
	}
	return e.file, nil
}
