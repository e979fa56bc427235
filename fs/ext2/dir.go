package ext2

import (
	"strings"

	"gopheros/kernel"
	"gopheros/kernel/vfs"
)

const dirEntryHeaderSize = 8

// dirEnt is one parsed directory record together with its byte offset
// within the directory's data, so callers can rewrite rec_len in place
// (tombstoning) or find slack space for a new entry.
type dirEnt struct {
	inode   uint32
	recLen  uint16
	fType   uint8
	name    string
	dataOff int64 // offset within the directory's linear byte stream
}

func roundUp4(n int) int { return (n + 3) &^ 3 }

// readDirEntries parses every record (including tombstones) in a directory
// inode's data.
func (fs *Ext2Fs) readDirEntries(in *inode) ([]dirEnt, *kernel.Error) {
	size := int64(in.size())
	buf := make([]byte, size)
	if _, err := fs.readInodeData(in, 0, buf); err != nil {
		return nil, err
	}

	var entries []dirEnt
	var off int64
	for off < size {
		if off+dirEntryHeaderSize > size {
			break
		}
		rec := buf[off:]
		inodeNum := readU32(rec, 0)
		recLen := readU16(rec, 4)
		nameLen := int(rec[6])
		fType := rec[7]
		if recLen < dirEntryHeaderSize {
			break // corrupt record; stop rather than loop forever
		}
		name := ""
		if nameLen > 0 && int(8+nameLen) <= len(rec) {
			name = string(rec[8 : 8+nameLen])
		}
		entries = append(entries, dirEnt{
			inode:   inodeNum,
			recLen:  recLen,
			fType:   fType,
			name:    name,
			dataOff: off,
		})
		off += int64(recLen)
	}
	return entries, nil
}

// lookupInDir returns the inode number bound to name within directory
// inode dirIn, or 0 if absent.
func (fs *Ext2Fs) lookupInDir(dirIn *inode, name string) (uint32, *kernel.Error) {
	entries, err := fs.readDirEntries(dirIn)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.inode != 0 && e.name == name {
			return e.inode, nil
		}
	}
	return 0, nil
}

// GetInode resolves an absolute path from the root inode (2), collapsing
// consecutive slashes and ignoring a trailing slash. It returns (0, zero
// inode) — without an error — for any path that does not resolve,
// including a path missing its leading slash.
func (fs *Ext2Fs) GetInode(path string) (uint32, inode) {
	if !strings.HasPrefix(path, "/") {
		return 0, inode{}
	}

	components := splitPath(path)
	cur := uint32(rootInode)
	curIn, err := fs.readInode(cur)
	if err != nil {
		return 0, inode{}
	}

	for _, c := range components {
		if c == "" {
			continue
		}
		if !curIn.isDirectory() {
			return 0, inode{}
		}
		next, derr := fs.lookupInDir(curIn, c)
		if derr != nil || next == 0 {
			return 0, inode{}
		}
		nextIn, rerr := fs.readInode(next)
		if rerr != nil {
			return 0, inode{}
		}
		cur, curIn = next, nextIn
	}

	return cur, *curIn
}

// splitPath splits an absolute path into components, collapsing repeated
// slashes and dropping a trailing slash.
func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parentAndLeaf(path string) (string, string) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return "/", ""
	}
	leaf := comps[len(comps)-1]
	parent := "/" + strings.Join(comps[:len(comps)-1], "/")
	return parent, leaf
}

const (
	fTypeUnknown  = 0
	fTypeRegular  = 1
	fTypeDir      = 2
	fTypeCharDev  = 3
	fTypeBlockDev = 4
)

// addDirEntry binds name to childInode within directory inode dirNum,
// reusing slack space in an existing record when available and otherwise
// appending a new block.
func (fs *Ext2Fs) addDirEntry(dirNum uint32, dirIn *inode, name string, childInode uint32, fType uint8) *kernel.Error {
	needed := roundUp4(dirEntryHeaderSize + len(name))

	entries, err := fs.readDirEntries(dirIn)
	if err != nil {
		return err
	}

	for _, e := range entries {
		actual := roundUp4(dirEntryHeaderSize + len(e.name))
		if e.inode == 0 && int(e.recLen) >= needed {
			return fs.writeDirEntryAt(dirIn, e.dataOff, childInode, uint16(e.recLen), name, fType)
		}
		slack := int(e.recLen) - actual
		if slack >= needed {
			// Shrink e to its actual size and append the new entry in the
			// freed tail.
			if err := fs.writeDirEntryAt(dirIn, e.dataOff, e.inode, uint16(actual), e.name, e.fType); err != nil {
				return err
			}
			return fs.writeDirEntryAt(dirIn, e.dataOff+int64(actual), childInode, uint16(slack), name, fType)
		}
	}

	// No slack anywhere: append a new block-sized record at EOF.
	blockSize := fs.sb.blockSize()
	off := int64(in64RoundUp(int64(dirIn.size()), int64(blockSize)))
	zero := make([]byte, blockSize)
	if _, werr := fs.writeInodeData(dirNum, dirIn, off, zero); werr != nil {
		return werr
	}
	return fs.writeDirEntryAt(dirIn, off, childInode, uint16(blockSize), name, fType)
}

func in64RoundUp(n, m int64) int64 {
	if m == 0 {
		return n
	}
	return ((n + m - 1) / m) * m
}

func (fs *Ext2Fs) writeDirEntryAt(dirIn *inode, off int64, childInode uint32, recLen uint16, name string, fType uint8) *kernel.Error {
	buf := make([]byte, recLen)
	writeU32(buf, 0, childInode)
	writeU16(buf, 4, recLen)
	buf[6] = byte(len(name))
	buf[7] = fType
	copy(buf[8:], name)

	blockSize := int64(fs.sb.blockSize())
	written := 0
	for written < len(buf) {
		logical := uint32((off + int64(written)) / blockSize)
		within := (off + int64(written)) % blockSize
		chunk := blockSize - within
		if remain := int64(len(buf) - written); chunk > remain {
			chunk = remain
		}
		phys, err := fs.blockAt(dirIn, logical)
		if err != nil {
			return err
		}
		if phys == 0 {
			return ErrBadBlock
		}
		if _, werr := fs.dev.WriteAt(buf[written:int64(written)+chunk], fs.blockToByte(phys)+within); werr != nil {
			return kernel.NewError("ext2", werr.Error())
		}
		written += int(chunk)
	}
	return nil
}

// removeDirEntry tombstones name's record within dirIn (inode set to 0; the
// record's space is retained, per spec §4.5.3).
func (fs *Ext2Fs) removeDirEntry(dirIn *inode, name string) *kernel.Error {
	entries, err := fs.readDirEntries(dirIn)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.inode != 0 && e.name == name {
			return fs.writeDirEntryAt(dirIn, e.dataOff, 0, e.recLen, "", fTypeUnknown)
		}
	}
	return ErrNotFound
}

// DirOpen lists the non-tombstoned entries of the directory at path.
func (fs *Ext2Fs) DirOpen(path string) ([]vfs.DirEntry, *kernel.Error) {
	_, in := fs.GetInode(path)
	if in.mode == 0 {
		return nil, ErrNotFound
	}
	if !in.isDirectory() {
		return nil, ErrNotDirectory
	}

	entries, err := fs.readDirEntries(&in)
	if err != nil {
		return nil, err
	}
	var out []vfs.DirEntry
	for _, e := range entries {
		if e.inode == 0 || e.name == "." || e.name == ".." {
			continue
		}
		out = append(out, vfs.DirEntry{Name: e.name, IsDir: e.fType == fTypeDir})
	}
	return out, nil
}
