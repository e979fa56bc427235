package ext2

import (
	"io"

	"gopheros/kernel"
)

// readInodeData reads up to len(buf) bytes starting at byte offset off into
// an inode's data, zero-filling holes (unallocated blocks within range).
func (fs *Ext2Fs) readInodeData(in *inode, off int64, buf []byte) (int, *kernel.Error) {
	size := int64(in.size())
	if off >= size {
		return 0, nil
	}
	if off+int64(len(buf)) > size {
		buf = buf[:size-off]
	}

	blockSize := int64(fs.sb.blockSize())
	read := 0
	for read < len(buf) {
		logical := uint32((off + int64(read)) / blockSize)
		within := (off + int64(read)) % blockSize
		n := blockSize - within
		if remain := int64(len(buf) - read); n > remain {
			n = remain
		}

		phys, err := fs.blockAt(in, logical)
		if err != nil {
			return read, err
		}
		if phys == 0 {
			for i := int64(0); i < n; i++ {
				buf[int64(read)+i] = 0
			}
		} else {
			if _, rerr := fs.dev.ReadAt(buf[read:int64(read)+n], fs.blockToByte(phys)+within); rerr != nil {
				return read, kernel.NewError("ext2", rerr.Error())
			}
		}
		read += int(n)
	}
	return read, nil
}

// writeInodeData writes buf at byte offset off, allocating blocks as
// needed and growing the inode's recorded size.
func (fs *Ext2Fs) writeInodeData(n uint32, in *inode, off int64, buf []byte) (int, *kernel.Error) {
	blockSize := int64(fs.sb.blockSize())
	written := 0
	for written < len(buf) {
		logical := uint32((off + int64(written)) / blockSize)
		within := (off + int64(written)) % blockSize
		chunk := blockSize - within
		if remain := int64(len(buf) - written); chunk > remain {
			chunk = remain
		}

		phys, err := fs.blockAt(in, logical)
		if err != nil {
			return written, err
		}
		if phys == 0 {
			phys, err = fs.allocBlockZeroed()
			if err != nil {
				return written, err
			}
			if err := fs.setBlockAt(in, logical, phys); err != nil {
				return written, err
			}
			in.blocks += fs.sb.blockSize() / 512
		}

		if _, werr := fs.dev.WriteAt(buf[written:int64(written)+chunk], fs.blockToByte(phys)+within); werr != nil {
			return written, kernel.NewError("ext2", werr.Error())
		}
		written += int(chunk)
	}

	if newSize := uint64(off + int64(written)); newSize > in.size() {
		in.setSize(newSize)
	}
	if err := fs.writeInode(n, in); err != nil {
		return written, err
	}
	return written, nil
}

// freeIndirectTree walks every pointer of an indirect block unconditionally
// and deallocates whatever it finds, then deallocates the indirect block
// itself. depth 1 means ptr's entries are data-block pointers; depth 2/3
// means they are pointers to further indirect blocks. Unlike the source
// this port is grounded on, which stopped scanning a pointer block at its
// first zero entry, every slot is visited regardless of holes encountered
// earlier in the block (spec §9's redesign flag).
func (fs *Ext2Fs) freeIndirectTree(ptr uint32, depth int) *kernel.Error {
	if ptr == 0 {
		return nil
	}
	k := fs.pointersPerBlock()
	for i := uint32(0); i < k; i++ {
		child, err := fs.readBlockPointer(ptr, i)
		if err != nil {
			return err
		}
		if child == 0 {
			continue
		}
		if depth == 1 {
			if err := fs.deallocateBlock(child); err != nil {
				return err
			}
			continue
		}
		if err := fs.freeIndirectTree(child, depth-1); err != nil {
			return err
		}
	}
	return fs.deallocateBlock(ptr)
}

// truncateToZero releases every block owned by in (direct, and the full
// singly/doubly/triply indirect trees) and resets its size and block count.
func (fs *Ext2Fs) truncateToZero(in *inode) *kernel.Error {
	for i := 0; i < numDirectBlocks; i++ {
		if in.block[i] != 0 {
			if err := fs.deallocateBlock(in.block[i]); err != nil {
				return err
			}
			in.block[i] = 0
		}
	}
	if err := fs.freeIndirectTree(in.block[singlyIndirect], 1); err != nil {
		return err
	}
	in.block[singlyIndirect] = 0
	if err := fs.freeIndirectTree(in.block[doublyIndirect], 2); err != nil {
		return err
	}
	in.block[doublyIndirect] = 0
	if err := fs.freeIndirectTree(in.block[triplyIndirect], 3); err != nil {
		return err
	}
	in.block[triplyIndirect] = 0

	in.setSize(0)
	in.blocks = 0
	return nil
}

// shrinkTo releases every logical block at or beyond the one newSize falls
// in. Blocks within [0, newSize) are left untouched; indirect blocks that
// end up with no remaining live children are not reclaimed (a scan-order
// simplification — see DESIGN.md).
func (fs *Ext2Fs) shrinkTo(in *inode, newSize uint64) *kernel.Error {
	blockSize := uint64(fs.sb.blockSize())
	oldBlocks := ceilDivU64(in.size(), blockSize)
	newBlocks := ceilDivU64(newSize, blockSize)

	for l := newBlocks; l < oldBlocks; l++ {
		phys, err := fs.blockAt(in, uint32(l))
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		if err := fs.deallocateBlock(phys); err != nil {
			return err
		}
		if err := fs.setBlockAt(in, uint32(l), 0); err != nil {
			return err
		}
	}

	in.setSize(newSize)
	return nil
}

func ceilDivU64(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Ext2File is the vfs.File handle FOpen hands back for a regular file.
type Ext2File struct {
	fs       *Ext2Fs
	ino      uint32
	in       *inode
	pos      int64
	writable bool
}

func (f *Ext2File) Read(p []byte) (int, error) {
	n, err := f.fs.readInodeData(f.in, f.pos, p)
	f.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *Ext2File) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, ErrReadOnlyFS
	}
	n, err := f.fs.writeInodeData(f.ino, f.in, f.pos, p)
	f.pos += int64(n)
	if err != nil {
		return n, err
	}
	return n, nil
}

func (f *Ext2File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(f.in.size()) + offset
	}
	return f.pos, nil
}

func (f *Ext2File) Close() error { return nil }
