package ext2

import "gopheros/kernel"

// Inode type nibble, the high 4 bits of the on-disk mode field.
const (
	typeFIFO      = 0x1000
	typeCharDev   = 0x2000
	typeDirectory = 0x4000
	typeBlockDev  = 0x6000
	typeFile      = 0x8000
	typeSymlink   = 0xA000
	typeSocket    = 0xC000
	typeMask      = 0xF000
)

const (
	numDirectBlocks = 12
	singlyIndirect  = numDirectBlocks
	doublyIndirect  = numDirectBlocks + 1
	triplyIndirect  = numDirectBlocks + 2
	numBlockPtrs    = 15
)

// inode mirrors the fixed 128-byte on-disk inode record (Ext.h's Ext2Inode).
type inode struct {
	mode       uint16
	uid        uint16
	sizeLow    uint32
	atime      uint32
	ctime      uint32
	mtime      uint32
	dtime      uint32
	gid        uint16
	linksCount uint16
	blocks     uint32
	flags      uint32
	block      [numBlockPtrs]uint32
	generation uint32
	fileACL    uint32
	sizeHigh   uint32
}

func (i *inode) isDirectory() bool { return i.mode&typeMask == typeDirectory }
func (i *inode) isFile() bool      { return i.mode&typeMask == typeFile }

func (i *inode) size() uint64 {
	return uint64(i.sizeLow) | uint64(i.sizeHigh)<<32
}

func (i *inode) setSize(sz uint64) {
	i.sizeLow = uint32(sz)
	i.sizeHigh = uint32(sz >> 32)
}

func parseInode(buf []byte) *inode {
	in := &inode{
		mode:       readU16(buf, 0),
		uid:        readU16(buf, 2),
		sizeLow:    readU32(buf, 4),
		atime:      readU32(buf, 8),
		ctime:      readU32(buf, 12),
		mtime:      readU32(buf, 16),
		dtime:      readU32(buf, 20),
		gid:        readU16(buf, 24),
		linksCount: readU16(buf, 26),
		blocks:     readU32(buf, 28),
		flags:      readU32(buf, 32),
		generation: readU32(buf, 100),
		fileACL:    readU32(buf, 104),
		sizeHigh:   readU32(buf, 108),
	}
	for i2 := 0; i2 < numBlockPtrs; i2++ {
		in.block[i2] = readU32(buf, 40+i2*4)
	}
	return in
}

func (i *inode) marshal(buf []byte) {
	writeU16(buf, 0, i.mode)
	writeU16(buf, 2, i.uid)
	writeU32(buf, 4, i.sizeLow)
	writeU32(buf, 8, i.atime)
	writeU32(buf, 12, i.ctime)
	writeU32(buf, 16, i.mtime)
	writeU32(buf, 20, i.dtime)
	writeU16(buf, 24, i.gid)
	writeU16(buf, 26, i.linksCount)
	writeU32(buf, 28, i.blocks)
	writeU32(buf, 32, i.flags)
	for i2 := 0; i2 < numBlockPtrs; i2++ {
		writeU32(buf, 40+i2*4, i.block[i2])
	}
	writeU32(buf, 100, i.generation)
	writeU32(buf, 104, i.fileACL)
	writeU32(buf, 108, i.sizeHigh)
}

// groupOfInode returns the (0-based) block group and the index within that
// group's inode table for a 1-based inode number, per the resolution
// formula: group = (n-1) / inodes_per_group, index = (n-1) % inodes_per_group.
func (fs *Ext2Fs) groupOfInode(n uint32) (group, index uint32) {
	group = (n - 1) / fs.sb.inodesPerGroup
	index = (n - 1) % fs.sb.inodesPerGroup
	return
}

// readInode loads inode number n (1-based) from its block group's inode
// table.
func (fs *Ext2Fs) readInode(n uint32) (*inode, *kernel.Error) {
	if n == 0 || n > fs.sb.inodesCount {
		return nil, ErrBadInode
	}
	group, index := fs.groupOfInode(n)
	if int(group) >= len(fs.bgdt) {
		return nil, ErrBadInode
	}
	bgd := fs.bgdt[group]

	byteOff := uint64(bgd.inodeTable)*uint64(fs.sb.blockSize()) + uint64(index)*uint64(fs.sb.inodeSize)
	buf := make([]byte, 128)
	if _, err := fs.dev.ReadAt(buf, int64(byteOff)); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}
	return parseInode(buf), nil
}

// writeInode persists inode number n back to its on-disk slot.
func (fs *Ext2Fs) writeInode(n uint32, in *inode) *kernel.Error {
	group, index := fs.groupOfInode(n)
	if int(group) >= len(fs.bgdt) {
		return ErrBadInode
	}
	bgd := fs.bgdt[group]

	byteOff := uint64(bgd.inodeTable)*uint64(fs.sb.blockSize()) + uint64(index)*uint64(fs.sb.inodeSize)
	buf := make([]byte, 128)
	in.marshal(buf)
	if _, err := fs.dev.WriteAt(buf, int64(byteOff)); err != nil {
		return kernel.NewError("ext2", err.Error())
	}
	return nil
}

// blockToByte/byteToBlock are the address-translation primitives spec
// §4.5.3 names explicitly.
func (fs *Ext2Fs) blockToByte(b uint32) int64 { return int64(b) * int64(fs.sb.blockSize()) }
func (fs *Ext2Fs) byteToBlock(off int64) uint32 {
	return uint32(off / int64(fs.sb.blockSize()))
}

// pointersPerBlock is K in the indirection formulas below: how many 4-byte
// block pointers fit in one block.
func (fs *Ext2Fs) pointersPerBlock() uint32 { return fs.sb.blockSize() / 4 }

// readBlockPointer reads the pointer at index idx within the indirect block
// blk (0 means "no block", per ext2 convention, and is propagated as 0).
func (fs *Ext2Fs) readBlockPointer(blk, idx uint32) (uint32, *kernel.Error) {
	if blk == 0 {
		return 0, nil
	}
	buf := make([]byte, 4)
	if _, err := fs.dev.ReadAt(buf, fs.blockToByte(blk)+int64(idx)*4); err != nil {
		return 0, kernel.NewError("ext2", err.Error())
	}
	return readU32(buf, 0), nil
}

func (fs *Ext2Fs) writeBlockPointer(blk, idx, val uint32) *kernel.Error {
	buf := make([]byte, 4)
	writeU32(buf, 0, val)
	if _, err := fs.dev.WriteAt(buf, fs.blockToByte(blk)+int64(idx)*4); err != nil {
		return kernel.NewError("ext2", err.Error())
	}
	return nil
}

// blockAt resolves logical block index l of in to a physical block number,
// walking the direct, singly, doubly and triply indirect pointer chains.
// It returns 0 (with no error) for a hole.
func (fs *Ext2Fs) blockAt(in *inode, l uint32) (uint32, *kernel.Error) {
	k := fs.pointersPerBlock()

	if l < numDirectBlocks {
		return in.block[l], nil
	}
	l -= numDirectBlocks

	if l < k {
		return fs.readBlockPointer(in.block[singlyIndirect], l)
	}
	l -= k

	if l < k*k {
		idx1, idx2 := l/k, l%k
		mid, err := fs.readBlockPointer(in.block[doublyIndirect], idx1)
		if err != nil || mid == 0 {
			return 0, err
		}
		return fs.readBlockPointer(mid, idx2)
	}
	l -= k * k

	if l < k*k*k {
		idx1 := l / (k * k)
		rem := l % (k * k)
		idx2, idx3 := rem/k, rem%k
		lvl1, err := fs.readBlockPointer(in.block[triplyIndirect], idx1)
		if err != nil || lvl1 == 0 {
			return 0, err
		}
		lvl2, err := fs.readBlockPointer(lvl1, idx2)
		if err != nil || lvl2 == 0 {
			return 0, err
		}
		return fs.readBlockPointer(lvl2, idx3)
	}

	return 0, ErrFileTooLarge
}

// setBlockAt binds logical block index l of in to phys, allocating any
// indirect blocks needed along the way. It mutates in.block in place for
// direct/first-level pointers and persists intermediate indirect blocks
// immediately.
func (fs *Ext2Fs) setBlockAt(in *inode, l, phys uint32) *kernel.Error {
	k := fs.pointersPerBlock()

	if l < numDirectBlocks {
		in.block[l] = phys
		return nil
	}
	l -= numDirectBlocks

	if l < k {
		ptr, err := fs.ensureIndirect(&in.block[singlyIndirect])
		if err != nil {
			return err
		}
		return fs.writeBlockPointer(ptr, l, phys)
	}
	l -= k

	if l < k*k {
		idx1, idx2 := l/k, l%k
		top, err := fs.ensureIndirect(&in.block[doublyIndirect])
		if err != nil {
			return err
		}
		midPtr, err := fs.readBlockPointer(top, idx1)
		if err != nil {
			return err
		}
		if midPtr == 0 {
			midPtr, err = fs.allocBlockZeroed()
			if err != nil {
				return err
			}
			if err := fs.writeBlockPointer(top, idx1, midPtr); err != nil {
				return err
			}
		}
		return fs.writeBlockPointer(midPtr, idx2, phys)
	}
	l -= k * k

	if l < k*k*k {
		idx1 := l / (k * k)
		rem := l % (k * k)
		idx2, idx3 := rem/k, rem%k
		top, err := fs.ensureIndirect(&in.block[triplyIndirect])
		if err != nil {
			return err
		}
		lvl1, err := fs.readBlockPointer(top, idx1)
		if err != nil {
			return err
		}
		if lvl1 == 0 {
			lvl1, err = fs.allocBlockZeroed()
			if err != nil {
				return err
			}
			if err := fs.writeBlockPointer(top, idx1, lvl1); err != nil {
				return err
			}
		}
		lvl2, err := fs.readBlockPointer(lvl1, idx2)
		if err != nil {
			return err
		}
		if lvl2 == 0 {
			lvl2, err = fs.allocBlockZeroed()
			if err != nil {
				return err
			}
			if err := fs.writeBlockPointer(lvl1, idx2, lvl2); err != nil {
				return err
			}
		}
		return fs.writeBlockPointer(lvl2, idx3, phys)
	}

	return ErrFileTooLarge
}

// ensureIndirect allocates an indirect block for ptr if it is still zero,
// zeroing it on disk so unwritten pointers read back as "no block".
func (fs *Ext2Fs) ensureIndirect(ptr *uint32) (uint32, *kernel.Error) {
	if *ptr != 0 {
		return *ptr, nil
	}
	blk, err := fs.allocBlockZeroed()
	if err != nil {
		return 0, err
	}
	*ptr = blk
	return blk, nil
}

func (fs *Ext2Fs) allocBlockZeroed() (uint32, *kernel.Error) {
	blk, err := fs.allocateBlock()
	if err != nil {
		return 0, err
	}
	zero := make([]byte, fs.sb.blockSize())
	if _, werr := fs.dev.WriteAt(zero, fs.blockToByte(blk)); werr != nil {
		return 0, kernel.NewError("ext2", werr.Error())
	}
	return blk, nil
}
