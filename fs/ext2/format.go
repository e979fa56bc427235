package ext2

import (
	"gopheros/blockdev"
	"gopheros/kernel"
)

// FormatOptions controls the on-disk layout Format lays down.
type FormatOptions struct {
	// BlockSize must be 1024, 2048 or 4096.
	BlockSize uint32
	// InodeCount is the total number of inodes to provision across the
	// single block group this port formats.
	InodeCount uint32
}

// DefaultFormatOptions matches the 1KiB-block, filetype-feature layout the
// rest of this package assumes.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{BlockSize: 1024, InodeCount: 1024}
}

// Format lays down a fresh, single-block-group ext2 file system on dev:
// superblock, block group descriptor table, block and inode bitmaps, an
// inode table, and a root directory inode (2) containing "." and "..".
// Unlike Mount, which reads an existing image, Format is the write-only
// counterpart used by cmd/mkext2image to produce images the rest of this
// package (and, eventually, a kernel mounting one) can read back.
func Format(dev blockdev.Device, opts FormatOptions) (*Ext2Fs, *kernel.Error) {
	blockSize := opts.BlockSize
	if blockSize != 1024 && blockSize != 2048 && blockSize != 4096 {
		return nil, kernel.NewError("ext2", "block size must be 1024, 2048 or 4096")
	}
	inodeCount := opts.InodeCount
	if inodeCount == 0 {
		inodeCount = 1024
	}

	totalBlocks := uint32(dev.Size() / int64(blockSize))
	if totalBlocks < 16 {
		return nil, kernel.NewError("ext2", "device too small to format")
	}

	firstDataBlock := uint32(1)
	if blockSize > 1024 {
		firstDataBlock = 0
	}

	logBlockSize := uint32(0)
	for sz := uint32(1024); sz < blockSize; sz <<= 1 {
		logBlockSize++
	}

	inodeSize := uint16(128)
	inodeTableBlocks := ceilDiv(inodeCount*uint32(inodeSize), blockSize)

	// Single block group: descriptor table (1 block), block bitmap (1
	// block), inode bitmap (1 block), inode table, then data blocks.
	bgdtBlock := firstDataBlock + 1
	blockBitmapBlock := bgdtBlock + 1
	inodeBitmapBlock := blockBitmapBlock + 1
	inodeTableBlock := inodeBitmapBlock + 1
	firstFreeDataBlock := inodeTableBlock + inodeTableBlocks

	if firstFreeDataBlock >= totalBlocks {
		return nil, kernel.NewError("ext2", "device too small for the requested inode count")
	}

	sb := &superBlock{
		inodesCount:      inodeCount,
		blocksCount:      totalBlocks,
		reservedBlocks:   totalBlocks / 20,
		freeBlocksCount:  totalBlocks - firstFreeDataBlock,
		freeInodesCount:  inodeCount - 2, // inode 1 is reserved, inode 2 is the pre-allocated root
		firstDataBlock:   firstDataBlock,
		logBlockSize:     logBlockSize,
		blocksPerGroup:   totalBlocks,
		inodesPerGroup:   inodeCount,
		magic:            ext2Magic,
		revLevel:         1,
		firstIno:         11,
		inodeSize:        inodeSize,
		requiredFeatures: featureIncompatFiletype,
	}

	bgd := blockGroupDescriptor{
		blockBitmap:    blockBitmapBlock,
		inodeBitmap:    inodeBitmapBlock,
		inodeTable:     inodeTableBlock,
		freeBlockCount: uint16(sb.freeBlocksCount),
		freeInodeCount: uint16(sb.freeInodesCount),
		usedDirCount:   1,
	}

	fs := &Ext2Fs{dev: dev, sb: sb, bgdt: []blockGroupDescriptor{bgd}}

	sbBuf := make([]byte, superblockSize)
	sb.marshal(sbBuf)
	if _, err := dev.WriteAt(sbBuf, superblockOffset); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}

	bgdBuf := make([]byte, bgdEntrySize)
	bgd.marshal(bgdBuf)
	if _, err := dev.WriteAt(bgdBuf, fs.blockToByte(bgdtBlock)); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}

	blockBitmap := make([]byte, blockSize)
	for i := uint32(0); i <= firstFreeDataBlock-firstDataBlock; i++ {
		bitSetOn(blockBitmap, i)
	}
	if _, err := dev.WriteAt(blockBitmap, fs.blockToByte(blockBitmapBlock)); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}

	inodeBitmap := make([]byte, blockSize)
	bitSetOn(inodeBitmap, 0) // inode 1, reserved
	bitSetOn(inodeBitmap, 1) // inode 2, root
	if _, err := dev.WriteAt(inodeBitmap, fs.blockToByte(inodeBitmapBlock)); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}

	inodeTable := make([]byte, inodeTableBlocks*blockSize)
	if _, err := dev.WriteAt(inodeTable, fs.blockToByte(inodeTableBlock)); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}

	rootIn := &inode{mode: typeDirectory | 0755, linksCount: 2, block: [numBlockPtrs]uint32{firstFreeDataBlock}}
	rootIn.setSize(uint64(blockSize))
	rootIn.blocks = blockSize / 512
	if err := fs.writeInode(rootInode, rootIn); err != nil {
		return nil, err
	}

	rootData := make([]byte, blockSize)
	writeDirRecord(rootData, 0, rootInode, blockSize/2, ".", fTypeDir)
	writeDirRecord(rootData, blockSize/2, rootInode, blockSize/2, "..", fTypeDir)
	if _, err := dev.WriteAt(rootData, fs.blockToByte(firstFreeDataBlock)); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}

	return fs, nil
}

func writeDirRecord(buf []byte, off int, inodeNum uint32, recLen uint32, name string, fType uint8) {
	rec := buf[off:]
	writeU32(rec, 0, inodeNum)
	writeU16(rec, 4, uint16(recLen))
	rec[6] = byte(len(name))
	rec[7] = fType
	copy(rec[8:], name)
}

// Mkdir creates an empty directory at path, binding it into its parent and
// seeding it with "." and ".." entries.
func (fs *Ext2Fs) Mkdir(path string) *kernel.Error {
	if fs.readOnly {
		return ErrReadOnlyFS
	}
	parentPath, leaf := parentAndLeaf(path)
	if leaf == "" {
		return ErrNotFound
	}
	parentNum, parentIn := fs.GetInode(parentPath)
	if parentNum == 0 || !parentIn.isDirectory() {
		return ErrNotFound
	}
	if existing, _ := fs.lookupInDir(&parentIn, leaf); existing != 0 {
		return kernel.NewError("ext2", "path already exists")
	}

	num, err := fs.allocateInode()
	if err != nil {
		return err
	}

	blk, err := fs.allocBlockZeroed()
	if err != nil {
		return err
	}

	newIn := &inode{mode: typeDirectory | 0755, linksCount: 2, block: [numBlockPtrs]uint32{blk}}
	blockSize := fs.sb.blockSize()
	newIn.setSize(uint64(blockSize))
	newIn.blocks = blockSize / 512

	data := make([]byte, blockSize)
	writeDirRecord(data, 0, num, blockSize/2, ".", fTypeDir)
	writeDirRecord(data, int(blockSize/2), parentNum, blockSize/2, "..", fTypeDir)
	if _, werr := fs.dev.WriteAt(data, fs.blockToByte(blk)); werr != nil {
		return kernel.NewError("ext2", werr.Error())
	}

	if err := fs.writeInode(num, newIn); err != nil {
		return err
	}

	if err := fs.addDirEntry(parentNum, &parentIn, leaf, num, fTypeDir); err != nil {
		return err
	}

	parentIn.linksCount++
	return fs.writeInode(parentNum, &parentIn)
}
