package ext2

const bgdEntrySize = 32

// blockGroupDescriptor mirrors one 32-byte entry of the block group
// descriptor table that immediately follows the block containing the
// superblock.
type blockGroupDescriptor struct {
	blockBitmap     uint32
	inodeBitmap     uint32
	inodeTable      uint32
	freeBlockCount  uint16
	freeInodeCount  uint16
	usedDirCount    uint16
}

func parseBGD(buf []byte) blockGroupDescriptor {
	return blockGroupDescriptor{
		blockBitmap:    readU32(buf, 0),
		inodeBitmap:    readU32(buf, 4),
		inodeTable:     readU32(buf, 8),
		freeBlockCount: readU16(buf, 12),
		freeInodeCount: readU16(buf, 14),
		usedDirCount:   readU16(buf, 16),
	}
}

func (g *blockGroupDescriptor) marshal(buf []byte) {
	writeU32(buf, 0, g.blockBitmap)
	writeU32(buf, 4, g.inodeBitmap)
	writeU32(buf, 8, g.inodeTable)
	writeU16(buf, 12, g.freeBlockCount)
	writeU16(buf, 14, g.freeInodeCount)
	writeU16(buf, 16, g.usedDirCount)
}

// bgdtBlock returns the block number holding the first block-group
// descriptor: the block immediately after the one containing the
// superblock.
func (fs *Ext2Fs) bgdtBlock() uint32 {
	return fs.sb.firstDataBlock + 1
}
