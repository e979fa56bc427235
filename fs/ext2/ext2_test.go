package ext2

import (
	"bytes"
	"testing"

	"gopheros/kernel/vfs"
)

// memDevice is an in-memory blockdev.Device, the same fixture shape used by
// fs/mbr's tests.
type memDevice struct {
	data []byte
}

func newMemDevice(size int64) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}
func (m *memDevice) Size() int64  { return int64(len(m.data)) }
func (m *memDevice) Sync() error  { return nil }
func (m *memDevice) Close() error { return nil }

const (
	testBlockSize      = 1024
	testBlocksCount    = 512
	testInodesPerGroup = 64
	testInodeSize      = 128

	blkBoot       = 0
	blkSuper      = 1
	blkBGDT       = 2
	blkBlockBmp   = 3
	blkInodeBmp   = 4
	blkInodeTable = 5 // 64 inodes * 128B = 8192B = 8 blocks -> 5..12
	blkDataStart  = 13
)

// formatTestImage writes a minimal single-block-group ext2 layout: a root
// inode (2) containing "." and "..", with all metadata blocks marked used
// in the block bitmap and the root inode marked used in the inode bitmap.
func formatTestImage(t *testing.T) *memDevice {
	t.Helper()
	dev := newMemDevice(testBlockSize * testBlocksCount)

	sb := &superBlock{
		inodesCount:     testInodesPerGroup,
		blocksCount:     testBlocksCount,
		freeBlocksCount: testBlocksCount - blkDataStart,
		freeInodesCount: testInodesPerGroup - 2, // root + reserved inode 1
		firstDataBlock:  1,
		logBlockSize:    0,
		blocksPerGroup:  testBlocksCount,
		inodesPerGroup:  testInodesPerGroup,
		magic:           ext2Magic,
		revLevel:        1,
		firstIno:        11,
		inodeSize:       testInodeSize,
	}
	sbBuf := make([]byte, superblockSize)
	sb.marshal(sbBuf)
	dev.WriteAt(sbBuf, superblockOffset)

	bgd := blockGroupDescriptor{
		blockBitmap:    blkBlockBmp,
		inodeBitmap:    blkInodeBmp,
		inodeTable:     blkInodeTable,
		freeBlockCount: uint16(testBlocksCount - blkDataStart),
		freeInodeCount: uint16(testInodesPerGroup - 2),
	}
	bgdBuf := make([]byte, bgdEntrySize)
	bgd.marshal(bgdBuf)
	dev.WriteAt(bgdBuf, int64(blkBGDT)*testBlockSize)

	blockBmp := make([]byte, testBlockSize)
	for b := 0; b < blkDataStart; b++ {
		bitSetOn(blockBmp, uint32(b))
	}
	dev.WriteAt(blockBmp, int64(blkBlockBmp)*testBlockSize)

	inodeBmp := make([]byte, testBlockSize)
	bitSetOn(inodeBmp, 0) // inode 1 (reserved)
	bitSetOn(inodeBmp, 1) // inode 2 (root)
	dev.WriteAt(inodeBmp, int64(blkInodeBmp)*testBlockSize)

	root := &inode{mode: typeDirectory | 0755, linksCount: 2}
	root.block[0] = blkDataStart
	root.setSize(testBlockSize)
	rootBuf := make([]byte, testInodeSize)
	root.marshal(rootBuf)
	inodeOff := int64(blkInodeTable)*testBlockSize + int64(rootInode-1)*testInodeSize
	dev.WriteAt(rootBuf, inodeOff)

	rootData := make([]byte, testBlockSize)
	writeRawDirEntry(rootData, 0, rootInode, 12, ".")
	writeRawDirEntry(rootData, 12, rootInode, testBlockSize-12, "..")
	dev.WriteAt(rootData, int64(blkDataStart)*testBlockSize)

	return dev
}

func writeRawDirEntry(buf []byte, off int, ino uint32, recLen uint16, name string) {
	writeU32(buf, off, ino)
	writeU16(buf, off+4, recLen)
	buf[off+6] = byte(len(name))
	buf[off+7] = fTypeDir
	copy(buf[off+8:], name)
}

func mountTest(t *testing.T) (*Ext2Fs, *memDevice) {
	t.Helper()
	dev := formatTestImage(t)
	fs, err := Mount(dev)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	return fs, dev
}

func TestMountRejectsBadMagic(t *testing.T) {
	dev := formatTestImage(t)
	// Corrupt the magic.
	buf := make([]byte, 2)
	dev.WriteAt(buf, superblockOffset+56)
	if _, err := Mount(dev); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestMountFailsOnUnsupportedRequiredFeature(t *testing.T) {
	dev := formatTestImage(t)
	buf := make([]byte, 4)
	writeU32(buf, 0, 0x4) // journal_replay, unsupported
	dev.WriteAt(buf, superblockOffset+96)
	if _, err := Mount(dev); err != ErrUnsupportedFeature {
		t.Fatalf("expected ErrUnsupportedFeature, got %v", err)
	}
}

func TestMountDowngradesToReadOnlyOnUnsupportedWriteFeature(t *testing.T) {
	dev := formatTestImage(t)
	buf := make([]byte, 4)
	writeU32(buf, 0, 0x4) // directory_tree (btree), unsupported for writing
	dev.WriteAt(buf, superblockOffset+100)

	fs, err := Mount(dev)
	if err != nil {
		t.Fatalf("unexpected mount failure: %v", err)
	}
	if !fs.ReadOnly() {
		t.Fatalf("expected read-only mount")
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs, _ := mountTest(t)

	f, err := fs.FOpen("/hello.txt", vfs.Mode{Write: true, Truncate: true})
	if err != nil {
		t.Fatalf("FOpen create failed: %v", err)
	}
	payload := bytes.Repeat([]byte("gopher"), 200) // 1200 bytes, crosses a 1024-byte block
	if n, werr := f.Write(payload); werr != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, werr)
	}
	f.Close()

	f2, err := fs.FOpen("/hello.txt", vfs.Mode{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f2.Close()
	got := make([]byte, len(payload))
	if _, rerr := f2.Read(got); rerr != nil {
		t.Fatalf("Read failed: %v", rerr)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestWriteCrossesSinglyIndirectBoundary(t *testing.T) {
	fs, _ := mountTest(t)

	f, err := fs.FOpen("/big.bin", vfs.Mode{Write: true, Truncate: true})
	if err != nil {
		t.Fatalf("FOpen create failed: %v", err)
	}
	defer f.Close()

	// 12 direct blocks hold 12*1024 = 12288 bytes; push well past that so
	// the singly-indirect pointer chain is exercised.
	size := 12288 + 4096
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	if n, werr := f.Write(payload); werr != nil || n != size {
		t.Fatalf("Write = %d, %v", n, werr)
	}

	if _, serr := f.Seek(0, 0); serr != nil {
		t.Fatalf("seek failed: %v", serr)
	}
	got := make([]byte, size)
	if _, rerr := f.Read(got); rerr != nil {
		t.Fatalf("Read failed: %v", rerr)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch across indirect boundary")
	}
}

func TestTruncateOnWriteOpenZeroesFile(t *testing.T) {
	fs, _ := mountTest(t)

	f, _ := fs.FOpen("/trunc.bin", vfs.Mode{Write: true, Truncate: true})
	f.Write(bytes.Repeat([]byte{0xAA}, 5000))
	f.Close()

	f2, err := fs.FOpen("/trunc.bin", vfs.Mode{Write: true, Truncate: true})
	if err != nil {
		t.Fatalf("truncate reopen failed: %v", err)
	}
	f2.Close()

	num, in := fs.GetInode("/trunc.bin")
	if num == 0 {
		t.Fatalf("file vanished after truncate")
	}
	if in.size() != 0 {
		t.Fatalf("expected size 0 after truncate, got %d", in.size())
	}
	for i, b := range in.block {
		if b != 0 {
			t.Fatalf("expected block[%d] to be zeroed, got %d", i, b)
		}
	}
}

func TestPathResolutionCollapsesSlashes(t *testing.T) {
	fs, _ := mountTest(t)

	binNum, err := fs.allocateInode()
	if err != nil {
		t.Fatalf("allocateInode: %v", err)
	}
	binIn := &inode{mode: typeDirectory | 0755, linksCount: 2}
	if err := fs.writeInode(binNum, binIn); err != nil {
		t.Fatalf("writeInode: %v", err)
	}

	rootNum, rootIn := fs.GetInode("/")
	if rootNum == 0 {
		t.Fatalf("root did not resolve")
	}
	if err := fs.addDirEntry(rootNum, &rootIn, "bin", binNum, fTypeDir); err != nil {
		t.Fatalf("addDirEntry(bin): %v", err)
	}

	leafNum, err := fs.allocateInode()
	if err != nil {
		t.Fatalf("allocateInode leaf: %v", err)
	}
	leafIn := &inode{mode: typeFile | 0644, linksCount: 1}
	if err := fs.writeInode(leafNum, leafIn); err != nil {
		t.Fatalf("writeInode leaf: %v", err)
	}
	if err := fs.addDirEntry(binNum, binIn, "init", leafNum, fTypeRegular); err != nil {
		t.Fatalf("addDirEntry(init): %v", err)
	}

	gotNum, _ := fs.GetInode("/bin/init")
	if gotNum != leafNum {
		t.Fatalf("GetInode(/bin/init) = %d, want %d", gotNum, leafNum)
	}

	gotNum2, _ := fs.GetInode("//bin///init")
	if gotNum2 != leafNum {
		t.Fatalf("GetInode(//bin///init) = %d, want %d", gotNum2, leafNum)
	}

	if n, _ := fs.GetInode("/bin/missing"); n != 0 {
		t.Fatalf("expected 0 for missing leaf, got %d", n)
	}
	if n, _ := fs.GetInode("bin/init"); n != 0 {
		t.Fatalf("expected 0 for relative path, got %d", n)
	}
}

func TestDirOpenListsEntriesExcludingDotAndTombstones(t *testing.T) {
	fs, _ := mountTest(t)

	f, _ := fs.FOpen("/a.txt", vfs.Mode{Write: true, Truncate: true})
	f.Close()
	f, _ = fs.FOpen("/b.txt", vfs.Mode{Write: true, Truncate: true})
	f.Close()

	entries, err := fs.DirOpen("/")
	if err != nil {
		t.Fatalf("DirOpen: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["a.txt"] || !names["b.txt"] {
		t.Fatalf("expected a.txt and b.txt in listing, got %v", entries)
	}
	if names["."] || names[".."] {
		t.Fatalf("dot entries should not appear in DirOpen output")
	}
}

func TestDeallocateBlockIsIdempotentAndUpdatesCounters(t *testing.T) {
	fs, _ := mountTest(t)

	blk, err := fs.allocateBlock()
	if err != nil {
		t.Fatalf("allocateBlock: %v", err)
	}
	freeBefore := fs.sb.freeBlocksCount

	if err := fs.deallocateBlock(blk); err != nil {
		t.Fatalf("deallocateBlock: %v", err)
	}
	if fs.sb.freeBlocksCount != freeBefore+1 {
		t.Fatalf("expected free block count to increase by 1")
	}

	// Deallocating an already-free block is a no-op, not an error.
	if err := fs.deallocateBlock(blk); err != nil {
		t.Fatalf("second deallocateBlock should be a no-op, got %v", err)
	}
	if fs.sb.freeBlocksCount != freeBefore+1 {
		t.Fatalf("double free must not double-increment the counter")
	}
}
