// Package mbr implements the partition-table collaborator described in spec
// §4.5.4 and §6: when a block device is first seen by DevFs, its first
// sector is inspected for an MBR signature; a protective MBR (the sole
// partition entry typed 0xEE) means the real table is a GPT, which is then
// read and cross-checked against its backup copy. Each discovered partition
// becomes a new block device registered with DevFs as "<disk><n>", n 1-based
// (spec §4.5.1's naming policy for letter-indexed device classes applies to
// the disk name itself; the partition suffix is always a plain decimal
// index).
package mbr

import (
	"github.com/google/uuid"

	"gopheros/blockdev"
	"gopheros/kernel"
)

var (
	ErrNoSignature  = kernel.NewError("mbr", "sector 0 does not carry the 0x55 0xAA MBR signature")
	ErrBadGPTHeader = kernel.NewError("mbr", "GPT header signature mismatch")
	ErrGPTMismatch  = kernel.NewError("mbr", "primary and backup GPT headers disagree")
)

// LinuxFilesystemGUID is the GPT partition type GUID for a native Linux
// filesystem, per spec §6.
var LinuxFilesystemGUID = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")

const sectorSize = 512

// Entry describes one discovered partition, whether it came from an MBR or a
// GPT table.
type Entry struct {
	// Bootable reflects the MBR status byte's 0x80 bit. The source treats
	// a missing 0x80 bit as "not active" even when other bits are set;
	// this port preserves that (spec §9 ambiguous-behaviour note) rather
	// than treating any nonzero status byte as bootable.
	Bootable  bool
	Type      uint8 // 0 for GPT-sourced entries; see TypeGUID instead
	TypeGUID  uuid.UUID
	FirstLBA  uint64
	NumSects  uint64
	IsGPT     bool
}

// partitionView is a blockdev.Device restricted to the sector window
// [firstLBA, firstLBA+numSects) of an underlying disk device, the concrete
// "block device that a partition becomes" of spec §4.5.4.
type partitionView struct {
	disk     blockdev.Device
	baseByte int64
	size     int64
}

func (p *partitionView) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > p.size {
		return 0, blockdev.ErrBadSize
	}
	return p.disk.ReadAt(b, p.baseByte+off)
}

func (p *partitionView) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > p.size {
		return 0, blockdev.ErrBadSize
	}
	return p.disk.WriteAt(b, p.baseByte+off)
}

func (p *partitionView) Size() int64  { return p.size }
func (p *partitionView) Sync() error  { return p.disk.Sync() }
func (p *partitionView) Close() error { return nil }

// Registrar is the narrow slice of fs/devfs.DevFs that Probe needs: a place
// to bind newly discovered partition devices under names derived from the
// parent disk's name.
type Registrar interface {
	RegisterBlockDevice(name string, dev blockdev.Device) *kernel.Error
}

// Probe inspects diskName's first sector for an MBR signature. On a plain
// MBR it returns up to four Entry values built directly from the four
// partition-table slots. On a protective MBR (single valid slot typed 0xEE)
// it instead reads and cross-validates the GPT header and returns its
// partition entries. For every returned Entry it also registers a block
// device "<diskName><n>" (n 1-based) with reg, windowed to that partition's
// sector range.
func Probe(diskName string, dev blockdev.Device, reg Registrar) ([]Entry, *kernel.Error) {
	sector := make([]byte, sectorSize)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		return nil, kernel.NewError("mbr", err.Error())
	}

	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, ErrNoSignature
	}

	raw := parseRawEntries(sector)

	if isProtectiveMBR(raw) {
		return probeGPT(diskName, dev, reg)
	}

	var entries []Entry
	n := 1
	for _, r := range raw {
		if r.typ == 0 || r.numSects == 0 {
			continue
		}
		e := Entry{
			Bootable: r.status&0x80 != 0,
			Type:     r.typ,
			FirstLBA: uint64(r.firstLBA),
			NumSects: uint64(r.numSects),
		}
		if err := register(diskName, n, dev, e, reg); err != nil {
			return nil, err
		}
		entries = append(entries, e)
		n++
	}
	return entries, nil
}

type rawEntry struct {
	status   uint8
	typ      uint8
	firstLBA uint32
	numSects uint32
}

func parseRawEntries(sector []byte) [4]rawEntry {
	var out [4]rawEntry
	for i := 0; i < 4; i++ {
		off := 0x1BE + i*16
		out[i] = rawEntry{
			status:   sector[off],
			typ:      sector[off+4],
			firstLBA: readU32(sector, off+8),
			numSects: readU32(sector, off+12),
		}
	}
	return out
}

// isProtectiveMBR reports whether exactly one of the four MBR slots is
// populated and that slot is typed 0xEE (GPT protective marker).
func isProtectiveMBR(raw [4]rawEntry) bool {
	validCount := 0
	protectiveIdx := -1
	for i, r := range raw {
		if r.typ == 0 {
			continue
		}
		validCount++
		if r.typ == 0xEE {
			protectiveIdx = i
		}
	}
	return validCount == 1 && protectiveIdx >= 0
}

// gptHeader mirrors the 92-byte fixed portion of a GPT header (spec §6).
type gptHeader struct {
	signature        [8]byte
	revision         uint32
	headerSize       uint32
	headerCRC32      uint32
	reserved         uint32
	currentLBA       uint64
	backupLBA        uint64
	firstUsableLBA   uint64
	lastUsableLBA    uint64
	diskGUID         uuid.UUID
	partEntryLBA     uint64
	numPartEntries   uint32
	partEntrySize    uint32
	partEntryArrCRC  uint32
}

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

func readGPTHeader(dev blockdev.Device, lba uint64) (*gptHeader, []byte, *kernel.Error) {
	buf := make([]byte, sectorSize)
	if _, err := dev.ReadAt(buf, int64(lba)*sectorSize); err != nil {
		return nil, nil, kernel.NewError("mbr", err.Error())
	}

	var h gptHeader
	copy(h.signature[:], buf[0:8])
	if h.signature != gptSignature {
		return nil, nil, ErrBadGPTHeader
	}
	h.revision = readU32(buf, 8)
	h.headerSize = readU32(buf, 12)
	h.headerCRC32 = readU32(buf, 16)
	h.reserved = readU32(buf, 20)
	h.currentLBA = readU64(buf, 24)
	h.backupLBA = readU64(buf, 32)
	h.firstUsableLBA = readU64(buf, 40)
	h.lastUsableLBA = readU64(buf, 48)
	guid, _ := uuid.FromBytes(reverseMixedEndianGUID(buf[56:72]))
	h.diskGUID = guid
	h.partEntryLBA = readU64(buf, 72)
	h.numPartEntries = readU32(buf, 80)
	h.partEntrySize = readU32(buf, 84)
	h.partEntryArrCRC = readU32(buf, 88)

	return &h, buf, nil
}

// reverseMixedEndianGUID converts the on-disk mixed-endian GPT GUID encoding
// (first three fields little-endian, last two big-endian) into the canonical
// big-endian byte order uuid.FromBytes expects.
func reverseMixedEndianGUID(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func readPartitionEntries(dev blockdev.Device, h *gptHeader) ([]byte, []Entry) {
	tableBytes := make([]byte, uint64(h.numPartEntries)*uint64(h.partEntrySize))
	dev.ReadAt(tableBytes, int64(h.partEntryLBA)*sectorSize)

	var entries []Entry
	for i := uint32(0); i < h.numPartEntries; i++ {
		rec := tableBytes[uint64(i)*uint64(h.partEntrySize):]
		typeGUIDRaw := reverseMixedEndianGUID(rec[0:16])
		typeGUID, _ := uuid.FromBytes(typeGUIDRaw)
		if typeGUID == uuid.Nil {
			continue
		}
		firstLBA := readU64(rec, 32)
		lastLBA := readU64(rec, 40)
		entries = append(entries, Entry{
			IsGPT:    true,
			TypeGUID: typeGUID,
			FirstLBA: firstLBA,
			NumSects: lastLBA - firstLBA + 1,
		})
	}
	return tableBytes, entries
}

// probeGPT reads the primary GPT header and partition array, confirms them
// against the backup header and array (UUID match, primary/backup LBAs
// swapped, partition table bytes equal), and registers the discovered
// partitions.
func probeGPT(diskName string, dev blockdev.Device, reg Registrar) ([]Entry, *kernel.Error) {
	primary, _, err := readGPTHeader(dev, 1)
	if err != nil {
		return nil, err
	}

	backup, _, err := readGPTHeader(dev, primary.backupLBA)
	if err != nil {
		return nil, err
	}

	if primary.diskGUID != backup.diskGUID {
		return nil, ErrGPTMismatch
	}
	if backup.backupLBA != primary.currentLBA || backup.currentLBA != primary.backupLBA {
		return nil, ErrGPTMismatch
	}

	primaryTable, entries := readPartitionEntries(dev, primary)
	backupTable, _ := readPartitionEntries(dev, backup)
	if !bytesEqual(primaryTable, backupTable) {
		return nil, ErrGPTMismatch
	}

	n := 1
	for _, e := range entries {
		if err := register(diskName, n, dev, e, reg); err != nil {
			return nil, err
		}
		n++
	}
	return entries, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func register(diskName string, n int, dev blockdev.Device, e Entry, reg Registrar) *kernel.Error {
	if reg == nil {
		return nil
	}
	name := diskName + itoa(n)
	view := &partitionView{
		disk:     dev,
		baseByte: int64(e.FirstLBA) * sectorSize,
		size:     int64(e.NumSects) * sectorSize,
	}
	return reg.RegisterBlockDevice(name, view)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	return string(buf)
}

func readU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func readU64(b []byte, off int) uint64 {
	lo := readU32(b, off)
	hi := readU32(b, off+4)
	return uint64(lo) | uint64(hi)<<32
}
