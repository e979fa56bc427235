package elf

import (
	"bytes"
	"io"

	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/vmm"
)

// segmentConfig is the page configuration every PT_LOAD segment is mapped
// with; write access is always granted up front (read-only protection for
// .text/.rodata is a future optimisation per spec §4.6).
const segmentConfig = vmm.FlagPresent | vmm.FlagWritable | vmm.FlagUserAccess

// Segment is one validated PT_LOAD program header entry.
type Segment struct {
	VAddr  uint32
	Offset uint32
	FileSz uint32
	MemSz  uint32
}

// pageStart rounds addr down to the nearest page boundary.
func pageStart(addr uint32) uint32 { return addr &^ (vmm.PageSize - 1) }

// Image is a validated, parsed ELF32 executable ready for allocation and
// loading. The backing reader is kept open for the lifetime of the Image
// since Load streams segment data directly from it.
type Image struct {
	r        io.ReaderAt
	header   *fileHeader
	Segments []Segment
	// BreakPoint is the address immediately past .bss, or past the last
	// PT_LOAD's memory image if no .bss section exists.
	BreakPoint uint32
	// EntryPoint is the address execution should begin at after loading.
	EntryPoint uint32
}

// Parse reads and validates the file header, program header table, and
// (if present) the section header table of r, and computes the process
// break point. It does not allocate memory or load segment data; call
// Allocate then Load for that.
func Parse(r io.ReaderAt) (*Image, *kernel.Error) {
	hdrBuf := make([]byte, fileHeaderSize)
	if err := readAtFull(r, hdrBuf, 0); err != nil {
		return nil, err
	}
	hdr, err := parseFileHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if err := hdr.checkValidity(); err != nil {
		return nil, err
	}

	segments, err := readLoadSegments(r, hdr)
	if err != nil {
		return nil, err
	}

	img := &Image{
		r:          r,
		header:     hdr,
		Segments:   segments,
		EntryPoint: hdr.entry,
	}
	img.BreakPoint, err = computeBreakPoint(r, hdr, segments)
	if err != nil {
		return nil, err
	}
	kfmt.Printf("elf: parsed image, entry=0x%x break=0x%x segments=%d\n",
		img.EntryPoint, img.BreakPoint, uint32(len(segments)))
	return img, nil
}

// readLoadSegments parses the program header table, requiring at least one
// PT_LOAD entry and rejecting any segment whose vaddr is misaligned to its
// p_align (spec §4.6: "(align >> 1) & vaddr must be zero").
func readLoadSegments(r io.ReaderAt, hdr *fileHeader) ([]Segment, *kernel.Error) {
	buf := make([]byte, int(hdr.phnum)*programHeaderSize)
	if err := readAtFull(r, buf, int64(hdr.phoff)); err != nil {
		return nil, err
	}

	var segments []Segment
	for i := 0; i < int(hdr.phnum); i++ {
		ph := parseProgramHeader(buf[i*programHeaderSize:])
		if ph.pType != ptLoad {
			continue
		}
		if ph.align > 1 && (ph.align>>1)&ph.vaddr != 0 {
			return nil, ErrMisaligned
		}
		segments = append(segments, Segment{
			VAddr:  ph.vaddr,
			Offset: ph.offset,
			FileSz: ph.filesz,
			MemSz:  ph.memsz,
		})
	}
	if len(segments) == 0 {
		return nil, ErrNoLoadSegment
	}
	return segments, nil
}

// computeBreakPoint looks up the .bss section (if any) via the section
// header table and shstrtab, returning the address immediately past it.
// With no section header table, or no .bss section, it falls back to the
// end of the last PT_LOAD segment's memory image.
func computeBreakPoint(r io.ReaderAt, hdr *fileHeader, segments []Segment) (uint32, *kernel.Error) {
	fallback := uint32(0)
	for _, s := range segments {
		if end := s.VAddr + s.MemSz; end > fallback {
			fallback = end
		}
	}

	if hdr.shnum == 0 || hdr.shentsize == 0 {
		return fallback, nil
	}

	buf := make([]byte, int(hdr.shnum)*sectionHeaderSize)
	if err := readAtFull(r, buf, int64(hdr.shoff)); err != nil {
		return 0, err
	}
	sections := make([]*sectionHeader, hdr.shnum)
	for i := range sections {
		sections[i] = parseSectionHeader(buf[i*sectionHeaderSize:])
	}

	if int(hdr.shstrndx) >= len(sections) {
		return fallback, nil
	}
	strtab := sections[hdr.shstrndx]
	strtabData := make([]byte, strtab.size)
	if err := readAtFull(r, strtabData, int64(strtab.offset)); err != nil {
		return fallback, nil
	}

	for _, sh := range sections {
		if sectionName(strtabData, sh.name) == ".bss" {
			return sh.addr + sh.size, nil
		}
	}
	return fallback, nil
}

func sectionName(strtab []byte, off uint32) string {
	if int(off) >= len(strtab) {
		return ""
	}
	end := bytes.IndexByte(strtab[off:], 0)
	if end < 0 {
		return string(strtab[off:])
	}
	return string(strtab[off : int(off)+end])
}

// Allocate maps every page covering each PT_LOAD segment's memory image
// into pdt with Present+Writable+UserAccess, per spec §4.6.
func (img *Image) Allocate(pdt *vmm.PDT) *kernel.Error {
	for _, s := range img.Segments {
		start := pageStart(s.VAddr)
		end := s.VAddr + s.MemSz
		for addr := start; addr < end; addr += vmm.PageSize {
			if !pdt.Allocate(addr, segmentConfig, nil) {
				return kernel.NewError("elf", "failed to allocate virtual memory for segment")
			}
		}
	}
	return nil
}

// Deallocate frees every page Allocate mapped, symmetric to Allocate, for
// use during process destruction.
func (img *Image) Deallocate(pdt *vmm.PDT) {
	for _, s := range img.Segments {
		start := pageStart(s.VAddr)
		end := s.VAddr + s.MemSz
		for addr := start; addr < end; addr += vmm.PageSize {
			pdt.Free(addr, true)
		}
	}
}

// Load zero-fills each segment's memory image and then copies its file
// content over the front of it. writeAt writes len(p) bytes of already
// loaded/zeroed segment data starting at the given virtual address; callers
// supply one that goes through the now-active PDT (kernel/physmem backed in
// this hosted port, a raw store on real hardware). Load assumes the PDT
// mappings from Allocate are already the active address space.
func (img *Image) Load(writeAt func(vaddr uint32, p []byte) *kernel.Error) *kernel.Error {
	zero := make([]byte, vmm.PageSize)
	for _, s := range img.Segments {
		remaining := s.MemSz
		addr := s.VAddr
		for remaining > 0 {
			n := uint32(len(zero))
			if n > remaining {
				n = remaining
			}
			if err := writeAt(addr, zero[:n]); err != nil {
				return err
			}
			addr += n
			remaining -= n
		}

		if s.FileSz == 0 {
			continue
		}
		fileBuf := make([]byte, s.FileSz)
		if err := readAtFull(img.r, fileBuf, int64(s.Offset)); err != nil {
			return err
		}
		if err := writeAt(s.VAddr, fileBuf); err != nil {
			return err
		}
	}
	return nil
}
