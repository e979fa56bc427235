// Package vmm implements the 32-bit x86 two-level page directory table
// (PDT) described in spec §4.2: one PDT per address space, with a side
// table of pointers to the page tables (PT) it owns, since the hardware PDE
// itself only stores a physical frame number.
//
// The package is modelled the way the teacher's kernel/mm/vmm models its
// (64-bit, recursively-mapped) page tables: a PageDirectoryTable value type
// wrapping raw entries, kernel.Error return values, and mockable function
// variables for the operations a unit test needs to intercept. The concrete
// table layout is different because this spec targets 32-bit non-PAE paging
// with an explicit parallel pointer array rather than a recursive mapping
// trick (see DESIGN.md).
//
// Physical frame contents are accessed through kernel/physmem, which stands
// in for the identity-mapped access the boot trampoline would otherwise
// provide (the trampoline itself is assembly and out of scope per spec §1).
package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/pfa"
	"gopheros/kernel/physmem"
	"gopheros/kernel/sync"
)

// Flag is a page table entry configuration bit, matching the hardware
// encoding for 32-bit x86 PDEs/PTEs.
type Flag uint32

// Configuration flags, per spec §4.2.
const (
	FlagPresent        Flag = 1 << 0
	FlagWritable       Flag = 1 << 1
	FlagUserAccess     Flag = 1 << 2
	FlagWriteThrough   Flag = 1 << 3
	FlagDisableCaching Flag = 1 << 4
	FlagAccessed       Flag = 1 << 5
	FlagDirty          Flag = 1 << 6
	FlagLarge          Flag = 1 << 7

	flagMask = 0xFFF
)

const (
	// PageSize is the size of a small page.
	PageSize = 4096
	// PageShift is log2(PageSize).
	PageShift = 12
	// LargePageSize is the size of a large (4MiB) page.
	LargePageSize = 4 << 20
	// LargePageShift is log2(LargePageSize).
	LargePageShift = 22

	// KernelVirtualBase is the virtual address above which the kernel
	// resides; user space spans [0, KernelVirtualBase).
	KernelVirtualBase uint32 = 0xC0000000

	// kernelPDEBoundary is the PDE index corresponding to
	// KernelVirtualBase (KernelVirtualBase / LargePageSize).
	kernelPDEBoundary = int(KernelVirtualBase / LargePageSize)

	// pdEntries and ptEntries are the fixed sizes of a 32-bit PDT/PT.
	pdEntries = 1024
	ptEntries = 1024

	// ScratchVirtAddr is the single virtual page reserved process-wide
	// for temporarily mapping a freshly-allocated page table so its
	// contents can be initialised. It may not be used for anything else.
	ScratchVirtAddr uint32 = KernelVirtualBase - PageSize
)

var (
	// ErrUnmapped describes an address that is not present in any page
	// table. No function in this package returns it: Translate reports
	// that case through its ok result.
	ErrUnmapped = kernel.NewError("vmm", "virtual address does not point to a mapped physical page")
	// ErrScratchRegion describes an attempt to map the reserved scratch
	// region. No function in this package returns it: Allocate reports
	// that case by returning false.
	ErrScratchRegion = kernel.NewError("vmm", "the reserved scratch virtual page may not be mapped by callers")
	// ErrNoVirtualSpace is returned by Map when no run of free virtual
	// pages large enough for the request exists.
	ErrNoVirtualSpace = kernel.NewError("vmm", "no contiguous virtual address range available")

	// flushTLBEntryFn invalidates a single TLB entry. It is a function
	// variable, following the teacher's convention, so tests can swap in
	// a no-op/counting mock; on real hardware it executes INVLPG.
	flushTLBEntryFn = func(uint32) {}
)

// SetTLBFlushFunc overrides the function invoked whenever a mapping change
// requires a TLB invalidation. Used by tests and, in production, wired to
// the architecture-specific INVLPG wrapper during kernel init.
func SetTLBFlushFunc(fn func(virtAddr uint32)) { flushTLBEntryFn = fn }

func pdIndex(virt uint32) int { return int(virt >> LargePageShift) }
func ptIndex(virt uint32) int { return int((virt >> PageShift) & (ptEntries - 1)) }

func pageAlignDown(addr uint32) uint32 { return addr &^ (PageSize - 1) }

func makeEntry(frameAddr uint32, flags Flag) uint32 {
	return (frameAddr &^ flagMask) | (uint32(flags) & flagMask)
}

func entryFrame(e uint32) uint32 { return e &^ flagMask }
func entryFlags(e uint32) Flag   { return Flag(e & flagMask) }
func entryPresent(e uint32) bool { return Flag(e)&FlagPresent != 0 }

// readPTE/writePTE access the entry at index idx within the page table
// backed by the physical frame tableFrame.
func readPTE(tableFrame uint32, idx int) uint32 {
	return physmem.ReadUint32(tableFrame + uint32(idx)*4)
}

func writePTE(tableFrame uint32, idx int, value uint32) {
	physmem.WriteUint32(tableFrame+uint32(idx)*4, value)
}

// PDT is a single address space's page directory table: 1024 PDEs plus a
// parallel array recording, for each present non-large PDE, the physical
// frame of the PageTable it owns (spec §4.2 "Core state").
type PDT struct {
	mu sync.Spinlock

	entries [pdEntries]uint32
	ptFrame [pdEntries]uint32 // 0 == not present / large page

	alloc *pfa.Allocator
}

// activePDT tracks whichever PDT last called Load, standing in for the
// architectural control register (CR3) that DuplicateUserSpace must copy
// "from the currently-loaded PDT" (spec §4.2).
var activePDT *PDT

// New creates a PDT bound to the given frame allocator. The kernel-space
// PDEs above KernelVirtualBase are not pre-populated here; callers install
// them with InstallKernelMappings once, and every subsequently created PDT
// shares that same slice of entries (see InstallKernelMappings), satisfying
// the invariant that kernel-space PDEs are structurally identical across
// every process PDT.
func New(alloc *pfa.Allocator) *PDT {
	return &PDT{alloc: alloc}
}

// InstallKernelMappings copies the kernel-space PDEs (index >=
// kernelPDEBoundary) from src into pdt. Because the copied ptFrame values
// point at the very same physical page table frames, any process PDT that
// calls this shares kernel mappings with every other one: a later kernel PT
// mutation through any of them is visible to all, matching spec's "kernel
// PDEs are identical across all process PDTs" invariant.
func (pdt *PDT) InstallKernelMappings(src *PDT) {
	pdt.mu.Acquire()
	defer pdt.mu.Release()
	src.mu.Acquire()
	defer src.mu.Release()

	for i := kernelPDEBoundary; i < pdEntries; i++ {
		pdt.entries[i] = src.entries[i]
		pdt.ptFrame[i] = src.ptFrame[i]
	}
}

// Load installs this PDT as the active one. On real hardware this writes
// CR3; here it just updates the package-level bookkeeping that
// DuplicateUserSpace/UpdateUserSpace rely on.
func (pdt *PDT) Load() { activePDT = pdt }

// ensurePageTable returns the physical frame backing the page table that
// covers virt's 4MiB window, lazily allocating and zeroing one if this is
// the first mapping in that window. The freshly allocated frame is zeroed
// through kernel/physmem, which stands in for the teacher's
// map-into-reserved-scratch-region dance (see package doc): since this
// port's "physical memory" is a directly addressable host arena rather than
// requiring a kernel identity map indirection, no transient virtual mapping
// is actually needed to reach it.
func (pdt *PDT) ensurePageTable(virt uint32) (uint32, *kernel.Error) {
	idx := pdIndex(virt)
	if entryPresent(pdt.entries[idx]) && entryFlags(pdt.entries[idx])&FlagLarge == 0 {
		return pdt.ptFrame[idx], nil
	}

	frame, err := pdt.alloc.Allocate(false)
	if err != nil {
		return 0, err
	}
	physmem.Zero(frame, PageSize)

	pdt.ptFrame[idx] = frame
	pdt.entries[idx] = makeEntry(frame, FlagPresent|FlagWritable|FlagUserAccess)
	return frame, nil
}

// Allocate maps virtAddr (rounded down to a page) using the given
// configuration flags. If physHint is nil a frame is obtained from the PFA;
// otherwise the caller-supplied physical frame is mapped directly (aliasing
// is then the caller's responsibility, per spec §4.2). Allocate returns
// false on PFA exhaustion, and rejects attempts to map the reserved scratch
// region (invariant (c)).
func (pdt *PDT) Allocate(virtAddr uint32, config Flag, physHint *uint32) bool {
	virtAddr = pageAlignDown(virtAddr)
	if virtAddr == ScratchVirtAddr {
		return false
	}

	pdt.mu.Acquire()
	defer pdt.mu.Release()

	tableFrame, err := pdt.ensurePageTable(virtAddr)
	if err != nil {
		return false
	}

	var frame uint32
	if physHint != nil {
		frame = *physHint
	} else {
		frame, err = pdt.alloc.Allocate(false)
		if err != nil {
			return false
		}
	}

	writePTE(tableFrame, ptIndex(virtAddr), makeEntry(frame, config|FlagPresent))
	flushTLBEntryFn(virtAddr)
	return true
}

// Free clears the PTE for virtAddr, invalidates the TLB entry, and
// optionally returns the mapped physical frame to the PFA.
func (pdt *PDT) Free(virtAddr uint32, freePhys bool) {
	virtAddr = pageAlignDown(virtAddr)

	pdt.mu.Acquire()
	defer pdt.mu.Release()

	idx := pdIndex(virtAddr)
	if !entryPresent(pdt.entries[idx]) || entryFlags(pdt.entries[idx])&FlagLarge != 0 {
		return
	}
	tableFrame := pdt.ptFrame[idx]
	pte := readPTE(tableFrame, ptIndex(virtAddr))
	writePTE(tableFrame, ptIndex(virtAddr), 0)
	flushTLBEntryFn(virtAddr)

	if freePhys && entryPresent(pte) {
		pdt.alloc.Free(entryFrame(pte), false)
	}
}

// Translate walks this PDT for virtAddr and returns the corresponding
// physical address, or ok==false if any level is not present.
func (pdt *PDT) Translate(virtAddr uint32) (phys uint32, ok bool) {
	pdt.mu.Acquire()
	defer pdt.mu.Release()

	idx := pdIndex(virtAddr)
	pde := pdt.entries[idx]
	if !entryPresent(pde) {
		return 0, false
	}
	if entryFlags(pde)&FlagLarge != 0 {
		offset := virtAddr & (LargePageSize - 1)
		return entryFrame(pde) + offset, true
	}

	pte := readPTE(pdt.ptFrame[idx], ptIndex(virtAddr))
	if !entryPresent(pte) {
		return 0, false
	}
	return entryFrame(pte) + (virtAddr & (PageSize - 1)), true
}

// Map finds ceil(size/PageSize) contiguous free virtual pages at or after
// searchHint, installs mappings to [physAddr, physAddr+size), and returns
// the first virtual address of the run. It is used for transiently
// accessing physical memory (loader-provided structures, new page tables).
func (pdt *PDT) Map(physAddr, size, searchHint uint32) (uint32, *kernel.Error) {
	pages := (size + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}

	start := pageAlignDown(searchHint)
	for candidate := start; candidate < KernelVirtualBase; candidate += PageSize {
		if pdt.rangeFree(candidate, pages) {
			for i := uint32(0); i < pages; i++ {
				frame := physAddr + i*PageSize
				if !pdt.Allocate(candidate+i*PageSize, FlagWritable, &frame) {
					pdt.Unmap(candidate, i*PageSize)
					return 0, ErrNoVirtualSpace
				}
			}
			return candidate, nil
		}
	}
	return 0, ErrNoVirtualSpace
}

func (pdt *PDT) rangeFree(start uint32, pages uint32) bool {
	for i := uint32(0); i < pages; i++ {
		if _, ok := pdt.Translate(start + i*PageSize); ok {
			return false
		}
	}
	return true
}

// Unmap removes mappings for [virtAddr, virtAddr+size) without freeing the
// underlying physical memory.
func (pdt *PDT) Unmap(virtAddr, size uint32) {
	pages := (size + PageSize - 1) / PageSize
	for i := uint32(0); i < pages; i++ {
		pdt.Free(virtAddr+i*PageSize, false)
	}
}

// DuplicateUserSpace copies every present user-space mapping (virtual
// address < endBoundary) from the currently active PDT into pdt, allocating
// fresh physical frames and copying page contents — the fork path (spec
// §4.2, testable property in spec §8).
func (pdt *PDT) DuplicateUserSpace(endBoundary uint32) *kernel.Error {
	src := activePDT
	if src == nil {
		return nil
	}

	for v := uint32(0); v < endBoundary; v += PageSize {
		srcPhys, ok := src.Translate(v)
		if !ok {
			continue
		}

		newFrame, err := pdt.alloc.Allocate(false)
		if err != nil {
			return err
		}
		physmem.Copy(newFrame, pageAlignDown(srcPhys), PageSize)

		idx := pdIndex(v)
		flags := FlagWritable | FlagUserAccess
		if src.ptFrame[idx] != 0 {
			flags = entryFlags(readPTE(src.ptFrame[idx], ptIndex(v))) &^ FlagPresent
		}
		if !pdt.Allocate(v, flags, &newFrame) {
			return pfa.ErrExhausted
		}
	}
	return nil
}

// UpdateUserSpace copies other's user-space PDE/PT frame references into
// pdt (no physical-memory duplication) — used to swap in a process's user
// space without deep copying it.
func (pdt *PDT) UpdateUserSpace(other *PDT, endBoundary uint32) {
	pdt.mu.Acquire()
	defer pdt.mu.Release()

	last := pdIndex(endBoundary - 1)
	for i := 0; i <= last && i < kernelPDEBoundary; i++ {
		pdt.entries[i] = other.entries[i]
		pdt.ptFrame[i] = other.ptFrame[i]
	}
}

// CleanUserSpace zeros user PDEs below end without touching physical
// memory or page tables — safe only when another PDT still holds the
// references (e.g. the canonical per-process PDT being swapped out).
func (pdt *PDT) CleanUserSpace(end uint32) {
	pdt.mu.Acquire()
	defer pdt.mu.Release()

	last := pdIndex(end - 1)
	for i := 0; i <= last && i < kernelPDEBoundary; i++ {
		pdt.entries[i] = 0
		pdt.ptFrame[i] = 0
	}
}

// FreeUserSpace fully releases user-space mappings below end: every mapped
// physical frame is returned to the PFA (if freePhys), and every owned page
// table frame is freed as well.
func (pdt *PDT) FreeUserSpace(end uint32, freePhys bool) {
	for v := uint32(0); v < end; v += PageSize {
		pdt.Free(v, freePhys)
	}

	pdt.mu.Acquire()
	defer pdt.mu.Release()
	last := pdIndex(end - 1)
	for i := 0; i <= last && i < kernelPDEBoundary; i++ {
		if pdt.ptFrame[i] != 0 {
			pdt.alloc.Free(pdt.ptFrame[i], false)
			pdt.entries[i] = 0
			pdt.ptFrame[i] = 0
		}
	}
}

// Clone deep-copies this PDT's entries (not the physical content they point
// to). The reserved scratch region's semantics are process-wide, not
// per-instance, so there is nothing instance-specific to share explicitly.
func (pdt *PDT) Clone() *PDT {
	pdt.mu.Acquire()
	defer pdt.mu.Release()

	clone := &PDT{alloc: pdt.alloc}
	clone.entries = pdt.entries
	clone.ptFrame = pdt.ptFrame
	return clone
}
