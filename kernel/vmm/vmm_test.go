package vmm

import (
	"gopheros/kernel/pfa"
	"gopheros/kernel/physmem"
	"testing"
)

func freshAlloc(t *testing.T) *pfa.Allocator {
	t.Helper()
	var a pfa.Allocator
	a.Initialise(0, 0)
	a.ApplyMemoryMap([]pfa.MemoryRegion{{PhysAddress: 0, Length: 64 << 20, Available: true}})
	return &a
}

func TestAllocateThenTranslate(t *testing.T) {
	alloc := freshAlloc(t)
	pdt := New(alloc)

	const addr = uint32(0x400000)
	if !pdt.Allocate(addr, FlagWritable|FlagUserAccess, nil) {
		t.Fatal("Allocate failed")
	}

	phys, ok := pdt.Translate(addr)
	if !ok {
		t.Fatal("expected Translate to succeed after Allocate")
	}

	// The frame chosen by the allocator is whatever PFA handed out; we
	// can at least assert it is page-aligned and re-derivable.
	if phys&(PageSize-1) != 0 {
		t.Fatalf("translated address %#x is not page aligned", phys)
	}
}

func TestDuplicateUserSpaceEmptyIsNoop(t *testing.T) {
	alloc := freshAlloc(t)
	src := New(alloc)
	src.Load()

	dst := New(alloc)
	if err := dst.DuplicateUserSpace(KernelVirtualBase); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < kernelPDEBoundary; i++ {
		if dst.entries[i] != 0 {
			t.Fatalf("expected empty duplication to leave entry %d untouched", i)
		}
	}
}

func TestDuplicateUserSpaceCopiesContentToDistinctFrames(t *testing.T) {
	alloc := freshAlloc(t)
	src := New(alloc)
	src.Load()

	const addr = uint32(0x500000)
	if !src.Allocate(addr, FlagWritable|FlagUserAccess, nil) {
		t.Fatal("Allocate failed")
	}
	srcPhys, _ := src.Translate(addr)
	physmem.At(srcPhys, 4)[0] = 0xAB

	dst := New(alloc)
	if err := dst.DuplicateUserSpace(KernelVirtualBase); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dstPhys, ok := dst.Translate(addr)
	if !ok {
		t.Fatal("expected duplicated address to translate in dst")
	}
	if dstPhys == srcPhys {
		t.Fatal("expected distinct physical frame after duplication")
	}
	if physmem.At(dstPhys, 4)[0] != 0xAB {
		t.Fatal("expected duplicated frame content to match source")
	}
}

func TestUpdateUserSpaceAgreesWithSource(t *testing.T) {
	alloc := freshAlloc(t)
	src := New(alloc)
	src.Load()

	const addr = uint32(0x600000)
	if !src.Allocate(addr, FlagWritable, nil) {
		t.Fatal("Allocate failed")
	}
	wantPhys, _ := src.Translate(addr)

	dst := New(alloc)
	dst.UpdateUserSpace(src, KernelVirtualBase)

	gotPhys, ok := dst.Translate(addr)
	if !ok || gotPhys != wantPhys {
		t.Fatalf("expected dst to agree with src at %#x: got %#x, %v", addr, gotPhys, ok)
	}
}

func TestAllocateRejectsScratchRegion(t *testing.T) {
	alloc := freshAlloc(t)
	pdt := New(alloc)
	if pdt.Allocate(ScratchVirtAddr, FlagWritable, nil) {
		t.Fatal("expected mapping the reserved scratch region to fail")
	}
}

func TestKernelMappingsAreSharedAcrossPDTs(t *testing.T) {
	alloc := freshAlloc(t)
	kernelPDT := New(alloc)
	kernelPDT.Load()

	const kAddr = KernelVirtualBase + 0x1000
	if !kernelPDT.Allocate(kAddr, FlagWritable, nil) {
		t.Fatal("Allocate failed")
	}

	proc1 := New(alloc)
	proc1.InstallKernelMappings(kernelPDT)
	proc2 := New(alloc)
	proc2.InstallKernelMappings(kernelPDT)

	p1, ok1 := proc1.Translate(kAddr)
	p2, ok2 := proc2.Translate(kAddr)
	if !ok1 || !ok2 || p1 != p2 {
		t.Fatalf("expected identical kernel mapping across process PDTs, got %#x(%v) vs %#x(%v)", p1, ok1, p2, ok2)
	}
}
