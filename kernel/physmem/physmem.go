// Package physmem simulates the kernel's view of physical RAM for the
// packages in this module that would, on real hardware, dereference
// physical addresses directly through an identity mapping established by
// the boot trampoline (out of scope per spec §1 — that trampoline is
// assembly and is not ported). Tests and host tooling need some concrete
// backing store to read and write "physical" bytes against, so this package
// provides one: a single fixed-size arena addressed by physical offset.
//
// Every other package in this module that needs to read or write the
// contents of a physical frame (kernel/vmm page tables, elf segment
// loading, fs/ext2 block I/O against a RAM disk) goes through here instead
// of reinventing its own byte arena.
package physmem

import "gopheros/kernel"

// Size is the capacity of the simulated physical address space. It is far
// smaller than the 4GiB the page frame allocator's bitmap can describe;
// callers are expected to keep their physical footprint (kernel image +
// allocated frames) within this budget, which is ample for boot, unit
// tests, and the host-side tooling in cmd/.
const Size = 256 << 20 // 256MiB

var arena [Size]byte

var errOutOfRange = kernel.NewError("physmem", "address range falls outside the simulated physical address space")

// At returns a slice view directly over the arena bytes [addr, addr+size).
// Mutations through the returned slice are visible to every other caller
// addressing the same range — this is what lets, e.g., two PDTs that share
// a page table frame observe each other's writes.
func At(addr uint32, size uint32) []byte {
	if uint64(addr)+uint64(size) > Size {
		panic(errOutOfRange)
	}
	return arena[addr : addr+size]
}

// Zero clears size bytes starting at addr.
func Zero(addr, size uint32) {
	buf := At(addr, size)
	for i := range buf {
		buf[i] = 0
	}
}

// Copy copies size bytes from src to dst within the arena.
func Copy(dst, src, size uint32) {
	copy(At(dst, size), At(src, size))
}

// ReadUint32 reads a little-endian uint32 at addr.
func ReadUint32(addr uint32) uint32 {
	b := At(addr, 4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// WriteUint32 writes a little-endian uint32 at addr.
func WriteUint32(addr, value uint32) {
	b := At(addr, 4)
	b[0] = byte(value)
	b[1] = byte(value >> 8)
	b[2] = byte(value >> 16)
	b[3] = byte(value >> 24)
}
