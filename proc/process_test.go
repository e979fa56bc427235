package proc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"gopheros/fs/memfs"
	"gopheros/kernel"
	"gopheros/kernel/pfa"
	"gopheros/kernel/vfs"
	"gopheros/kernel/vmm"
)

// newTestMountTable builds a mount table backed by an in-memory file system
// with /stdin and /stdout pre-created, for tests exercising FileTable.
func newTestMountTable(t *testing.T) *vfs.MountTable {
	t.Helper()
	mount := vfs.New(nil)
	mfs := memfs.New(nil)
	if err := mount.MountVirtual("/", mfs); err != nil {
		t.Fatalf("mount memfs: %v", err)
	}
	if err := mfs.CreateFile("/stdin", 0); err != nil {
		t.Fatalf("create /stdin: %v", err)
	}
	if err := mfs.CreateFile("/stdout", 0); err != nil {
		t.Fatalf("create /stdout: %v", err)
	}
	return mount
}

// buildELF assembles a minimal valid ELF32 executable with a single PT_LOAD
// segment whose break point (no section headers) falls at a page boundary,
// matching the break-point value used by the brk scenarios below.
func buildELF(t *testing.T, vaddr, memsz uint32) []byte {
	t.Helper()
	const (
		fileHeaderSize    = 52
		programHeaderSize = 32
		filesz            = 16
	)
	phoff := uint32(fileHeaderSize)
	dataOff := fileHeaderSize + programHeaderSize
	buf := make([]byte, dataOff+filesz)

	copy(buf[0:4], []byte{0x7F, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // little endian
	buf[6] = 1 // EV_CURRENT
	buf[7] = 0 // ABI SysV
	binary.LittleEndian.PutUint16(buf[16:18], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 3)  // EM_386
	binary.LittleEndian.PutUint32(buf[20:24], 1)  // EV_CURRENT
	binary.LittleEndian.PutUint32(buf[24:28], vaddr)
	binary.LittleEndian.PutUint32(buf[28:32], phoff)
	binary.LittleEndian.PutUint16(buf[40:42], fileHeaderSize)
	binary.LittleEndian.PutUint16(buf[42:44], programHeaderSize)
	binary.LittleEndian.PutUint16(buf[44:46], 1)

	ph := buf[phoff:]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], uint32(dataOff))
	binary.LittleEndian.PutUint32(ph[8:12], vaddr)
	binary.LittleEndian.PutUint32(ph[12:16], vaddr)
	binary.LittleEndian.PutUint32(ph[16:20], filesz)
	binary.LittleEndian.PutUint32(ph[20:24], memsz)
	binary.LittleEndian.PutUint32(ph[28:32], 0x1000)

	return buf
}

func freshAllocator(t *testing.T) *pfa.Allocator {
	t.Helper()
	var a pfa.Allocator
	a.Initialise(0, 0)
	a.ApplyMemoryMap([]pfa.MemoryRegion{{PhysAddress: 0, Length: 64 << 20, Available: true}})
	return &a
}

// launchedProcess builds a process whose break point lands exactly at
// 0x08049000, matching spec §8 Scenario 2, and launches it so Brk has a
// live PDT to allocate/free against.
func launchedProcess(t *testing.T) *Process {
	t.Helper()
	const vaddr = 0x08048000
	const memsz = 0x1000 // break point == vaddr+memsz == 0x08049000
	buf := buildELF(t, vaddr, memsz)

	p := New(bytes.NewReader(buf))
	if p.Status() == StatusInvalid {
		t.Fatal("expected a valid process")
	}

	alloc := freshAllocator(t)
	kernelPDT := vmm.New(alloc)

	if err := p.Launch(kernelPDT, 0x1B, 0x23, 0x202, func(v uint32, d []byte) *kernel.Error { return nil }); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	return p
}

// TestLaunchMapsEntryPoint exercises the ELF loader/§4.6 promise applied to
// a process object: after Launch, translate(entry_point) must succeed.
func TestLaunchMapsEntryPoint(t *testing.T) {
	p := launchedProcess(t)
	if _, ok := p.PDT().Translate(p.entryPoint); !ok {
		t.Fatalf("expected entry point %#x to be mapped", p.entryPoint)
	}
	if p.Status() != StatusActive {
		t.Fatalf("expected status Active after Launch, got %v", p.Status())
	}
	if p.BreakPoint() < 0x08049000 {
		t.Fatalf("expected break point >= end of .bss, got %#x", p.BreakPoint())
	}
}

// TestBrkScenario runs spec §8 Scenario 2 end to end against a single
// process: grow past the break point, shrink back below it, query it, then
// exercise both rejection paths (before the ELF break point, and a
// collision with the user stack).
func TestBrkScenario(t *testing.T) {
	p := launchedProcess(t)
	if got := p.BreakPoint(); got != 0x08049000 {
		t.Fatalf("expected initial break point 0x08049000, got %#x", got)
	}

	if _, err := p.Brk(0x0804A500); err != nil {
		t.Fatalf("grow brk failed: %v", err)
	}
	if got := p.BreakPoint(); got != 0x0804B000 {
		t.Fatalf("expected break point 0x0804B000 after growing, got %#x", got)
	}
	for _, addr := range []uint32{0x08049000, 0x0804A000} {
		if _, ok := p.PDT().Translate(addr); !ok {
			t.Fatalf("expected heap page at %#x to be mapped after growth", addr)
		}
	}

	if _, err := p.Brk(0x08049080); err != nil {
		t.Fatalf("shrink brk failed: %v", err)
	}
	if got := p.BreakPoint(); got != 0x08049000 {
		t.Fatalf("expected break point 0x08049000 after shrinking, got %#x", got)
	}
	for _, addr := range []uint32{0x08049000, 0x0804A000} {
		if _, ok := p.PDT().Translate(addr); ok {
			t.Fatalf("expected heap page at %#x to be unmapped after shrinking", addr)
		}
	}

	if got, err := p.Brk(0); err != nil || got != 0x08049000 {
		t.Fatalf("expected Brk(0) to report 0x08049000 with no error, got %#x, %v", got, err)
	}

	if _, err := p.Brk(0x08048000); err == nil {
		t.Fatal("expected an error requesting a break point before the ELF break point")
	}

	if _, err := p.Brk(vmm.KernelVirtualBase - p.currentStack + 1); err == nil {
		t.Fatal("expected an error requesting a break point that collides with the user stack")
	}
}

// TestBrkRollsBackPartialGrowth verifies that a grow request which runs out
// of physical memory partway through leaves no heap pages mapped, per spec
// §4.7's "partial growth must be rolled back" note.
func TestBrkRollsBackPartialGrowth(t *testing.T) {
	const vaddr = 0x08048000
	const memsz = 0x1000
	buf := buildELF(t, vaddr, memsz)

	p := New(bytes.NewReader(buf))
	var a pfa.Allocator
	a.Initialise(0, 0)
	// Enough frames above the reserved first MiB for Launch (PT_LOAD + stack
	// + a couple of page tables), far fewer than the 256 pages brk asks for.
	a.ApplyMemoryMap([]pfa.MemoryRegion{{PhysAddress: 1 << 20, Length: 32 * vmm.PageSize, Available: true}})
	kernelPDT := vmm.New(&a)
	if err := p.Launch(kernelPDT, 0x1B, 0x23, 0x202, func(v uint32, d []byte) *kernel.Error { return nil }); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	before := p.BreakPoint()
	if _, err := p.Brk(before + 256*vmm.PageSize); err == nil {
		t.Fatal("expected brk to fail once physical memory is exhausted")
	}
	if p.BreakPoint() != before {
		t.Fatalf("expected break point to be rolled back to %#x, got %#x", before, p.BreakPoint())
	}
}

// TestForkDuplicateSharesFilesAndClearsChildState runs the file-descriptor
// and register portion of spec §8 Scenario 1: the child gets its own copy
// of the parent's open files with bumped reference counts, eax is zeroed so
// fork() returns 0 to the child, and the child's PID list starts empty.
func TestForkDuplicateSharesFilesAndClearsChildState(t *testing.T) {
	mount := newTestMountTable(t)
	ft := NewFileTable(mount)

	parent := launchedProcess(t)
	parent.PDT().Load()
	parent.AddChild(99) // should not survive into the child
	parent.SetRegisters(Registers{EAX: 42})

	stdinKey, err := ft.Open("/stdin", false)
	if err != nil {
		t.Fatalf("open stdin: %v", err)
	}
	stdoutKey, err := ft.Open("/stdout", true)
	if err != nil {
		t.Fatalf("open stdout: %v", err)
	}
	parent.fileDesc[0] = stdinKey
	parent.fileDesc[1] = stdoutKey

	child := NewForkShell(freshAllocator(t))
	if err := child.ForkDuplicate(parent, ft); err != nil {
		t.Fatalf("ForkDuplicate failed: %v", err)
	}

	if child.Registers().EAX != 0 {
		t.Fatalf("expected child's saved eax to be 0, got %d", child.Registers().EAX)
	}
	if len(child.Children()) != 0 {
		t.Fatalf("expected child to start with no children, got %v", child.Children())
	}
	if child.ParentPID() != 1 {
		t.Fatalf("expected placeholder parent pid 1, got %d", child.ParentPID())
	}
	if child.Status() != StatusRunnable {
		t.Fatalf("expected child status Runnable, got %v", child.Status())
	}
	if ft.IsOpen("/stdin") != 2 || ft.IsOpen("/stdout") != 2 {
		t.Fatalf("expected both fds to now have 2 references, got stdin=%d stdout=%d",
			ft.IsOpen("/stdin"), ft.IsOpen("/stdout"))
	}
	if child.FDKey(0) != stdinKey || child.FDKey(1) != stdoutKey {
		t.Fatal("expected child's local fd table to mirror the parent's")
	}
}

// TestProcessDestroyClosesFiles verifies that destroying a zombie process
// drops its references to every open file descriptor.
func TestProcessDestroyClosesFiles(t *testing.T) {
	mount := newTestMountTable(t)
	ft := NewFileTable(mount)

	p := launchedProcess(t)
	key, err := ft.Open("/stdin", false)
	if err != nil {
		t.Fatalf("open stdin: %v", err)
	}
	p.fileDesc[0] = key

	p.SetStatus(StatusZombie)
	p.SetRetStatus(7)
	p.Destroy(ft)

	if ft.IsOpen("/stdin") != 0 {
		t.Fatalf("expected stdin to be fully closed, got %d references", ft.IsOpen("/stdin"))
	}
	if p.RetStatus() != 7 {
		t.Fatalf("expected ret_val 7 to survive Destroy, got %d", p.RetStatus())
	}
}
