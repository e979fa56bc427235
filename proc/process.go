// Package proc implements the process object and process table described
// in spec §4.7 and §4.8: a Process owns a PDT, a kernel stack window, a
// user stack, a break point, saved register state, an elf.Image, and a
// local file-descriptor map into the package-level FileTable.
//
// The state machine, fork/exec duplication rules, launch/resume sequencing
// and the brk/set_user_stack bookkeeping are a direct re-expression of the
// jwrm2/stable_genius kernel's Process.h/Process.cpp, which this port is
// grounded on. Where that kernel invokes assembly trampolines to perform
// the actual `iret` into user mode, this hosted port stops at the
// bookkeeping step that precedes the trampoline call (ResumeNeedsReload
// updates the status, and the InterruptStack/Registers that would be handed
// to the trampoline are read through their accessors) since there is no
// real ring transition to perform outside a freestanding kernel.
package proc

import (
	"io"

	"gopheros/elf"
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/pfa"
	"gopheros/kernel/vmm"
)

// Status is one of the process lifecycle states from spec §4.7's state
// machine.
type Status int

const (
	// StatusInvalid marks a process whose ELF failed validation; it never
	// runs.
	StatusInvalid Status = iota
	// StatusSleeping marks a process waiting for something and ineligible
	// for CPU time.
	StatusSleeping
	// StatusRunnable marks a process that wants CPU time.
	StatusRunnable
	// StatusActive marks the currently running process.
	StatusActive
	// StatusZombie marks a process that has exited and awaits reaping.
	StatusZombie
)

const (
	startStack      = vmm.PageSize
	kernelStackSize = vmm.PageSize
	defaultMaxStack = 1 << 23
)

// InterruptStack holds the register values an `iret` needs to resume user
// mode: instruction pointer, code segment, flags, stack pointer, stack
// segment.
type InterruptStack struct {
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// Registers holds the 8 general-purpose registers saved across a context
// switch. ESP is not meaningful here; the live stack pointer lives in
// InterruptStack.ESP instead.
type Registers struct {
	EDI, ESI, EBP, EBX, EDX, ECX, EAX uint32
}

// Process is a single user-mode process's kernel-side bookkeeping.
type Process struct {
	entryPoint    uint32
	elfBreakPoint uint32
	breakPoint    uint32

	pdt          *vmm.PDT
	kernelStack  []byte
	currentStack uint32
	maxStack     uint32
	pdtChanged   bool

	status Status
	is     InterruptStack
	ir     Registers

	img *elf.Image

	fileDesc map[int]int
	retVal   uint8

	parentPID uint32
	childPIDs []uint32
}

// New reads and validates the ELF at r. The process is not given a PDT or
// any memory for its binary yet; that happens at Launch. Status becomes
// StatusSleeping on success, StatusInvalid if the ELF fails validation.
func New(r io.ReaderAt) *Process {
	p := &Process{
		status:   StatusSleeping,
		fileDesc: map[int]int{},
		maxStack: defaultMaxStack,
	}

	img, err := elf.Parse(r)
	if err != nil {
		p.status = StatusInvalid
		return p
	}

	p.img = img
	p.entryPoint = img.EntryPoint
	p.elfBreakPoint = img.BreakPoint
	p.breakPoint = img.BreakPoint
	p.currentStack = startStack
	return p
}

// NewForkShell creates an 'empty' process for use as the target of
// ForkDuplicate: a blank PDT and kernel stack are allocated, but no ELF,
// registers, or user-space mappings are populated yet. Status is
// StatusSleeping so it doesn't get scheduled mid-duplication.
func NewForkShell(alloc *pfa.Allocator) *Process {
	return &Process{
		status:      StatusSleeping,
		fileDesc:    map[int]int{},
		maxStack:    defaultMaxStack,
		pdt:         vmm.New(alloc),
		kernelStack: make([]byte, kernelStackSize),
	}
}

// Status reports the process's current lifecycle state.
func (p *Process) Status() Status { return p.status }

// SetStatus overrides the process's lifecycle state.
func (p *Process) SetStatus(s Status) { p.status = s }

// BreakPoint returns the process's current break point.
func (p *Process) BreakPoint() uint32 { return p.breakPoint }

// InterruptStack returns the saved interrupt-stack register values.
func (p *Process) InterruptStack() InterruptStack { return p.is }

// SetInterruptStack stores interrupt-stack register values for the next
// resume.
func (p *Process) SetInterruptStack(is InterruptStack) { p.is = is }

// Registers returns the saved general-purpose registers.
func (p *Process) Registers() Registers { return p.ir }

// SetRegisters stores general-purpose register values for the next resume.
func (p *Process) SetRegisters(r Registers) { p.ir = r }

// ParentPID returns the parent process's PID.
func (p *Process) ParentPID() uint32 { return p.parentPID }

// SetParentPID sets the parent process's PID; the fork syscall fills this
// in after fork_duplicate, since a process does not know its own PID.
func (p *Process) SetParentPID(ppid uint32) { p.parentPID = ppid }

// AddChild records a child PID, ignoring duplicates.
func (p *Process) AddChild(pid uint32) {
	for _, c := range p.childPIDs {
		if c == pid {
			return
		}
	}
	p.childPIDs = append(p.childPIDs, pid)
}

// ClearChildren empties the child PID list without affecting the children
// themselves.
func (p *Process) ClearChildren() { p.childPIDs = nil }

// Children returns the list of child PIDs.
func (p *Process) Children() []uint32 { return p.childPIDs }

// RetStatus returns the process's exit status; only meaningful once the
// process is a zombie.
func (p *Process) RetStatus() uint8 { return p.retVal }

// SetRetStatus records the process's exit status.
func (p *Process) SetRetStatus(v uint8) { p.retVal = v }

// UserMaxStack returns the maximum user stack size.
func (p *Process) UserMaxStack() uint32 { return p.maxStack }

// SetUserMaxStack sets the maximum user stack size, rounded up to a whole
// number of pages.
func (p *Process) SetUserMaxStack(max uint32) {
	p.maxStack = max - max%vmm.PageSize + vmm.PageSize
}

// PDT returns the process's page descriptor table.
func (p *Process) PDT() *vmm.PDT { return p.pdt }

// ExecDuplicate transfers the file-descriptor map, parent PID, and child
// PID list from other — used during execve to preserve inheritance across
// a sibling Process value. other is being replaced in place by p (the same
// logical process, new image), so file-table reference counts are carried
// over unchanged rather than bumped the way ForkDuplicate bumps them.
func (p *Process) ExecDuplicate(other *Process) {
	p.fileDesc = make(map[int]int, len(other.fileDesc))
	for k, v := range other.fileDesc {
		p.fileDesc[k] = v
	}
	p.parentPID = other.parentPID
	p.childPIDs = append([]uint32(nil), other.childPIDs...)
	kfmt.Printf("proc: exec replaced image, entry=0x%x break=0x%x\n", p.entryPoint, p.breakPoint)
}

// ForkDuplicate copies parent's interrupt stack, registers, user-stack
// size, break point, and (via pdt.DuplicateUserSpace, which reads from
// whichever PDT is currently active) a deep copy of user-space memory.
// Open file descriptors are duplicated with incremented file-table ref
// counts. The child PID list is cleared, eax is zeroed so the child's
// fork() returns 0, parent PID is set to 1 (pid 1, refined by the fork
// syscall once it knows its own PID), and status becomes StatusRunnable.
// parent must currently be the active process (its user space is read
// through the live PDT, not parent.pdt, mirroring the source this is
// grounded on).
func (p *Process) ForkDuplicate(parent *Process, ft *FileTable) *kernel.Error {
	p.is = parent.is
	p.ir = parent.ir
	p.currentStack = parent.currentStack
	p.entryPoint = parent.entryPoint

	if err := p.pdt.DuplicateUserSpace(vmm.KernelVirtualBase); err != nil {
		return err
	}
	p.breakPoint = parent.breakPoint
	p.elfBreakPoint = parent.elfBreakPoint
	p.pdtChanged = true

	p.fileDesc = make(map[int]int, len(parent.fileDesc))
	for k, v := range parent.fileDesc {
		p.fileDesc[k] = v
		ft.Copy(v)
	}

	p.retVal = parent.retVal
	p.parentPID = 1
	p.childPIDs = nil
	p.ir.EAX = 0
	p.status = StatusRunnable
	kfmt.Printf("proc: forked child, break=0x%x stack=0x%x\n", p.breakPoint, p.currentStack)
	return nil
}

// Launch allocates the ELF's PT_LOAD segments and an initial user stack
// into kernelPDT (so their page-table allocations land on the kernel heap),
// clones kernelPDT into the process's own PDT, builds the initial
// InterruptStack, loads the binary's content via writeAt, and sets status
// to StatusActive. writeAt stores len(p) bytes of already-allocated memory
// at a virtual address (through whichever address space is live).
func (p *Process) Launch(kernelPDT *vmm.PDT, userCS, userDS, eflags uint32, writeAt func(vaddr uint32, data []byte) *kernel.Error) *kernel.Error {
	if p.status == StatusInvalid {
		return kernel.NewError("proc", "cannot launch an invalid process")
	}

	if err := p.img.Allocate(kernelPDT); err != nil {
		return err
	}

	conf := vmm.FlagPresent | vmm.FlagWritable | vmm.FlagUserAccess
	for addr := vmm.KernelVirtualBase - p.currentStack; addr < vmm.KernelVirtualBase; addr += vmm.PageSize {
		if !kernelPDT.Allocate(addr, conf, nil) {
			return kernel.NewError("proc", "failed to allocate virtual memory for new process")
		}
	}
	p.pdtChanged = true

	p.kernelStack = make([]byte, kernelStackSize)
	p.pdt = kernelPDT.Clone()

	p.is = InterruptStack{
		EIP:    p.entryPoint,
		CS:     userCS,
		EFlags: eflags,
		ESP:    vmm.KernelVirtualBase - 4,
		SS:     userDS,
	}

	if err := p.img.Load(writeAt); err != nil {
		return err
	}

	p.status = StatusActive
	return nil
}

// ResumeNeedsReload reports whether the caller needs to reload this process's
// user-space mappings into the kernel PDT (true unless the process is
// already active and its PDT is unchanged since the last resume), and
// clears the dirty bit as a side effect — mirroring the source this is
// grounded on, which performs that reload itself before the `iret`.
func (p *Process) ResumeNeedsReload() bool {
	needs := p.status != StatusActive || p.pdtChanged
	p.pdtChanged = false
	p.status = StatusActive
	return needs
}

// InKernelMode reports whether the saved eip is inside kernel space,
// meaning the process was preempted mid-syscall and must be resumed
// through the kernel-iret path (no ss/esp restored).
func (p *Process) InKernelMode() bool { return p.is.EIP >= vmm.KernelVirtualBase }

// wouldCollideWithStack reports whether extending the heap/stack to reach
// addr would leave less than one page of separation between the break
// point and the top of the user stack — the collision check shared by Brk
// and SetUserStack.
func wouldCollideWithStack(addr, currentStack uint32) bool {
	return addr >= vmm.KernelVirtualBase-currentStack
}

// SetUserStack expands the user stack downward to reach sz bytes
// (page-aligned), capped at maxStack, allocating new pages as needed. It is
// idempotent for shrinking requests (a smaller sz than the current size is
// a no-op success) and fails on PFA exhaustion or collision with the break
// point.
func (p *Process) SetUserStack(sz uint32) *kernel.Error {
	if sz < p.currentStack {
		return nil
	}
	sz = sz - sz%vmm.PageSize + vmm.PageSize
	if sz > p.maxStack {
		return kernel.NewError("proc", "requested stack size exceeds maximum")
	}
	if p.breakPoint > vmm.KernelVirtualBase-sz {
		return kernel.NewError("proc", "requested stack size collides with the heap")
	}

	conf := vmm.FlagPresent | vmm.FlagWritable | vmm.FlagUserAccess
	for p.currentStack < sz {
		newPage := vmm.KernelVirtualBase - p.currentStack - vmm.PageSize
		if !p.pdt.Allocate(newPage, conf, nil) {
			return kernel.NewError("proc", "out of physical memory extending user stack")
		}
		p.pdtChanged = true
		p.currentStack += vmm.PageSize
	}
	return nil
}

// pageCeil rounds addr up to the nearest page boundary, leaving an
// already-aligned address unchanged.
func pageCeil(addr uint32) uint32 {
	if rem := addr % vmm.PageSize; rem != 0 {
		return addr - rem + vmm.PageSize
	}
	return addr
}

// Brk implements spec §4.7's break-point syscall semantics: addr==0
// returns the current break point; addr below the ELF's original break
// point, or a rounded-up addr that would collide with the user stack,
// fails; otherwise pages are allocated (growing, rounding the new top up to
// a page) or freed (shrinking, rounding the new top down to a page) to
// match, and the new break point — always the page-rounded value, not the
// raw request — is recorded. A partial growth that runs out of physical
// memory is rolled back before returning the error.
func (p *Process) Brk(addr uint32) (uint32, *kernel.Error) {
	if addr == 0 {
		return p.breakPoint, nil
	}
	if addr < p.elfBreakPoint {
		return 0, kernel.NewError("proc", "requested break point precedes the program image")
	}
	if addr == p.breakPoint {
		return 0, nil
	}

	conf := vmm.FlagPresent | vmm.FlagWritable | vmm.FlagUserAccess
	mappedTop := pageCeil(p.breakPoint)

	if addr > p.breakPoint {
		addrTop := pageCeil(addr)
		if wouldCollideWithStack(addrTop, p.currentStack) {
			return 0, kernel.NewError("proc", "requested break point collides with the user stack")
		}

		var allocated []uint32
		for page := mappedTop; page < addrTop; page += vmm.PageSize {
			if !p.pdt.Allocate(page, conf, nil) {
				for _, a := range allocated {
					p.pdt.Free(a, true)
				}
				return 0, kernel.NewError("proc", "out of physical memory extending the heap")
			}
			allocated = append(allocated, page)
			p.pdtChanged = true
		}
		p.breakPoint = addrTop
		return 0, nil
	}

	addrTop := addr - addr%vmm.PageSize
	for page := addrTop; page < mappedTop; page += vmm.PageSize {
		p.pdt.Free(page, true)
		p.pdtChanged = true
	}
	p.breakPoint = addrTop
	return 0, nil
}

// OpenFile opens name in the global file table and binds it to the lowest
// unused local file descriptor.
func (p *Process) OpenFile(ft *FileTable, name string, write bool) (int, *kernel.Error) {
	key, err := ft.Open(name, write)
	if err != nil {
		return -1, err
	}
	fd := 0
	for {
		if _, used := p.fileDesc[fd]; !used {
			break
		}
		fd++
	}
	p.fileDesc[fd] = key
	return fd, nil
}

// CloseFile closes a single local file descriptor, or every open
// descriptor when fd is -1.
func (p *Process) CloseFile(ft *FileTable, fd int) *kernel.Error {
	if fd == -1 {
		var firstErr *kernel.Error
		for _, key := range p.fileDesc {
			if err := ft.Close(key); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		p.fileDesc = map[int]int{}
		return firstErr
	}

	key, ok := p.fileDesc[fd]
	if !ok {
		return kernel.NewError("proc", "no such file descriptor")
	}
	delete(p.fileDesc, fd)
	return ft.Close(key)
}

// FDKey returns the global file-table key bound to local descriptor fd, or
// 0 if fd is not open.
func (p *Process) FDKey(fd int) int {
	return p.fileDesc[fd]
}

// Destroy releases user-space memory and closes every open file
// descriptor. The caller must ensure the kernel PDT (not this process's
// own PDT) is active before calling, since the process's PDT is discarded
// here.
func (p *Process) Destroy(ft *FileTable) {
	if p.pdt != nil {
		p.pdt.FreeUserSpace(vmm.KernelVirtualBase, true)
	}
	p.CloseFile(ft, -1)
	kfmt.Printf("proc: destroyed, ret_val=%d\n", p.retVal)
}
