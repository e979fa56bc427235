package proc

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/sync"
)

var (
	// ErrNoSuchProcess is returned by lookups on a PID not in the table.
	ErrNoSuchProcess = kernel.NewError("proc", "no process with that PID")
	// ErrTableFull is returned when every PID slot is in use.
	ErrTableFull = kernel.NewError("proc", "process table is full")
)

// Table is the kernel-global process table: PID-keyed storage with PID
// allocation (a counter starting at 1 that skips PIDs still in the table, so
// a reaped PID is not handed out again until the counter wraps; PID 0 is
// never assigned, matching the source this is grounded on's use of PID 1
// for init) and reaping of zombies.
type Table struct {
	mu    sync.Spinlock
	procs map[uint32]*Process
	next  uint32
}

// NewTable creates an empty process table.
func NewTable() *Table {
	return &Table{procs: map[uint32]*Process{}, next: 1}
}

// Insert assigns the next free PID to p and records it.
func (t *Table) Insert(p *Process) (uint32, *kernel.Error) {
	t.mu.Acquire()
	defer t.mu.Release()

	for i := uint32(0); i < 1<<20; i++ {
		pid := t.next
		t.next++
		if t.next == 0 {
			t.next = 1
		}
		if _, used := t.procs[pid]; !used {
			t.procs[pid] = p
			kfmt.Printf("proc: inserted pid %d\n", pid)
			return pid, nil
		}
	}
	return 0, ErrTableFull
}

// Get returns the process registered under pid.
func (t *Table) Get(pid uint32) (*Process, *kernel.Error) {
	t.mu.Acquire()
	defer t.mu.Release()

	p, ok := t.procs[pid]
	if !ok {
		return nil, ErrNoSuchProcess
	}
	return p, nil
}

// Reap removes a zombie process from the table. It refuses to remove a
// process that hasn't exited.
func (t *Table) Reap(pid uint32) *kernel.Error {
	t.mu.Acquire()
	defer t.mu.Release()

	p, ok := t.procs[pid]
	if !ok {
		return ErrNoSuchProcess
	}
	if p.Status() != StatusZombie {
		return kernel.NewError("proc", "cannot reap a process that has not exited")
	}
	delete(t.procs, pid)
	kfmt.Printf("proc: reaped pid %d\n", pid)
	return nil
}

// Remove unconditionally drops pid from the table, used when a fork or
// exec attempt fails after Insert already assigned it a slot.
func (t *Table) Remove(pid uint32) {
	t.mu.Acquire()
	defer t.mu.Release()
	delete(t.procs, pid)
}
