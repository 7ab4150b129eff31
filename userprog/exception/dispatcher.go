// Package exception is the kernel's entry point from user programs. Every trap
// the simulated processor raises ends up in [Dispatcher.HandleTrap], which
// either services a page fault, carries out a system call, or stops the
// machine.
package exception

import (
	"fmt"
	"io"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys"
	"github.com/dargueta/teachos/geometry"
	"github.com/dargueta/teachos/machine"
	"github.com/dargueta/teachos/threads"
	"github.com/dargueta/teachos/userprog/addrspace"
	"github.com/dargueta/teachos/userprog/frametable"
	"github.com/dargueta/teachos/utilities/debug"
	"github.com/hashicorp/go-multierror"
)

// System call codes, passed in r2.
const (
	SyscallHalt   = 0
	SyscallExit   = 1
	SyscallExec   = 2
	SyscallJoin   = 3
	SyscallCreate = 4
	SyscallOpen   = 5
	SyscallRead   = 6
	SyscallWrite  = 7
	SyscallClose  = 8
	SyscallFork   = 9
	SyscallYield  = 10
)

// MaxStringLength is the longest string a user program can pass to a system
// call, terminator excluded.
const MaxStringLength = 255

type Dispatcher struct {
	fs       *filesys.FileSystem
	geometry geometry.Geometry
	machine  *machine.Machine
	frames   *frametable.FrameTable
	sched    *threads.Scheduler
	handles  *HandleTable

	// Lazy selects demand paging for new address spaces. Otherwise every page
	// is loaded before a program starts.
	Lazy bool

	processes map[teachos.ContextID]*Process
	swaps     map[string]*swapFile
	nextSwap  uint
	fatal     error
}

// New creates a dispatcher and installs it as the machine's trap handler and
// the scheduler's context switch hook.
func New(
	fs *filesys.FileSystem,
	m *machine.Machine,
	frames *frametable.FrameTable,
	sched *threads.Scheduler,
	handles *HandleTable,
) *Dispatcher {
	d := &Dispatcher{
		fs:        fs,
		geometry:  fs.Geometry(),
		machine:   m,
		frames:    frames,
		sched:     sched,
		handles:   handles,
		processes: make(map[teachos.ContextID]*Process),
		swaps:     make(map[string]*swapFile),
	}
	m.SetTrapHandler(d)
	sched.OnSwitch = d.switchTo
	return d
}

// Err returns the error that stopped the machine, if any.
func (d *Dispatcher) Err() error {
	return d.fatal
}

// Process returns the live process with the given ID.
func (d *Dispatcher) Process(id teachos.ContextID) (*Process, bool) {
	p, ok := d.processes[id]
	return p, ok
}

// current returns the process holding the processor.
func (d *Dispatcher) current() (*Process, error) {
	thread := d.sched.Current()
	if thread == nil {
		return nil, teachos.ErrNoSuchProcess.WithMessage("no thread is running")
	}
	p, ok := d.processes[thread.ID]
	if !ok {
		return nil, teachos.ErrNoSuchProcess.WithMessage(
			fmt.Sprintf("thread %s isn't running a user program", thread))
	}
	return p, nil
}

func (d *Dispatcher) switchTo(thread *threads.Thread) {
	if p, ok := d.processes[thread.ID]; ok {
		p.restoreState(d.machine)
	}
}

// yield gives up the processor with the caller's state saved.
func (d *Dispatcher) yield(p *Process) {
	p.saveState(d.machine)
	d.sched.Yield()
}

// fail stops everything. The machine and the scheduler are halted, so the
// calling thread finishes once its Run loop returns.
func (d *Dispatcher) fail(err error) error {
	debug.DPrintf(0, "fatal: %s\n", err)
	if d.fatal == nil {
		d.fatal = err
	}
	d.machine.Halt()
	d.sched.Halt()
	return err
}

// HandleTrap implements [machine.TrapHandler].
func (d *Dispatcher) HandleTrap(which machine.ExceptionType) error {
	var err error

	switch which {
	case machine.PageFaultException:
		err = d.handlePageFault()
	case machine.SyscallException:
		err = d.handleSyscall()
	default:
		err = teachos.ErrUnexpectedTrap.WithMessage(
			fmt.Sprintf(
				"%s at pc=0x%x, bad address 0x%x",
				which,
				uint32(d.machine.ReadRegister(machine.PCReg)),
				uint32(d.machine.ReadRegister(machine.BadVAddrReg))))
	}

	if err != nil {
		return d.fail(err)
	}
	return nil
}

// StartProcess loads the executable at `path` into a new address space and
// starts it on a new thread. It returns the new process's ID.
func (d *Dispatcher) StartProcess(path string) (teachos.ContextID, error) {
	exe, err := d.fs.Open(path)
	if err != nil {
		return teachos.NoContext, err
	}
	defer exe.Close()

	thread, err := d.sched.NewThread(path)
	if err != nil {
		return teachos.NoContext, err
	}

	p, err := d.load(exe, thread)
	if err != nil {
		d.sched.Discard(thread)
		return teachos.NoContext, err
	}
	p.registers = initialRegisters(d.machine, p.space)
	d.launch(p)
	return p.ID(), nil
}

// load builds the address space and swap file of a new process running on
// `thread`.
func (d *Dispatcher) load(exe io.ReaderAt, thread *threads.Thread) (*Process, error) {
	p := &Process{thread: thread}
	var err error

	if d.Lazy {
		p.space, err = addrspace.NewLazy(
			exe,
			d.geometry,
			func(size uint) (io.WriterAt, error) {
				swap, swapErr := d.createSwap(size)
				if swapErr != nil {
					return nil, swapErr
				}
				p.swap = swap
				return swap.file, nil
			})
		if err != nil && p.swap != nil {
			d.releaseSwap(p.swap)
		}
	} else {
		p.space, err = addrspace.NewEager(exe, thread.ID, d.machine, d.frames, d.geometry)
		if err == nil {
			p.swap, err = d.createSwap(p.space.Size())
			if err != nil {
				d.frames.ReleaseOwner(thread.ID)
			}
		}
	}

	if err != nil {
		return nil, err
	}
	return p, nil
}

// launch registers `p` and makes its thread ready to run.
func (d *Dispatcher) launch(p *Process) {
	d.processes[p.ID()] = p
	debug.DPrintf(1, "process %d started, %d pages\n", p.ID(), p.space.NumPages())

	d.sched.Start(p.thread, func() {
		err := d.machine.Run()
		if err != nil && d.fatal == nil {
			d.fail(err)
		}
	})
}

// writeBack copies `frame` to its owner's swap file at the owner's virtual
// address, then unmaps it from every address space.
func (d *Dispatcher) writeBack(frame uint) error {
	owner, vpn, ok := d.frames.Owner(frame)
	if !ok {
		return nil
	}

	if p, exists := d.processes[owner]; exists {
		debug.DPrintf(2, "writing back frame %d (process %d, page %d)\n", frame, owner, vpn)
		_, err := p.swap.file.WriteAt(d.machine.Frame(frame), int64(vpn*d.geometry.PageSize))
		if err != nil {
			return err
		}
	}

	for _, p := range d.processes {
		p.space.UnmapFrame(frame)
	}
	return nil
}

// handlePageFault brings in the page containing the faulting address. The
// frame it goes in is determined by the page number alone, so whatever was
// there before is evicted.
func (d *Dispatcher) handlePageFault() error {
	p, err := d.current()
	if err != nil {
		return err
	}

	address := uint32(d.machine.ReadRegister(machine.BadVAddrReg))
	vpn := uint(address) / d.geometry.PageSize
	if vpn >= p.space.NumPages() {
		return teachos.ErrBadAddress.WithMessage(
			fmt.Sprintf("page fault at 0x%x is outside the address space", address))
	}
	frame := vpn % d.frames.NumFrames()

	owner, ownerVPN, bound := d.frames.Owner(frame)
	if !bound || owner != p.ID() || ownerVPN != vpn {
		if bound {
			if err = d.writeBack(frame); err != nil {
				return err
			}
		}

		debug.DPrintf(2, "loading page %d of process %d into frame %d\n", vpn, p.ID(), frame)
		_, err = p.swap.file.ReadAt(d.machine.Frame(frame), int64(vpn*d.geometry.PageSize))
		if err != nil {
			return err
		}
		d.frames.Allocate(vpn, p.ID(), frame)
	}

	entry := p.space.Entry(vpn)
	entry.PhysicalPage = frame
	entry.Valid = true
	entry.ReadOnly = false
	entry.Use = false
	entry.Dirty = false
	return nil
}

// exit tears down `p`: its resident pages are written back and released, and
// its swap file is dropped.
func (d *Dispatcher) exit(p *Process) error {
	var result *multierror.Error

	for _, frame := range d.frames.FramesOf(p.ID()) {
		result = multierror.Append(result, d.writeBack(frame))
	}
	d.frames.ReleaseOwner(p.ID())
	delete(d.processes, p.ID())

	if p.swap != nil {
		result = multierror.Append(result, d.releaseSwap(p.swap))
	}
	return result.ErrorOrNil()
}

// Shutdown releases every process left over after the scheduler stopped, and
// closes all open files.
func (d *Dispatcher) Shutdown() error {
	var result *multierror.Error
	for _, p := range d.processes {
		result = multierror.Append(result, d.exit(p))
	}
	result = multierror.Append(result, d.handles.CloseAll())
	return result.ErrorOrNil()
}
