package exception

import (
	"errors"
	"fmt"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys"
	"github.com/dargueta/teachos/machine"
	"github.com/dargueta/teachos/threads"
	"github.com/dargueta/teachos/userprog/addrspace"
	"github.com/dargueta/teachos/utilities/debug"
)

// swapFile is the backing store of one or more processes. A forked child
// shares its parent's, so the file is only removed once the last user exits.
type swapFile struct {
	name string
	file *filesys.File
	refs int
}

// Process is a user program running on its own thread.
type Process struct {
	thread    *threads.Thread
	space     *addrspace.AddrSpace
	swap      *swapFile
	registers [machine.NumTotalRegs]int32
}

func (p *Process) ID() teachos.ContextID {
	return p.thread.ID
}

func (p *Process) Space() *addrspace.AddrSpace {
	return p.space
}

// SwapName gives the name of the `serial`th swap file a dispatcher creates.
// Serial numbers are never reused, unlike thread IDs, so a swap file kept alive
// by a forked child can't collide with a newer process's.
func SwapName(serial uint) string {
	return fmt.Sprintf("vm%d", serial)
}

// createSwap creates a zero-filled swap file of `size` bytes under the next
// unused serial number. A stale file with the same name left on the disk by an
// earlier kernel is replaced; a file a live process owns never is.
func (d *Dispatcher) createSwap(size uint) (*swapFile, error) {
	name := SwapName(d.nextSwap)
	d.nextSwap++
	if _, live := d.swaps[name]; live {
		return nil, teachos.ErrExists.WithMessage(
			fmt.Sprintf("swap file %q is still in use", name))
	}

	err := d.fs.Create(name, size)
	if errors.Is(err, teachos.ErrExists) {
		debug.DPrintf(1, "removing stale swap file %q\n", name)
		err = d.fs.Remove(name)
		if err == nil {
			err = d.fs.Create(name, size)
		}
	}
	if err != nil {
		return nil, err
	}

	file, err := d.fs.Open(name)
	if err != nil {
		d.fs.Remove(name)
		return nil, err
	}
	swap := &swapFile{name: name, file: file, refs: 1}
	d.swaps[name] = swap
	return swap, nil
}

// releaseSwap drops one reference to `swap`, deleting the file once nothing
// uses it.
func (d *Dispatcher) releaseSwap(swap *swapFile) error {
	swap.refs--
	if swap.refs > 0 {
		return nil
	}
	delete(d.swaps, swap.name)

	err := swap.file.Close()
	if err != nil {
		return err
	}
	debug.DPrintf(2, "removing swap file %q\n", swap.name)
	return d.fs.Remove(swap.name)
}

// saveState stashes the machine's user-visible state in the process before it
// gives up the processor.
func (p *Process) saveState(m *machine.Machine) {
	p.registers = m.Registers
	p.space.SaveState(m)
}

func (p *Process) restoreState(m *machine.Machine) {
	m.Registers = p.registers
	p.space.RestoreState(m)
}

// initialRegisters computes the registers `space` starts with without
// disturbing the running program's.
func initialRegisters(m *machine.Machine, space *addrspace.AddrSpace) [machine.NumTotalRegs]int32 {
	saved := m.Registers
	space.InitRegisters(m)
	initial := m.Registers
	m.Registers = saved
	return initial
}
