package exception

import (
	"errors"
	"fmt"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/machine"
	"github.com/dargueta/teachos/userprog/addrspace"
	"github.com/dargueta/teachos/utilities/debug"
)

// syscallError marks failures the user program sees as a -1 return value,
// as opposed to ones that stop the machine.
type syscallError struct {
	err error
}

func (e syscallError) Error() string {
	return e.err.Error()
}

func (e syscallError) Unwrap() error {
	return e.err
}

func userError(err error) error {
	if err == nil {
		return nil
	}
	return syscallError{err}
}

func (d *Dispatcher) arg(n int) int32 {
	return d.machine.ReadRegister(machine.Arg1Reg + n)
}

// handleSyscall carries out the system call whose code is in r2. Except for
// Exit and Halt, the program counter is advanced and the result stored in r2
// before returning.
func (d *Dispatcher) handleSyscall() error {
	p, err := d.current()
	if err != nil {
		return err
	}

	code := d.machine.ReadRegister(machine.ResultReg)
	var result int32

	switch code {
	case SyscallHalt:
		debug.DPrintf(1, "shutdown, initiated by process %d\n", p.ID())
		d.machine.Halt()
		d.sched.Halt()
		return nil
	case SyscallExit:
		debug.DPrintf(1, "process %d exited with status %d\n", p.ID(), d.arg(0))
		err = d.exit(p)
		if err != nil {
			return err
		}
		d.sched.Finish()
		return nil
	case SyscallExec:
		result, err = d.sysExec()
	case SyscallJoin:
		result, err = d.sysJoin(p)
	case SyscallCreate:
		result, err = d.sysCreate()
	case SyscallOpen:
		result, err = d.sysOpen()
	case SyscallRead:
		result, err = d.sysRead()
	case SyscallWrite:
		result, err = d.sysWrite()
	case SyscallClose:
		err = userError(d.handles.Close(int(d.arg(0))))
	case SyscallFork:
		result, err = d.sysFork(p)
	case SyscallYield:
		d.machine.AdvancePC()
		d.yield(p)
		return nil
	default:
		return teachos.ErrUnexpectedTrap.WithMessage(
			fmt.Sprintf("unknown system call %d from process %d", code, p.ID()))
	}

	var userErr syscallError
	if errors.As(err, &userErr) {
		debug.DPrintf(1, "system call %d from process %d failed: %s\n", code, p.ID(), err)
		result = -1
	} else if err != nil {
		return err
	}

	d.machine.WriteRegister(machine.ResultReg, result)
	d.machine.AdvancePC()
	return nil
}

// readByte reads one byte of user memory, paging it in if necessary.
func (d *Dispatcher) readByte(address uint32) (byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		value, ok, err := d.machine.ReadMem(address, 1)
		if err != nil {
			return 0, err
		}
		if ok {
			return byte(value), nil
		}
	}
	return 0, teachos.ErrBadAddress.WithMessage(fmt.Sprintf("can't read 0x%x", address))
}

func (d *Dispatcher) writeByte(address uint32, value byte) error {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := d.machine.WriteMem(address, 1, uint32(value))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return teachos.ErrBadAddress.WithMessage(fmt.Sprintf("can't write 0x%x", address))
}

// checkRange rejects buffers that don't lie entirely within the caller's
// address space, so a bad pointer is the program's failure and not a fatal
// trap.
func (d *Dispatcher) checkRange(p *Process, address, size int32) error {
	if address < 0 || size < 0 || uint(address)+uint(size) > p.space.Size() {
		return userError(
			teachos.ErrBadAddress.WithMessage(
				fmt.Sprintf("%d bytes at 0x%x aren't in the address space", size, uint32(address))))
	}
	return nil
}

// readString reads a NUL-terminated string from user memory.
func (d *Dispatcher) readString(address int32) (string, error) {
	p, err := d.current()
	if err != nil {
		return "", err
	}

	buffer := []byte{}
	for {
		if err = d.checkRange(p, address+int32(len(buffer)), 1); err != nil {
			return "", err
		}
		c, err := d.readByte(uint32(address) + uint32(len(buffer)))
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(buffer), nil
		}
		if len(buffer) == MaxStringLength {
			return "", userError(
				teachos.ErrNameTooLong.WithMessage(
					fmt.Sprintf("string at 0x%x is over %d bytes", uint32(address), MaxStringLength)))
		}
		buffer = append(buffer, c)
	}
}

// readBuffer copies `size` bytes of user memory starting at `address`.
func (d *Dispatcher) readBuffer(address, size int32) ([]byte, error) {
	p, err := d.current()
	if err != nil {
		return nil, err
	}
	if err = d.checkRange(p, address, size); err != nil {
		return nil, err
	}

	buffer := make([]byte, size)
	for i := range buffer {
		buffer[i], err = d.readByte(uint32(address) + uint32(i))
		if err != nil {
			return nil, err
		}
	}
	return buffer, nil
}

// writeBuffer copies `data` into user memory starting at `address`.
func (d *Dispatcher) writeBuffer(address int32, data []byte) error {
	p, err := d.current()
	if err != nil {
		return err
	}
	if err = d.checkRange(p, address, int32(len(data))); err != nil {
		return err
	}

	for i, c := range data {
		if err = d.writeByte(uint32(address)+uint32(i), c); err != nil {
			return err
		}
	}
	return nil
}

// Create(name) makes an empty file.
func (d *Dispatcher) sysCreate() (int32, error) {
	name, err := d.readString(d.arg(0))
	if err != nil {
		return 0, err
	}
	return 0, userError(d.fs.Create(name, 0))
}

// Open(name) returns a handle to an existing file.
func (d *Dispatcher) sysOpen() (int32, error) {
	name, err := d.readString(d.arg(0))
	if err != nil {
		return 0, err
	}

	file, err := d.fs.Open(name)
	if err != nil {
		return 0, userError(err)
	}
	handle, err := d.handles.Add(file)
	if err != nil {
		file.Close()
		return 0, userError(err)
	}
	return int32(handle), nil
}

// Read(handle, buffer, size) returns the number of bytes read.
func (d *Dispatcher) sysRead() (int32, error) {
	handle, address, size := d.arg(0), d.arg(1), d.arg(2)
	p, err := d.current()
	if err != nil {
		return 0, err
	}
	if err = d.checkRange(p, address, size); err != nil {
		return 0, err
	}

	data := make([]byte, size)
	n, err := d.handles.Read(int(handle), data)
	if err != nil {
		return 0, userError(err)
	}
	if err = d.writeBuffer(address, data[:n]); err != nil {
		return 0, err
	}
	return int32(n), nil
}

// Write(handle, buffer, size) returns the number of bytes written.
func (d *Dispatcher) sysWrite() (int32, error) {
	handle, address, size := d.arg(0), d.arg(1), d.arg(2)
	data, err := d.readBuffer(address, size)
	if err != nil {
		return 0, err
	}

	n, err := d.handles.Write(int(handle), data)
	if err != nil {
		return 0, userError(err)
	}
	return int32(n), nil
}

// Exec(name) starts the named executable as a new process and returns its ID.
func (d *Dispatcher) sysExec() (int32, error) {
	name, err := d.readString(d.arg(0))
	if err != nil {
		return 0, err
	}

	id, err := d.StartProcess(name)
	if err != nil {
		return 0, userError(err)
	}
	return int32(id), nil
}

// Fork(entry) starts a new process sharing a copy of the caller's address
// space and swap file, running from `entry`. The child's ID is returned to the
// parent.
func (d *Dispatcher) sysFork(parent *Process) (int32, error) {
	entry := d.arg(0)
	if err := d.checkRange(parent, entry, machine.InstructionSize); err != nil {
		return 0, err
	}

	thread, err := d.sched.NewThread(fmt.Sprintf("%s/fork", parent.thread.Name))
	if err != nil {
		return 0, userError(err)
	}

	child := &Process{
		thread:    thread,
		space:     addrspace.CopyFrom(parent.space),
		swap:      parent.swap,
		registers: d.machine.Registers,
	}
	child.swap.refs++
	child.registers[machine.PCReg] = entry
	child.registers[machine.NextPCReg] = entry + machine.InstructionSize
	child.registers[machine.PrevPCReg] = entry

	d.launch(child)
	return int32(child.ID()), nil
}

// Join(id) waits until the process with the given ID has finished.
func (d *Dispatcher) sysJoin(p *Process) (int32, error) {
	id := teachos.ContextID(d.arg(0))
	if id == p.ID() {
		return 0, userError(
			teachos.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("process %d can't join itself", id)))
	}

	for d.sched.Alive(id) {
		d.yield(p)
	}
	return 0, nil
}

var _ machine.TrapHandler = (*Dispatcher)(nil)
