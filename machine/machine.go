// Package machine simulates the user-mode half of a small MIPS-like computer:
// a register file, main memory divided into frames, and address translation
// through a per-process page table. Anything the simulated processor can't
// handle on its own is passed to a [TrapHandler].
package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/teachos"
)

// Register indices. Registers 0-31 are the general-purpose registers.
const (
	StackReg     = 29
	RetAddrReg   = 31
	NumGPRegs    = 32
	HiReg        = 32
	LoReg        = 33
	PCReg        = 34
	NextPCReg    = 35
	PrevPCReg    = 36
	LoadReg      = 37
	LoadValueReg = 38
	BadVAddrReg  = 39
	NumTotalRegs = 40
)

// Registers used by the system call convention: the call code and the result
// go in r2, arguments in r4 through r7.
const (
	ResultReg = 2
	Arg1Reg   = 4
	Arg2Reg   = 5
	Arg3Reg   = 6
	Arg4Reg   = 7
)

// InstructionSize is the width of every instruction, in bytes.
const InstructionSize = 4

type ExceptionType int

const (
	NoException ExceptionType = iota
	SyscallException
	PageFaultException
	ReadOnlyException
	BusErrorException
	AddressErrorException
	OverflowException
	IllegalInstrException
)

var exceptionNames = [...]string{
	"no exception",
	"syscall",
	"page fault",
	"read-only",
	"bus error",
	"address error",
	"overflow",
	"illegal instruction",
}

func (e ExceptionType) String() string {
	if e < 0 || int(e) >= len(exceptionNames) {
		return fmt.Sprintf("exception %d", int(e))
	}
	return exceptionNames[e]
}

// TranslationEntry maps one virtual page of a process to a physical frame.
type TranslationEntry struct {
	VirtualPage  uint
	PhysicalPage uint
	Valid        bool
	ReadOnly     bool
	Use          bool
	Dirty        bool
}

// TrapHandler is called whenever the processor raises an exception. If it
// returns an error, the machine stops running the current context.
type TrapHandler interface {
	HandleTrap(which ExceptionType) error
}

type Machine struct {
	Registers  [NumTotalRegs]int32
	MainMemory []byte

	// PageTable translates the running process's virtual pages. It's swapped
	// out on every context switch.
	PageTable []TranslationEntry

	pageSize     uint
	numPhysPages uint
	handler      TrapHandler
	halted       bool
}

// New creates a machine with `numPhysPages` frames of `pageSize` bytes each.
// The handler must be set with SetTrapHandler before anything is run.
func New(pageSize, numPhysPages uint) *Machine {
	return &Machine{
		MainMemory:   make([]byte, pageSize*numPhysPages),
		pageSize:     pageSize,
		numPhysPages: numPhysPages,
	}
}

func (m *Machine) SetTrapHandler(handler TrapHandler) {
	m.handler = handler
}

func (m *Machine) PageSize() uint {
	return m.pageSize
}

func (m *Machine) NumPhysPages() uint {
	return m.numPhysPages
}

// Frame returns the slice of main memory backing physical frame `frame`.
func (m *Machine) Frame(frame uint) []byte {
	start := frame * m.pageSize
	return m.MainMemory[start : start+m.pageSize]
}

func (m *Machine) ReadRegister(reg int) int32 {
	return m.Registers[reg]
}

func (m *Machine) WriteRegister(reg int, value int32) {
	m.Registers[reg] = value
}

// AdvancePC moves past the current instruction the way a completed instruction
// would. Trap handlers call this before returning from a system call so the
// call isn't repeated.
func (m *Machine) AdvancePC() {
	m.Registers[PrevPCReg] = m.Registers[PCReg]
	m.Registers[PCReg] = m.Registers[NextPCReg]
	m.Registers[NextPCReg] += InstructionSize
}

// Halt stops the machine. Every context's Run loop returns once its current
// instruction finishes.
func (m *Machine) Halt() {
	m.halted = true
}

func (m *Machine) Halted() bool {
	return m.halted
}

// RaiseException records `badVAddr` and passes the exception to the trap
// handler.
func (m *Machine) RaiseException(which ExceptionType, badVAddr uint32) error {
	m.Registers[BadVAddrReg] = int32(badVAddr)
	if m.handler == nil {
		m.halted = true
		return teachos.ErrUnexpectedTrap.WithMessage(
			fmt.Sprintf("%s with no trap handler installed", which))
	}
	return m.handler.HandleTrap(which)
}

// Translate converts a virtual address to a physical one using the current
// page table. `size` must be 1, 2 or 4, and the address must be aligned to it.
func (m *Machine) Translate(vaddr uint32, size int, writing bool) (uint32, ExceptionType) {
	if (size == 4 && vaddr&0x3 != 0) || (size == 2 && vaddr&0x1 != 0) {
		return 0, AddressErrorException
	}

	vpn := uint(vaddr) / m.pageSize
	offset := uint(vaddr) % m.pageSize
	if vpn >= uint(len(m.PageTable)) {
		return 0, AddressErrorException
	}

	entry := &m.PageTable[vpn]
	if !entry.Valid {
		return 0, PageFaultException
	}
	if writing && entry.ReadOnly {
		return 0, ReadOnlyException
	}
	if entry.PhysicalPage >= m.numPhysPages {
		return 0, BusErrorException
	}

	entry.Use = true
	if writing {
		entry.Dirty = true
	}
	return uint32(entry.PhysicalPage*m.pageSize + offset), NoException
}

// ReadMem reads `size` bytes of little-endian data from virtual address
// `addr`. If translation fails the exception is raised and ok is false; the
// caller should retry once the handler has dealt with it.
func (m *Machine) ReadMem(addr uint32, size int) (value uint32, ok bool, err error) {
	physAddr, exception := m.Translate(addr, size, false)
	if exception != NoException {
		return 0, false, m.RaiseException(exception, addr)
	}

	switch size {
	case 1:
		value = uint32(m.MainMemory[physAddr])
	case 2:
		value = uint32(binary.LittleEndian.Uint16(m.MainMemory[physAddr:]))
	case 4:
		value = binary.LittleEndian.Uint32(m.MainMemory[physAddr:])
	default:
		return 0, false, teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't read %d bytes at once", size))
	}
	return value, true, nil
}

// WriteMem writes `size` bytes of `value` to virtual address `addr`, with the
// same failure semantics as ReadMem.
func (m *Machine) WriteMem(addr uint32, size int, value uint32) (ok bool, err error) {
	physAddr, exception := m.Translate(addr, size, true)
	if exception != NoException {
		return false, m.RaiseException(exception, addr)
	}

	switch size {
	case 1:
		m.MainMemory[physAddr] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(m.MainMemory[physAddr:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(m.MainMemory[physAddr:], value)
	default:
		return false, teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't write %d bytes at once", size))
	}
	return true, nil
}

// Run executes instructions for the current context until the machine halts
// or a trap handler fails.
func (m *Machine) Run() error {
	for !m.halted {
		err := m.OneInstruction()
		if err != nil {
			return err
		}
	}
	return nil
}
