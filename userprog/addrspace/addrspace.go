// Package addrspace builds the virtual address space of a user program from
// its executable.
//
// The layout is flat: code starts at virtual address 0, followed by the
// initialized data, the uninitialized data, and finally the stack.
package addrspace

import (
	"fmt"
	"io"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/geometry"
	"github.com/dargueta/teachos/machine"
	"github.com/dargueta/teachos/storage/common"
	"github.com/dargueta/teachos/userprog/frametable"
	"github.com/dargueta/teachos/userprog/noff"
	"github.com/dargueta/teachos/utilities/debug"
)

// StackMargin is how far below the top of the address space the stack
// pointer starts, so the first push can't run off the end.
const StackMargin = 16

type AddrSpace struct {
	numPages  uint
	pageSize  uint
	pageTable []machine.TranslationEntry
}

// StoreFactory creates the backing store of a lazily loaded address space,
// given its size in bytes. The store must read as zeroes until written.
type StoreFactory func(size uint) (io.WriterAt, error)

func newAddrSpace(header noff.Header, geo geometry.Geometry) (*AddrSpace, error) {
	size := uint(header.Code.Size) +
		uint(header.InitData.Size) +
		uint(header.UninitData.Size) +
		geo.UserStackSize

	as := &AddrSpace{
		numPages: common.DivRoundUp(size, geo.PageSize),
		pageSize: geo.PageSize,
	}

	for _, segment := range []noff.Segment{header.Code, header.InitData, header.UninitData} {
		if segment.Size > 0 && uint(segment.End()) > as.Size() {
			return nil, teachos.ErrExecFormat.WithMessage(
				fmt.Sprintf(
					"segment at 0x%x ends past the %d-byte address space",
					segment.VirtualAddr,
					as.Size()))
		}
	}

	as.pageTable = make([]machine.TranslationEntry, as.numPages)
	for i := range as.pageTable {
		as.pageTable[i].VirtualPage = uint(i)
	}

	debug.DPrintf(1, "address space: %d pages, %d bytes\n", as.numPages, as.Size())
	return as, nil
}

// NewEager builds an address space for `owner` whose pages are all resident
// before the program starts. Every page gets a frame from `frames`; code and
// initialized data are copied in and everything else is zeroed.
//
// If there aren't enough free frames, every frame taken so far is released and
// an error is returned.
func NewEager(
	exe io.ReaderAt,
	owner teachos.ContextID,
	m *machine.Machine,
	frames *frametable.FrameTable,
	geo geometry.Geometry,
) (*AddrSpace, error) {
	header, err := noff.Read(exe)
	if err != nil {
		return nil, err
	}
	as, err := newAddrSpace(header, geo)
	if err != nil {
		return nil, err
	}

	for vpn := uint(0); vpn < as.numPages; vpn++ {
		frame, ok := frames.FindFrame(vpn, owner)
		if !ok {
			frame, ok = frames.FindFreeFrame()
			if !ok {
				frames.ReleaseOwner(owner)
				return nil, teachos.ErrNoMemory.WithMessage(
					fmt.Sprintf("no free frame for page %d of %d", vpn, as.numPages))
			}
			frames.Allocate(vpn, owner, frame)
		}

		memory := m.Frame(frame)
		for i := range memory {
			memory[i] = 0
		}
		as.pageTable[vpn].PhysicalPage = frame
		as.pageTable[vpn].Valid = true
	}

	for _, segment := range []noff.Segment{header.Code, header.InitData} {
		data, err := noff.ReadSegment(exe, segment)
		if err != nil {
			frames.ReleaseOwner(owner)
			return nil, err
		}
		as.copyToFrames(m, segment.VirtualAddr, data)
	}
	return as, nil
}

// copyToFrames copies `data` to virtual address `vaddr`, page by page. Partial
// pages at either end only receive the overlapping bytes.
func (as *AddrSpace) copyToFrames(m *machine.Machine, vaddr uint32, data []byte) {
	for len(data) > 0 {
		vpn := uint(vaddr) / as.pageSize
		offset := uint(vaddr) % as.pageSize
		frame := m.Frame(as.pageTable[vpn].PhysicalPage)

		n := copy(frame[offset:], data)
		data = data[n:]
		vaddr += uint32(n)
	}
}

// NewLazy builds an address space with no resident pages. A backing store the
// size of the whole address space is created with `createStore`, and code and
// initialized data are written to it at their virtual addresses; pages are
// brought into memory by the page fault handler.
func NewLazy(exe io.ReaderAt, geo geometry.Geometry, createStore StoreFactory) (*AddrSpace, error) {
	header, err := noff.Read(exe)
	if err != nil {
		return nil, err
	}
	as, err := newAddrSpace(header, geo)
	if err != nil {
		return nil, err
	}

	store, err := createStore(as.Size())
	if err != nil {
		return nil, err
	}

	for _, segment := range []noff.Segment{header.Code, header.InitData} {
		data, err := noff.ReadSegment(exe, segment)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		_, err = store.WriteAt(data, int64(segment.VirtualAddr))
		if err != nil {
			return nil, err
		}
	}
	return as, nil
}

// CopyFrom creates an address space with the same size and a copy of every
// page table entry of `source`. Both end up mapping the same frames.
func CopyFrom(source *AddrSpace) *AddrSpace {
	as := &AddrSpace{
		numPages:  source.numPages,
		pageSize:  source.pageSize,
		pageTable: make([]machine.TranslationEntry, len(source.pageTable)),
	}
	copy(as.pageTable, source.pageTable)
	return as
}

func (as *AddrSpace) NumPages() uint {
	return as.numPages
}

// Size gives the size of the address space, in bytes.
func (as *AddrSpace) Size() uint {
	return as.numPages * as.pageSize
}

// Entry returns the page table entry for virtual page `vpn`.
func (as *AddrSpace) Entry(vpn uint) *machine.TranslationEntry {
	return &as.pageTable[vpn]
}

// UnmapFrame invalidates every valid entry pointing at `frame` and returns how
// many there were.
func (as *AddrSpace) UnmapFrame(frame uint) int {
	count := 0
	for i := range as.pageTable {
		if as.pageTable[i].Valid && as.pageTable[i].PhysicalPage == frame {
			as.pageTable[i].Valid = false
			count++
		}
	}
	return count
}

// InitRegisters sets up the machine to start the program: every register is
// zeroed, execution begins at address 0, and the stack pointer is placed just
// below the top of the address space.
func (as *AddrSpace) InitRegisters(m *machine.Machine) {
	for i := range m.Registers {
		m.Registers[i] = 0
	}
	m.WriteRegister(machine.PCReg, 0)
	m.WriteRegister(machine.NextPCReg, machine.InstructionSize)
	m.WriteRegister(machine.StackReg, int32(as.Size()-StackMargin))
}

// SaveState takes back the page table from the machine when the owning
// context is switched out.
func (as *AddrSpace) SaveState(m *machine.Machine) {
	as.pageTable = m.PageTable
}

// RestoreState points the machine at this address space's page table.
func (as *AddrSpace) RestoreState(m *machine.Machine) {
	m.PageTable = as.pageTable
}
