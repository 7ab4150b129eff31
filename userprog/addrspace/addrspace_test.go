package addrspace_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/machine"
	dt "github.com/dargueta/teachos/testing"
	"github.com/dargueta/teachos/userprog/addrspace"
	"github.com/dargueta/teachos/userprog/frametable"
	"github.com/dargueta/teachos/userprog/noff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a growable in-memory backing store.
type memStore struct {
	data []byte
}

func (s *memStore) WriteAt(buffer []byte, offset int64) (int, error) {
	return copy(s.data[offset:], buffer), nil
}

// testImage builds an executable with 200 bytes of code, 50 bytes of data and
// 10 bytes of bss. With 128-byte pages and a 256-byte stack that's 516 bytes,
// or 5 pages.
func testImage(t *testing.T) ([]byte, []byte, []byte) {
	code := dt.RandomBytes(t, 200)
	data := dt.RandomBytes(t, 50)
	return noff.Assemble(code, data, 10), code, data
}

func TestNewEager__LoadsSegmentsAndZeroesTheRest(t *testing.T) {
	geo := dt.SmallGeometry(t)
	m := machine.New(geo.PageSize, geo.NumPhysPages)
	frames := frametable.New(geo.NumPhysPages)

	// Garbage in memory must not leak into the new address space.
	copy(m.MainMemory, dt.RandomBytes(t, uint(len(m.MainMemory))))

	image, code, data := testImage(t)
	as, err := addrspace.NewEager(bytes.NewReader(image), 3, m, frames, geo)
	require.NoError(t, err)
	assert.EqualValues(t, 5, as.NumPages())
	assert.EqualValues(t, 640, as.Size())
	assert.Len(t, frames.FramesOf(3), 5)

	// Reassemble the virtual address space through the page table.
	virtual := []byte{}
	for vpn := uint(0); vpn < as.NumPages(); vpn++ {
		entry := as.Entry(vpn)
		require.Truef(t, entry.Valid, "page %d not resident", vpn)
		assert.Equal(t, vpn, entry.VirtualPage)

		owner, boundVPN, ok := frames.Owner(entry.PhysicalPage)
		require.True(t, ok)
		assert.EqualValues(t, 3, owner)
		assert.Equal(t, vpn, boundVPN)

		virtual = append(virtual, m.Frame(entry.PhysicalPage)...)
	}

	assert.Equal(t, code, virtual[:200])
	assert.Equal(t, data, virtual[200:250])
	assert.Equal(t, make([]byte, 640-250), virtual[250:])
}

func TestNewEager__NotEnoughFrames(t *testing.T) {
	geo := dt.SmallGeometry(t)
	m := machine.New(geo.PageSize, geo.NumPhysPages)
	frames := frametable.New(geo.NumPhysPages)
	frames.Allocate(0, 9, 0)

	// 8 frames, one taken; this needs ceil((128 + 1000 + 256) / 128) = 11.
	image := noff.Assemble(make([]byte, 128), nil, 1000)
	_, err := addrspace.NewEager(bytes.NewReader(image), 1, m, frames, geo)
	assert.ErrorIs(t, err, teachos.ErrNoMemory)

	assert.Empty(t, frames.FramesOf(1), "frames leaked after failure")
	assert.True(t, frames.IsAllocated(0), "someone else's frame was released")
}

func TestNewEager__ReusesFramesAlreadyBound(t *testing.T) {
	geo := dt.SmallGeometry(t)
	m := machine.New(geo.PageSize, geo.NumPhysPages)
	frames := frametable.New(geo.NumPhysPages)
	frames.Allocate(2, 4, 7)

	image, _, _ := testImage(t)
	as, err := addrspace.NewEager(bytes.NewReader(image), 4, m, frames, geo)
	require.NoError(t, err)
	assert.EqualValues(t, 7, as.Entry(2).PhysicalPage)
	assert.Len(t, frames.FramesOf(4), 5)
}

func TestNewEager__BadExecutable(t *testing.T) {
	geo := dt.SmallGeometry(t)
	m := machine.New(geo.PageSize, geo.NumPhysPages)
	frames := frametable.New(geo.NumPhysPages)

	_, err := addrspace.NewEager(bytes.NewReader([]byte("not an executable at all, sorry!!!!!!!!!")), 1, m, frames, geo)
	assert.ErrorIs(t, err, teachos.ErrExecFormat)
	assert.Empty(t, frames.FramesOf(1))
}

func TestNewLazy__WritesSegmentsToStore(t *testing.T) {
	geo := dt.SmallGeometry(t)
	image, code, data := testImage(t)

	var store *memStore
	as, err := addrspace.NewLazy(
		bytes.NewReader(image),
		geo,
		func(size uint) (io.WriterAt, error) {
			store = &memStore{data: make([]byte, size)}
			return store, nil
		})
	require.NoError(t, err)
	require.NotNil(t, store)

	assert.Len(t, store.data, 640)
	assert.Equal(t, code, store.data[:200])
	assert.Equal(t, data, store.data[200:250])
	assert.Equal(t, make([]byte, 390), store.data[250:])

	for vpn := uint(0); vpn < as.NumPages(); vpn++ {
		assert.Falsef(t, as.Entry(vpn).Valid, "page %d resident in a lazy address space", vpn)
	}
}

func TestNewLazy__StoreFailure(t *testing.T) {
	geo := dt.SmallGeometry(t)
	image, _, _ := testImage(t)

	_, err := addrspace.NewLazy(
		bytes.NewReader(image),
		geo,
		func(size uint) (io.WriterAt, error) {
			return nil, teachos.ErrNoSpaceOnDevice
		})
	assert.ErrorIs(t, err, teachos.ErrNoSpaceOnDevice)
}

func TestCopyFrom__IndependentEntries(t *testing.T) {
	geo := dt.SmallGeometry(t)
	m := machine.New(geo.PageSize, geo.NumPhysPages)
	frames := frametable.New(geo.NumPhysPages)

	image, _, _ := testImage(t)
	parent, err := addrspace.NewEager(bytes.NewReader(image), 1, m, frames, geo)
	require.NoError(t, err)
	parent.Entry(1).Dirty = true

	child := addrspace.CopyFrom(parent)
	require.Equal(t, parent.NumPages(), child.NumPages())
	for vpn := uint(0); vpn < parent.NumPages(); vpn++ {
		assert.Equal(t, *parent.Entry(vpn), *child.Entry(vpn))
	}

	child.Entry(0).Valid = false
	assert.True(t, parent.Entry(0).Valid, "child's page table aliases the parent's")
}

func TestUnmapFrame(t *testing.T) {
	geo := dt.SmallGeometry(t)
	m := machine.New(geo.PageSize, geo.NumPhysPages)
	frames := frametable.New(geo.NumPhysPages)

	image, _, _ := testImage(t)
	as, err := addrspace.NewEager(bytes.NewReader(image), 1, m, frames, geo)
	require.NoError(t, err)

	frame := as.Entry(3).PhysicalPage
	assert.Equal(t, 1, as.UnmapFrame(frame))
	assert.False(t, as.Entry(3).Valid)
	assert.Equal(t, 0, as.UnmapFrame(frame))
}

func TestInitRegisters(t *testing.T) {
	geo := dt.SmallGeometry(t)
	m := machine.New(geo.PageSize, geo.NumPhysPages)
	for i := range m.Registers {
		m.Registers[i] = 123
	}

	image, _, _ := testImage(t)
	as, err := addrspace.NewLazy(bytes.NewReader(image), geo, func(size uint) (io.WriterAt, error) {
		return &memStore{data: make([]byte, size)}, nil
	})
	require.NoError(t, err)

	as.InitRegisters(m)
	assert.EqualValues(t, 0, m.ReadRegister(machine.PCReg))
	assert.EqualValues(t, 4, m.ReadRegister(machine.NextPCReg))
	assert.EqualValues(t, 640-16, m.ReadRegister(machine.StackReg))
	assert.EqualValues(t, 0, m.ReadRegister(8))
	assert.EqualValues(t, 0, m.ReadRegister(machine.RetAddrReg))
}

func TestSaveRestoreState(t *testing.T) {
	geo := dt.SmallGeometry(t)
	m := machine.New(geo.PageSize, geo.NumPhysPages)
	image, _, _ := testImage(t)
	factory := func(size uint) (io.WriterAt, error) {
		return &memStore{data: make([]byte, size)}, nil
	}

	first, err := addrspace.NewLazy(bytes.NewReader(image), geo, factory)
	require.NoError(t, err)
	second, err := addrspace.NewLazy(bytes.NewReader(image), geo, factory)
	require.NoError(t, err)

	first.RestoreState(m)
	m.PageTable[0].Valid = true
	first.SaveState(m)

	second.RestoreState(m)
	assert.False(t, m.PageTable[0].Valid, "machine still uses the first page table")

	first.RestoreState(m)
	assert.True(t, m.PageTable[0].Valid)
	assert.True(t, first.Entry(0).Valid)
}
