package exception_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys"
	"github.com/dargueta/teachos/machine"
	dt "github.com/dargueta/teachos/testing"
	"github.com/dargueta/teachos/threads"
	"github.com/dargueta/teachos/userprog/exception"
	"github.com/dargueta/teachos/userprog/frametable"
	"github.com/dargueta/teachos/userprog/noff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	fs         *filesys.FileSystem
	machine    *machine.Machine
	frames     *frametable.FrameTable
	sched      *threads.Scheduler
	dispatcher *exception.Dispatcher
	stdout     *bytes.Buffer
}

func newRig(t *testing.T, lazy bool) *rig {
	geo := dt.SmallGeometry(t)
	r := &rig{
		fs:      dt.NewFileSystem(t, geo),
		machine: machine.New(geo.PageSize, geo.NumPhysPages),
		frames:  frametable.New(geo.NumPhysPages),
		sched:   threads.New(threads.MaxThreads),
		stdout:  &bytes.Buffer{},
	}
	handles := exception.NewHandleTable(strings.NewReader(""), r.stdout, exception.MaxOpenFiles)
	r.dispatcher = exception.New(r.fs, r.machine, r.frames, r.sched, handles)
	r.dispatcher.Lazy = lazy
	return r
}

// install writes an executable to the file system.
func (r *rig) install(t *testing.T, name string, image []byte) {
	require.NoError(t, r.fs.WriteFile(name, image))
}

// run starts `name` and runs until every process is done or the machine halts.
func (r *rig) run(t *testing.T, name string) {
	_, err := r.dispatcher.StartProcess(name)
	require.NoError(t, err)
	r.sched.Run()
}

func li(reg uint32, value int32) uint32 {
	return machine.EncodeI(machine.OpADDIU, 0, reg, value)
}

func move(dst, src uint32) uint32 {
	return machine.EncodeR(machine.FnADDU, src, 0, dst, 0)
}

// program assembles the code returned by `build`, which is given the address
// the initialized data ends up at.
func program(data []byte, bss uint32, build func(dataAddr int32) []uint32) []byte {
	codeSize := 4 * len(build(0))
	return noff.AssembleWords(build(int32(codeSize)), data, bss)
}

// writeThenExit prints `size` bytes at `address` to the console and exits.
func writeThenExit(address, size int32) []uint32 {
	return []uint32{
		li(4, exception.ConsoleOutput),
		li(5, address),
		li(6, size),
		li(2, exception.SyscallWrite),
		machine.Syscall,
		li(4, 0),
		li(2, exception.SyscallExit),
		machine.Syscall,
	}
}

func TestDispatcher__HelloWorld(t *testing.T) {
	for _, lazy := range []bool{false, true} {
		r := newRig(t, lazy)
		r.install(t, "hello", program([]byte("hello"), 0, func(data int32) []uint32 {
			return writeThenExit(data, 5)
		}))

		r.run(t, "hello")
		require.NoErrorf(t, r.dispatcher.Err(), "lazy=%t", lazy)
		assert.Equalf(t, "hello", r.stdout.String(), "lazy=%t", lazy)

		assert.Emptyf(t, r.frames.FramesOf(0), "lazy=%t: frames not released on exit", lazy)
		_, err := r.fs.Stat(exception.SwapName(0))
		assert.ErrorIsf(t, err, teachos.ErrNotFound, "lazy=%t: swap file not removed", lazy)
		require.NoError(t, r.dispatcher.Shutdown())
	}
}

func TestDispatcher__FileIO(t *testing.T) {
	r := newRig(t, true)
	data := []byte("f\x00hello")

	r.install(t, "files", program(data, 16, func(d int32) []uint32 {
		name, text, buffer := d, d+2, d+int32(len(data))
		return []uint32{
			li(4, name),
			li(2, exception.SyscallCreate),
			machine.Syscall,

			li(4, name),
			li(2, exception.SyscallOpen),
			machine.Syscall,
			move(16, 2),
			move(4, 16),
			li(5, text),
			li(6, 5),
			li(2, exception.SyscallWrite),
			machine.Syscall,
			move(4, 16),
			li(2, exception.SyscallClose),
			machine.Syscall,

			li(4, name),
			li(2, exception.SyscallOpen),
			machine.Syscall,
			move(4, 2),
			li(5, buffer),
			li(6, 16),
			li(2, exception.SyscallRead),
			machine.Syscall,

			// Print however many bytes came back.
			move(6, 2),
			li(4, exception.ConsoleOutput),
			li(5, buffer),
			li(2, exception.SyscallWrite),
			machine.Syscall,
			li(2, exception.SyscallHalt),
			machine.Syscall,
		}
	}))

	r.run(t, "files")
	require.NoError(t, r.dispatcher.Err())
	assert.Equal(t, "hello", r.stdout.String())

	info, err := r.fs.Stat("f")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)

	// Halting leaves the process and its open file behind for Shutdown.
	_, exists := r.dispatcher.Process(0)
	assert.True(t, exists)
	require.NoError(t, r.dispatcher.Shutdown())
	_, err = r.fs.Stat(exception.SwapName(0))
	assert.ErrorIs(t, err, teachos.ErrNotFound)
}

func TestDispatcher__FailedCallReturnsMinusOne(t *testing.T) {
	r := newRig(t, false)
	data := []byte("nope\x00")

	r.install(t, "fail", program(data, 4, func(d int32) []uint32 {
		result := d + int32(len(data)) + 3
		result -= result % 4
		return append(
			[]uint32{
				li(4, d),
				li(2, exception.SyscallOpen),
				machine.Syscall,
				machine.EncodeI(machine.OpSW, 0, 2, result),
			},
			writeThenExit(result, 4)...)
	}))

	r.run(t, "fail")
	require.NoError(t, r.dispatcher.Err())
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, r.stdout.Bytes())
}

func TestDispatcher__ForkAndJoin(t *testing.T) {
	r := newRig(t, true)

	r.install(t, "forker", program([]byte("childparent"), 0, func(d int32) []uint32 {
		const childEntry = 14 * 4
		parent := []uint32{
			li(4, childEntry),
			li(2, exception.SyscallFork),
			machine.Syscall,
			move(4, 2),
			li(2, exception.SyscallJoin),
			machine.Syscall,
		}
		parent = append(parent, writeThenExit(d+5, 6)...)
		return append(parent, writeThenExit(d, 5)...)
	}))

	r.run(t, "forker")
	require.NoError(t, r.dispatcher.Err())
	assert.Equal(t, "childparent", r.stdout.String())

	_, err := r.fs.Stat(exception.SwapName(0))
	assert.ErrorIs(t, err, teachos.ErrNotFound, "shared swap file outlived both processes")
	assert.False(t, r.sched.Alive(0))
	assert.False(t, r.sched.Alive(1))
}

func TestDispatcher__ExecAndJoin(t *testing.T) {
	for _, lazy := range []bool{false, true} {
		r := newRig(t, lazy)
		r.install(t, "child", program([]byte("child"), 0, func(d int32) []uint32 {
			return writeThenExit(d, 5)
		}))

		data := []byte("child\x00parent")
		r.install(t, "parent", program(data, 0, func(d int32) []uint32 {
			code := []uint32{
				li(4, d),
				li(2, exception.SyscallExec),
				machine.Syscall,
				move(4, 2),
				li(2, exception.SyscallJoin),
				machine.Syscall,
			}
			return append(code, writeThenExit(d+6, 6)...)
		}))

		r.run(t, "parent")
		require.NoErrorf(t, r.dispatcher.Err(), "lazy=%t", lazy)
		assert.Equalf(t, "childparent", r.stdout.String(), "lazy=%t", lazy)
	}
}

func TestDispatcher__ForkedChildExecsAfterParentExits(t *testing.T) {
	for _, lazy := range []bool{false, true} {
		r := newRig(t, lazy)
		r.install(t, "q", program([]byte("hello"), 0, func(d int32) []uint32 {
			return writeThenExit(d, 5)
		}))

		// The parent exits right after forking, freeing thread ID 0 while the
		// child still uses the parent's swap file. The program the child execs
		// then gets ID 0.
		r.install(t, "orphan", program([]byte("q\x00"), 0, func(d int32) []uint32 {
			const childEntry = 6 * 4
			return []uint32{
				li(4, childEntry),
				li(2, exception.SyscallFork),
				machine.Syscall,
				li(4, 0),
				li(2, exception.SyscallExit),
				machine.Syscall,

				li(4, d),
				li(2, exception.SyscallExec),
				machine.Syscall,
				move(4, 2),
				li(2, exception.SyscallJoin),
				machine.Syscall,
				li(4, 0),
				li(2, exception.SyscallExit),
				machine.Syscall,
			}
		}))

		r.run(t, "orphan")
		require.NoErrorf(t, r.dispatcher.Err(), "lazy=%t", lazy)
		assert.Equalf(t, "hello", r.stdout.String(), "lazy=%t", lazy)

		for serial := uint(0); serial < 2; serial++ {
			_, err := r.fs.Stat(exception.SwapName(serial))
			assert.ErrorIsf(t, err, teachos.ErrNotFound, "lazy=%t: swap file %d left behind", lazy, serial)
		}
		assert.Emptyf(t, r.frames.FramesOf(0), "lazy=%t", lazy)
		assert.Emptyf(t, r.frames.FramesOf(1), "lazy=%t", lazy)
		require.NoError(t, r.dispatcher.Shutdown())
	}
}

func TestDispatcher__YieldInterleaves(t *testing.T) {
	r := newRig(t, true)

	// Two copies of a program that prints its letter, yields, and prints it
	// again.
	for _, name := range []string{"a", "b"} {
		r.install(t, name, program([]byte(name), 0, func(d int32) []uint32 {
			code := []uint32{
				li(4, exception.ConsoleOutput),
				li(5, d),
				li(6, 1),
				li(2, exception.SyscallWrite),
				machine.Syscall,
				li(2, exception.SyscallYield),
				machine.Syscall,
			}
			return append(code, writeThenExit(d, 1)...)
		}))
	}

	_, err := r.dispatcher.StartProcess("a")
	require.NoError(t, err)
	_, err = r.dispatcher.StartProcess("b")
	require.NoError(t, err)
	r.sched.Run()

	require.NoError(t, r.dispatcher.Err())
	assert.Equal(t, "abab", r.stdout.String())
}

func TestDispatcher__PageFaultWritesBackEvictedPage(t *testing.T) {
	r := newRig(t, true)
	geo := r.fs.Geometry()
	pageSize := int32(geo.PageSize)
	numFrames := int32(geo.NumPhysPages)

	// Enough initialized data that page N+1 is entirely known contents, where N
	// is the number of frames.
	data := dt.RandomBytes(t, uint(pageSize*(numFrames+2)))
	target := pageSize + 72
	conflicting := target + pageSize*numFrames

	r.install(t, "evict", program(data, 0, func(d int32) []uint32 {
		return []uint32{
			li(8, 0x5a),
			li(9, target),
			machine.EncodeI(machine.OpSB, 9, 8, 0),
			li(10, conflicting),
			machine.EncodeI(machine.OpLB, 10, 11, 0),
			li(2, exception.SyscallHalt),
			machine.Syscall,
		}
	}))
	r.run(t, "evict")
	require.NoError(t, r.dispatcher.Err())

	p, ok := r.dispatcher.Process(0)
	require.True(t, ok)
	assert.False(t, p.Space().Entry(1).Valid, "evicted page still mapped")
	assert.True(t, p.Space().Entry(uint(1+numFrames)).Valid)

	owner, vpn, ok := r.frames.Owner(1)
	require.True(t, ok)
	assert.EqualValues(t, 0, owner)
	assert.EqualValues(t, 1+numFrames, vpn)

	// The frame holds the new page straight from the executable's data.
	codeSize := int32(7 * 4)
	start := pageSize*(1+numFrames) - codeSize
	assert.Equal(t, data[start:start+pageSize], r.machine.Frame(1))

	// The swap file has the store that was made before the eviction.
	swap, err := r.fs.Open(exception.SwapName(0))
	require.NoError(t, err)
	stored := make([]byte, 1)
	_, err = swap.ReadAt(stored, int64(target))
	require.NoError(t, err)
	assert.EqualValues(t, 0x5a, stored[0])
	require.NoError(t, swap.Close())

	require.NoError(t, r.dispatcher.Shutdown())
}

func TestDispatcher__UnexpectedTrapIsFatal(t *testing.T) {
	tests := map[string][]uint32{
		"illegal instruction": {0xffffffff},
		"unknown syscall":     {li(2, 99), machine.Syscall},
		"address error":       {li(8, 2), machine.EncodeI(machine.OpLW, 8, 9, 0)},
	}

	for name, code := range tests {
		code := code
		t.Run(name, func(t *testing.T) {
			r := newRig(t, true)
			r.install(t, "bad", noff.AssembleWords(code, nil, 0))
			r.run(t, "bad")

			assert.ErrorIs(t, r.dispatcher.Err(), teachos.ErrUnexpectedTrap)
			assert.True(t, r.machine.Halted())
			require.NoError(t, r.dispatcher.Shutdown())
		})
	}
}

func TestDispatcher__StartProcessErrors(t *testing.T) {
	r := newRig(t, false)

	_, err := r.dispatcher.StartProcess("missing")
	assert.ErrorIs(t, err, teachos.ErrNotFound)

	r.install(t, "junk", []byte("this isn't an executable, honest......."))
	_, err = r.dispatcher.StartProcess("junk")
	assert.ErrorIs(t, err, teachos.ErrExecFormat)

	// Too big for main memory when every page has to be resident.
	r.install(t, "huge", noff.Assemble(make([]byte, 16), nil, 4096))
	_, err = r.dispatcher.StartProcess("huge")
	assert.ErrorIs(t, err, teachos.ErrNoMemory)

	assert.False(t, r.sched.Alive(0), "failed start leaked a thread ID")
	assert.Empty(t, r.frames.FramesOf(0))
	_, err = r.fs.Stat(exception.SwapName(0))
	assert.ErrorIs(t, err, teachos.ErrNotFound)
}
