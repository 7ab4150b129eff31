package kernel_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/kernel"
	"github.com/dargueta/teachos/machine"
	dt "github.com/dargueta/teachos/testing"
	"github.com/dargueta/teachos/userprog/exception"
	"github.com/dargueta/teachos/userprog/noff"
	"github.com/dargueta/teachos/utilities/debug"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func li(reg uint32, value int32) uint32 {
	return machine.EncodeI(machine.OpADDIU, 0, reg, value)
}

// echoProgram reads up to 8 bytes from the console and writes them back.
func echoProgram() []byte {
	const buffer = 16 * 4
	code := []uint32{
		li(4, exception.ConsoleInput),
		li(5, buffer),
		li(6, 8),
		li(2, exception.SyscallRead),
		machine.Syscall,
		machine.EncodeR(machine.FnADDU, 2, 0, 6, 0),
		li(4, exception.ConsoleOutput),
		li(5, buffer),
		li(2, exception.SyscallWrite),
		machine.Syscall,
		li(4, 0),
		li(2, exception.SyscallExit),
		machine.Syscall,
	}
	for len(code) < 16 {
		code = append(code, 0)
	}
	return noff.AssembleWords(code, nil, 8)
}

func TestKernel__RunOnRAMDisk(t *testing.T) {
	for _, lazy := range []bool{false, true} {
		stdout := &bytes.Buffer{}
		k, err := kernel.New(kernel.Options{
			Geometry: dt.SmallGeometry(t),
			Lazy:     lazy,
			Stdin:    strings.NewReader("ping"),
			Stdout:   stdout,
		})
		require.NoError(t, err)

		require.NoError(t, k.FileSystem.WriteFile("echo", echoProgram()))
		require.NoErrorf(t, k.Run("echo"), "lazy=%t", lazy)
		assert.Equalf(t, "ping", stdout.String(), "lazy=%t", lazy)

		assert.ErrorIs(t, k.Run("echo"), teachos.ErrInvalidArgument, "second run allowed")
		require.NoError(t, k.Close())
	}
}

func TestKernel__MountsExistingDisk(t *testing.T) {
	geo := dt.SmallGeometry(t)
	device := kernel.NewRAMDisk(geo)

	first, err := kernel.New(kernel.Options{Geometry: geo, Device: device, Format: true})
	require.NoError(t, err)
	require.NoError(t, first.FileSystem.WriteFile("echo", echoProgram()))
	freeAfterInstall := first.FileSystem.FreeSectors()
	require.NoError(t, first.Close())

	stdout := &bytes.Buffer{}
	second, err := kernel.New(kernel.Options{
		Geometry: geo,
		Device:   device,
		Lazy:     true,
		Stdin:    strings.NewReader("pong"),
		Stdout:   stdout,
	})
	require.NoError(t, err)
	require.NoError(t, second.Run("echo"))
	assert.Equal(t, "pong", stdout.String())
	require.NoError(t, second.Close())

	// The swap file is gone and nothing leaked.
	assert.Equal(t, freeAfterInstall, second.FileSystem.FreeSectors())
}

func TestKernel__RunErrors(t *testing.T) {
	k, err := kernel.New(kernel.Options{Geometry: dt.SmallGeometry(t)})
	require.NoError(t, err)
	assert.ErrorIs(t, k.Run("missing"), teachos.ErrNotFound)
	require.NoError(t, k.Close())

	k, err = kernel.New(kernel.Options{Geometry: dt.SmallGeometry(t)})
	require.NoError(t, err)
	require.NoError(t, k.FileSystem.WriteFile("bad", noff.AssembleWords([]uint32{0xffffffff}, nil, 0)))
	assert.ErrorIs(t, k.Run("bad"), teachos.ErrUnexpectedTrap)
	require.NoError(t, k.Close())
}

func TestNew__InvalidGeometry(t *testing.T) {
	geo := dt.SmallGeometry(t)
	geo.NumDirect = 1
	_, err := kernel.New(kernel.Options{Geometry: geo})
	assert.ErrorIs(t, err, teachos.ErrInvalidArgument)
}

func TestNew__LogsFormatOnce(t *testing.T) {
	output := &bytes.Buffer{}
	debug.SetOutput(output)
	debug.Level = 1
	defer func() {
		debug.Level = 0
		debug.SetOutput(os.Stderr)
	}()

	k, err := kernel.New(kernel.Options{Geometry: dt.SmallGeometry(t)})
	require.NoError(t, err)
	require.NoError(t, k.Close())
	assert.Equal(t, 1, strings.Count(output.String(), "formatting"), output.String())
}
