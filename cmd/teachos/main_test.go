package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/machine"
	"github.com/dargueta/teachos/userprog/exception"
	"github.com/dargueta/teachos/userprog/noff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runApp runs the CLI with the small profile and returns what it printed.
func runApp(t *testing.T, args ...string) (string, error) {
	app := newApp()
	output := &bytes.Buffer{}
	app.Writer = output
	err := app.Run(append([]string{"teachos", "--profile", "small"}, args...))
	return output.String(), err
}

func TestCLI__FileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "disk.img")
	hostFile := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(hostFile, []byte("hello, world\n"), 0o644))

	_, err := runApp(t, "format", image)
	require.NoError(t, err)
	stat, err := os.Stat(image)
	require.NoError(t, err)
	assert.EqualValues(t, 128*256, stat.Size())

	_, err = runApp(t, "mkdir", image, "docs")
	require.NoError(t, err)
	_, err = runApp(t, "put", image, hostFile, "docs/hello")
	require.NoError(t, err)

	output, err := runApp(t, "get", image, "docs/hello")
	require.NoError(t, err)
	assert.Equal(t, "hello, world\n", output)

	output, err = runApp(t, "ls", image)
	require.NoError(t, err)
	assert.Contains(t, output, "docs")
	assert.Contains(t, output, "dir")

	output, err = runApp(t, "ls", "--csv", image, "docs")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "name,type,size,sectors,header_sector,created_at", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "hello,file,13,1,"), lines[1])

	output, err = runApp(t, "stat", image, "docs/hello")
	require.NoError(t, err)
	assert.Contains(t, output, "13 bytes in 1 sectors")

	_, err = runApp(t, "rm", image, "docs")
	assert.ErrorIs(t, err, teachos.ErrDirectoryNotEmpty)
	_, err = runApp(t, "rm", image, "docs/hello")
	require.NoError(t, err)
	_, err = runApp(t, "get", image, "docs/hello")
	assert.ErrorIs(t, err, teachos.ErrNotFound)

	output, err = runApp(t, "dump", image)
	require.NoError(t, err)
	assert.Contains(t, output, "Free sectors:")
}

func TestCLI__Run(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "disk.img")
	program := filepath.Join(dir, "hello.noff")

	code := []uint32{
		machine.EncodeI(machine.OpADDIU, 0, 4, exception.ConsoleOutput),
		machine.EncodeI(machine.OpADDIU, 0, 5, 9*4),
		machine.EncodeI(machine.OpADDIU, 0, 6, 3),
		machine.EncodeI(machine.OpADDIU, 0, 2, exception.SyscallWrite),
		machine.Syscall,
		machine.EncodeI(machine.OpADDIU, 0, 4, 0),
		machine.EncodeI(machine.OpADDIU, 0, 2, exception.SyscallExit),
		machine.Syscall,
		0,
	}
	require.NoError(t, os.WriteFile(program, noff.AssembleWords(code, []byte("hi\n"), 0), 0o644))

	_, err := runApp(t, "format", image)
	require.NoError(t, err)
	_, err = runApp(t, "put", image, program, "hello")
	require.NoError(t, err)

	for _, args := range [][]string{{"run", image, "hello"}, {"run", "--lazy", image, "hello"}} {
		output, err := runApp(t, args...)
		require.NoError(t, err, args)
		assert.Equal(t, "hi\n", output, args)
	}
}

func TestCLI__Profiles(t *testing.T) {
	output, err := runApp(t, "profiles")
	require.NoError(t, err)
	assert.Contains(t, output, "nachos")
	assert.Contains(t, output, "small")

	output, err = runApp(t, "profiles", "--csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "name,slug,sector_size"), output)
}

func TestCLI__BadArguments(t *testing.T) {
	_, err := runApp(t, "format")
	assert.ErrorIs(t, err, teachos.ErrInvalidArgument)

	err = newApp().Run([]string{"teachos", "--profile", "nope", "format", filepath.Join(t.TempDir(), "x")})
	assert.ErrorIs(t, err, teachos.ErrNotFound)
}
