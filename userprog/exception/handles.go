package exception

import (
	"errors"
	"fmt"
	"io"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys"
	"github.com/hashicorp/go-multierror"
)

// Handles 0 and 1 always refer to the console.
const (
	ConsoleInput  = 0
	ConsoleOutput = 1
)

// MaxOpenFiles is the default size of a handle table, console included.
const MaxOpenFiles = 32

// HandleTable maps the small integers user programs use to refer to open files
// onto the files themselves.
type HandleTable struct {
	stdin  io.Reader
	stdout io.Writer
	files  []*filesys.File
}

// NewHandleTable creates a table with room for `maxOpen` handles, two of which
// are taken by the console.
func NewHandleTable(stdin io.Reader, stdout io.Writer, maxOpen int) *HandleTable {
	return &HandleTable{
		stdin:  stdin,
		stdout: stdout,
		files:  make([]*filesys.File, maxOpen),
	}
}

// Add stores `file` in the lowest free slot and returns its handle.
func (table *HandleTable) Add(file *filesys.File) (int, error) {
	for handle := ConsoleOutput + 1; handle < len(table.files); handle++ {
		if table.files[handle] == nil {
			table.files[handle] = file
			return handle, nil
		}
	}
	return -1, teachos.ErrTooManyOpenFiles.WithMessage(
		fmt.Sprintf("all %d handles are in use", len(table.files)))
}

func (table *HandleTable) isConsole(handle int) bool {
	return handle == ConsoleInput || handle == ConsoleOutput
}

// Get returns the file behind `handle`. Console handles have no file.
func (table *HandleTable) Get(handle int) (*filesys.File, error) {
	if handle < 0 || handle >= len(table.files) || table.files[handle] == nil {
		return nil, teachos.ErrInvalidFileDescriptor.WithMessage(
			fmt.Sprintf("no file open with handle %d", handle))
	}
	return table.files[handle], nil
}

// Read reads up to len(buffer) bytes from `handle`. Reaching the end of the
// file or console input isn't an error; it's a short read.
func (table *HandleTable) Read(handle int, buffer []byte) (int, error) {
	var n int
	var err error

	switch handle {
	case ConsoleInput:
		n, err = io.ReadFull(table.stdin, buffer)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = nil
		}
	case ConsoleOutput:
		return 0, teachos.ErrInvalidFileDescriptor.WithMessage("console output is write-only")
	default:
		file, getErr := table.Get(handle)
		if getErr != nil {
			return 0, getErr
		}
		n, err = file.Read(buffer)
	}

	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Write writes all of `data` to `handle`.
func (table *HandleTable) Write(handle int, data []byte) (int, error) {
	switch handle {
	case ConsoleOutput:
		return table.stdout.Write(data)
	case ConsoleInput:
		return 0, teachos.ErrInvalidFileDescriptor.WithMessage("console input is read-only")
	default:
		file, err := table.Get(handle)
		if err != nil {
			return 0, err
		}
		return file.Write(data)
	}
}

// Close closes the file behind `handle` and frees the handle. The console
// can't be closed.
func (table *HandleTable) Close(handle int) error {
	if table.isConsole(handle) {
		return teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("handle %d is the console and can't be closed", handle))
	}

	file, err := table.Get(handle)
	if err != nil {
		return err
	}
	table.files[handle] = nil
	return file.Close()
}

// CloseAll closes every open file, returning all the errors encountered.
func (table *HandleTable) CloseAll() error {
	var result *multierror.Error
	for handle, file := range table.files {
		if file == nil {
			continue
		}
		table.files[handle] = nil
		result = multierror.Append(result, file.Close())
	}
	return result.ErrorOrNil()
}
