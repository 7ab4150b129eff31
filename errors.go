package teachos

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type baseTeachosError string

var ErrAlreadyFree = baseTeachosError("Sector already free")
var ErrArgumentOutOfRange = baseTeachosError("Numerical argument out of domain")
var ErrBadAddress = baseTeachosError("Bad address")
var ErrBusy = baseTeachosError("Device or resource busy")
var ErrDirectoryNotEmpty = baseTeachosError("Directory not empty")
var ErrExecFormat = baseTeachosError("Exec format error")
var ErrExists = baseTeachosError("File exists")
var ErrFileSystemCorrupted = baseTeachosError("Structure needs cleaning")
var ErrFileTooLarge = baseTeachosError("File too large")
var ErrInvalidArgument = baseTeachosError("Invalid argument")
var ErrInvalidFileDescriptor = baseTeachosError("Bad file descriptor")
var ErrIOFailed = baseTeachosError("Input/output error")
var ErrIsADirectory = baseTeachosError("Is a directory")
var ErrNameTooLong = baseTeachosError("File name too long")
var ErrNoMemory = baseTeachosError("Cannot allocate memory")
var ErrNoSpaceOnDevice = baseTeachosError("No space left on device")
var ErrNoSuchProcess = baseTeachosError("No such process")
var ErrNotADirectory = baseTeachosError("Not a directory")
var ErrNotFound = baseTeachosError("No such file or directory")
var ErrTooManyOpenFiles = baseTeachosError("Too many open files")
var ErrTooManyThreads = baseTeachosError("Resource temporarily unavailable")
var ErrUnexpectedTrap = baseTeachosError("Unexpected user mode exception")

func (e baseTeachosError) Error() string {
	return string(e)
}

func (e baseTeachosError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

func (e baseTeachosError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customDriverError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}
