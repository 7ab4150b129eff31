// Package kernel wires the simulated machine, the file system and the process
// machinery together.
package kernel

import (
	"io"
	"os"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys"
	"github.com/dargueta/teachos/geometry"
	"github.com/dargueta/teachos/machine"
	"github.com/dargueta/teachos/storage/common"
	"github.com/dargueta/teachos/threads"
	"github.com/dargueta/teachos/userprog/exception"
	"github.com/dargueta/teachos/userprog/frametable"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/bytesextra"
)

type Options struct {
	Geometry geometry.Geometry

	// Device is the disk. If nil, a zeroed in-memory disk is created and
	// formatted.
	Device common.SectorDevice

	// Format wipes Device and creates an empty file system on it. Otherwise
	// the existing one is mounted.
	Format bool

	// Lazy turns on demand paging.
	Lazy bool

	// Stdin and Stdout are the console. They default to the process's own.
	Stdin  io.Reader
	Stdout io.Writer

	MaxThreads   int
	MaxOpenFiles int
}

type Kernel struct {
	FileSystem *filesys.FileSystem
	Machine    *machine.Machine
	Frames     *frametable.FrameTable
	Scheduler  *threads.Scheduler
	Dispatcher *exception.Dispatcher
	geometry   geometry.Geometry
	started    bool
}

// NewRAMDisk creates a zeroed in-memory disk the size `geo` calls for.
func NewRAMDisk(geo geometry.Geometry) *common.SectorStream {
	backing := make([]byte, geo.SectorSize*geo.NumSectors)
	return common.NewSectorStream(
		bytesextra.NewReadWriteSeeker(backing), geo.NumSectors, geo.SectorSize, 0)
}

func New(options Options) (*Kernel, error) {
	if err := options.Geometry.Validate(); err != nil {
		return nil, err
	}
	if options.Device == nil {
		options.Device = NewRAMDisk(options.Geometry)
		options.Format = true
	}
	if options.Stdin == nil {
		options.Stdin = os.Stdin
	}
	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.MaxThreads == 0 {
		options.MaxThreads = threads.MaxThreads
	}
	if options.MaxOpenFiles == 0 {
		options.MaxOpenFiles = exception.MaxOpenFiles
	}

	var fs *filesys.FileSystem
	var err error
	if options.Format {
		fs, err = filesys.Format(options.Device, options.Geometry)
	} else {
		fs, err = filesys.Mount(options.Device, options.Geometry)
	}
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		FileSystem: fs,
		Machine:    machine.New(options.Geometry.PageSize, options.Geometry.NumPhysPages),
		Frames:     frametable.New(options.Geometry.NumPhysPages),
		Scheduler:  threads.New(options.MaxThreads),
		geometry:   options.Geometry,
	}
	k.Dispatcher = exception.New(
		fs,
		k.Machine,
		k.Frames,
		k.Scheduler,
		exception.NewHandleTable(options.Stdin, options.Stdout, options.MaxOpenFiles))
	k.Dispatcher.Lazy = options.Lazy
	return k, nil
}

func (k *Kernel) Geometry() geometry.Geometry {
	return k.geometry
}

// Run starts the executable at `path` as the first user program and returns
// once every program has exited or the machine has halted. The error is the
// one that stopped the machine, if any. A kernel only runs once.
func (k *Kernel) Run(path string) error {
	if k.started {
		return teachos.ErrInvalidArgument.WithMessage("kernel has already run")
	}
	k.started = true

	_, err := k.Dispatcher.StartProcess(path)
	if err != nil {
		return err
	}
	k.Scheduler.Run()
	return k.Dispatcher.Err()
}

// Close releases everything left over from Run and flushes the file system.
func (k *Kernel) Close() error {
	var result *multierror.Error
	result = multierror.Append(result, k.Dispatcher.Shutdown())
	result = multierror.Append(result, k.FileSystem.Close())
	return result.ErrorOrNil()
}
