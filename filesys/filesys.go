// Package filesys implements a small hierarchical file system on top of extent
// headers and fixed-size directories.
//
// Two sectors have fixed roles: sector 0 holds the header of the file storing
// the free map, and sector 1 holds the header of the root directory. Every
// other sector is allocated on demand.
package filesys

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys/directory"
	"github.com/dargueta/teachos/filesys/extent"
	"github.com/dargueta/teachos/geometry"
	"github.com/dargueta/teachos/storage/common"
	"github.com/dargueta/teachos/utilities/debug"
)

const (
	FreeMapSector = common.SectorID(0)
	RootSector    = common.SectorID(1)
)

type FileSystem struct {
	device      common.SectorDevice
	geometry    geometry.Geometry
	freeMap     *common.FreeMap
	freeMapFile *File

	// openFiles holds the state shared by every handle on a file, keyed by
	// the file's header sector.
	openFiles map[common.SectorID]*openFile
}

// FileInfo describes a single file or directory.
type FileInfo struct {
	Name       string
	Type       teachos.FileType
	Sector     common.SectorID
	Size       uint
	NumSectors uint
	CreatedAt  time.Time
}

func checkDevice(device common.SectorDevice, geo geometry.Geometry) error {
	if err := geo.Validate(); err != nil {
		return err
	}
	if device.SectorSize() != geo.SectorSize {
		return teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"device has %d-byte sectors, geometry %q needs %d",
				device.SectorSize(),
				geo.Slug,
				geo.SectorSize))
	}
	if device.NumSectors() < geo.NumSectors {
		return teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"device has %d sectors, geometry %q needs %d",
				device.NumSectors(),
				geo.Slug,
				geo.NumSectors))
	}
	return nil
}

// Format creates an empty file system on `device`: a free map with only the
// free map file and the root directory allocated, and an empty root directory.
func Format(device common.SectorDevice, geo geometry.Geometry) (*FileSystem, error) {
	err := checkDevice(device, geo)
	if err != nil {
		return nil, err
	}

	debug.DPrintf(1, "formatting %d sectors with geometry %q\n", geo.NumSectors, geo.Slug)

	fm := common.NewFreeMap(geo.NumSectors)
	if err = fm.Mark(FreeMapSector); err != nil {
		return nil, err
	}
	if err = fm.Mark(RootSector); err != nil {
		return nil, err
	}

	mapHeader := extent.New(geo.NumDirect)
	err = mapHeader.Allocate(device, fm, common.SerializedSize(geo.NumSectors))
	if err != nil {
		return nil, err
	}
	dirHeader := extent.New(geo.NumDirect)
	err = dirHeader.Allocate(device, fm, geo.DirectoryFileSize())
	if err != nil {
		return nil, err
	}

	if err = mapHeader.WriteBack(device, FreeMapSector); err != nil {
		return nil, err
	}
	if err = dirHeader.WriteBack(device, RootSector); err != nil {
		return nil, err
	}

	fs := &FileSystem{
		device:    device,
		geometry:  geo,
		freeMap:   fm,
		openFiles: make(map[common.SectorID]*openFile),
	}
	fs.freeMapFile, err = newFile(fs, FreeMapSector)
	if err != nil {
		return nil, err
	}

	if err = fs.commitFreeMap(fm); err != nil {
		return nil, err
	}
	root, err := newFile(fs, RootSector)
	if err != nil {
		return nil, err
	}
	err = directory.New(geo.DirEntries, geo.NameMax).WriteBack(root)
	if err != nil {
		return nil, err
	}
	return fs, root.Close()
}

// Mount opens an existing file system on `device`.
func Mount(device common.SectorDevice, geo geometry.Geometry) (*FileSystem, error) {
	err := checkDevice(device, geo)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		device:    device,
		geometry:  geo,
		openFiles: make(map[common.SectorID]*openFile),
	}
	fs.freeMapFile, err = newFile(fs, FreeMapSector)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, fs.freeMapFile.Length())
	_, err = fs.freeMapFile.ReadAt(buffer, 0)
	if err != nil {
		return nil, teachos.ErrFileSystemCorrupted.Wrap(err)
	}
	fs.freeMap, err = common.NewFreeMapFromBytes(buffer, geo.NumSectors)
	if err != nil {
		return nil, err
	}

	if !fs.freeMap.Test(FreeMapSector) || !fs.freeMap.Test(RootSector) {
		return nil, teachos.ErrFileSystemCorrupted.WithMessage(
			"free map doesn't reserve the well-known sectors")
	}
	return fs, nil
}

// Geometry returns the geometry the file system was formatted or mounted with.
func (fs *FileSystem) Geometry() geometry.Geometry {
	return fs.geometry
}

// Device returns the device the file system lives on.
func (fs *FileSystem) Device() common.SectorDevice {
	return fs.device
}

// FreeSectors returns the number of unallocated sectors.
func (fs *FileSystem) FreeSectors() uint {
	return fs.freeMap.CountClear()
}

// commitFreeMap makes `fm` the current free map and writes it to disk.
func (fs *FileSystem) commitFreeMap(fm *common.FreeMap) error {
	_, err := fs.freeMapFile.WriteAt(fm.Bytes(), 0)
	if err != nil {
		return err
	}
	fs.freeMap = fm
	return nil
}

func (fs *FileSystem) loadDirectory(sector common.SectorID) (*directory.Directory, error) {
	file, err := newFile(fs, sector)
	if err != nil {
		return nil, err
	}

	defer file.Close()

	dir := directory.New(fs.geometry.DirEntries, fs.geometry.NameMax)
	err = dir.FetchFrom(file)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

func (fs *FileSystem) storeDirectory(sector common.SectorID, dir *directory.Directory) error {
	file, err := newFile(fs, sector)
	if err != nil {
		return err
	}
	err = dir.WriteBack(file)
	if err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// resolve finds the directory that would contain `path` and the base name of
// the last component.
func (fs *FileSystem) resolve(path string) (common.SectorID, *directory.Directory, string, error) {
	base := directory.BaseName(strings.TrimRight(path, directory.Separator))
	if base == "" {
		return common.InvalidSector, nil, "", teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("path %q has no file name", path))
	}

	parentSector, err := directory.FindDir(fs.loadDirectory, RootSector, path)
	if err != nil {
		return common.InvalidSector, nil, "", err
	}
	parent, err := fs.loadDirectory(parentSector)
	if err != nil {
		return common.InvalidSector, nil, "", err
	}
	return parentSector, parent, base, nil
}

func (fs *FileSystem) create(
	path string, size uint, fileType teachos.FileType,
) (common.SectorID, error) {
	path = strings.TrimRight(path, directory.Separator)
	parentSector, parent, base, err := fs.resolve(path)
	if err != nil {
		return common.InvalidSector, err
	}
	if parent.FindIndex(base) >= 0 {
		return common.InvalidSector, teachos.ErrExists.WithMessage(path)
	}

	fm := fs.freeMap.Clone()
	sector, err := fm.Find()
	if err != nil {
		return common.InvalidSector, teachos.ErrNoSpaceOnDevice.WithMessage(
			"no sector for the file header")
	}

	header := extent.New(fs.geometry.NumDirect)
	if err = header.Allocate(fs.device, fm, size); err != nil {
		return common.InvalidSector, err
	}
	if err = parent.Add(path, sector, fileType); err != nil {
		return common.InvalidSector, err
	}

	// New files read as zeroes no matter what the sectors held before.
	dataSectors, err := header.DataSectors(fs.device)
	if err != nil {
		return common.InvalidSector, err
	}
	zeroes := make([]byte, fs.device.SectorSize())
	for _, dataSector := range dataSectors {
		if err = fs.device.WriteSector(dataSector, zeroes); err != nil {
			return common.InvalidSector, err
		}
	}

	if err = header.WriteBack(fs.device, sector); err != nil {
		return common.InvalidSector, err
	}
	if err = fs.storeDirectory(parentSector, parent); err != nil {
		return common.InvalidSector, err
	}
	if err = fs.commitFreeMap(fm); err != nil {
		return common.InvalidSector, err
	}

	debug.DPrintf(3, "created %s %q: header in sector %d, %d bytes\n", fileType, path, sector, size)
	return sector, nil
}

// Create makes a new zero-filled file of `size` bytes at `path`. Nothing on
// disk changes if it fails.
func (fs *FileSystem) Create(path string, size uint) error {
	_, err := fs.create(path, size, teachos.TypeFile)
	return err
}

// Mkdir makes a new empty directory at `path`.
func (fs *FileSystem) Mkdir(path string) error {
	sector, err := fs.create(path, fs.geometry.DirectoryFileSize(), teachos.TypeDirectory)
	if err != nil {
		return err
	}

	// A zeroed directory file is already an empty directory, but write it out
	// anyway so the on-disk layout doesn't depend on that.
	return fs.storeDirectory(sector, directory.New(fs.geometry.DirEntries, fs.geometry.NameMax))
}

// lookup finds the entry for `path`. The root directory itself has no entry,
// so it's reported as a directory named "/".
func (fs *FileSystem) lookup(path string) (directory.Entry, error) {
	if strings.Trim(path, directory.Separator) == "" {
		return directory.Entry{
			InUse:  true,
			Name:   directory.Separator,
			Path:   directory.Separator,
			Sector: RootSector,
			Type:   teachos.TypeDirectory,
		}, nil
	}

	_, parent, base, err := fs.resolve(path)
	if err != nil {
		return directory.Entry{}, err
	}

	return parent.Lookup(base)
}

// Open opens the file at `path` for reading and writing.
func (fs *FileSystem) Open(path string) (*File, error) {
	entry, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if entry.Type == teachos.TypeDirectory {
		return nil, teachos.ErrIsADirectory.WithMessage(path)
	}
	return newFile(fs, entry.Sector)
}

// Remove deletes the file or empty directory at `path` and returns all of its
// sectors to the free map.
func (fs *FileSystem) Remove(path string) error {
	entry, err := fs.lookup(path)
	if err != nil {
		return err
	}
	if entry.Sector == RootSector {
		return teachos.ErrInvalidArgument.WithMessage("can't remove the root directory")
	}
	if _, open := fs.openFiles[entry.Sector]; open {
		return teachos.ErrBusy.WithMessage(fmt.Sprintf("%q is open", path))
	}

	if entry.Type == teachos.TypeDirectory {
		dir, err := fs.loadDirectory(entry.Sector)
		if err != nil {
			return err
		}
		if !dir.IsEmpty() {
			return teachos.ErrDirectoryNotEmpty.WithMessage(path)
		}
	}

	parentSector, parent, base, err := fs.resolve(path)
	if err != nil {
		return err
	}

	fm := fs.freeMap.Clone()
	header := extent.New(fs.geometry.NumDirect)
	if err = header.FetchFrom(fs.device, entry.Sector); err != nil {
		return err
	}
	if err = header.Deallocate(fs.device, fm); err != nil {
		return err
	}
	if err = fm.Clear(entry.Sector); err != nil {
		return err
	}
	if err = parent.Remove(base); err != nil {
		return err
	}

	if err = fs.storeDirectory(parentSector, parent); err != nil {
		return err
	}
	if err = fs.commitFreeMap(fm); err != nil {
		return err
	}

	debug.DPrintf(3, "removed %q, %d sectors free\n", path, fm.CountClear())
	return nil
}

// Stat describes the file or directory at `path`.
func (fs *FileSystem) Stat(path string) (FileInfo, error) {
	entry, err := fs.lookup(path)
	if err != nil {
		return FileInfo{}, err
	}
	return fs.describe(entry)
}

func (fs *FileSystem) describe(entry directory.Entry) (FileInfo, error) {
	header := extent.New(fs.geometry.NumDirect)
	err := header.FetchFrom(fs.device, entry.Sector)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:       entry.Name,
		Type:       entry.Type,
		Sector:     entry.Sector,
		Size:       header.Length(),
		NumSectors: header.BlockCount(),
		CreatedAt:  header.CreatedAt(),
	}, nil
}

// List describes every entry of the directory at `path`, in table order.
func (fs *FileSystem) List(path string) ([]FileInfo, error) {
	entry, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if entry.Type != teachos.TypeDirectory {
		return nil, teachos.ErrNotADirectory.WithMessage(path)
	}

	dir, err := fs.loadDirectory(entry.Sector)
	if err != nil {
		return nil, err
	}

	result := []FileInfo{}
	for _, child := range dir.Entries() {
		info, err := fs.describe(child)
		if err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, nil
}

// ReadFile returns the entire contents of the file at `path`.
func (fs *FileSystem) ReadFile(path string) ([]byte, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buffer := make([]byte, file.Length())
	_, err = file.ReadAt(buffer, 0)
	if err != nil {
		return nil, teachos.ErrIOFailed.Wrap(err)
	}
	return buffer, nil
}

// WriteFile creates a file at `path` holding `data`. The file must not already
// exist.
func (fs *FileSystem) WriteFile(path string, data []byte) error {
	err := fs.Create(path, uint(len(data)))
	if err != nil {
		return err
	}

	file, err := fs.Open(path)
	if err != nil {
		return err
	}
	_, err = file.WriteAt(data, 0)
	if err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Print dumps the free map, the root directory, and every file in it.
func (fs *FileSystem) Print(w io.Writer) error {
	mapHeader := extent.New(fs.geometry.NumDirect)
	err := mapHeader.FetchFrom(fs.device, FreeMapSector)
	if err != nil {
		return err
	}
	dirHeader := extent.New(fs.geometry.NumDirect)
	err = dirHeader.FetchFrom(fs.device, RootSector)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Bit map file header:")
	if err = mapHeader.Print(w, fs.device); err != nil {
		return err
	}
	fmt.Fprintln(w, "Directory file header:")
	if err = dirHeader.Print(w, fs.device); err != nil {
		return err
	}

	fmt.Fprintf(w, "Free sectors: %d of %d\n", fs.FreeSectors(), fs.geometry.NumSectors)

	root, err := fs.loadDirectory(RootSector)
	if err != nil {
		return err
	}
	return root.Print(w, fs.device, fs.geometry.NumDirect)
}

// Close flushes the free map. The file system can't be used afterwards.
func (fs *FileSystem) Close() error {
	return fs.freeMapFile.Close()
}
