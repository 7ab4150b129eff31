package filesys

import (
	"fmt"
	"io"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys/extent"
	"github.com/dargueta/teachos/storage/blockcache"
	"github.com/dargueta/teachos/storage/common"
)

// openFile is the state every handle to one file shares. Handles opened
// separately on the same file see each other's writes and growth.
type openFile struct {
	fs     *FileSystem
	sector common.SectorID
	header *extent.Header
	cache  *blockcache.BlockCache
	refs   int
}

func (of *openFile) fetchBlock(blockIndex uint, buffer []byte) error {
	sector, err := of.header.ByteToSector(of.fs.device, blockIndex*of.fs.device.SectorSize())
	if err != nil {
		return err
	}
	return of.fs.device.ReadSector(sector, buffer)
}

func (of *openFile) flushBlock(blockIndex uint, buffer []byte) error {
	sector, err := of.header.ByteToSector(of.fs.device, blockIndex*of.fs.device.SectorSize())
	if err != nil {
		return err
	}
	return of.fs.device.WriteSector(sector, buffer)
}

// File is a handle to an open file. Reads and writes go through a block cache
// that is flushed after every write, so the disk is always up to date once a
// call returns. Writing past the end of the file extends it.
//
// A File is not safe for concurrent use.
type File struct {
	fs       *FileSystem
	shared   *openFile
	position int64
	closed   bool
}

// newFile opens a handle on the file whose header is in `sector`. If the file
// is already open, the new handle shares the existing header and cache.
func newFile(fs *FileSystem, sector common.SectorID) (*File, error) {
	if of, ok := fs.openFiles[sector]; ok {
		of.refs++
		return &File{fs: fs, shared: of}, nil
	}

	header := extent.New(fs.geometry.NumDirect)
	err := header.FetchFrom(fs.device, sector)
	if err != nil {
		return nil, err
	}

	of := &openFile{
		fs:     fs,
		sector: sector,
		header: header,
		refs:   1,
	}
	of.cache = blockcache.New(
		fs.device.SectorSize(),
		header.BlockCount(),
		of.fetchBlock,
		of.flushBlock,
	)
	fs.openFiles[sector] = of
	return &File{fs: fs, shared: of}, nil
}

// Sector returns the sector holding the file's extent header.
func (file *File) Sector() common.SectorID {
	return file.shared.sector
}

// Header gives the file's extent header. It must not be modified.
func (file *File) Header() *extent.Header {
	return file.shared.header
}

// Length returns the size of the file, in bytes.
func (file *File) Length() int64 {
	return int64(file.shared.header.Length())
}

func (file *File) checkOpen() error {
	if file.closed {
		return teachos.ErrInvalidFileDescriptor.WithMessage("file is closed")
	}
	return nil
}

// ReadAt reads up to len(buffer) bytes starting at `offset`. Like [os.File], it
// returns io.EOF if fewer than len(buffer) bytes were available.
func (file *File) ReadAt(buffer []byte, offset int64) (int, error) {
	if err := file.checkOpen(); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, teachos.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("negative offset %d", offset))
	}

	length := file.Length()
	if offset >= length {
		if len(buffer) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	toRead := buffer
	if offset+int64(len(buffer)) > length {
		toRead = buffer[:length-offset]
	}

	n, err := file.shared.cache.ReadAt(toRead, offset)
	if err != nil {
		return n, err
	}
	if n < len(buffer) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes `buffer` at `offset`, growing the file first if the write
// ends past its current length. Growing fails without changing anything if the
// disk doesn't have enough free sectors.
func (file *File) WriteAt(buffer []byte, offset int64) (int, error) {
	if err := file.checkOpen(); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, teachos.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("negative offset %d", offset))
	}

	end := offset + int64(len(buffer))
	if end > file.Length() {
		err := file.grow(uint(end - file.Length()))
		if err != nil {
			return 0, err
		}
	}

	n, err := file.shared.cache.WriteAt(buffer, offset)
	if err != nil {
		return n, err
	}
	return n, file.shared.cache.Flush()
}

// grow extends the file by `extraBytes` and persists both the new header and
// the free map.
func (file *File) grow(extraBytes uint) error {
	of := file.shared
	fm := file.fs.freeMap.Clone()
	grown := of.header.Clone()
	err := grown.Extend(file.fs.device, fm, extraBytes)
	if err != nil {
		return err
	}

	err = grown.WriteBack(file.fs.device, of.sector)
	if err != nil {
		return err
	}
	err = file.fs.commitFreeMap(fm)
	if err != nil {
		return err
	}

	of.header = grown
	of.cache.Resize(grown.BlockCount())
	return nil
}

// Read implements [io.Reader], starting at the current position.
func (file *File) Read(buffer []byte) (int, error) {
	n, err := file.ReadAt(buffer, file.position)
	file.position += int64(n)
	return n, err
}

// Write implements [io.Writer], starting at the current position.
func (file *File) Write(buffer []byte) (int, error) {
	n, err := file.WriteAt(buffer, file.position)
	file.position += int64(n)
	return n, err
}

// Seek implements [io.Seeker]. Seeking past the end is allowed; a later write
// there grows the file.
func (file *File) Seek(offset int64, whence int) (int64, error) {
	if err := file.checkOpen(); err != nil {
		return file.position, err
	}

	var newPosition int64
	switch whence {
	case io.SeekStart:
		newPosition = offset
	case io.SeekCurrent:
		newPosition = file.position + offset
	case io.SeekEnd:
		newPosition = file.Length() + offset
	default:
		return file.position, teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid whence %d", whence))
	}

	if newPosition < 0 {
		return file.position, teachos.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("can't seek to negative position %d", newPosition))
	}
	file.position = newPosition
	return newPosition, nil
}

// Close flushes any pending changes. The handle can't be used afterwards;
// other handles on the same file are unaffected.
func (file *File) Close() error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	file.closed = true

	of := file.shared
	of.refs--
	if of.refs == 0 {
		delete(file.fs.openFiles, of.sector)
	}
	return of.cache.Flush()
}
