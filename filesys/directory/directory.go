// Package directory implements the fixed-size table that maps file names to
// the sectors holding their extent headers.
//
// A directory is stored as the contents of an ordinary file. Its capacity is
// set when it's created and never grows; once every slot is in use, no more
// files can be added to it.
package directory

import (
	"fmt"
	"io"
	"strings"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/filesys/extent"
	"github.com/dargueta/teachos/geometry"
	"github.com/dargueta/teachos/storage/common"
)

// Separator divides the components of a path.
const Separator = "/"

type Directory struct {
	table   []Entry
	nameMax uint
}

// New creates an empty directory with room for `capacity` entries, whose names
// may be at most `nameMax` bytes long.
func New(capacity, nameMax uint) *Directory {
	return &Directory{
		table:   make([]Entry, capacity),
		nameMax: nameMax,
	}
}

// Capacity returns the number of slots in the table, used or not.
func (d *Directory) Capacity() uint {
	return uint(len(d.table))
}

// Size gives the number of bytes the directory occupies on disk.
func (d *Directory) Size() uint {
	return d.Capacity() * geometry.EntrySize(d.nameMax)
}

// BaseName strips everything up to and including the last separator in `path`.
func BaseName(path string) string {
	if i := strings.LastIndex(path, Separator); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (d *Directory) truncate(name string) string {
	if uint(len(name)) > d.nameMax {
		return name[:d.nameMax]
	}
	return name
}

// FindIndex returns the slot of the in-use entry called `name`, or -1 if there
// isn't one. At most nameMax bytes of `name` are compared.
func (d *Directory) FindIndex(name string) int {
	name = d.truncate(name)
	for i := range d.table {
		if d.table[i].InUse && d.table[i].Name == name {
			return i
		}
	}
	return -1
}

// Find returns the sector holding the extent header of the file called `name`.
func (d *Directory) Find(name string) (common.SectorID, error) {
	i := d.FindIndex(name)
	if i < 0 {
		return common.InvalidSector, teachos.ErrNotFound.WithMessage(name)
	}
	return d.table[i].Sector, nil
}

// Lookup returns a copy of the entry called `name`.
func (d *Directory) Lookup(name string) (Entry, error) {
	i := d.FindIndex(name)
	if i < 0 {
		return Entry{}, teachos.ErrNotFound.WithMessage(name)
	}
	return d.table[i], nil
}

// GetType returns the type of the entry called `name`.
func (d *Directory) GetType(name string) (teachos.FileType, error) {
	i := d.FindIndex(name)
	if i < 0 {
		return 0, teachos.ErrNotFound.WithMessage(name)
	}
	return d.table[i].Type, nil
}

// Add creates an entry for the file at `path`, whose header is in `sector`.
// Only the base name of `path` is stored as the entry's name. It fails if the
// name is already taken or if every slot is in use.
func (d *Directory) Add(path string, sector common.SectorID, fileType teachos.FileType) error {
	name := BaseName(path)
	if name == "" {
		return teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("no file name in path %q", path))
	}
	if uint(len(name)) > d.nameMax {
		return teachos.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%q is longer than %d bytes", name, d.nameMax))
	}
	if d.FindIndex(name) >= 0 {
		return teachos.ErrExists.WithMessage(name)
	}

	for i := range d.table {
		if !d.table[i].InUse {
			d.table[i] = Entry{
				InUse:  true,
				Name:   name,
				Path:   path,
				Sector: sector,
				Type:   fileType,
			}
			return nil
		}
	}
	return teachos.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf("directory full (%d entries)", len(d.table)))
}

// Remove frees the slot of the entry called `name`. The file's sectors are not
// touched; reclaiming them is the caller's job.
func (d *Directory) Remove(name string) error {
	i := d.FindIndex(name)
	if i < 0 {
		return teachos.ErrNotFound.WithMessage(name)
	}
	d.table[i].InUse = false
	return nil
}

// IsEmpty returns true if no slot is in use.
func (d *Directory) IsEmpty() bool {
	for i := range d.table {
		if d.table[i].InUse {
			return false
		}
	}
	return true
}

// List returns the names of every entry in use, in table order.
func (d *Directory) List() []string {
	names := []string{}
	for i := range d.table {
		if d.table[i].InUse {
			names = append(names, d.table[i].Name)
		}
	}
	return names
}

// Entries returns a copy of every entry in use, in table order.
func (d *Directory) Entries() []Entry {
	entries := []Entry{}
	for i := range d.table {
		if d.table[i].InUse {
			entries = append(entries, d.table[i])
		}
	}
	return entries
}

// Print writes every entry followed by a dump of its file, reading the extent
// headers from `dev`.
func (d *Directory) Print(w io.Writer, dev common.SectorDevice, numDirect uint) error {
	fmt.Fprintln(w, "Directory contents:")
	for i := range d.table {
		if !d.table[i].InUse {
			continue
		}

		fmt.Fprintf(w, "Name: %s, Sector: %d\n", d.table[i].Name, d.table[i].Sector)
		header := extent.New(numDirect)
		err := header.FetchFrom(dev, d.table[i].Sector)
		if err != nil {
			return err
		}
		err = header.Print(w, dev)
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(w)
	return nil
}

// FetchFrom reads the whole table from the start of `file`.
func (d *Directory) FetchFrom(file io.ReaderAt) error {
	entrySize := geometry.EntrySize(d.nameMax)
	buffer := make([]byte, d.Size())

	_, err := file.ReadAt(buffer, 0)
	if err != nil {
		return teachos.ErrIOFailed.Wrap(err)
	}

	for i := range d.table {
		start := uint(i) * entrySize
		d.table[i] = decodeEntry(buffer[start:start+entrySize], d.nameMax)
	}
	return nil
}

// WriteBack writes the whole table to the start of `file`.
func (d *Directory) WriteBack(file io.WriterAt) error {
	entrySize := geometry.EntrySize(d.nameMax)
	buffer := make([]byte, d.Size())

	for i := range d.table {
		start := uint(i) * entrySize
		if err := d.table[i].encode(buffer[start:start+entrySize], d.nameMax); err != nil {
			return err
		}
	}

	_, err := file.WriteAt(buffer, 0)
	if err != nil {
		return teachos.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Loader reads the directory whose file header is in `sector`.
type Loader func(sector common.SectorID) (*Directory, error)

// FindDir resolves every component of `path` except the last, starting at the
// directory whose header is in `root`, and returns the sector of the innermost
// directory's header. Empty components are ignored, so "/a//b" is the same as
// "a/b".
func FindDir(load Loader, root common.SectorID, path string) (common.SectorID, error) {
	components := []string{}
	for _, component := range strings.Split(path, Separator) {
		if component != "" {
			components = append(components, component)
		}
	}

	sector := root
	for i := 0; i < len(components)-1; i++ {
		dir, err := load(sector)
		if err != nil {
			return common.InvalidSector, err
		}

		slot := dir.FindIndex(components[i])
		if slot < 0 {
			return common.InvalidSector, teachos.ErrNotFound.WithMessage(
				strings.Join(components[:i+1], Separator))
		}
		if dir.table[slot].Type != teachos.TypeDirectory {
			return common.InvalidSector, teachos.ErrNotADirectory.WithMessage(
				strings.Join(components[:i+1], Separator))
		}
		sector = dir.table[slot].Sector
	}
	return sector, nil
}
