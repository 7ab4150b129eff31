// Package geometry describes the shape of the simulated machine: the disk's
// sector layout, extent and directory sizing, and main memory.
package geometry

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/dargueta/teachos"
	"github.com/gocarina/gocsv"
)

// ExtentRecordOverhead is the size of the fixed fields of an extent record:
// the byte length, the sector count, and the creation timestamp.
const ExtentRecordOverhead = 4 + 4 + 25

// IndexRecordSize is the size of an index block: 31 data sector numbers plus
// the link to the next index block.
const IndexRecordSize = 32 * 4

// DirectoryPathHintLen is the size of the path hint stored in each directory
// entry.
const DirectoryPathHintLen = 20

type Geometry struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// SectorSize is the size of one disk sector, in bytes. An extent record and
	// an index block must each fit in one sector.
	SectorSize uint `csv:"sector_size"`
	NumSectors uint `csv:"num_sectors"`

	// NumDirect is the number of sector slots in an extent record. The first
	// NumDirect-1 are direct; the last one heads the index chain.
	NumDirect  uint `csv:"num_direct"`
	DirEntries uint `csv:"dir_entries"`
	NameMax    uint `csv:"name_max"`

	PageSize      uint   `csv:"page_size"`
	NumPhysPages  uint   `csv:"num_phys_pages"`
	UserStackSize uint   `csv:"user_stack_size"`
	Notes         string `csv:"notes"`
}

// ExtentRecordSize gives the size of a serialized extent record, in bytes.
func (g *Geometry) ExtentRecordSize() uint {
	return ExtentRecordOverhead + 4*g.NumDirect
}

// EntrySize gives the size of one serialized directory entry for names of at
// most `nameMax` bytes: the in-use flag, the NUL-terminated name, the path
// hint, the header sector, and the type.
func EntrySize(nameMax uint) uint {
	return 1 + (nameMax + 1) + DirectoryPathHintLen + 4 + 4
}

// DirectoryEntrySize gives the size of one serialized directory entry.
func (g *Geometry) DirectoryEntrySize() uint {
	return EntrySize(g.NameMax)
}

// DirectoryFileSize gives the size of a whole directory file.
func (g *Geometry) DirectoryFileSize() uint {
	return g.DirEntries * g.DirectoryEntrySize()
}

// MemorySize gives the size of main memory, in bytes.
func (g *Geometry) MemorySize() uint {
	return g.PageSize * g.NumPhysPages
}

// Validate checks that the on-disk records fit the chosen sector size.
func (g *Geometry) Validate() error {
	if g.SectorSize < IndexRecordSize {
		msg := fmt.Sprintf(
			"sector size must be at least %d bytes to hold an index block, got %d",
			IndexRecordSize,
			g.SectorSize)
		return teachos.ErrInvalidArgument.WithMessage(msg)
	}
	if g.NumDirect < 2 {
		msg := fmt.Sprintf("need at least 2 extent slots, got %d", g.NumDirect)
		return teachos.ErrInvalidArgument.WithMessage(msg)
	}
	if g.ExtentRecordSize() > g.SectorSize {
		msg := fmt.Sprintf(
			"extent record with %d slots is %d bytes, doesn't fit in a %d-byte sector",
			g.NumDirect,
			g.ExtentRecordSize(),
			g.SectorSize)
		return teachos.ErrInvalidArgument.WithMessage(msg)
	}
	if g.NumSectors < 2 {
		return teachos.ErrInvalidArgument.WithMessage(
			"disk needs room for the free map and root directory headers")
	}
	if g.NameMax == 0 || g.DirEntries == 0 {
		return teachos.ErrInvalidArgument.WithMessage(
			"directories need a nonzero capacity and name length")
	}
	if g.PageSize == 0 || g.NumPhysPages == 0 {
		return teachos.ErrInvalidArgument.WithMessage(
			"main memory needs a nonzero page size and page count")
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

//go:embed profiles.csv
var profilesRawCSV string
var profiles map[string]Geometry

// Get returns the predefined geometry with the given slug.
func Get(slug string) (Geometry, error) {
	geometry, ok := profiles[slug]
	if ok {
		return geometry, nil
	}

	msg := fmt.Sprintf("no predefined geometry exists with slug %q", slug)
	return Geometry{}, teachos.ErrNotFound.WithMessage(msg)
}

// All returns every predefined geometry, sorted by slug.
func All() []Geometry {
	result := make([]Geometry, 0, len(profiles))
	for _, geo := range profiles {
		result = append(result, geo)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result
}

func init() {
	csvReader := csv.NewReader(strings.NewReader(profilesRawCSV))
	csvReader.Comma = '|'

	var rows []Geometry
	if err := gocsv.UnmarshalCSV(csvReader, &rows); err != nil {
		panic(fmt.Errorf("failed to decode geometry profiles: %w", err))
	}

	profiles = make(map[string]Geometry, len(rows))
	for i, row := range rows {
		if _, exists := profiles[row.Slug]; exists {
			panic(fmt.Errorf("duplicate definition for geometry %q found on row %d", row.Slug, i+1))
		}
		if err := row.Validate(); err != nil {
			panic(fmt.Errorf("geometry %q is invalid: %w", row.Slug, err))
		}
		profiles[row.Slug] = row
	}
}
