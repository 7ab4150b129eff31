// Free sector bitmap

package common

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/teachos"
)

// FreeMap tracks which sectors of a device are in use. A set bit means the
// sector is allocated.
type FreeMap struct {
	AllocationBitmap bitmap.Bitmap
	TotalSectors     uint
}

// NewFreeMap creates a new free map with all sectors available.
func NewFreeMap(totalSectors uint) *FreeMap {
	return &FreeMap{
		AllocationBitmap: bitmap.New(int(totalSectors)),
		TotalSectors:     totalSectors,
	}
}

// NewFreeMapFromBytes creates a free map from its serialized form, as returned
// by [FreeMap.Bytes].
func NewFreeMapFromBytes(inUseMap []byte, totalSectors uint) (*FreeMap, error) {
	fm := NewFreeMap(totalSectors)
	if len(inUseMap) < len(fm.AllocationBitmap) {
		msg := fmt.Sprintf(
			"free map for %d sectors needs %d bytes, got %d",
			totalSectors,
			len(fm.AllocationBitmap),
			len(inUseMap))
		return nil, teachos.ErrFileSystemCorrupted.WithMessage(msg)
	}
	copy(fm.AllocationBitmap, inUseMap)
	return fm, nil
}

// SerializedSize gives the number of bytes [FreeMap.Bytes] returns for a map
// covering `totalSectors` sectors.
func SerializedSize(totalSectors uint) uint {
	return uint(len(bitmap.New(int(totalSectors))))
}

// Find allocates the first available sector it finds and returns its ID. If no
// sectors are available, it returns an error.
func (fm *FreeMap) Find() (SectorID, error) {
	for i := uint(0); i < fm.TotalSectors; i++ {
		if !fm.AllocationBitmap.Get(int(i)) {
			fm.AllocationBitmap.Set(int(i), true)
			return SectorID(i), nil
		}
	}
	return InvalidSector, teachos.ErrNoSpaceOnDevice
}

// Mark flags a sector as in use regardless of its current state.
func (fm *FreeMap) Mark(sector SectorID) error {
	if err := fm.checkRange(sector); err != nil {
		return err
	}
	fm.AllocationBitmap.Set(int(sector), true)
	return nil
}

// Clear frees an allocated sector. Trying to free a sector that isn't allocated
// returns [teachos.ErrAlreadyFree].
func (fm *FreeMap) Clear(sector SectorID) error {
	if err := fm.checkRange(sector); err != nil {
		return err
	}
	if !fm.AllocationBitmap.Get(int(sector)) {
		msg := fmt.Sprintf("sector %d is already free", sector)
		return teachos.ErrAlreadyFree.WithMessage(msg)
	}

	fm.AllocationBitmap.Set(int(sector), false)
	return nil
}

// Test returns true if the sector is allocated. Out-of-range sectors are never
// allocated.
func (fm *FreeMap) Test(sector SectorID) bool {
	if uint(sector) >= fm.TotalSectors {
		return false
	}
	return fm.AllocationBitmap.Get(int(sector))
}

// CountClear gives the number of free sectors.
func (fm *FreeMap) CountClear() uint {
	free := uint(0)
	for i := uint(0); i < fm.TotalSectors; i++ {
		if !fm.AllocationBitmap.Get(int(i)) {
			free++
		}
	}
	return free
}

// Clone returns an independent copy of the free map. File system operations
// mutate a clone and only keep it if they succeed.
func (fm *FreeMap) Clone() *FreeMap {
	return &FreeMap{
		AllocationBitmap: bitmap.Bitmap(fm.AllocationBitmap.Data(true)),
		TotalSectors:     fm.TotalSectors,
	}
}

// Bytes returns the serialized bitmap. The slice is a copy.
func (fm *FreeMap) Bytes() []byte {
	return fm.AllocationBitmap.Data(true)
}

func (fm *FreeMap) checkRange(sector SectorID) error {
	if uint(sector) >= fm.TotalSectors {
		msg := fmt.Sprintf(
			"invalid sector: %d not in range [0, %d)",
			sector,
			fm.TotalSectors)
		return teachos.ErrArgumentOutOfRange.WithMessage(msg)
	}
	return nil
}
