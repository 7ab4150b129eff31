// Package common contains the fundamental storage types shared by the extent,
// directory and file system layers: sector numbers, the free sector bitmap,
// and whole-sector I/O over a stream.
package common

import "math"

// SectorID is the index of a sector on the disk. Sector IDs are stored on disk
// as 32-bit little-endian integers.
type SectorID uint32

// InvalidSector marks an unused sector slot. Its on-disk representation is -1.
const InvalidSector = SectorID(math.MaxUint32)

// SectorDevice is a disk that can only be read from or written to one whole
// sector at a time.
type SectorDevice interface {
	// SectorSize gives the size of one sector, in bytes.
	SectorSize() uint
	// NumSectors gives the total number of sectors on the device.
	NumSectors() uint
	// ReadSector fills `buffer` with the contents of `sector`. `buffer` must be
	// exactly one sector long.
	ReadSector(sector SectorID, buffer []byte) error
	// WriteSector writes `data` to `sector`. `data` must be exactly one sector
	// long.
	WriteSector(sector SectorID, data []byte) error
}

// DivRoundUp divides `n` by `size`, rounding up.
func DivRoundUp(n, size uint) uint {
	return (n + size - 1) / size
}
