package common

import (
	"fmt"
	"io"

	"github.com/dargueta/teachos"
)

// SectorStream is an abstraction layer around a stream to make it look like a
// disk, i.e. a file that can only be read from or written to one sector at a
// time.
//
// The exposed fields are for informational purposes only and should never be
// changed.
type SectorStream struct {
	// BytesPerSector gives the size of a sector on this device, in bytes.
	BytesPerSector uint
	// TotalSectors is the total number of sectors in this stream.
	TotalSectors uint
	// StartOffset is an offset from the beginning of the stream, in bytes, that
	// will be considered the beginning of sector 0 for the device.
	StartOffset int64
	stream      io.ReadWriteSeeker
}

var _ SectorDevice = (*SectorStream)(nil)

func NewSectorStream(
	stream io.ReadWriteSeeker, totalSectors uint, sectorSize uint, startOffset int64,
) *SectorStream {
	return &SectorStream{
		StartOffset:    startOffset,
		BytesPerSector: sectorSize,
		TotalSectors:   totalSectors,
		stream:         stream,
	}
}

// DetermineSectorCount gives the total number of sectors in a stream, rounded
// down to the nearest sector.
func DetermineSectorCount(stream io.Seeker, sectorSize uint) (uint, error) {
	offset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return uint(offset / int64(sectorSize)), nil
}

func (device *SectorStream) SectorSize() uint {
	return device.BytesPerSector
}

func (device *SectorStream) NumSectors() uint {
	return device.TotalSectors
}

// SectorToFileOffset converts a sector ID into a byte offset into the backing
// I/O stream.
func (device *SectorStream) SectorToFileOffset(sector SectorID) (int64, error) {
	if uint(sector) >= device.TotalSectors {
		return -1, teachos.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"invalid sector %d: not in range [0, %d)",
				sector,
				device.TotalSectors))
	}
	return device.StartOffset + (int64(sector) * int64(device.BytesPerSector)), nil
}

// CheckIOBounds checks to see if `dataLength` bytes can be read from or written
// to the stream, starting at `sector`. If the bounds check fails, it returns an
// error indicating exactly what went wrong.
func (device *SectorStream) CheckIOBounds(sector SectorID, dataLength uint) error {
	if uint(sector) >= device.TotalSectors {
		return teachos.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"invalid sector %d: not in range [0, %d)",
				sector,
				device.TotalSectors))
	}

	if dataLength != device.BytesPerSector {
		return teachos.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"transfers must be exactly one sector (%d B), got %d",
				device.BytesPerSector,
				dataLength))
	}
	return nil
}

// seekToSector positions the stream pointer at the byte offset where the given
// sector starts.
func (device *SectorStream) seekToSector(sector SectorID) error {
	offset, err := device.SectorToFileOffset(sector)
	if err != nil {
		return err
	}
	_, err = device.stream.Seek(offset, io.SeekStart)
	return err
}

// ReadSector reads one whole sector into `buffer`.
func (device *SectorStream) ReadSector(sector SectorID, buffer []byte) error {
	err := device.CheckIOBounds(sector, uint(len(buffer)))
	if err != nil {
		return err
	}

	err = device.seekToSector(sector)
	if err != nil {
		return err
	}

	_, err = io.ReadFull(device.stream, buffer)
	if err != nil {
		return teachos.ErrIOFailed.Wrap(err)
	}
	return nil
}

// WriteSector writes one whole sector to the device.
func (device *SectorStream) WriteSector(sector SectorID, data []byte) error {
	err := device.CheckIOBounds(sector, uint(len(data)))
	if err != nil {
		return err
	}

	err = device.seekToSector(sector)
	if err != nil {
		return err
	}

	_, err = device.stream.Write(data)
	if err != nil {
		return teachos.ErrIOFailed.Wrap(err)
	}
	return nil
}
