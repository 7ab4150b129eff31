package testing

import (
	"crypto/rand"
	"testing"

	c "github.com/dargueta/teachos/storage/common"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// RandomBytes returns `size` random bytes. It is guaranteed to either return a
// valid slice or fail the test and abort.
func RandomBytes(t *testing.T, size uint) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to initialize %d random bytes", size)
	return data
}

// NewRAMDisk creates a zeroed in-memory disk with the given geometry. The
// backing slice is returned as well so tests can inspect raw sectors.
func NewRAMDisk(t *testing.T, sectorSize, totalSectors uint) (*c.SectorStream, []byte) {
	backingData := make([]byte, sectorSize*totalSectors)
	stream := bytesextra.NewReadWriteSeeker(backingData)
	device := c.NewSectorStream(stream, totalSectors, sectorSize, 0)

	require.EqualValues(t, sectorSize, device.SectorSize(), "wrong sector size")
	require.EqualValues(t, totalSectors, device.NumSectors(), "wrong sector count")
	return device, backingData
}
