package testing

import (
	"testing"

	"github.com/dargueta/teachos/filesys"
	"github.com/dargueta/teachos/geometry"
	"github.com/stretchr/testify/require"
)

// SmallGeometry is the profile most tests run with: 128-byte sectors and only
// four extent slots, so the indirect chain is reached after three sectors.
func SmallGeometry(t *testing.T) geometry.Geometry {
	geo, err := geometry.Get("small")
	require.NoError(t, err, "predefined geometry `small` is missing")
	return geo
}

// NewFileSystem formats a RAM disk with the given geometry and returns the
// mounted file system.
func NewFileSystem(t *testing.T, geo geometry.Geometry) *filesys.FileSystem {
	device, _ := NewRAMDisk(t, geo.SectorSize, geo.NumSectors)
	fs, err := filesys.Format(device, geo)
	require.NoError(t, err, "formatting RAM disk failed")
	return fs
}
