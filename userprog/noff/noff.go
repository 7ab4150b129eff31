// Package noff reads and builds executables in NOFF, a minimal object file
// format: a fixed header describing three segments, followed by the bytes of
// the segments that have contents.
package noff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/teachos"
	"github.com/noxer/bytewriter"
)

// Magic identifies a NOFF file.
const Magic = 0x00badfad

// HeaderSize is the size of an encoded header: the magic number and three
// segments of three 32-bit words each.
const HeaderSize = 4 + 3*12

// Segment describes one region of the program. Uninitialized data has no
// bytes in the file, so its InFileAddr is meaningless.
type Segment struct {
	VirtualAddr uint32
	InFileAddr  uint32
	Size        uint32
}

// End returns the first virtual address past the segment.
func (s Segment) End() uint32 {
	return s.VirtualAddr + s.Size
}

type Header struct {
	Magic      uint32
	Code       Segment
	InitData   Segment
	UninitData Segment
}

// Read decodes the header at the start of `exe`. Executables written on a
// machine of the opposite byte order are detected and decoded correctly.
func Read(exe io.ReaderAt) (Header, error) {
	var header Header
	raw := make([]byte, HeaderSize)

	_, err := exe.ReadAt(raw, 0)
	if err != nil {
		return header, teachos.ErrExecFormat.Wrap(err)
	}

	var byteOrder binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw) != Magic {
		if binary.BigEndian.Uint32(raw) != Magic {
			return header, teachos.ErrExecFormat.WithMessage(
				fmt.Sprintf("bad magic number 0x%08x", binary.LittleEndian.Uint32(raw)))
		}
		byteOrder = binary.BigEndian
	}

	err = binary.Read(bytes.NewReader(raw), byteOrder, &header)
	if err != nil {
		return header, teachos.ErrExecFormat.Wrap(err)
	}
	return header, nil
}

// ReadSegment returns the bytes of a segment that has contents in the file.
func ReadSegment(exe io.ReaderAt, segment Segment) ([]byte, error) {
	data := make([]byte, segment.Size)
	if segment.Size == 0 {
		return data, nil
	}

	_, err := exe.ReadAt(data, int64(segment.InFileAddr))
	if err != nil {
		return nil, teachos.ErrExecFormat.Wrap(
			fmt.Errorf(
				"can't read %d bytes at offset %d: %w", segment.Size, segment.InFileAddr, err))
	}
	return data, nil
}

// Assemble builds a little-endian executable whose code starts at virtual
// address 0, immediately followed by initialized data and then `bssSize`
// bytes of uninitialized data.
func Assemble(code, data []byte, bssSize uint32) []byte {
	header := Header{
		Magic: Magic,
		Code: Segment{
			VirtualAddr: 0,
			InFileAddr:  HeaderSize,
			Size:        uint32(len(code)),
		},
		InitData: Segment{
			VirtualAddr: uint32(len(code)),
			InFileAddr:  HeaderSize + uint32(len(code)),
			Size:        uint32(len(data)),
		},
		UninitData: Segment{
			VirtualAddr: uint32(len(code) + len(data)),
			Size:        bssSize,
		},
	}

	image := make([]byte, HeaderSize+len(code)+len(data))
	writer := bytewriter.New(image)
	binary.Write(writer, binary.LittleEndian, &header)
	writer.Write(code)
	writer.Write(data)
	return image
}

// AssembleWords is like Assemble but takes the code as instruction words.
func AssembleWords(code []uint32, data []byte, bssSize uint32) []byte {
	raw := make([]byte, 4*len(code))
	for i, word := range code {
		binary.LittleEndian.PutUint32(raw[4*i:], word)
	}
	return Assemble(raw, data, bssSize)
}
