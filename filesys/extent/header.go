// Package extent implements the on-disk descriptor that locates a file's data:
// a fixed number of sector slots, the first of which point at data sectors
// directly while the last heads a chain of index blocks.
//
// A header with K slots stores the first K-1 data sectors directly. Once a
// file needs K or more sectors, slot K-1 points to an index block holding up to
// 31 further data sectors and, in its 32nd slot, the next index block.
package extent

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/storage/common"
	"github.com/hashicorp/go-multierror"
	"github.com/noxer/bytewriter"
)

const createdAtLen = 25

var now = time.Now

type Header struct {
	numBytes   uint32
	numSectors uint32
	sectors    []common.SectorID
	createdAt  time.Time
}

// New creates an empty header with `numDirect` sector slots.
func New(numDirect uint) *Header {
	header := &Header{sectors: make([]common.SectorID, numDirect)}
	header.reset()
	return header
}

func (h *Header) reset() {
	h.numBytes = 0
	h.numSectors = 0
	for i := range h.sectors {
		h.sectors[i] = common.InvalidSector
	}
}

// Clone returns a copy of the header that can be changed independently.
func (h *Header) Clone() *Header {
	clone := *h
	clone.sectors = append([]common.SectorID(nil), h.sectors...)
	return &clone
}

// Length returns the number of bytes in the file.
func (h *Header) Length() uint {
	return uint(h.numBytes)
}

// BlockCount returns the number of data sectors in the file. Index blocks are
// not included.
func (h *Header) BlockCount() uint {
	return uint(h.numSectors)
}

// CreatedAt returns when the file was allocated, to the second.
func (h *Header) CreatedAt() time.Time {
	return h.createdAt
}

func (h *Header) directSlots() uint {
	return uint(len(h.sectors)) - 1
}

func (h *Header) chainLength(numSectors uint) uint {
	if numSectors <= h.directSlots() {
		return 0
	}
	return numSectors - h.directSlots()
}

// SectorsRequired gives the total number of sectors, data and index blocks
// together, that a file with `numSectors` data sectors occupies.
func (h *Header) SectorsRequired(numSectors uint) uint {
	return numSectors + common.DivRoundUp(h.chainLength(numSectors), DataSlotsPerIndex)
}

// Allocate initializes a fresh header for a new file of `fileSize` bytes,
// drawing data sectors and index blocks from `fm`. If there aren't enough free
// sectors it fails without modifying `fm` or the header.
func (h *Header) Allocate(dev common.SectorDevice, fm *common.FreeMap, fileSize uint) error {
	if fileSize > math.MaxInt32 {
		return teachos.ErrFileTooLarge.WithMessage(fmt.Sprintf("%d bytes", fileSize))
	}

	numSectors := common.DivRoundUp(fileSize, dev.SectorSize())
	required := h.SectorsRequired(numSectors)
	if free := fm.CountClear(); free < required {
		msg := fmt.Sprintf(
			"%d bytes need %d sectors, only %d free", fileSize, required, free)
		return teachos.ErrNoSpaceOnDevice.WithMessage(msg)
	}

	h.reset()
	h.numBytes = uint32(fileSize)
	h.numSectors = uint32(numSectors)
	h.createdAt = now().UTC().Truncate(time.Second)
	return h.grow(dev, fm, 0, numSectors)
}

// Extend grows the file by `extraBytes`, continuing the existing layout from
// its tail. If there aren't enough free sectors it fails and neither the header
// nor `fm` is modified.
func (h *Header) Extend(dev common.SectorDevice, fm *common.FreeMap, extraBytes uint) error {
	newLength := uint(h.numBytes) + extraBytes
	if newLength > math.MaxInt32 {
		return teachos.ErrFileTooLarge.WithMessage(fmt.Sprintf("%d bytes", newLength))
	}

	oldSectors := uint(h.numSectors)
	newSectors := common.DivRoundUp(newLength, dev.SectorSize())
	required := h.SectorsRequired(newSectors) - h.SectorsRequired(oldSectors)
	if free := fm.CountClear(); free < required {
		msg := fmt.Sprintf(
			"growing by %d bytes needs %d sectors, only %d free",
			extraBytes,
			required,
			free)
		return teachos.ErrNoSpaceOnDevice.WithMessage(msg)
	}

	h.numBytes = uint32(newLength)
	h.numSectors = uint32(newSectors)
	if newSectors == oldSectors {
		return nil
	}
	return h.grow(dev, fm, oldSectors, newSectors)
}

// grow draws data sectors for indices [from, to) of the file. The caller must
// already have checked that enough sectors are free.
func (h *Header) grow(dev common.SectorDevice, fm *common.FreeMap, from, to uint) error {
	var chain *chainWriter

	for i := from; i < to; i++ {
		if i < h.directSlots() {
			sector, err := fm.Find()
			if err != nil {
				return err
			}
			h.sectors[i] = sector
			continue
		}

		if chain == nil {
			var err error
			chain, err = h.openChain(dev, fm, i-h.directSlots())
			if err != nil {
				return err
			}
		}

		sector, err := fm.Find()
		if err != nil {
			return err
		}
		if err = chain.append(sector); err != nil {
			return err
		}
	}

	if chain != nil {
		return chain.flush()
	}
	return nil
}

// openChain positions a chainWriter so the next data sector appended lands at
// `position` in the chain. Position 0 starts a new chain.
func (h *Header) openChain(
	dev common.SectorDevice, fm *common.FreeMap, position uint,
) (*chainWriter, error) {
	if position == 0 {
		head, err := fm.Find()
		if err != nil {
			return nil, err
		}
		h.sectors[h.directSlots()] = head
		return &chainWriter{
			dev:    dev,
			fm:     fm,
			sector: head,
			block:  emptyIndexBlock(),
		}, nil
	}

	sector := h.sectors[h.directSlots()]
	block, err := readIndexBlock(dev, sector)
	if err != nil {
		return nil, err
	}
	for rank := (position - 1) / DataSlotsPerIndex; rank > 0; rank-- {
		sector = block[linkSlot]
		if block, err = readIndexBlock(dev, sector); err != nil {
			return nil, err
		}
	}

	return &chainWriter{
		dev:    dev,
		fm:     fm,
		sector: sector,
		block:  block,
		used:   int((position-1)%DataSlotsPerIndex) + 1,
	}, nil
}

// Deallocate returns every sector the file occupies to `fm`: direct data
// sectors, data sectors reached through the index chain, and the index blocks
// themselves. The header is left empty.
func (h *Header) Deallocate(dev common.SectorDevice, fm *common.FreeMap) error {
	var result *multierror.Error

	numSectors := uint(h.numSectors)
	for i := uint(0); i < numSectors && i < h.directSlots(); i++ {
		result = multierror.Append(result, fm.Clear(h.sectors[i]))
	}

	remaining := h.chainLength(numSectors)
	sector := h.sectors[h.directSlots()]
	for remaining > 0 {
		block, err := readIndexBlock(dev, sector)
		if err != nil {
			result = multierror.Append(result, err)
			break
		}

		take := remaining
		if take > DataSlotsPerIndex {
			take = DataSlotsPerIndex
		}
		for j := uint(0); j < take; j++ {
			result = multierror.Append(result, fm.Clear(block[j]))
		}
		result = multierror.Append(result, fm.Clear(sector))

		remaining -= take
		sector = block[linkSlot]
	}

	h.reset()
	return result.ErrorOrNil()
}

// ByteToSector returns the sector storing the byte at `offset` in the file.
func (h *Header) ByteToSector(dev common.SectorDevice, offset uint) (common.SectorID, error) {
	index := offset / dev.SectorSize()
	if index >= uint(h.numSectors) {
		msg := fmt.Sprintf(
			"offset %d is in sector %d of a %d-sector file", offset, index, h.numSectors)
		return common.InvalidSector, teachos.ErrArgumentOutOfRange.WithMessage(msg)
	}
	if index < h.directSlots() {
		return h.sectors[index], nil
	}

	position := index - h.directSlots()
	block, err := readIndexBlock(dev, h.sectors[h.directSlots()])
	if err != nil {
		return common.InvalidSector, err
	}
	for rank := position / DataSlotsPerIndex; rank > 0; rank-- {
		if block, err = readIndexBlock(dev, block[linkSlot]); err != nil {
			return common.InvalidSector, err
		}
	}
	return block[position%DataSlotsPerIndex], nil
}

// DataSectors lists the file's data sectors in file order.
func (h *Header) DataSectors(dev common.SectorDevice) ([]common.SectorID, error) {
	result := make([]common.SectorID, 0, h.numSectors)
	err := h.walk(dev, func(data []common.SectorID, _ common.SectorID) {
		result = append(result, data...)
	})
	return result, err
}

// IndexSectors lists the index blocks of the chain, head first.
func (h *Header) IndexSectors(dev common.SectorDevice) ([]common.SectorID, error) {
	var result []common.SectorID
	err := h.walk(dev, func(_ []common.SectorID, index common.SectorID) {
		if index != common.InvalidSector {
			result = append(result, index)
		}
	})
	return result, err
}

// walk calls `visit` once for the direct sectors (with an invalid index
// sector) and once per index block with the data sectors it holds.
func (h *Header) walk(
	dev common.SectorDevice, visit func(data []common.SectorID, index common.SectorID),
) error {
	numSectors := uint(h.numSectors)
	direct := numSectors
	if direct > h.directSlots() {
		direct = h.directSlots()
	}
	visit(h.sectors[:direct], common.InvalidSector)

	remaining := h.chainLength(numSectors)
	sector := h.sectors[h.directSlots()]
	for remaining > 0 {
		block, err := readIndexBlock(dev, sector)
		if err != nil {
			return err
		}
		take := remaining
		if take > DataSlotsPerIndex {
			take = DataSlotsPerIndex
		}
		visit(block[:take], sector)
		remaining -= take
		sector = block[linkSlot]
	}
	return nil
}

// FetchFrom reads the header from `sector`.
func (h *Header) FetchFrom(dev common.SectorDevice, sector common.SectorID) error {
	buffer := make([]byte, dev.SectorSize())
	if err := dev.ReadSector(sector, buffer); err != nil {
		return err
	}

	reader := bytes.NewReader(buffer)
	createdAt := make([]byte, createdAtLen)
	fields := []interface{}{&h.numBytes, &h.numSectors, h.sectors}
	for _, field := range fields {
		if err := binary.Read(reader, binary.LittleEndian, field); err != nil {
			return teachos.ErrFileSystemCorrupted.Wrap(err)
		}
	}
	if _, err := io.ReadFull(reader, createdAt); err != nil {
		return teachos.ErrFileSystemCorrupted.Wrap(err)
	}

	expected := common.DivRoundUp(uint(h.numBytes), dev.SectorSize())
	if uint(h.numSectors) != expected {
		msg := fmt.Sprintf(
			"header at sector %d claims %d sectors for %d bytes, expected %d",
			sector,
			h.numSectors,
			h.numBytes,
			expected)
		return teachos.ErrFileSystemCorrupted.WithMessage(msg)
	}

	h.createdAt = decodeTimestamp(createdAt)
	return nil
}

// WriteBack writes the header to `sector`.
func (h *Header) WriteBack(dev common.SectorDevice, sector common.SectorID) error {
	buffer := make([]byte, dev.SectorSize())
	writer := bytewriter.New(buffer)

	fields := []interface{}{h.numBytes, h.numSectors, h.sectors}
	for _, field := range fields {
		if err := binary.Write(writer, binary.LittleEndian, field); err != nil {
			return teachos.ErrIOFailed.Wrap(err)
		}
	}
	if _, err := writer.Write(encodeTimestamp(h.createdAt)); err != nil {
		return teachos.ErrIOFailed.Wrap(err)
	}
	return dev.WriteSector(sector, buffer)
}

// encodeTimestamp renders `ts` the way asctime(3) does, NUL-padded to the
// width of the on-disk field. The zero time is stored as all NULs.
func encodeTimestamp(ts time.Time) []byte {
	field := make([]byte, createdAtLen)
	if !ts.IsZero() {
		copy(field, ts.UTC().Format(time.ANSIC))
	}
	return field
}

func decodeTimestamp(field []byte) time.Time {
	text := strings.TrimRight(string(field), "\x00")
	ts, err := time.Parse(time.ANSIC, text)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Print writes a human-readable dump of the header followed by the contents of
// every data sector, escaping unprintable bytes.
func (h *Header) Print(w io.Writer, dev common.SectorDevice) error {
	fmt.Fprintf(w, "FileHeader contents.  File size: %d.  File blocks:\n", h.numBytes)
	if !h.createdAt.IsZero() {
		fmt.Fprintf(w, "create_time: %s\n", h.createdAt.Format(time.ANSIC))
	}

	dataSectors, err := h.DataSectors(dev)
	if err != nil {
		return err
	}
	for _, sector := range dataSectors {
		fmt.Fprintf(w, "%d ", sector)
	}

	indexSectors, err := h.IndexSectors(dev)
	if err != nil {
		return err
	}
	if len(indexSectors) > 0 {
		fmt.Fprintf(w, "\nIndex blocks: %v", indexSectors)
	}
	fmt.Fprint(w, "\nFile contents:\n")

	buffer := make([]byte, dev.SectorSize())
	remaining := uint(h.numBytes)
	for _, sector := range dataSectors {
		if err = dev.ReadSector(sector, buffer); err != nil {
			return err
		}
		for j := uint(0); j < dev.SectorSize() && remaining > 0; j++ {
			if buffer[j] >= ' ' && buffer[j] <= '~' {
				fmt.Fprintf(w, "%c", buffer[j])
			} else {
				fmt.Fprintf(w, "\\%x", buffer[j])
			}
			remaining--
		}
		fmt.Fprintln(w)
	}
	return nil
}
