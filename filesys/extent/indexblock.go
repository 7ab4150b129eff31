package extent

import (
	"bytes"
	"encoding/binary"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/storage/common"
	"github.com/noxer/bytewriter"
)

// DataSlotsPerIndex is the number of data sector numbers one index block holds.
const DataSlotsPerIndex = 31

// linkSlot is the slot in an index block holding the next index block.
const linkSlot = DataSlotsPerIndex

const indexSlots = DataSlotsPerIndex + 1

// indexBlock is the on-disk layout of one link in the index chain: 31 data
// sectors followed by the next index block, as little-endian int32s. Unused
// slots hold [common.InvalidSector].
type indexBlock [indexSlots]common.SectorID

func emptyIndexBlock() indexBlock {
	var block indexBlock
	for i := range block {
		block[i] = common.InvalidSector
	}
	return block
}

func readIndexBlock(dev common.SectorDevice, sector common.SectorID) (indexBlock, error) {
	var block indexBlock
	buffer := make([]byte, dev.SectorSize())
	if err := dev.ReadSector(sector, buffer); err != nil {
		return block, err
	}

	err := binary.Read(bytes.NewReader(buffer), binary.LittleEndian, &block)
	if err != nil {
		return block, teachos.ErrFileSystemCorrupted.Wrap(err)
	}
	return block, nil
}

func (block *indexBlock) writeTo(dev common.SectorDevice, sector common.SectorID) error {
	buffer := make([]byte, dev.SectorSize())
	writer := bytewriter.New(buffer)
	if err := binary.Write(writer, binary.LittleEndian, block); err != nil {
		return teachos.ErrIOFailed.Wrap(err)
	}
	return dev.WriteSector(sector, buffer)
}

// chainWriter appends data sectors to the tail of an index chain, drawing a new
// index block from the free map only once the current one is full and another
// data sector arrives.
type chainWriter struct {
	dev    common.SectorDevice
	fm     *common.FreeMap
	sector common.SectorID
	block  indexBlock
	used   int
}

func (w *chainWriter) append(dataSector common.SectorID) error {
	if w.used == DataSlotsPerIndex {
		next, err := w.fm.Find()
		if err != nil {
			return err
		}
		w.block[linkSlot] = next
		if err = w.block.writeTo(w.dev, w.sector); err != nil {
			return err
		}

		w.sector = next
		w.block = emptyIndexBlock()
		w.used = 0
	}

	w.block[w.used] = dataSector
	w.used++
	return nil
}

// flush persists the last, possibly partial, index block.
func (w *chainWriter) flush() error {
	return w.block.writeTo(w.dev, w.sector)
}
