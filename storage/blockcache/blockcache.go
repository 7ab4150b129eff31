// Package blockcache provides a block-oriented cache that can be used for
// providing a linear view of a single object scattered across discontiguous
// sectors on the disk, such as a file described by an extent header.
//
// All block indices begin at 0.
package blockcache

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/teachos"
)

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the backing storage into `buffer`. The following guarantees
// apply:
//
// - `blockIndex` is in the range [0, TotalBlocks).
// - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex uint, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. All restrictions and
// guarantees in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(blockIndex uint, buffer []byte) error

type BlockCache struct {
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	bytesPerBlock uint
	totalBlocks   uint
	data          []byte
}

// New creates a new BlockCache. `fetchCb` reads a single block from the backing
// storage and `flushCb` writes a single block to it.
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
) *BlockCache {
	return &BlockCache{
		loadedBlocks:  bitmap.New(int(totalBlocks)),
		dirtyBlocks:   bitmap.New(int(totalBlocks)),
		data:          make([]byte, int(bytesPerBlock*totalBlocks)),
		fetch:         fetchCb,
		flush:         flushCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks. To change the size of
// the cache, use the Resize() function.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// checkBounds verifies that `length` bytes can be accessed in the cache starting
// at byte `offset`. If not, it returns an error describing the exact conditions.
func (cache *BlockCache) checkBounds(offset int64, length int) error {
	if offset < 0 || offset+int64(length) > cache.Size() {
		return teachos.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"can't access %d bytes at offset %d; range not in [0, %d)",
				length,
				offset,
				cache.Size()))
	}
	return nil
}

// blockSpan gives the first block and the number of blocks touched by `length`
// bytes starting at `offset`.
func (cache *BlockCache) blockSpan(offset int64, length int) (uint, uint) {
	if length == 0 {
		return uint(offset) / cache.bytesPerBlock, 0
	}
	first := uint(offset) / cache.bytesPerBlock
	last := (uint(offset) + uint(length) - 1) / cache.bytesPerBlock
	return first, last - first + 1
}

// loadBlockRange ensures that all blocks in the range [start, start + count) are
// present in the cache, and loads any missing ones from storage.
func (cache *BlockCache) loadBlockRange(start uint, count uint) error {
	for blockIndex := start; blockIndex < start+count; blockIndex++ {
		// Skip if the block is in the cache. Since dirty blocks are present by
		// definition, we don't need to check `dirtyBlocks`.
		if cache.loadedBlocks.Get(int(blockIndex)) {
			continue
		}

		startOffset := blockIndex * cache.bytesPerBlock
		buffer := cache.data[startOffset : startOffset+cache.bytesPerBlock]

		// Load the block from backing storage directly into the cache.
		err := cache.fetch(blockIndex, buffer)
		if err != nil {
			return teachos.ErrIOFailed.Wrap(
				fmt.Errorf("failed to load block %d from source: %w", blockIndex, err))
		}

		// Mark the block as present and clean.
		cache.loadedBlocks.Set(int(blockIndex), true)
		cache.dirtyBlocks.Set(int(blockIndex), false)
	}
	return nil
}

// Flush writes out all dirty blocks (and only dirty blocks) to the underlying
// storage and marks them as clean.
func (cache *BlockCache) Flush() error {
	for blockIndex := uint(0); blockIndex < cache.totalBlocks; blockIndex++ {
		// Skip if the block is clean. This also skips over blocks that aren't
		// loaded, since missing blocks are considered clean.
		if !cache.dirtyBlocks.Get(int(blockIndex)) {
			continue
		}

		startOffset := blockIndex * cache.bytesPerBlock
		buffer := cache.data[startOffset : startOffset+cache.bytesPerBlock]

		err := cache.flush(blockIndex, buffer)
		if err != nil {
			return teachos.ErrIOFailed.Wrap(
				fmt.Errorf("failed to flush block %d to storage: %w", blockIndex, err))
		}

		// Mark the flushed block as clean.
		cache.dirtyBlocks.Set(int(blockIndex), false)
	}
	return nil
}

// ReadAt fills `buffer` with data beginning at byte `offset`, loading any
// missing blocks first.
//
// Attempting to read past the end of the cache will result in an error, and
// `buffer` will be left unmodified.
func (cache *BlockCache) ReadAt(buffer []byte, offset int64) (int, error) {
	err := cache.checkBounds(offset, len(buffer))
	if err != nil {
		return 0, err
	}

	err = cache.loadBlockRange(cache.blockSpan(offset, len(buffer)))
	if err != nil {
		return 0, err
	}
	return copy(buffer, cache.data[offset:]), nil
}

// WriteAt copies data into the cache from `buffer`, beginning at byte `offset`.
// All modified blocks are marked as dirty. Partially overwritten blocks are
// loaded first so the bytes around the write survive.
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) WriteAt(buffer []byte, offset int64) (int, error) {
	err := cache.checkBounds(offset, len(buffer))
	if err != nil {
		return 0, err
	}

	first, count := cache.blockSpan(offset, len(buffer))
	err = cache.loadBlockRange(first, count)
	if err != nil {
		return 0, err
	}

	n := copy(cache.data[offset:], buffer)
	for i := first; i < first+count; i++ {
		cache.dirtyBlocks.Set(int(i), true)
	}
	return n, nil
}

// Resize changes the number of blocks in the cache. Blocks are added to and
// removed from the end.
//
// If the cache size is increased, zeroed-out blocks are appended to the end of
// the slice. These new blocks are treated as dirty, so flushing the cache will
// write them out.
func (cache *BlockCache) Resize(newTotalBlocks uint) {
	newCacheData := make([]byte, newTotalBlocks*cache.bytesPerBlock)
	copy(newCacheData, cache.data)

	// Allocate new copies of the dirty/present bitmaps of the correct size.
	newDirtyBlocks := bitmap.New(int(newTotalBlocks))
	newLoadedBlocks := bitmap.New(int(newTotalBlocks))
	copy(newDirtyBlocks, cache.dirtyBlocks)
	copy(newLoadedBlocks, cache.loadedBlocks)

	// If we added any blocks, mark them as dirty. Since memory is zeroed out
	// when allocating, this means that if the data isn't modified we'll write
	// out zeroed blocks. If we didn't mark them dirty, they wouldn't get
	// written, and we could end up with trailing blocks filled with whatever
	// the sectors held before.
	for i := cache.totalBlocks; i < newTotalBlocks; i++ {
		newDirtyBlocks.Set(int(i), true)
		newLoadedBlocks.Set(int(i), true)
	}

	// Bits beyond the new end may have been copied over when shrinking.
	for i := newTotalBlocks; i < cache.totalBlocks && int(i) < newDirtyBlocks.Len(); i++ {
		newDirtyBlocks.Set(int(i), false)
		newLoadedBlocks.Set(int(i), false)
	}

	cache.data = newCacheData
	cache.dirtyBlocks = newDirtyBlocks
	cache.loadedBlocks = newLoadedBlocks
	cache.totalBlocks = newTotalBlocks
}

// Invalidate drops every clean block so the next access reloads it from the
// backing storage. Dirty blocks are kept.
func (cache *BlockCache) Invalidate() {
	for i := uint(0); i < cache.totalBlocks; i++ {
		if !cache.dirtyBlocks.Get(int(i)) {
			cache.loadedBlocks.Set(int(i), false)
		}
	}
}
