package directory

import (
	"bytes"
	"encoding/binary"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/geometry"
	"github.com/dargueta/teachos/storage/common"
	"github.com/noxer/bytewriter"
)

// Entry is one slot of a directory table. Name is the base name of the file;
// Path is a hint recording the path the entry was created with, truncated to
// [geometry.DirectoryPathHintLen] bytes.
type Entry struct {
	InUse  bool
	Name   string
	Path   string
	Sector common.SectorID
	Type   teachos.FileType
}

// putString copies `value` into a fixed-size field, NUL-padding the rest. The
// value is truncated if it doesn't fit.
func putString(field []byte, value string) {
	n := copy(field, value)
	for i := n; i < len(field); i++ {
		field[i] = 0
	}
}

func getString(field []byte) string {
	if end := bytes.IndexByte(field, 0); end >= 0 {
		return string(field[:end])
	}
	return string(field)
}

// encode serializes the entry into `buffer`, which must be exactly
// geometry.EntrySize(nameMax) bytes.
func (e *Entry) encode(buffer []byte, nameMax uint) error {
	var inUse uint8
	if e.InUse {
		inUse = 1
	}

	name := make([]byte, nameMax+1)
	putString(name[:nameMax], e.Name)
	path := make([]byte, geometry.DirectoryPathHintLen)
	putString(path, e.Path)

	writer := bytewriter.New(buffer)
	for _, field := range [][]byte{{inUse}, name, path} {
		if _, err := writer.Write(field); err != nil {
			return teachos.ErrIOFailed.Wrap(err)
		}
	}
	for _, field := range []int32{int32(e.Sector), int32(e.Type)} {
		if err := binary.Write(writer, binary.LittleEndian, field); err != nil {
			return teachos.ErrIOFailed.Wrap(err)
		}
	}
	return nil
}

func decodeEntry(buffer []byte, nameMax uint) Entry {
	nameEnd := 1 + nameMax + 1
	pathEnd := nameEnd + geometry.DirectoryPathHintLen

	return Entry{
		InUse:  buffer[0] != 0,
		Name:   getString(buffer[1 : 1+nameMax]),
		Path:   getString(buffer[nameEnd:pathEnd]),
		Sector: common.SectorID(binary.LittleEndian.Uint32(buffer[pathEnd : pathEnd+4])),
		Type:   teachos.FileType(int32(binary.LittleEndian.Uint32(buffer[pathEnd+4 : pathEnd+8]))),
	}
}
