package btree

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/dblab/storagecore/internal/page"
)

// Every B+Tree page carries a common header, followed by a fixed array of
// entries whose width depends on K and V, followed by a trailing CRC32
// checksum over everything before it. This is the same checksum
// placement the teacher's Node.serialize/deserialize uses.

type nodeType uint8

const (
	invalidNode  nodeType = 0
	internalNode nodeType = 1
	leafNode     nodeType = 2
)

const (
	headerOffset      = 0
	headerSize        = 1 + 4 + 4 // type, currentSize, maxSize
	checksumSize      = 4
	internalDataStart = headerSize
	leafHeaderExtra   = 8 // next-leaf page id
	leafDataStart     = headerSize + leafHeaderExtra
)

var errChecksumMismatch = errors.New("btree: page checksum mismatch")

func pageChecksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data[:len(data)-checksumSize])
}

func readHeader(data []byte) (typ nodeType, size, max int) {
	typ = nodeType(data[0])
	size = int(int32(binary.BigEndian.Uint32(data[1:5])))
	max = int(int32(binary.BigEndian.Uint32(data[5:9])))
	return
}

func writeHeader(data []byte, typ nodeType, size, max int) {
	data[0] = byte(typ)
	binary.BigEndian.PutUint32(data[1:5], uint32(int32(size)))
	binary.BigEndian.PutUint32(data[5:9], uint32(int32(max)))
}

func writeChecksum(data []byte) {
	binary.BigEndian.PutUint32(data[len(data)-checksumSize:], pageChecksum(data))
}

func verifyChecksum(data []byte) error {
	want := binary.BigEndian.Uint32(data[len(data)-checksumSize:])
	if got := pageChecksum(data); got != want {
		return errChecksumMismatch
	}
	return nil
}

func leafNextPageID(data []byte) page.ID {
	return page.ID(binary.BigEndian.Uint64(data[headerSize : headerSize+leafHeaderExtra]))
}

func setLeafNextPageID(data []byte, next page.ID) {
	binary.BigEndian.PutUint64(data[headerSize:headerSize+leafHeaderExtra], uint64(next))
}

// entryCapacity returns how many entries of the given width fit in a page
// of this layout, after header/trailer overhead.
func entryCapacity(dataStart, entryWidth int) int {
	return (page.Size - dataStart - checksumSize) / entryWidth
}
