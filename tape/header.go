package tape

import (
	"fmt"
	"hash/crc32"

	"github.com/wkalt/tapecache/util"
)

/*
The queue file header. A modification of the queue is not visible until the
header is rewritten, and the header is small enough to be written in a single
call, so a crash in the middle of an append leaves the previous state intact.

Header (36 bytes):
    Version:        4 bytes
    File length:    8 bytes
    Element count:  4 bytes
    First position: 8 bytes
    Last position:  8 bytes
    CRC32:          4 bytes (over the preceding 32 bytes)

Element:
    Length:         4 bytes
    Checksum:       1 byte (low byte of the CRC32 of the length bytes)
    Data:           [Length]byte

Positions are absolute file offsets. Element data wraps from the end of the
file back to the first byte after the header.
*/

////////////////////////////////////////////////////////////////////////////////

const (
	headerLength        = 36
	elementHeaderLength = 5

	// versioned marks the header format. The high bit distinguishes it from
	// legacy files that started with a bare file length.
	versioned = uint32(0x80000001)

	// DefaultMinimumFileSize is the initial size of a queue file.
	DefaultMinimumFileSize = int64(4096)
)

type header struct {
	length int64
	count  int
	first  int64
	last   int64
}

func (h header) encode() []byte {
	buf := make([]byte, headerLength)
	offset := util.U32(buf, versioned)
	offset += util.U64(buf[offset:], uint64(h.length))
	offset += util.U32(buf[offset:], uint32(h.count))
	offset += util.U64(buf[offset:], uint64(h.first))
	offset += util.U64(buf[offset:], uint64(h.last))
	util.U32(buf[offset:], crc32.ChecksumIEEE(buf[:offset]))
	return buf
}

// decodeHeader parses and sanity checks a header against the size of the
// file it was read from.
func decodeHeader(buf []byte, fileSize int64) (header, error) {
	var version, count, crc uint32
	var length, first, last uint64
	offset := util.ReadU32(buf, &version)
	offset += util.ReadU64(buf[offset:], &length)
	offset += util.ReadU32(buf[offset:], &count)
	offset += util.ReadU64(buf[offset:], &first)
	offset += util.ReadU64(buf[offset:], &last)
	computed := crc32.ChecksumIEEE(buf[:offset])
	util.ReadU32(buf[offset:], &crc)

	if version != versioned {
		return header{}, fmt.Errorf("unsupported version %#x", version)
	}
	if crc != computed {
		return header{}, fmt.Errorf("header checksum %d does not match computed %d", crc, computed)
	}
	h := header{
		length: int64(length),
		count:  int(count),
		first:  int64(first),
		last:   int64(last),
	}
	if h.length <= headerLength || h.length > fileSize {
		return header{}, fmt.Errorf("file length %d outside of (%d, %d]", h.length, headerLength, fileSize)
	}
	if h.count < 0 {
		return header{}, fmt.Errorf("negative element count %d", h.count)
	}
	if h.count == 0 {
		if h.first != 0 || h.last != 0 {
			return header{}, fmt.Errorf("empty queue with positions %d/%d", h.first, h.last)
		}
		return h, nil
	}
	for _, pos := range []int64{h.first, h.last} {
		if pos < headerLength || pos >= h.length {
			return header{}, fmt.Errorf("element position %d outside of [%d, %d)", pos, headerLength, h.length)
		}
	}
	return h, nil
}

// element locates a stored element.
type element struct {
	position int64
	length   int
}

// end is the unwrapped position directly after the element.
func (e element) end() int64 {
	return e.position + elementHeaderLength + int64(e.length)
}

func elementChecksum(lengthBytes []byte) byte {
	return byte(crc32.ChecksumIEEE(lengthBytes))
}

func encodeElementHeader(length int) []byte {
	buf := make([]byte, elementHeaderLength)
	util.U32(buf, uint32(length))
	buf[4] = elementChecksum(buf[:4])
	return buf
}
