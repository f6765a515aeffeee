package util

/*
Encoding utilities for the on-disk formats. All integers are big endian. Apart
from ReadPrefixedBytes, these helpers do not check lengths: callers must size
buffers correctly, or a panic may result.
*/

////////////////////////////////////////////////////////////////////////////////

import (
	"encoding/binary"
	"fmt"
)

// ReadU8 reads a uint8 from src and stores it in x, returning the read length.
func ReadU8(src []byte, x *uint8) int {
	*x = src[0]
	return 1
}

// ReadU32 reads a uint32 from src and stores it in x, returning the read length.
func ReadU32(src []byte, x *uint32) int {
	*x = binary.BigEndian.Uint32(src)
	return 4
}

// ReadU64 reads a uint64 from src and stores it in x, returning the read length.
func ReadU64(src []byte, x *uint64) int {
	*x = binary.BigEndian.Uint64(src)
	return 8
}

// U8 writes a uint8 to dst and returns the written length.
func U8(dst []byte, src uint8) int {
	dst[0] = src
	return 1
}

// U32 writes a uint32 to dst and returns the written length.
func U32(dst []byte, src uint32) int {
	binary.BigEndian.PutUint32(dst, src)
	return 4
}

// U64 writes a uint64 to dst and returns the written length.
func U64(dst []byte, src uint64) int {
	binary.BigEndian.PutUint64(dst, src)
	return 8
}

// WritePrefixedBytes writes a u32 length followed by b, returning the written
// length.
func WritePrefixedBytes(dst []byte, b []byte) int {
	if len(dst) < 4+len(b) {
		panic("buffer too small")
	}
	binary.BigEndian.PutUint32(dst, uint32(len(b)))
	return 4 + copy(dst[4:], b)
}

// ReadPrefixedBytes reads a length-prefixed byte slice from src. Unlike the
// other read helpers it validates the length, since the prefix comes from
// untrusted file contents.
func ReadPrefixedBytes(src []byte, b *[]byte) (int, error) {
	if len(src) < 4 {
		return 0, fmt.Errorf("short buffer: %d bytes", len(src))
	}
	length := int(binary.BigEndian.Uint32(src))
	if length > len(src)-4 {
		return 0, fmt.Errorf("prefixed length %d exceeds %d remaining bytes", length, len(src)-4)
	}
	*b = src[4 : 4+length]
	return 4 + length, nil
}
