package util_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wkalt/tapecache/util"
)

func TestFixedWidthIntegers(t *testing.T) {
	buf := make([]byte, 13)
	n := util.U8(buf, 0x7f)
	n += util.U32(buf[n:], 0xdeadbeef)
	n += util.U64(buf[n:], 1<<40)
	require.Equal(t, 13, n)
	require.Equal(t, []byte{0x7f, 0xde, 0xad, 0xbe, 0xef, 0, 0, 1, 0, 0, 0, 0, 0}, buf)

	var u8 uint8
	var u32 uint32
	var u64 uint64
	offset := util.ReadU8(buf, &u8)
	offset += util.ReadU32(buf[offset:], &u32)
	offset += util.ReadU64(buf[offset:], &u64)
	require.Equal(t, 13, offset)
	require.Equal(t, uint8(0x7f), u8)
	require.Equal(t, uint32(0xdeadbeef), u32)
	require.Equal(t, uint64(1<<40), u64)
}

func TestPrefixedBytes(t *testing.T) {
	buf := make([]byte, 9)
	require.Equal(t, 9, util.WritePrefixedBytes(buf, []byte("hello")))
	require.Equal(t, []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, buf)
	require.Panics(t, func() { util.WritePrefixedBytes(make([]byte, 4), []byte("x")) })

	cases := []struct {
		assertion string
		input     []byte
		expected  []byte
		n         int
		err       string
	}{
		{"valid", buf, []byte("hello"), 9, ""},
		{"trailing data", append(buf, 'x'), []byte("hello"), 9, ""},
		{"empty", []byte{0, 0, 0, 0}, []byte{}, 4, ""},
		{"short prefix", []byte{0, 0}, nil, 0, "short buffer"},
		{"truncated body", buf[:6], nil, 0, "exceeds"},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			var b []byte
			n, err := util.ReadPrefixedBytes(c.input, &b)
			if c.err != "" {
				require.ErrorContains(t, err, c.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.n, n)
			require.Equal(t, c.expected, b)
		})
	}
}
