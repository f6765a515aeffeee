package util_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wkalt/tapecache/util"
)

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		assertion string
		input     uint64
		expected  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 1023, "1023 B"},
		{"kilobytes", 4096, "4 KB"},
		{"queue file maximum", 450_000_000, "429 MB"},
		{"gigabytes", 1 << 30, "1 GB"},
		{"largest suffix", 1 << 63, "8 EB"},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			assert.Equal(t, c.expected, util.HumanBytes(c.input))
		})
	}
}
