package util_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wkalt/tapecache/cli/util"
)

func TestPrintTable(t *testing.T) {
	headers := []string{"Topic", "Records"}
	data := [][]string{{"weather", "1200"}, {"audio", "30"}}
	cases := []struct {
		assertion string
		width     int
		expected  string
	}{
		{
			"fits",
			80,
			"|  Topic  |  Records  |\n" +
				"|---------|-----------|\n" +
				"| weather | 1200      |\n" +
				"| audio   | 30        |\n",
		},
		{
			"too narrow",
			10,
			"-[ RECORD 1 ]+-\n" +
				"Topic        | weather\n" +
				"Records      | 1200\n" +
				"-[ RECORD 2 ]+-\n" +
				"Topic        | audio\n" +
				"Records      | 30\n",
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			buf := &bytes.Buffer{}
			util.PrintTable(buf, c.width, headers, data)
			require.Equal(t, c.expected, buf.String())
		})
	}
}
