package status_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/tapecache/status"
)

func TestParse(t *testing.T) {
	for _, s := range status.All {
		t.Run(s.String(), func(t *testing.T) {
			parsed, err := status.Parse(s.String())
			require.NoError(t, err)
			require.Equal(t, s, parsed)
		})
	}
	_, err := status.Parse("SLEEPING")
	require.Error(t, err)
	require.Equal(t, "Status(99)", status.Status(99).String())
}
