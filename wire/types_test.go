package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOutpointRoundTrips(t *testing.T) {
	want := fixedOutpoint()
	parsed, err := ParseOutpoint(want.String())
	require.NoError(t, err)
	require.Equal(t, want, parsed)
}

func TestParseOutpointRejectsMalformed(t *testing.T) {
	_, err := ParseOutpoint("not-an-outpoint")
	require.Error(t, err)

	_, err = ParseOutpoint(strings.Repeat("zz", 32) + ":0")
	require.Error(t, err)

	_, err = ParseOutpoint(strings.Repeat("aa", 32) + ":notanumber")
	require.Error(t, err)
}
