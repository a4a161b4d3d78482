package gtfs

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBOMStripper(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bom stripped", "\xef\xbb\xbfstop_id,stop_name", "stop_id,stop_name"},
		{"no bom", "stop_id,stop_name", "stop_id,stop_name"},
		{"bom only", "\xef\xbb\xbf", ""},
		{"empty", "", ""},
		{"shorter than a bom", "ab", "ab"},
		{"partial bom kept", "\xef\xbbx", "\xef\xbbx"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := io.ReadAll(&bomStripper{r: strings.NewReader(tc.in)})
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})

		t.Run(tc.name+" one byte at a time", func(t *testing.T) {
			got, err := io.ReadAll(&bomStripper{r: iotest.OneByteReader(strings.NewReader(tc.in))})
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestCSVBoolUnmarshal(t *testing.T) {
	var b CSVBool

	require.NoError(t, b.UnmarshalCSV("1"))
	assert.True(t, bool(b))

	require.NoError(t, b.UnmarshalCSV("0"))
	assert.False(t, bool(b))

	require.NoError(t, b.UnmarshalCSV(""))
	assert.False(t, bool(b))

	assert.ErrorIs(t, b.UnmarshalCSV("2"), ErrInvalidBoolField)
	assert.Error(t, b.UnmarshalCSV("yes"))
}
