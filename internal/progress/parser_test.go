package progress

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		want  Sample
		match bool
	}{
		{
			name:  "standard progress line",
			line:  "frame= 1234 fps= 25.0 q=28.0 size=  10240KiB time=00:00:49.36",
			want:  Sample{UnitsDone: 1234, Rate: 25.0},
			match: true,
		},
		{
			name:  "no padding",
			line:  "frame=7 fps=0.5 q=-1.0",
			want:  Sample{UnitsDone: 7, Rate: 0.5},
			match: true,
		},
		{
			name: "warning line yields no sample",
			line: "[matroska @ 0x55] Starting new cluster due to timestamp",
		},
		{
			name: "empty line",
			line: "",
		},
		{
			name: "frame without fps",
			line: "frame= 100 q=28.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.line)
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestScanLinesSplitsOnCarriageReturn(t *testing.T) {
	input := "frame= 10 fps= 5.0\rframe= 20 fps= 5.0\r\nwarning: something\nlast"
	sc := bufio.NewScanner(strings.NewReader(input))
	sc.Split(ScanLines)

	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.Equal(t, []string{
		"frame= 10 fps= 5.0",
		"frame= 20 fps= 5.0",
		"warning: something",
		"last",
	}, lines)
}

func TestScanLinesWaitsForTerminator(t *testing.T) {
	// A chunk with no terminator and more data coming must not produce a
	// token yet.
	advance, token, err := ScanLines([]byte("frame= 10 fp"), false)
	require.NoError(t, err)
	assert.Zero(t, advance)
	assert.Nil(t, token)

	// At EOF the remainder is the final token.
	advance, token, err = ScanLines([]byte("frame= 10 fps= 1.0"), true)
	require.NoError(t, err)
	assert.Equal(t, 18, advance)
	assert.Equal(t, "frame= 10 fps= 1.0", string(token))
}
