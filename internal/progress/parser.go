// Package progress extracts progress samples from encoder diagnostic text
// and turns them into debounced, monotonic UI reports.
package progress

import (
	"bytes"
	"regexp"
	"strconv"
)

// Sample is one parsed progress observation from the encoder diagnostics.
type Sample struct {
	UnitsDone int
	Rate      float64
}

// The encoder reports progress as "frame= 1234 fps= 25.0 ..." on its
// diagnostic stream.
var progressRe = regexp.MustCompile(`frame=\s*(\d+)\s+fps=\s*([\d.]+)`)

// Parse maps one diagnostic line to an optional progress sample. Lines that
// do not match the progress-report shape yield ok=false; they are still
// valid log output.
func Parse(line string) (Sample, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return Sample{}, false
	}

	units, err := strconv.Atoi(m[1])
	if err != nil || units < 0 {
		return Sample{}, false
	}

	rate, err := strconv.ParseFloat(m[2], 64)
	if err != nil || rate < 0 {
		rate = 0
	}

	return Sample{UnitsDone: units, Rate: rate}, true
}

// ScanLines is a bufio.SplitFunc that treats both \n and \r as line
// terminators. Encoders rewrite their progress line in place with carriage
// returns, and diagnostic streams are not guaranteed to arrive as clean
// newline-terminated chunks.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		// Swallow the \n of a \r\n pair.
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}
