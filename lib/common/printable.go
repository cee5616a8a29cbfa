package common

import (
	"strconv"
	"strings"
)

// printableChars excludes whitespace on purpose
const printableChars = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789" +
	"!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

const truncMarker = "..."

// Printable renders data for a diagnostic message. Data consisting only of
// letters, digits and punctuation is kept as-is, everything else is quoted.
// With maxLen > 0 the data is cut to maxLen bytes and marked with "...".
func Printable(data []byte, maxLen int) string {
	truncated := false
	if maxLen > 0 && len(data) > maxLen {
		data = data[:maxLen]
		truncated = true
	}

	s := string(data)
	for i := 0; i < len(data); i++ {
		if strings.IndexByte(printableChars, data[i]) < 0 {
			s = strconv.Quote(s)
			break
		}
	}

	if truncated {
		s += truncMarker
	}
	return s
}

// PrintableString is Printable for strings
func PrintableString(s string, maxLen int) string {
	return Printable([]byte(s), maxLen)
}
