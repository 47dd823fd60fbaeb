package transform

import (
	"unicode"
	"unicode/utf8"
)

// A BinaryDetector reports whether content should be treated as opaque binary
// data rather than text.
type BinaryDetector interface {
	IsBinary(content []byte) bool
}

// DefaultBinaryThreshold is the fraction of non-printable runes above which a
// PrintableDetector classifies content as binary.
const DefaultBinaryThreshold = 0.3

// PrintableDetector classifies content as binary when the fraction of
// non-printable runes exceeds Threshold. Bytes that are not valid UTF-8 count
// as non-printable; tab, newline and carriage return count as printable.
type PrintableDetector struct {
	Threshold float64
}

func (d PrintableDetector) IsBinary(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	total, unprintable := 0, 0
	for len(content) > 0 {
		r, size := utf8.DecodeRune(content)
		content = content[size:]
		total++
		if r == utf8.RuneError && size <= 1 {
			unprintable++
			continue
		}
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if !unicode.IsPrint(r) {
			unprintable++
		}
	}
	return float64(unprintable)/float64(total) > d.Threshold
}
