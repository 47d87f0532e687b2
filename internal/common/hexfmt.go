package common

import (
	"fmt"
	"strings"
)

// HexDump renders data as space-separated uppercase hex pairs ("01 A3 FF").
func HexDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(data) * 3)
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// CompactHex renders data as contiguous uppercase hex with no separators.
func CompactHex(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) * 2)
	for _, c := range data {
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// ASCIIRepr renders data as printable ASCII, substituting '.' for bytes
// outside the printable range.
func ASCIIRepr(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		if c >= 0x20 && c <= 0x7E {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

// EscapedASCII renders data as ASCII with non-printable bytes escaped as
// \xNN sequences.
func EscapedASCII(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		if c >= 0x20 && c <= 0x7E {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "\\x%02x", c)
		}
	}
	return b.String()
}
