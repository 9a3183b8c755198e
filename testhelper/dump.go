package testhelper

import (
	"fmt"
	"strings"
)

// DumpByteSlice renders a byte slice as rows of hex with the row position
// at the start, xxd style.
func DumpByteSlice(b []byte, bytesPerRow int) string {
	var out strings.Builder
	for i := 0; i < len(b); i += bytesPerRow {
		end := i + bytesPerRow
		if end > len(b) {
			end = len(b)
		}
		fmt.Fprintf(&out, "%08x ", i)
		for j := i; j < end; j++ {
			fmt.Fprintf(&out, " %02x", b[j])
		}
		out.WriteString("\n")
	}
	return out.String()
}

// DumpByteSlicesWithDiffs compares two byte slices and, when they differ,
// renders both with the differing rows marked. Returns whether they
// differed and the rendering.
func DumpByteSlicesWithDiffs(actual, expected []byte, bytesPerRow int, _, _, _ bool) (bool, string) {
	diffRows := map[int]bool{}
	maxLen := len(actual)
	if len(expected) > maxLen {
		maxLen = len(expected)
	}
	for i := 0; i < maxLen; i++ {
		var a, e byte
		if i < len(actual) {
			a = actual[i]
		}
		if i < len(expected) {
			e = expected[i]
		}
		if a != e {
			diffRows[i/bytesPerRow] = true
		}
	}
	if len(diffRows) == 0 {
		return false, ""
	}

	render := func(b []byte) string {
		var out strings.Builder
		for i := 0; i < len(b); i += bytesPerRow {
			end := i + bytesPerRow
			if end > len(b) {
				end = len(b)
			}
			marker := "  "
			if diffRows[i/bytesPerRow] {
				marker = "* "
			}
			fmt.Fprintf(&out, "%s%08x ", marker, i)
			for j := i; j < end; j++ {
				fmt.Fprintf(&out, " %02x", b[j])
			}
			out.WriteString("\n")
		}
		return out.String()
	}

	var out strings.Builder
	out.WriteString("actual:\n")
	out.WriteString(render(actual))
	out.WriteString("expected:\n")
	out.WriteString(render(expected))
	return true, out.String()
}
