package mention

import "unicode/utf16"

// RuneOffset converts a UTF-16 code unit offset, as browsers report carets,
// into a rune index. An offset inside a surrogate pair rounds up to the
// following rune.
func RuneOffset(text string, units int) int {
	n, seen := 0, 0
	for _, r := range text {
		if seen >= units {
			return n
		}
		seen += utf16.RuneLen(r)
		n++
	}
	return n
}

// UTF16Offset converts a rune index into a UTF-16 code unit offset.
func UTF16Offset(text string, runes int) int {
	units, n := 0, 0
	for _, r := range text {
		if n >= runes {
			break
		}
		units += utf16.RuneLen(r)
		n++
	}
	return units
}
