package textmodel

import "unicode/utf16"

// Len16 returns the length of s in UTF-16 code units, the offset space used by
// every anchor in the engine.
func Len16(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// ByteOffset16 converts a UTF-16 offset into a byte offset within s. It reports
// false when the offset is negative, past the end, or splits a surrogate pair.
func ByteOffset16(s string, offset int) (int, bool) {
	if offset < 0 {
		return 0, false
	}
	units := 0
	for i, r := range s {
		if units == offset {
			return i, true
		}
		units += utf16.RuneLen(r)
		if units > offset {
			return 0, false
		}
	}
	if units == offset {
		return len(s), true
	}
	return 0, false
}

// Slice16 returns s[start:end] where both bounds are UTF-16 offsets.
func Slice16(s string, start, end int) (string, bool) {
	if start > end {
		return "", false
	}
	from, ok := ByteOffset16(s, start)
	if !ok {
		return "", false
	}
	to, ok := ByteOffset16(s, end)
	if !ok {
		return "", false
	}
	return s[from:to], true
}

// ValidOffset16 reports whether offset is a legal caret position in s.
func ValidOffset16(s string, offset int) bool {
	_, ok := ByteOffset16(s, offset)
	return ok
}
