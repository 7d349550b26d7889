// Package util holds small shared helpers for optional values.
package util

import "strconv"

// MinOr returns the smaller of two optional values, either one when the
// other is absent, and fallback when both are.
func MinOr(a, b *uint8, fallback uint8) uint8 {
	if a == nil && b == nil {
		return fallback
	}
	if a == nil {
		return *b
	}
	if b == nil {
		return *a
	}
	return min(*a, *b)
}

// FormatLevel renders an optional percentage for terminal output.
func FormatLevel(v *uint8) string {
	if v == nil {
		return "--"
	}
	return strconv.Itoa(int(*v)) + "%"
}
