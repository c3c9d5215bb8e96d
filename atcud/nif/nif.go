// Package nif validates Portuguese tax identification numbers (NIF).
//
// A NIF has nine digits. The last one is a mod-11 check digit computed over the
// first eight with weights 9..2.
package nif

import "strings"

const length = 9

// Valid reports whether s carries a well-formed NIF. Non-digit characters are
// ignored, so "501 442 600" and "PT501442600" are accepted.
func Valid(s string) bool {
	digits := Normalize(s)
	if len(digits) != length {
		return false
	}
	if digits[0] < '1' || digits[0] > '9' {
		return false
	}
	check, ok := CheckDigit(digits[:length-1])
	if !ok {
		return false
	}
	return int(digits[length-1]-'0') == check
}

// CheckDigit computes the check digit for the first eight digits of a NIF.
// It returns false when first8 is not exactly eight ASCII digits.
func CheckDigit(first8 string) (int, bool) {
	if len(first8) != length-1 {
		return 0, false
	}
	sum := 0
	for i := 0; i < length-1; i++ {
		c := first8[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		sum += int(c-'0') * (length - i)
	}
	remainder := sum % 11
	if remainder < 2 {
		return 0, true
	}
	return 11 - remainder, true
}

// Normalize strips every non-digit character.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
