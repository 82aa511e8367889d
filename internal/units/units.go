// Package units converts between smallest-unit integer amounts and the
// decimal strings shown to people.
//
// Amounts are stored as uint64 counts of the smallest unit with 6 decimal
// places (1 token = 1,000,000 units). Conversion happens only at the edges.
package units

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

const (
	Decimals = 6
	scale    = 1_000_000
)

var (
	ErrInvalid  = errors.New("invalid decimal amount")
	ErrPrecise  = errors.New("amount has more than 6 decimal places")
	ErrTooLarge = errors.New("amount exceeds maximum")
)

// Parse converts a decimal string (e.g. "1.50") to smallest units (1500000).
//
// Rules:
//   - Signs, exponents and empty strings are rejected
//   - At most one decimal point, with digits on at least one side
//   - More than 6 fractional digits is an error, never silently truncated
//   - The result must fit in an int64
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, ErrInvalid
	}
	if hasDot && strings.Contains(frac, ".") {
		return 0, ErrInvalid
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, ErrInvalid
	}
	if len(strings.TrimRight(frac, "0")) > Decimals {
		return 0, ErrPrecise
	}
	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	var w uint64
	if whole != "" {
		var err error
		w, err = strconv.ParseUint(whole, 10, 64)
		if err != nil {
			return 0, ErrTooLarge
		}
	}
	f, _ := strconv.ParseUint(frac, 10, 64)

	if w > (math.MaxInt64-f)/scale {
		return 0, ErrTooLarge
	}
	return w*scale + f, nil
}

// Format renders smallest units with exactly 6 decimal places ("1.500000").
func Format(amount uint64) string {
	whole := strconv.FormatUint(amount/scale, 10)
	frac := strconv.FormatUint(amount%scale, 10)
	return whole + "." + strings.Repeat("0", Decimals-len(frac)) + frac
}

// FormatShort is Format with trailing fractional zeros removed ("1.5", "3").
func FormatShort(amount uint64) string {
	s := strings.TrimRight(Format(amount), "0")
	return strings.TrimSuffix(s, ".")
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
