// Package numeric provides decimal helpers used across services.
package numeric

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string into a decimal value.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("parse decimal: empty input")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse converts a trusted decimal literal, panicking on malformed input.
// Reserved for compile-time constants in tests and defaults.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Round truncates d toward zero at the given fractional precision.
// Exchange APIs reject over-precise values, so rounding happens exactly once,
// immediately before transmission.
func Round(d decimal.Decimal, places int) decimal.Decimal {
	if places < 0 {
		places = 0
	}
	return d.Truncate(int32(places))
}

// ScaleFromStep derives the effective fractional precision from a decimal
// "step" string such as "0.0010".
func ScaleFromStep(step string) int {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return len(frac)
}
