package domain

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatUSD renders an amount the way balances are displayed: "$" plus one
// decimal place, rounded from the exact binary value (1.45 shows as "$1.4").
func FormatUSD(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 1, 64)
}

// ParseAmount reads a monetary token such as "$1,234.50" or " 42 ".
func ParseAmount(text string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '$', ',', ' ', '\t', '\n', '\u00a0':
			return -1
		}
		return r
	}, text)
	cleaned = strings.TrimSuffix(cleaned, ".")
	if cleaned == "" {
		return 0, &ErrParse{Input: text}
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, &ErrParse{Input: text}
	}
	v, _ := d.Float64()
	return v, nil
}

// Remaining returns max(limit-used, 0) computed in decimal to avoid float drift.
func Remaining(limit, used float64) float64 {
	r := decimal.NewFromFloat(limit).Sub(decimal.NewFromFloat(used))
	if r.IsNegative() {
		return 0
	}
	v, _ := r.Float64()
	return v
}
