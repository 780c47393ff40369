// Package util provides small shared helpers for symbol handling and
// float comparisons.
package util

import (
	"strings"
)

// quoteSuffixes are exchange-specific decorations stripped during
// normalization, longest first so "USDT" wins over "USD".
var quoteSuffixes = []string{"-PERP", "_PERP", "PERP", "USDT", "USDC", "-USD", "/USD", "USD"}

// NormalizeSymbol reduces an exchange ticker to its bare asset form:
// uppercase letters only, with perp/quote suffixes removed. Every map key,
// cooldown key, and cross-venue comparison in the keeper uses this form.
// Normalization is idempotent.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	for changed := true; changed; {
		changed = false
		for _, suffix := range quoteSuffixes {
			if len(s) > len(suffix) && strings.HasSuffix(s, suffix) {
				s = s[:len(s)-len(suffix)]
				changed = true
			}
		}
	}

	// Drop anything that is not a letter; venue tickers embed separators
	// like "k" prefixes and dashes that never belong to the asset name.
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameSymbol reports whether two tickers refer to the same underlying
// asset after normalization. This is the only admissible cross-venue
// symbol comparison.
func SameSymbol(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}
