package util

import (
	"regexp"
	"strings"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-^=]{0,14}$`)

// NormalizeSymbol upper-cases and trims a ticker. ok is false if the result is not a plausible ticker.
func NormalizeSymbol(s string) (string, bool) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolPattern.MatchString(sym) {
		return "", false
	}
	return sym, true
}

// SplitSymbols parses a comma separated list, dropping invalid entries and duplicates
// while keeping first-seen order.
func SplitSymbols(s string) []string {
	return UniqueSymbols(strings.Split(s, ","))
}

// UniqueSymbols normalizes and de-duplicates symbols, keeping first-seen order.
func UniqueSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		sym, ok := NormalizeSymbol(raw)
		if !ok || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
