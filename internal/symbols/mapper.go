package symbols

import "strings"

// Normalize upper-cases and trims the configured symbols, dropping blanks and
// duplicates while keeping the first-seen order.
func Normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, sym := range in {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// StreamName returns the Binance diff-depth stream for a symbol.
func StreamName(sym string) string {
	return strings.ToLower(sym) + "@depth"
}

// Streams maps every symbol to its depth stream name.
func Streams(syms []string) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = StreamName(s)
	}
	return out
}
