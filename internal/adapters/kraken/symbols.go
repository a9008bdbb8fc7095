package kraken

import "strings"

// Kraken renames BTC to XBT and prefixes legacy result keys with X/Z. The
// engine speaks canonical BASE/QUOTE everywhere; translation happens only at
// this boundary.

var toVenueCurrency = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

var fromVenueCurrency = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// venuePair converts "BTC/USD" to the pair name sent on the wire ("XBT/USD").
func venuePair(symbol string) string {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return symbol
	}
	return venueCurrency(base) + "/" + venueCurrency(quote)
}

// restPair converts "BTC/USD" to the compact REST pair name ("XBTUSD").
func restPair(symbol string) string {
	return strings.ReplaceAll(venuePair(symbol), "/", "")
}

func venueCurrency(currency string) string {
	upper := strings.ToUpper(currency)
	if renamed, ok := toVenueCurrency[upper]; ok {
		return renamed
	}
	return upper
}

// canonicalCurrency undoes the venue rename plus the legacy X/Z prefix that
// Kraken REST responses carry ("XXBT" -> "BTC", "ZUSD" -> "USD").
func canonicalCurrency(currency string) string {
	upper := strings.ToUpper(strings.TrimSpace(currency))
	if len(upper) == 4 && (upper[0] == 'X' || upper[0] == 'Z') {
		trimmed := upper[1:]
		if restored, ok := fromVenueCurrency[trimmed]; ok {
			return restored
		}
		return trimmed
	}
	if restored, ok := fromVenueCurrency[upper]; ok {
		return restored
	}
	return upper
}

// canonicalRESTPair converts a REST result pair name back to canonical form.
// Legacy keys carry X/Z class prefixes ("XXBTZUSD"); newer ones do not.
func canonicalRESTPair(pair string) string {
	upper := strings.ToUpper(strings.TrimSpace(pair))
	if strings.Contains(upper, "/") {
		return canonicalPair(upper)
	}
	if len(upper) == 8 && (upper[0] == 'X' || upper[0] == 'Z') && (upper[4] == 'X' || upper[4] == 'Z') {
		return canonicalCurrency(upper[:4]) + "/" + canonicalCurrency(upper[4:])
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "GBP", "JPY"} {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return canonicalCurrency(upper[:len(upper)-len(quote)]) + "/" + quote
		}
	}
	return upper
}

// canonicalPair converts a wire pair name ("XBT/USD") back to canonical form.
func canonicalPair(pair string) string {
	base, quote, ok := strings.Cut(pair, "/")
	if !ok {
		return pair
	}
	return canonicalCurrency(base) + "/" + canonicalCurrency(quote)
}
