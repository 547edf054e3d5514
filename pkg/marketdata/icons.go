package marketdata

import "strings"

// PlaceholderIcon is returned for assets without a known icon.
const PlaceholderIcon = "/static/icons/placeholder.svg"

var knownIcons = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "ARB": true, "AVAX": true,
	"BNB": true, "DOGE": true, "LINK": true, "OP": true, "XRP": true,
	"SUI": true, "HYPE": true, "USDC": true, "USDT": true,
}

// Icons maps symbols to icon URIs. Built once, read-only afterwards, so
// lookups are pure and never touch the network.
type Icons struct {
	overrides map[string]string
}

// NewIcons takes per-asset overrides keyed by base asset or market symbol.
func NewIcons(overrides map[string]string) *Icons {
	o := make(map[string]string, len(overrides))
	for k, v := range overrides {
		if v != "" {
			o[strings.ToUpper(k)] = v
		}
	}
	return &Icons{overrides: o}
}

// For returns the icon for a market symbol ("BTC-PERP") or asset ("btc").
// It never fails.
func (i *Icons) For(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i != nil {
		if uri, ok := i.overrides[s]; ok {
			return uri
		}
	}
	base := s
	if idx := strings.IndexByte(s, '-'); idx > 0 {
		base = s[:idx]
	}
	if i != nil {
		if uri, ok := i.overrides[base]; ok {
			return uri
		}
	}
	if knownIcons[base] {
		return "/static/icons/" + strings.ToLower(base) + ".svg"
	}
	return PlaceholderIcon
}
