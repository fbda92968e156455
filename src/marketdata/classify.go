package marketdata

import "strings"

type AssetClass string

const (
	ClassCrypto    AssetClass = "crypto"
	ClassForex     AssetClass = "forex"
	ClassCommodity AssetClass = "commodity"
)

var fiatCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true, "CAD": true,
	"AUD": true, "NZD": true, "CNY": true, "HKD": true, "SGD": true, "INR": true,
	"BRL": true, "TRY": true, "SEK": true, "NOK": true, "MXN": true, "ZAR": true,
}

var metalAliases = map[string]string{
	"XAU": "XAU", "GOLD": "XAU",
	"XAG": "XAG", "SILVER": "XAG",
	"XPT": "XPT", "PLATINUM": "XPT",
	"XPD": "XPD", "PALLADIUM": "XPD",
}

var quoteSuffixes = []string{"USDT", "USDC", "USD"}

// Classify decides which adapter prices symbol.
func Classify(symbol string) AssetClass {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := metalAliases[BaseAsset(s)]; ok {
		return ClassCommodity
	}
	if _, _, ok := SplitPair(s); ok {
		return ClassForex
	}
	return ClassCrypto
}

// BaseAsset strips a quote currency: "BTC/USDT", "BTCUSDT", "BTC-USD" and "BTC" all give "BTC".
func BaseAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i]
		}
	}
	for _, suffix := range quoteSuffixes {
		if len(s) > len(suffix) && strings.HasSuffix(s, suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}

// MetalSymbol maps "GOLD", "XAU/USD" and friends to the ISO metal code.
func MetalSymbol(symbol string) (string, bool) {
	code, ok := metalAliases[BaseAsset(symbol)]
	return code, ok
}

// SplitPair parses a fiat pair written "EUR/USD" or "EURUSD".
func SplitPair(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	if len(s) != 6 {
		return "", "", false
	}
	base, quote = s[:3], s[3:]
	if !fiatCurrencies[base] || !fiatCurrencies[quote] || base == quote {
		return "", "", false
	}
	return base, quote, true
}

// CanonicalSymbol is the key the symbol is quoted under by its adapter.
func CanonicalSymbol(symbol string) string {
	switch Classify(symbol) {
	case ClassCommodity:
		code, _ := MetalSymbol(symbol)
		return code
	case ClassForex:
		base, quote, _ := SplitPair(symbol)
		return base + "/" + quote
	default:
		return BaseAsset(symbol)
	}
}
