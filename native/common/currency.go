package common

import (
	"sort"
	"strings"

	coreerr "duxnet/core/errors"
)

// Currency describes a settlement currency supported by the escrow plane.
// Decimals is the precision used when converting decimal strings to base
// units; all arithmetic happens on integer base units.
type Currency struct {
	Symbol   string
	Decimals uint8
}

// currencyTable is the closed set of currencies the marketplace settles in.
var currencyTable = map[string]Currency{
	"FLOP": {Symbol: "FLOP", Decimals: 8},
	"BTC":  {Symbol: "BTC", Decimals: 8},
	"ETH":  {Symbol: "ETH", Decimals: 18},
	"USDT": {Symbol: "USDT", Decimals: 6},
	"BNB":  {Symbol: "BNB", Decimals: 18},
	"XRP":  {Symbol: "XRP", Decimals: 6},
	"SOL":  {Symbol: "SOL", Decimals: 9},
	"ADA":  {Symbol: "ADA", Decimals: 6},
	"DOGE": {Symbol: "DOGE", Decimals: 8},
	"TON":  {Symbol: "TON", Decimals: 9},
	"TRX":  {Symbol: "TRX", Decimals: 6},
}

// NormalizeCurrency canonicalises the symbol casing and rejects symbols
// outside the supported set.
func NormalizeCurrency(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := currencyTable[trimmed]; !ok {
		return "", coreerr.E(coreerr.CodeValidation, "unsupported currency: %s", symbol)
	}
	return trimmed, nil
}

// CurrencyDecimals returns the base-unit precision for the symbol.
func CurrencyDecimals(symbol string) (uint8, error) {
	normalized, err := NormalizeCurrency(symbol)
	if err != nil {
		return 0, err
	}
	return currencyTable[normalized].Decimals, nil
}

// SupportedCurrencies returns the sorted list of supported symbols.
func SupportedCurrencies() []string {
	symbols := make([]string, 0, len(currencyTable))
	for symbol := range currencyTable {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupportedCurrency reports whether the symbol belongs to the closed set.
func IsSupportedCurrency(symbol string) bool {
	_, err := NormalizeCurrency(symbol)
	return err == nil
}
