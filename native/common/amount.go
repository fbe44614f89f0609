package common

import (
	"math/big"
	"strings"

	coreerr "duxnet/core/errors"
)

var bpsDenominator = big.NewInt(10_000)

// ParseAmount converts a decimal string such as "10.05" into integer base
// units at the currency's precision. Fractional digits beyond the precision
// are rejected rather than silently truncated.
func ParseAmount(value, currency string) (*big.Int, error) {
	decimals, err := CurrencyDecimals(currency)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "amount required")
	}
	negative := false
	switch trimmed[0] {
	case '+':
		trimmed = trimmed[1:]
	case '-':
		negative = true
		trimmed = trimmed[1:]
	}
	whole, frac := trimmed, ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole, frac = trimmed[:idx], trimmed[idx+1:]
	}
	if whole == "" && frac == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "malformed amount: %q", value)
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, coreerr.E(coreerr.CodeValidation, "malformed amount: %q", value)
	}
	if len(frac) > int(decimals) {
		return nil, coreerr.E(coreerr.CodeValidation, "amount %q exceeds %s precision of %d", value, currency, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, coreerr.E(coreerr.CodeValidation, "malformed amount: %q", value)
	}
	if negative {
		units.Neg(units)
	}
	return units, nil
}

// FormatAmount renders base units back into a decimal string, trimming
// trailing fractional zeros.
func FormatAmount(units *big.Int, currency string) (string, error) {
	return FormatAmountScale(units, currency, 0)
}

// FormatAmountScale renders base units with at least minFrac fractional
// digits, so "10.00" and its settlement split render as "9.50" and "0.50"
// instead of collapsing to "9.5". minFrac is capped at the currency's
// precision.
func FormatAmountScale(units *big.Int, currency string, minFrac int) (string, error) {
	decimals, err := CurrencyDecimals(currency)
	if err != nil {
		return "", err
	}
	if minFrac > int(decimals) {
		minFrac = int(decimals)
	}
	if units == nil {
		units = big.NewInt(0)
	}
	abs := new(big.Int).Abs(units)
	digits := abs.String()
	if int(decimals) >= len(digits) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	split := len(digits) - int(decimals)
	whole, frac := digits[:split], digits[split:]
	frac = strings.TrimRight(frac, "0")
	if len(frac) < minFrac {
		frac += strings.Repeat("0", minFrac-len(frac))
	}
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if units.Sign() < 0 {
		out = "-" + out
	}
	return out, nil
}

// AmountScale reports how many fractional digits a decimal amount string
// carries, e.g. 2 for "10.50" and 0 for "10". Anything ParseAmount would
// reject reports zero.
func AmountScale(value string) int {
	trimmed := strings.TrimSpace(value)
	idx := strings.IndexByte(trimmed, '.')
	if idx < 0 {
		return 0
	}
	frac := trimmed[idx+1:]
	if !digitsOnly(frac) {
		return 0
	}
	return len(frac)
}

// SplitShare divides amount into a payout and a share portion, where the
// share is round-half-up(amount * shareBps / 10000) in base units and the
// payout is the exact remainder. The two always sum to amount.
func SplitShare(amount *big.Int, shareBps uint32) (payout, share *big.Int) {
	if amount == nil {
		return big.NewInt(0), big.NewInt(0)
	}
	numerator := new(big.Int).Mul(amount, big.NewInt(int64(shareBps)))
	share, remainder := new(big.Int).QuoRem(numerator, bpsDenominator, new(big.Int))
	// Half-up: round away from zero when remainder*2 >= denominator.
	if new(big.Int).Lsh(remainder, 1).Cmp(bpsDenominator) >= 0 {
		share.Add(share, big.NewInt(1))
	}
	payout = new(big.Int).Sub(amount, share)
	return payout, share
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
