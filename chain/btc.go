package chain

import (
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/btcsuite/btcutil/bech32"

	coreerr "duxnet/core/errors"
)

// ValidBTCAddress checks legacy base58check (P2PKH/P2SH) and bech32 segwit
// address encodings. It validates structure only; network prefixes are not
// enforced.
func ValidBTCAddress(address string) bool {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "bc1") || strings.HasPrefix(lower, "tb1") {
		_, _, err := bech32.Decode(lower)
		return err == nil
	}
	_, _, err := base58.CheckDecode(trimmed)
	return err == nil
}

// CheckBTCAddress returns a Validation error for malformed addresses so
// callers can surface the taxonomy code directly.
func CheckBTCAddress(address string) error {
	if !ValidBTCAddress(address) {
		return coreerr.E(coreerr.CodeValidation, "malformed btc address: %s", address)
	}
	return nil
}
