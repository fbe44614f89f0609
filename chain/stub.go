package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"duxnet/native/common"
)

// StubAdapter returns deterministic placeholder values for development
// environments without live chain backends. Installation is gated by
// configuration; the daemon refuses to serve stub-only adapters outside
// development mode.
type StubAdapter struct {
	currency     string
	validateAddr func(string) error
	nowFn        func() time.Time

	mu      sync.Mutex
	counter uint64
	sent    []Tx
}

// NewStubAdapter creates a stub for the given currency. validateAddr may be
// nil; when set it is applied to Send destinations (e.g. CheckBTCAddress).
func NewStubAdapter(currency string, validateAddr func(string) error) (*StubAdapter, error) {
	normalized, err := common.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	return &StubAdapter{
		currency:     normalized,
		validateAddr: validateAddr,
		nowFn:        time.Now,
	}, nil
}

// SetNowFunc overrides the stub clock. Intended for tests.
func (s *StubAdapter) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

func (s *StubAdapter) Currency() string { return s.currency }

// GetBalance reports a fixed balance of 1000 whole units.
func (s *StubAdapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if _, err := normalizeAddress(address); err != nil {
		return nil, err
	}
	decimals, err := common.CurrencyDecimals(s.currency)
	if err != nil {
		return nil, err
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return scale.Mul(scale, big.NewInt(1000)), nil
}

// NewAddress derives a stable sequence of placeholder addresses.
func (s *StubAdapter) NewAddress(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s/address/%d", s.currency, s.counter)))
	return fmt.Sprintf("%s_stub_%s", s.currency, hex.EncodeToString(digest[:8])), nil
}

// Send records the transfer and returns a deterministic pseudo tx hash.
func (s *StubAdapter) Send(ctx context.Context, to string, amount *big.Int) (string, error) {
	normalized, err := normalizeAddress(to)
	if err != nil {
		return "", err
	}
	if err := validateSendAmount(amount); err != nil {
		return "", err
	}
	if s.validateAddr != nil {
		if err := s.validateAddr(normalized); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s/send/%d/%s/%s", s.currency, s.counter, normalized, amount)))
	hash := hex.EncodeToString(digest[:])
	s.sent = append(s.sent, Tx{
		Hash:      hash,
		To:        normalized,
		Amount:    new(big.Int).Set(amount),
		Currency:  s.currency,
		Timestamp: s.nowFn().UTC(),
	})
	return hash, nil
}

// History returns the most recent stub sends, newest first.
func (s *StubAdapter) History(ctx context.Context, limit int) ([]Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.sent) {
		limit = len(s.sent)
	}
	out := make([]Tx, 0, limit)
	for i := len(s.sent) - 1; i >= len(s.sent)-limit; i-- {
		out = append(out, s.sent[i])
	}
	return out, nil
}
