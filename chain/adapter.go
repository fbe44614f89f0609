package chain

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	coreerr "duxnet/core/errors"
	"duxnet/native/common"
)

// Tx is a single historical transfer reported by an adapter.
type Tx struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Amount    *big.Int  `json:"amount"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`
}

// Adapter is the uniform per-currency capability set. Amounts are integer
// base units at the currency's precision. Adapters broadcast and query; they
// never touch escrow state.
type Adapter interface {
	Currency() string
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	NewAddress(ctx context.Context) (string, error)
	Send(ctx context.Context, to string, amount *big.Int) (txHash string, err error)
	History(ctx context.Context, limit int) ([]Tx, error)
}

// Registry maps currency symbols to their configured adapters. The supported
// currency set for chain operations is exactly the set of registered
// adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter under its currency symbol. The symbol must be
// in the supported currency set.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return coreerr.E(coreerr.CodeValidation, "nil adapter")
	}
	currency, err := common.NormalizeCurrency(adapter.Currency())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[currency]; exists {
		return coreerr.E(coreerr.CodeConflict, "adapter for %s already registered", currency)
	}
	r.adapters[currency] = adapter
	return nil
}

// Lookup returns the adapter for a currency.
func (r *Registry) Lookup(currency string) (Adapter, error) {
	normalized, err := common.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalized]
	if !ok {
		return nil, coreerr.E(coreerr.CodeNotFound, "no chain adapter for %s", normalized)
	}
	return adapter, nil
}

// Supported returns the registered currency symbols, sorted.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	currencies := make([]string, 0, len(r.adapters))
	for currency := range r.adapters {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)
	return currencies
}

func normalizeAddress(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "", coreerr.E(coreerr.CodeValidation, "address required")
	}
	return trimmed, nil
}

func validateSendAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return coreerr.E(coreerr.CodeValidation, "send amount must be positive")
	}
	return nil
}
