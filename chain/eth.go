package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	coreerr "duxnet/core/errors"
)

// ethClient is the subset of the Ethereum RPC the adapter relies on.
type ethClient interface {
	BalanceAt(ctx context.Context, account ethcommon.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// EthAdapter drives ETH transfers through a JSON-RPC node. It holds one
// signing key; NewAddress derives fresh keys locally and returns their
// address without persisting the private half, so generated addresses are
// receive-only.
type EthAdapter struct {
	client ethClient
	key    *ecdsa.PrivateKey
	from   ethcommon.Address
}

// DialEth connects an ETH adapter to the given RPC endpoint using a
// hex-encoded secp256k1 private key for outbound transfers.
func DialEth(endpoint, privateKeyHex string) (*EthAdapter, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "eth endpoint required")
	}
	client, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeNetwork, err, "dial eth endpoint")
	}
	return NewEthAdapter(client, privateKeyHex)
}

// NewEthAdapter wraps an existing client. Intended for tests with a fake
// client.
func NewEthAdapter(client ethClient, privateKeyHex string) (*EthAdapter, error) {
	adapter := &EthAdapter{client: client}
	if trimmed := strings.TrimSpace(privateKeyHex); trimmed != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(trimmed, "0x"))
		if err != nil {
			return nil, coreerr.E(coreerr.CodeValidation, "malformed eth private key")
		}
		adapter.key = key
		adapter.from = ethcrypto.PubkeyToAddress(key.PublicKey)
	}
	return adapter, nil
}

func (a *EthAdapter) Currency() string { return "ETH" }

func (a *EthAdapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if !ethcommon.IsHexAddress(normalized) {
		return nil, coreerr.E(coreerr.CodeValidation, "malformed eth address: %s", address)
	}
	balance, err := a.client.BalanceAt(ctx, ethcommon.HexToAddress(normalized), nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeNetwork, err, "eth balance query")
	}
	return balance, nil
}

func (a *EthAdapter) NewAddress(ctx context.Context) (string, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", coreerr.Wrap(coreerr.CodeValidation, err, "generate eth key")
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func (a *EthAdapter) Send(ctx context.Context, to string, amount *big.Int) (string, error) {
	if a.key == nil {
		return "", coreerr.E(coreerr.CodeUnauthenticated, "eth adapter has no signing key")
	}
	if err := validateSendAmount(amount); err != nil {
		return "", err
	}
	normalized, err := normalizeAddress(to)
	if err != nil {
		return "", err
	}
	if !ethcommon.IsHexAddress(normalized) {
		return "", coreerr.E(coreerr.CodeValidation, "malformed eth address: %s", to)
	}
	recipient := ethcommon.HexToAddress(normalized)

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CodeNetwork, err, "eth nonce query")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CodeNetwork, err, "eth gas price query")
	}
	chainID, err := a.client.ChainID(ctx)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CodeNetwork, err, "eth chain id query")
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    new(big.Int).Set(amount),
		Gas:      21_000,
		GasPrice: gasPrice,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CodeValidation, err, "sign eth transaction")
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", coreerr.Wrap(coreerr.CodeNetwork, err, "broadcast eth transaction")
	}
	return signed.Hash().Hex(), nil
}

// History is empty over plain JSON-RPC: account-level history needs an
// indexer, which is outside this adapter.
func (a *EthAdapter) History(ctx context.Context, limit int) ([]Tx, error) {
	return nil, nil
}

// ValidEthPrivateKey reports whether the hex string decodes to a usable
// secp256k1 key. Used by config validation before dialing.
func ValidEthPrivateKey(privateKeyHex string) bool {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if raw, err := hex.DecodeString(trimmed); err != nil || len(raw) != 32 {
		return false
	}
	_, err := ethcrypto.HexToECDSA(trimmed)
	return err == nil
}
