// Package backend provides blockchain API clients for Bitcoin-family chains:
// address outputs with spend status, transactions, broadcast and fee rates.
// This package never sees private keys.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// Output is an output paying to a watched address, with its spend status.
type Output struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         uint64 `json:"value"`
	PkScript      []byte `json:"-"`
	Address       string `json:"address"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`

	Spent          bool   `json:"spent"`
	SpentTxID      string `json:"spent_txid,omitempty"`
	SpentVin       uint32 `json:"spent_vin,omitempty"`
	SpentConfirmed bool   `json:"spent_confirmed,omitempty"`
}

// IsConfirmed returns true once the output is in a block.
func (o *Output) IsConfirmed() bool {
	return o.Confirmations > 0
}

// Transaction represents a transaction.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID      string    `json:"txid"`
	Vout      uint32    `json:"vout"`
	ScriptSig string    `json:"scriptsig,omitempty"`
	Witness   []string  `json:"witness,omitempty"`
	Sequence  uint32    `json:"sequence"`
	PrevOut   *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Backend is the blockchain API consumed by the swap coordinators.
type Backend interface {
	// Type returns the backend type (mempool, esplora)
	Type() Type

	// Connect checks that the API answers.
	Connect(ctx context.Context) error

	// GetOutputs returns every output ever paid to address, spent or not.
	GetOutputs(ctx context.Context, address string) ([]Output, error)

	// GetBalance returns the confirmed plus unconfirmed balance.
	GetBalance(ctx context.Context, address string) (uint64, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// Broadcast submits a raw transaction and returns its id.
	Broadcast(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)

	// GetFeeRate returns a fee rate in smallest units per virtual byte that
	// should confirm within a few blocks.
	GetFeeRate(ctx context.Context) (float64, error)
}

// UnspentOutputs filters outputs down to those not yet spent.
func UnspentOutputs(outputs []Output) []Output {
	unspent := make([]Output, 0, len(outputs))
	for _, o := range outputs {
		if !o.Spent {
			unspent = append(unspent, o)
		}
	}
	return unspent
}

// Config contains backend configuration.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// Optional settings
	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// URL returns the endpoint for network.
func (c *Config) URL(network chain.Network) string {
	if network == chain.Mainnet {
		return c.MainnetURL
	}
	return c.TestnetURL
}

// DefaultConfigs returns default backend configurations for the supported
// Bitcoin-family chains.
func DefaultConfigs() map[string]*Config {
	return map[string]*Config{
		"BTC": {
			Type:       TypeMempool,
			MainnetURL: "https://mempool.space/api",
			TestnetURL: "https://mempool.space/testnet4/api",
		},
		"LTC": {
			Type:       TypeMempool,
			MainnetURL: "https://litecoinspace.org/api",
			TestnetURL: "https://litecoinspace.org/testnet/api",
		},
	}
}

// New creates the backend described by cfg for network.
func New(cfg *Config, network chain.Network) (Backend, error) {
	url := cfg.URL(network)
	if url == "" {
		return nil, fmt.Errorf("%w: no %s url", ErrUnsupportedBackend, network)
	}

	var timeout time.Duration
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	switch cfg.Type {
	case TypeMempool, "":
		return NewMempoolBackend(url, timeout), nil
	case TypeEsplora:
		return NewEsploraBackend(url, timeout), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// Registry holds backend instances by chain symbol.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// NewRegistryFromConfigs creates a registry with one backend per configured
// symbol.
func NewRegistryFromConfigs(configs map[string]*Config, network chain.Network) (*Registry, error) {
	r := NewRegistry()
	for symbol, cfg := range configs {
		b, err := New(cfg, network)
		if err != nil {
			return nil, fmt.Errorf("%s backend: %w", symbol, err)
		}
		r.Register(symbol, b)
	}
	return r, nil
}

// Register adds a backend to the registry.
func (r *Registry) Register(symbol string, backend Backend) {
	r.backends[symbol] = backend
}

// Get returns a backend by symbol.
func (r *Registry) Get(symbol string) (Backend, bool) {
	b, ok := r.backends[symbol]
	return b, ok
}

// List returns all registered symbols, sorted.
func (r *Registry) List() []string {
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// ConnectAll connects all registered backends.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for symbol, b := range r.backends {
		if err := b.Connect(ctx); err != nil {
			return fmt.Errorf("%s: %w", symbol, err)
		}
	}
	return nil
}
