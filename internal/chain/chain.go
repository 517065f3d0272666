// Package chain defines chain parameters and derivation paths for the currencies
// that can settle a swap. All chain-specific values are hardcoded here.
package chain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin" // UTXO chains settled with HTLC scripts
	ChainTypeTezos   ChainType = "tezos"   // account chain with an operation counter
	ChainTypeEVM     ChainType = "evm"     // account chain with a nonce
)

// IsAccountBased returns true for chains with an explicit sequence counter.
func (t ChainType) IsAccountBased() bool {
	return t == ChainTypeTezos || t == ChainTypeEVM
}

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH  AddressType = "p2pkh"  // Legacy (1...)
	AddressP2SH   AddressType = "p2sh"   // Script hash (3...)
	AddressP2WPKH AddressType = "p2wpkh" // Native SegWit (bc1q...)
	AddressP2WSH  AddressType = "p2wsh"  // SegWit script (bc1q..., 32 byte program)
	AddressP2TR   AddressType = "p2tr"   // Taproot (bc1p...)

	AddressTezos AddressType = "tezos" // tz1/tz2/tz3/KT1
	AddressEVM   AddressType = "evm"   // 0x...
)

// IsSegwit returns true for witness program addresses.
func (a AddressType) IsSegwit() bool {
	return a == AddressP2WPKH || a == AddressP2WSH || a == AddressP2TR
}

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string
	Name     string
	Type     ChainType
	Decimals uint8

	// UnitDecimals is the precision of amounts carried in a swap. It equals
	// Decimals except on EVM chains where swaps are denominated in gwei.
	UnitDecimals uint8

	// BIP44 derivation
	CoinType       uint32
	DefaultPurpose uint32

	// Network params (Bitcoin-like)
	NetMagic         uint32
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte
	HDPrivateKeyID   [4]byte
	HDPublicKeyID    [4]byte

	// EVM chain ID
	ChainID uint64

	// Tezos chain name used in RPC paths
	TezosChain string

	SupportsSegWit     bool
	DefaultAddressType AddressType

	// DustThreshold is the smallest output worth creating, in swap units.
	DustThreshold uint64
}

// DerivationPath returns the path string for this chain:
// m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) string {
	if p.Type == ChainTypeTezos {
		// Tezos wallets derive every level hardened.
		return fmt.Sprintf("m/%d'/%d'/%d'/%d'/%d'", p.DefaultPurpose, p.CoinType, account, change, index)
	}
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.DefaultPurpose, p.CoinType, account, change, index)
}

// NetParams returns the btcd network parameters used to encode and decode
// addresses of a Bitcoin-family chain. Returns nil for account chains.
func (p *Params) NetParams() *chaincfg.Params {
	if p.Type != ChainTypeBitcoin {
		return nil
	}

	switch {
	case p.Symbol == "BTC" && p.Bech32HRP == "bc":
		return &chaincfg.MainNetParams
	case p.Symbol == "BTC" && p.Bech32HRP == "bcrt":
		return &chaincfg.RegressionNetParams
	case p.Symbol == "BTC":
		return &chaincfg.TestNet3Params
	}

	forkParamsMu.Lock()
	defer forkParamsMu.Unlock()

	key := p.Symbol + "/" + p.Bech32HRP
	if net, ok := forkParams[key]; ok {
		return net
	}

	// Forks reuse Bitcoin mainnet rules with their own prefixes. Registering
	// them makes btcutil recognise their bech32 prefix.
	net := chaincfg.MainNetParams
	net.Name = p.Name
	net.Net = wire.BitcoinNet(p.NetMagic)
	net.Bech32HRPSegwit = p.Bech32HRP
	net.PubKeyHashAddrID = p.PubKeyHashAddrID
	net.ScriptHashAddrID = p.ScriptHashAddrID
	net.PrivateKeyID = p.WIF
	net.HDPrivateKeyID = p.HDPrivateKeyID
	net.HDPublicKeyID = p.HDPublicKeyID
	net.HDCoinType = p.CoinType
	_ = chaincfg.Register(&net)

	forkParams[key] = &net
	return &net
}

var (
	forkParamsMu sync.Mutex
	forkParams   = make(map[string]*chaincfg.Params)
)

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	if params.UnitDecimals == 0 {
		params.UnitDecimals = params.Decimals
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// MustGet is Get for symbols known at compile time.
func MustGet(symbol string, network Network) *Params {
	params, ok := Get(symbol, network)
	if !ok {
		panic(fmt.Sprintf("chain %s/%s not registered", symbol, network))
	}
	return params
}

// List returns all registered chain symbols, sorted.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}
