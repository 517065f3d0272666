// Package config loads the swap daemon configuration from a YAML file in
// the data directory. All chain endpoints, contract addresses, fee floors
// and swap timings are defined here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atomex-me/atomex.client.core-sub004/internal/backend"
	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
	"github.com/atomex-me/atomex.client.core-sub004/internal/chain"
	"github.com/atomex-me/atomex.client.core-sub004/internal/evm"
	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
	"github.com/atomex-me/atomex.client.core-sub004/internal/tezos"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// KeystoreFileName is the default encrypted seed file name.
const KeystoreFileName = "keystore.json"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration of the swap daemon.
type Config struct {
	Network chain.Network `yaml:"network"`

	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Events   EventsConfig   `yaml:"events"`

	Swap    SwapConfig    `yaml:"swap"`
	Batcher BatcherConfig `yaml:"batcher"`

	// Bitcoin holds the UTXO chains by symbol.
	Bitcoin map[string]*BitcoinConfig `yaml:"bitcoin,omitempty"`
	Tezos   *TezosConfig              `yaml:"tezos,omitempty"`
	// EVM holds the EVM chains by symbol.
	EVM map[string]*EVMConfig `yaml:"evm,omitempty"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// KeystoreConfig locates the encrypted wallet seed.
type KeystoreConfig struct {
	File string `yaml:"file"`
}

// EventsConfig holds the swap event feed settings.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SwapConfig holds swap timing. Lock windows are measured from the swap
// timestamp; the initiator's must outlast the acceptor's.
type SwapConfig struct {
	InitiatorLockTime time.Duration `yaml:"initiator_lock_time"`
	AcceptorLockTime  time.Duration `yaml:"acceptor_lock_time"`

	SafetyMargin         time.Duration `yaml:"safety_margin"`
	RetryCooldown        time.Duration `yaml:"retry_cooldown"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	ConfirmationTimeout  time.Duration `yaml:"confirmation_timeout"`
	BroadcastBackoff     time.Duration `yaml:"broadcast_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxBroadcastAttempts int           `yaml:"max_broadcast_attempts"`

	RetryInterval time.Duration `yaml:"retry_interval"`
	PassInterval  time.Duration `yaml:"pass_interval"`
}

// BatcherConfig tunes the account-chain operation batchers.
type BatcherConfig struct {
	QueueSize  int           `yaml:"queue_size"`
	MaxBatch   int           `yaml:"max_batch"`
	CounterTTL time.Duration `yaml:"counter_ttl"`
}

// BitcoinConfig configures one UTXO chain.
type BitcoinConfig struct {
	Backend *backend.Config `yaml:"backend"`

	// FeeRate in satoshi per vbyte is used when the backend has no estimate.
	FeeRate       float64 `yaml:"fee_rate"`
	Confirmations int64   `yaml:"confirmations"`
}

// TezosConfig configures the Tezos node, indexer and HTLC contract.
type TezosConfig struct {
	RPC     string        `yaml:"rpc"`
	TzKT    string        `yaml:"tzkt"`
	Timeout time.Duration `yaml:"timeout"`

	Contract      string `yaml:"contract"`
	BigMapPath    string `yaml:"big_map_path"`
	Confirmations int64  `yaml:"confirmations"`

	InitiateFee     uint64 `yaml:"initiate_fee"`
	InitiateGas     uint64 `yaml:"initiate_gas"`
	InitiateStorage uint64 `yaml:"initiate_storage"`
	RedeemFee       uint64 `yaml:"redeem_fee"`
	RedeemGas       uint64 `yaml:"redeem_gas"`
	RefundFee       uint64 `yaml:"refund_fee"`
	RefundGas       uint64 `yaml:"refund_gas"`
}

// EVMConfig configures one EVM chain and its HTLC contract. GasPrice is a
// floor in gwei.
type EVMConfig struct {
	RPC string `yaml:"rpc"`

	Contract      string `yaml:"contract"`
	StartBlock    uint64 `yaml:"start_block"`
	Confirmations uint64 `yaml:"confirmations"`

	GasPrice    uint64 `yaml:"gas_price"`
	InitiateGas uint64 `yaml:"initiate_gas"`
	RedeemGas   uint64 `yaml:"redeem_gas"`
	RefundGas   uint64 `yaml:"refund_gas"`
}

// DefaultSwapConfig returns the default swap timing.
func DefaultSwapConfig() SwapConfig {
	d := swap.DefaultDriverConfig()
	m := swap.DefaultManagerConfig()
	return SwapConfig{
		InitiatorLockTime:    10 * time.Hour,
		AcceptorLockTime:     5 * time.Hour,
		SafetyMargin:         d.SafetyMargin,
		RetryCooldown:        d.RetryCooldown,
		PollInterval:         d.PollInterval,
		ConfirmationTimeout:  d.ConfirmationTimeout,
		BroadcastBackoff:     d.BroadcastBackoff,
		MaxBackoff:           d.MaxBackoff,
		MaxBroadcastAttempts: d.MaxBroadcastAttempts,
		RetryInterval:        m.RetryInterval,
		PassInterval:         m.PassInterval,
	}
}

// DefaultConfig returns a Config for mainnet with public endpoints. HTLC
// contract addresses are left empty and must be set per deployment.
func DefaultConfig() *Config {
	t := tezos.DefaultContractConfig("")
	e := evm.DefaultContractConfig("")
	backends := backend.DefaultConfigs()

	return &Config{
		Network: chain.Mainnet,
		Storage: StorageConfig{
			DataDir: "~/.atomex",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Keystore: KeystoreConfig{
			File: KeystoreFileName,
		},
		Events: EventsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8765",
		},
		Swap: DefaultSwapConfig(),
		Batcher: BatcherConfig{
			QueueSize:  64,
			MaxBatch:   10,
			CounterTTL: 2 * time.Minute,
		},
		Bitcoin: map[string]*BitcoinConfig{
			"BTC": {Backend: backends["BTC"], FeeRate: 5, Confirmations: 1},
			"LTC": {Backend: backends["LTC"], FeeRate: 2, Confirmations: 2},
		},
		Tezos: &TezosConfig{
			RPC:             "https://rpc.tzkt.io/mainnet",
			TzKT:            "https://api.tzkt.io",
			Timeout:         30 * time.Second,
			BigMapPath:      t.BigMapPath,
			Confirmations:   t.Confirmations,
			InitiateFee:     t.InitiateFee,
			InitiateGas:     t.InitiateGas,
			InitiateStorage: t.InitiateStorage,
			RedeemFee:       t.RedeemFee,
			RedeemGas:       t.RedeemGas,
			RefundFee:       t.RefundFee,
			RefundGas:       t.RefundGas,
		},
		EVM: map[string]*EVMConfig{
			"ETH": {
				RPC:           "https://eth.llamarpc.com",
				Confirmations: e.Confirmations,
				GasPrice:      e.GasPrice,
				InitiateGas:   e.InitiateGas,
				RedeemGas:     e.RedeemGas,
				RefundGas:     e.RefundGas,
			},
		},
	}
}

// DefaultTestnetConfig returns DefaultConfig switched to testnet endpoints.
func DefaultTestnetConfig() *Config {
	cfg := DefaultConfig()
	cfg.Network = chain.Testnet
	cfg.Storage.DataDir = "~/.atomex-testnet"
	cfg.Tezos.RPC = "https://rpc.tzkt.io/ghostnet"
	cfg.Tezos.TzKT = "https://api.ghostnet.tzkt.io"
	cfg.EVM["ETH"].RPC = "https://rpc.sepolia.org"
	for _, b := range cfg.Bitcoin {
		b.FeeRate = 1
		b.Confirmations = 1
	}
	return cfg
}

// Load loads configuration from the data directory. If the file doesn't
// exist, it creates one with default values.
func Load(dataDir string, network chain.Network) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if network == chain.Testnet {
			cfg = DefaultTestnetConfig()
		}
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return LoadFile(configPath)
}

// LoadFile reads a config file over the defaults and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Atomex swap daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks values the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Network != chain.Mainnet && c.Network != chain.Testnet {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Network)
	}
	if c.Swap.InitiatorLockTime <= c.Swap.AcceptorLockTime || c.Swap.AcceptorLockTime <= 0 {
		return fmt.Errorf("%w: initiator lock time %s must exceed acceptor lock time %s",
			ErrInvalidConfig, c.Swap.InitiatorLockTime, c.Swap.AcceptorLockTime)
	}
	if c.Swap.SafetyMargin >= c.Swap.AcceptorLockTime {
		return fmt.Errorf("%w: safety margin %s leaves no time to redeem", ErrInvalidConfig, c.Swap.SafetyMargin)
	}
	for symbol, b := range c.Bitcoin {
		if _, ok := chain.Get(symbol, c.Network); !ok {
			return fmt.Errorf("%w: unknown chain %s", ErrInvalidConfig, symbol)
		}
		if b == nil || b.Backend == nil || b.Backend.URL(c.Network) == "" {
			return fmt.Errorf("%w: %s has no backend url", ErrInvalidConfig, symbol)
		}
	}
	for symbol, e := range c.EVM {
		if _, ok := chain.Get(symbol, c.Network); !ok {
			return fmt.Errorf("%w: unknown chain %s", ErrInvalidConfig, symbol)
		}
		if e == nil || e.RPC == "" {
			return fmt.Errorf("%w: %s has no rpc url", ErrInvalidConfig, symbol)
		}
	}
	if c.Tezos != nil && c.Tezos.Contract != "" && (c.Tezos.RPC == "" || c.Tezos.TzKT == "") {
		return fmt.Errorf("%w: tezos needs rpc and tzkt urls", ErrInvalidConfig)
	}
	return nil
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return ExpandPath(c.Storage.DataDir)
}

// KeystorePath returns the keystore file path. Relative paths are inside
// the data directory.
func (c *Config) KeystorePath() string {
	return c.resolve(c.Keystore.File)
}

// LogPath returns the log file path or "" for stderr.
func (c *Config) LogPath() string {
	if c.Logging.File == "" {
		return ""
	}
	return c.resolve(c.Logging.File)
}

func (c *Config) resolve(path string) string {
	path = ExpandPath(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir(), path)
}

// DriverConfig returns the coordinator settings.
func (c *Config) DriverConfig() *swap.DriverConfig {
	return &swap.DriverConfig{
		SafetyMargin:         c.Swap.SafetyMargin,
		RetryCooldown:        c.Swap.RetryCooldown,
		PollInterval:         c.Swap.PollInterval,
		ConfirmationTimeout:  c.Swap.ConfirmationTimeout,
		BroadcastBackoff:     c.Swap.BroadcastBackoff,
		MaxBackoff:           c.Swap.MaxBackoff,
		MaxBroadcastAttempts: c.Swap.MaxBroadcastAttempts,
	}
}

// ManagerConfig returns the swap manager settings.
func (c *Config) ManagerConfig() *swap.ManagerConfig {
	return &swap.ManagerConfig{
		RetryInterval: c.Swap.RetryInterval,
		PassInterval:  c.Swap.PassInterval,
	}
}

// LockTimes returns the lock windows in seconds for role.
func (c *Config) LockTimes(role swap.Role) (own, party uint32) {
	initiator := uint32(c.Swap.InitiatorLockTime / time.Second)
	acceptor := uint32(c.Swap.AcceptorLockTime / time.Second)
	if role == swap.RoleInitiator {
		return initiator, acceptor
	}
	return acceptor, initiator
}

// BatcherFor returns the batcher settings for a chain.
func (c *Config) BatcherFor(symbol string) *batcher.Config {
	return &batcher.Config{
		Name:      symbol,
		QueueSize: c.Batcher.QueueSize,
		MaxBatch:  c.Batcher.MaxBatch,
	}
}

// BitcoinFor returns the strategy settings of a UTXO chain.
func (c *Config) BitcoinFor(symbol string) (*swap.BitcoinConfig, bool) {
	b, ok := c.Bitcoin[symbol]
	if !ok || b == nil {
		return nil, false
	}
	return &swap.BitcoinConfig{FeeRate: b.FeeRate, Confirmations: b.Confirmations}, true
}

// TezosContract returns the contract client settings, or nil when no
// contract is configured.
func (c *Config) TezosContract() *tezos.ContractConfig {
	t := c.Tezos
	if t == nil || t.Contract == "" {
		return nil
	}
	return &tezos.ContractConfig{
		Address:         t.Contract,
		BigMapPath:      t.BigMapPath,
		Confirmations:   t.Confirmations,
		InitiateFee:     t.InitiateFee,
		InitiateGas:     t.InitiateGas,
		InitiateStorage: t.InitiateStorage,
		RedeemFee:       t.RedeemFee,
		RedeemGas:       t.RedeemGas,
		RefundFee:       t.RefundFee,
		RefundGas:       t.RefundGas,
	}
}

// EVMContract returns the contract client settings of an EVM chain, or nil
// when the chain has no contract configured.
func (c *Config) EVMContract(symbol string) *evm.ContractConfig {
	e, ok := c.EVM[symbol]
	if !ok || e == nil || e.Contract == "" {
		return nil
	}
	return &evm.ContractConfig{
		Address:       e.Contract,
		StartBlock:    e.StartBlock,
		Confirmations: e.Confirmations,
		GasPrice:      e.GasPrice,
		InitiateGas:   e.InitiateGas,
		RedeemGas:     e.RedeemGas,
		RefundGas:     e.RefundGas,
	}
}

// Symbols returns the configured chains sorted by symbol.
func (c *Config) Symbols() []string {
	var symbols []string
	for s := range c.Bitcoin {
		symbols = append(symbols, s)
	}
	if c.TezosContract() != nil {
		symbols = append(symbols, "XTZ")
	}
	for s := range c.EVM {
		if c.EVMContract(s) != nil {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// ConfigPath returns the full path to the config file for the given data
// directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
