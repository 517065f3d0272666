// Package main provides swapd, a daemon that drives HTLC atomic swaps
// across Bitcoin-family, Tezos and EVM chains.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/backend"
	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
	"github.com/atomex-me/atomex.client.core-sub004/internal/chain"
	"github.com/atomex-me/atomex.client.core-sub004/internal/config"
	"github.com/atomex-me/atomex.client.core-sub004/internal/evm"
	"github.com/atomex-me/atomex.client.core-sub004/internal/rpc"
	"github.com/atomex-me/atomex.client.core-sub004/internal/signer"
	"github.com/atomex-me/atomex.client.core-sub004/internal/storage"
	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
	"github.com/atomex-me/atomex.client.core-sub004/internal/tezos"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.atomex", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		passwordEnv = flag.String("password-env", "ATOMEX_PASSWORD", "Environment variable holding the keystore password")
		initWallet  = flag.Bool("init-wallet", false, "Create the keystore with a new mnemonic and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	network := chain.Mainnet
	effectiveDataDir := *dataDir
	if *testnet {
		network = chain.Testnet
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(config.ExpandPath(*configFile))
	} else {
		cfg, err = config.Load(effectiveDataDir, network)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := os.MkdirAll(cfg.DataDir(), 0700); err != nil {
		log.Fatal("Failed to create data directory", "error", err)
	}

	log, closeLog, err := logging.Open(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		File:       cfg.LogPath(),
	})
	if err != nil {
		log = logging.GetDefault()
		log.Fatal("Failed to set up logging", "error", err)
	}
	defer closeLog()
	log.Info("Config loaded", "network", cfg.Network, "data_dir", cfg.DataDir())

	password := os.Getenv(*passwordEnv)
	if password == "" {
		log.Fatal("Keystore password not set", "env", *passwordEnv)
	}

	if *initWallet {
		mnemonic, err := signer.CreateKeystore(cfg.KeystorePath(), password, "")
		if err != nil {
			log.Fatal("Failed to create keystore", "error", err)
		}
		log.Info("Keystore created", "path", cfg.KeystorePath())
		fmt.Println("Write down your recovery phrase and keep it offline:")
		fmt.Println(mnemonic)
		return
	}

	keyring, err := signer.OpenKeystore(cfg.KeystorePath(), password)
	if err != nil {
		log.Fatal("Failed to open keystore", "path", cfg.KeystorePath(), "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir()})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.DataDir())

	manager := swap.NewManager(store, cfg.ManagerConfig())
	batchers, err := registerChains(ctx, cfg, manager, store, keyring)
	for _, b := range batchers {
		defer b.Close()
	}
	if err != nil {
		log.Fatal("Failed to set up chains", "error", err)
	}

	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start swap manager", "error", err)
	}

	var rpcServer *rpc.Server
	if cfg.Events.Enabled {
		rpcServer = rpc.NewServer(manager, rpc.Config{
			Network:           cfg.Network,
			InitiatorLockTime: cfg.Swap.InitiatorLockTime,
			AcceptorLockTime:  cfg.Swap.AcceptorLockTime,
		})
		if err := rpcServer.Start(ctx, cfg.Events.Listen); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	manager.Stop()
	cancel()

	log.Info("Goodbye!")
}

// registerChains builds a coordinator for every configured chain and
// registers it with the manager. The returned batchers must be closed on
// shutdown, also when an error is returned.
func registerChains(ctx context.Context, cfg *config.Config, m *swap.Manager, store *storage.Storage, keyring *signer.Keyring) ([]*batcher.Batcher, error) {
	log := logging.GetDefault().Component("chains")
	driverCfg := cfg.DriverConfig()
	var batchers []*batcher.Batcher

	backends := backend.NewRegistry()
	for symbol, btc := range cfg.Bitcoin {
		params, ok := chain.Get(symbol, cfg.Network)
		if !ok {
			return batchers, fmt.Errorf("unknown chain %s", symbol)
		}
		b, err := backend.New(btc.Backend, cfg.Network)
		if err != nil {
			return batchers, fmt.Errorf("%s backend: %w", symbol, err)
		}
		backends.Register(symbol, b)
		strategyCfg, _ := cfg.BitcoinFor(symbol)
		m.Register(swap.NewBitcoinCoordinator(params, b, keyring, store, strategyCfg, driverCfg))
		log.Info("Chain registered", "symbol", symbol, "backend", btc.Backend.Type, "url", btc.Backend.URL(cfg.Network))
	}
	// Unreachable backends are retried by the swap flows.
	if err := backends.ConnectAll(ctx); err != nil {
		log.Warn("Backend not reachable", "error", err)
	}

	if contractCfg := cfg.TezosContract(); contractCfg != nil {
		t := cfg.Tezos
		node := tezos.NewRPC(t.RPC, t.Timeout)
		indexer := tezos.NewTzKT(t.TzKT, t.Timeout)
		contract, err := tezos.NewContract(indexer, contractCfg)
		if err != nil {
			return batchers, fmt.Errorf("XTZ contract: %w", err)
		}
		b := batcher.New(tezos.NewChain(node, keyring), batcher.NewCounterCache(cfg.Batcher.CounterTTL), cfg.BatcherFor("XTZ"))
		batchers = append(batchers, b)
		m.Register(swap.NewAccountCoordinator("XTZ", contract, b, store, driverCfg))
		log.Info("Chain registered", "symbol", "XTZ", "contract", contractCfg.Address)
	}

	for symbol, e := range cfg.EVM {
		contractCfg := cfg.EVMContract(symbol)
		if contractCfg == nil {
			log.Debug("No contract configured, skipping chain", "symbol", symbol)
			continue
		}
		client, err := evm.Dial(ctx, e.RPC)
		if err != nil {
			return batchers, fmt.Errorf("%s rpc: %w", symbol, err)
		}
		contract, err := evm.NewContract(client, contractCfg)
		if err != nil {
			return batchers, fmt.Errorf("%s contract: %w", symbol, err)
		}
		b := batcher.New(evm.NewChain(client, keyring), batcher.NewCounterCache(cfg.Batcher.CounterTTL), cfg.BatcherFor(symbol))
		batchers = append(batchers, b)
		m.Register(swap.NewAccountCoordinator(symbol, contract, b, store, driverCfg))
		log.Info("Chain registered", "symbol", symbol, "contract", contractCfg.Address)
	}

	return batchers, nil
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	networkLabel := "mainnet"
	if cfg.Network == chain.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Atomex swap daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Chains: %v", cfg.Symbols())
	if cfg.Events.Enabled {
		log.Infof("  API: http://%s", cfg.Events.Listen)
		log.Infof("  WS:  ws://%s/ws", cfg.Events.Listen)
	}
	log.Infof("  Data dir: %s", cfg.DataDir())
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
