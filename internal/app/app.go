// Package app wires configuration into a running engine: ledger client, pending
// store, journal, event hub and metrics.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"conquest.eth/internal/agent"
	"conquest.eth/internal/config"
	"conquest.eth/internal/ledger"
	"conquest.eth/internal/ledger/ethledger"
	"conquest.eth/internal/obs"
	"conquest.eth/internal/persistence/journal"
	"conquest.eth/internal/persistence/offsite"
	"conquest.eth/internal/persistence/pendingdb"
	"conquest.eth/internal/transport/ws"
)

type App struct {
	Config  config.Config
	Engine  *agent.Engine
	Store   *pendingdb.Store
	Journal *journal.Journal
	Hub     *ws.Hub
	Metrics *obs.Metrics
	// Uploader is nil unless offsite backup is configured.
	Uploader *offsite.Uploader

	closers []func() error
}

// Open builds the App. A nil client dials cfg.Ledger.RPCURL and signs with the key
// found in the environment variable cfg.Ledger.KeyEnv.
func Open(ctx context.Context, cfg config.Config, client ledger.Client, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &App{Config: cfg}
	if client == nil {
		c, closeFn, err := dialLedger(ctx, cfg.Ledger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		client = c
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.Close()
			return nil, err
		}
	}
	store, err := pendingdb.Open(cfg.Store.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if cfg.Store.JournalDir != "" {
		a.Journal = journal.New(cfg.Store.JournalDir)
		a.closers = append(a.closers, a.Journal.Close)
	}
	if cfg.Server.MetricsEnabled {
		a.Metrics = obs.NewMetrics()
	}
	a.Hub = ws.NewHub(cfg.Server.EventBuffer, logger)

	if cfg.Backup.Offsite() {
		oc, err := offsite.New(offsite.Config{
			Endpoint:        cfg.Backup.Endpoint,
			Bucket:          cfg.Backup.Bucket,
			Region:          cfg.Backup.Region,
			AccessKeyID:     os.Getenv(cfg.Backup.AccessKeyEnv),
			SecretAccessKey: os.Getenv(cfg.Backup.SecretKeyEnv),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("offsite backup: %w", err)
		}
		a.Uploader = offsite.NewUploader(oc, cfg.Backup.Prefix, logger, func(err error) {
			a.Metrics.ObserveBackup("upload", err)
		})
		a.closers = append(a.closers, a.Uploader.Close)
	}

	a.Engine, err = agent.New(agent.Config{
		Store:         store,
		Ledger:        client,
		Journal:       a.Journal,
		Events:        a.Hub,
		Metrics:       a.Metrics,
		Logger:        logger,
		LedgerTimeout: cfg.Ledger.Timeout,
		AutoWithdraw:  cfg.Sweep.AutoWithdraw,
		Retention:     cfg.Sweep.Retention,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func dialLedger(ctx context.Context, cfg config.LedgerConfig) (*ethledger.Client, func() error, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(os.Getenv(cfg.KeyEnv)), "0x")
	if keyHex == "" {
		return nil, nil, fmt.Errorf("no private key in $%s", cfg.KeyEnv)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("$%s: %w", cfg.KeyEnv, err)
	}

	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = ec.ChainID(ctx); err != nil {
			ec.Close()
			return nil, nil, fmt.Errorf("chain id: %w", err)
		}
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		ec.Close()
		return nil, nil, err
	}

	c, err := ethledger.New(ec, ethledger.Config{
		Contract:          config.Config{Ledger: cfg}.ContractAddress(),
		Signer:            signer,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
	if err != nil {
		ec.Close()
		return nil, nil, err
	}
	return c, func() error { ec.Close(); return nil }, nil
}
