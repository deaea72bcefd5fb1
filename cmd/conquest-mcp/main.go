package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conquest.eth/internal/agent"
	"conquest.eth/internal/app"
	"conquest.eth/internal/config"
	"conquest.eth/internal/openclaw/mcp"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to conquest.yaml (optional)")
		listen     = flag.String("listen", "", "http listen address (overrides config)")
		noSweep    = flag.Bool("no-sweep", false, "disable the background sweeper")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
		if err := cfg.Validate(); err != nil {
			logger.Fatalf("config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, !*noSweep, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg config.Config, sweep bool, logger *log.Logger) error {
	auth := "none(loopback-only)"
	if cfg.Server.HMACSecret != "" {
		auth = "hmac"
	}
	logger.Printf("auth_mode=%s require_hmac=%t allow_legacy_hmac=%t", auth, cfg.Server.RequireHMAC, cfg.Server.AllowLegacyHMAC)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Ledger.Timeout)
	a, err := app.Open(dialCtx, cfg, nil, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer a.Close()

	if _, err := a.Engine.RefreshConfig(ctx); err != nil {
		logger.Printf("contract config not loaded yet: %v", err)
	}
	logger.Printf("account=%s contract=%s db=%s", a.Engine.Account().Hex(), cfg.ContractAddress().Hex(), cfg.Store.Path)

	rpc, err := mcp.NewServer(mcp.Config{
		Engine:          a.Engine,
		HMACSecret:      cfg.Server.HMACSecret,
		AllowLegacyHMAC: cfg.Server.AllowLegacyHMAC,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("mcp: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", rpc.Handler())
	mux.HandleFunc("/v1/events", a.Hub.Handler())
	if a.Metrics != nil {
		mux.Handle("/metrics", a.Metrics.Handler())
	}

	if sweep {
		go func() { _ = agent.NewSweeper(a.Engine, cfg.Sweep.Interval, logger).Run(ctx) }()
		logger.Printf("sweeper interval=%s auto_withdraw=%t retention=%s", cfg.Sweep.Interval, cfg.Sweep.AutoWithdraw, cfg.Sweep.Retention)
	}
	if cfg.Backup.Interval > 0 {
		go func() { _ = a.RunBackups(ctx, logger) }()
		logger.Printf("backups interval=%s keep=%d dir=%s offsite=%t", cfg.Backup.Interval, cfg.Backup.Keep, cfg.Store.BackupDir, cfg.Backup.Offsite())
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Printf("listening on http://%s rpc=%s", cfg.Server.Listen, cfg.Ledger.RPCURL)

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Printf("stopped")
	return nil
}
