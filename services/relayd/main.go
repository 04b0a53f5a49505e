package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"solescrow/auth"
	"solescrow/config"
	"solescrow/escrow"
	"solescrow/observability/logging"
	"solescrow/relay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("relayd", "production", nil).Error("load config", "err", err)
		os.Exit(1)
	}

	var fileOpts *logging.FileOptions
	if cfg.LogFilePath != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.LogFilePath,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		}
	}
	log := logging.Setup("relayd", cfg.LogEnvironment, fileOpts)

	commitment := relay.CommitmentLevel(cfg.Commitment)
	pool, err := relay.NewPool(cfg.Endpoints(), relay.PoolConfig{
		Commitment:    commitment,
		RatePerSecond: cfg.EndpointRatePerSecond,
		Burst:         cfg.EndpointBurst,
	})
	if err != nil {
		log.Error("build endpoint pool", "err", err)
		os.Exit(1)
	}
	exec := relay.NewExecutor(pool, log)
	submitter := relay.NewSubmitter(exec, log)
	poller := relay.NewPoller(exec, cfg.PollAttempts, cfg.PollInterval(), commitment, log)

	nonces, err := auth.NewLevelDBNoncePersistence(cfg.NonceDBPath)
	if err != nil {
		log.Error("open nonce store", "err", err)
		os.Exit(1)
	}
	defer nonces.Close()

	authenticator, err := auth.NewAuthenticator([]byte(cfg.ChallengeSecret), cfg.ChallengeTTL(), cfg.NonceCapacity, nonces, nil)
	if err != nil {
		log.Error("build authenticator", "err", err)
		os.Exit(1)
	}
	if err := authenticator.Hydrate(context.Background()); err != nil {
		log.Error("hydrate nonce ledger", "err", err)
		os.Exit(1)
	}

	store, err := escrow.OpenStore(cfg.DatabasePath)
	if err != nil {
		log.Error("open escrow store", "err", err)
		os.Exit(1)
	}
	engine := escrow.NewEngine(store, nil, submitter, poller, authenticator, log)

	server := NewServer(exec, submitter, engine, authenticator, store, cfg.PollAttempts, cfg.PollInterval(), commitment, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("relay service listening", "addr", cfg.ListenAddress, "endpoints", pool.Len())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down relay service")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
}
