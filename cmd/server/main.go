// goghd mirrors the Gogh escrow contract into a queryable document
// store and co-signs purchases for its parties.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"

	"github.com/goghmarket/goghd/internal/analytics"
	"github.com/goghmarket/goghd/internal/attest"
	"github.com/goghmarket/goghd/internal/config"
	"github.com/goghmarket/goghd/internal/docstore"
	"github.com/goghmarket/goghd/internal/logging"
	"github.com/goghmarket/goghd/internal/oracle"
	"github.com/goghmarket/goghd/internal/realtime"
	"github.com/goghmarket/goghd/internal/server"
	"github.com/goghmarket/goghd/internal/signing"
	"github.com/goghmarket/goghd/internal/subsidy"
	"github.com/goghmarket/goghd/internal/traces"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "goghd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting goghd",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"contract", cfg.ContractAddress,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(shutdownCtx)
	}()

	var store docstore.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		store = docstore.NewPostgres(db)
		logger.Info("using postgres document store")
	} else {
		store = docstore.NewMemory()
		logger.Warn("DATABASE_URL not set, using in-memory store (data is not persisted)")
	}

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	var attester oracle.Attester
	if cfg.AttestationsEnabled {
		submitter, err := attest.NewEASSubmitter(cfg.RPCURL, cfg.EASContract, cfg.AttestorPrivateKey, cfg.ChainID)
		if err != nil {
			return fmt.Errorf("failed to init attestation submitter: %w", err)
		}
		attester = attest.NewIssuer(store, submitter, cfg.AttestationSchema, logger)
		logger.Info("attestations enabled", "eas_contract", cfg.EASContract)
	}

	subsidizer, err := subsidy.NewIssuer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init gas subsidy: %w", err)
	}
	if subsidizer.Enabled() {
		logger.Info("gas-subsidized releases enabled", "daily_cap_eth", cfg.SubsidyDailyCapETH)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to rpc: %w", err)
	}
	defer client.Close()

	o := oracle.New(cfg, client, store, hub, attester, logger)
	o.Start(ctx)
	defer o.Stop()

	signer := signing.NewService(store, subsidizer, hub, logger)
	recorder := analytics.NewRecorder(store, logger)

	srv := server.New(cfg, store, signer, recorder, hub, logger)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}

	logger.Info("goghd stopped")
	return nil
}
