// Package main runs the advisor ledger service:
// - HTTP API and WebSocket event stream
// - Audit backfill and async event delivery into ClickHouse
// - Scheduled pool snapshots
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"advisor-ledger/internal/api"
	"advisor-ledger/internal/config"
	"advisor-ledger/internal/events"
	"advisor-ledger/internal/ledger"
	"advisor-ledger/internal/logging"
	"advisor-ledger/internal/snapshot"
	"advisor-ledger/internal/stream"
	"advisor-ledger/internal/token"
)

// backfillBatch is the page size used to catch the audit store up with the ledger.
const backfillBatch = 500

func main() {
	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "Path to YAML config file")
	useMemory := flag.Bool("use-memory", false, "Use in-memory ledger storage instead of PostgreSQL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *useMemory {
		cfg.Storage.Driver = "memory"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	stores, cleanup, err := createStores(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()

	assets, native, err := createCustody(cfg, logger)
	if err != nil {
		return fmt.Errorf("create custody: %w", err)
	}

	ledgerCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}

	hub := stream.NewHub(stream.HubConfig{
		BufferSize:     cfg.Stream.BufferSize,
		AllowedOrigins: cfg.Stream.AllowedOrigins,
	}, stores.ledger, logger.Named("stream"))
	sinks := []events.Sink{hub}

	var audit *events.Async
	if stores.audit != nil {
		sink := events.NewAuditSink(stores.audit)
		if err := backfillAudit(ctx, stores, sink, logger); err != nil {
			return err
		}
		audit = events.NewAsync(sink, cfg.Storage.AuditBuffer, logger.Named("audit"), events.WithCatchUp(stores.ledger))
		sinks = append(sinks, audit)
	}

	engine, err := ledger.New(ctx, stores.ledger, assets, native, ledgerCfg,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithSinks(sinks...))
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewHandler(engine, hub, logger.Named("api")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if audit != nil {
		g.Go(func() error {
			audit.Run(gctx)
			return nil
		})
	}

	if stores.snapshots != nil && cfg.Snapshot.Cron != "" {
		scheduler := snapshot.NewScheduler(gctx, engine, stores.snapshots, logger.Named("snapshot"))
		if err := scheduler.Register(cfg.Snapshot.Cron); err != nil {
			return err
		}
		scheduler.Start()
		g.Go(func() error {
			<-gctx.Done()
			scheduler.Stop()
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("http server listening",
			zap.String("addr", srv.Addr),
			zap.String("ledger", engine.Address().Hex()),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("custody", cfg.Custody.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

		// Hijacked stream connections are not tracked by Shutdown.
		if err := hub.Close(); err != nil {
			logger.Warn("close stream hub", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// engineConfig maps the ledger section onto the engine configuration.
func engineConfig(cfg *config.Config) (ledger.Config, error) {
	threshold, err := cfg.NegligiblePoolSize()
	if err != nil {
		return ledger.Config{}, err
	}
	multiplier, err := cfg.InitialMultiplier()
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Address:          cfg.LedgerAddress(),
		TokenAccounting:  cfg.Ledger.TokenAccounting,
		PerAdvisorTokens: cfg.Ledger.PerAdvisorTokens,
		DefaultSplit:     cfg.Split(),
		RootToken: token.RootSpec{
			Name:               cfg.Ledger.TokenName,
			Symbol:             cfg.Ledger.TokenSymbol,
			NegligiblePoolSize: threshold,
			InitialMultiplier:  multiplier,
		},
	}, nil
}

// backfillAudit copies ledger events the audit store has not seen yet.
func backfillAudit(ctx context.Context, stores *allStores, sink events.Sink, logger *zap.Logger) error {
	last, err := stores.audit.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("audit last seq: %w", err)
	}
	replayed, err := events.Backfill(ctx, stores.ledger, sink, last, backfillBatch)
	if err != nil {
		return fmt.Errorf("audit backfill: %w", err)
	}
	if replayed > last {
		logger.Info("audit backfill complete", zap.Int64("from_seq", last), zap.Int64("to_seq", replayed))
	}
	return nil
}
