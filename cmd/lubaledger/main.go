package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"LubaLedger/internal/clock"
	"LubaLedger/internal/core"
	"LubaLedger/internal/credential"
	"LubaLedger/internal/ingestion"
	"LubaLedger/internal/observability"
	"LubaLedger/internal/persistence"
	"LubaLedger/internal/projection"
	"LubaLedger/internal/query"
	"LubaLedger/internal/server"
	"LubaLedger/internal/token"
	"LubaLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("main")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("LubaLedger exited")
	}
}

func run(logger zerolog.Logger) error {
	logger.Info().Msg("LubaLedger starting")

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(sigCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, migrations.FS).Up(sigCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks the engine when full; the projection
	// channel drops and the projection worker fills gaps from the log.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	// --- Engine ---
	clk := clock.System{}
	authority := credential.NewAuthority(credential.NewDomain(cfg.ChainID, cfg.EngineAddress), clk)
	tok := token.NewMemoryToken("USDC")
	engineLogger := observability.NewLogger("engine")
	engine := core.NewEngine(core.Options{
		Address:             cfg.EngineAddress,
		Token:               tok,
		Clock:               clk,
		Authority:           authority,
		PersistChan:         persistChan,
		ProjectionChan:      projectionChan,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		Metrics:             metrics,
		Logger:              &engineLogger,
	})

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	stats, err := persistence.Recover(sigCtx, engine, snapMgr, metrics, observability.NewLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	queryService := query.NewQueryService(db, metrics)

	// Workers outlive the intake context so they can drain after it stops.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	intakeCtx, cancelIntake := context.WithCancel(sigCtx)
	defer cancelIntake()

	errChan := make(chan error, 16)
	var intake, persisting, workers sync.WaitGroup
	spawn := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Persistence worker; durable outputs go on to the publisher.
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	spawn(&workers, "projection worker", func() error { return projWorker.Run(workerCtx) })

	// 3. NATS connection and outbound publisher
	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(sigCtx, stream); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

		js = stream
		persistWorker.SetPublishChannel(publishChan)
		publisher := ingestion.NewOutboundPublisher(js, publishChan)
		spawn(&workers, "publisher", func() error { return publisher.Run(workerCtx) })
	} else {
		logger.Warn().Msg("LUBA_NATS_URL empty: command ingestion and event publishing disabled")
	}
	spawn(&persisting, "persistence worker", func() error { return persistWorker.Run(workerCtx) })

	// Transfers a crash left without an outcome are settled before intake opens.
	report, err := engine.ReconcilePayouts(sigCtx)
	if err != nil {
		return fmt.Errorf("reconcile payouts: %w", err)
	}
	if n := len(report.Confirmed) + len(report.Rejected) + len(report.Unresolved); n > 0 {
		logger.Warn().Int("confirmed", len(report.Confirmed)).Int("rejected", len(report.Rejected)).
			Int("unresolved", len(report.Unresolved)).Msg("in-flight payouts reconciled")
	}

	// NATS command intake
	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		cmdChan := make(chan ingestion.RawCommand, cfg.CommandChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, cmdChan)
		if err := subscriber.Subscribe(intakeCtx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		dispatcher := ingestion.NewDispatcher(engine, cmdChan, metrics)
		spawn(&intake, "dispatcher", func() error { return dispatcher.Run(intakeCtx) })
	}

	// 4. HTTP API and gRPC health
	var faucet *server.FaucetLimiter
	if cfg.EnableFaucet {
		faucet = server.NewFaucetLimiter(time.Minute, 1)
		logger.Warn().Msg("token faucet enabled")
	}
	httpServer, err := server.NewHTTPServer(cfg.HTTPAddr, server.Deps{
		Engine:        engine,
		Query:         queryService,
		Token:         tok,
		Authority:     authority,
		Faucet:        faucet,
		HealthChecker: healthChecker,
		CredentialTTL: cfg.CredentialTTL,
		Clock:         clk,
	})
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	spawn(&intake, "http server", func() error { return httpServer.Start(intakeCtx) })

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, healthChecker)
	spawn(&intake, "grpc server", func() error { return grpcServer.StartGRPC(intakeCtx) })

	// 5. Standalone metrics listener
	spawn(&intake, "metrics server", func() error { return serveMetrics(intakeCtx, cfg.MetricsAddr) })

	// 6. Periodic snapshots and channel gauges
	spawn(&intake, "snapshots", func() error {
		runPeriodicSnapshots(intakeCtx, engine, snapMgr, cfg.SnapshotInterval, metrics, logger)
		return nil
	})
	spawn(&intake, "channel metrics", func() error {
		sampleChannels(intakeCtx, metrics, map[string]chan core.CoreOutput{
			"persist":    persistChan,
			"projection": projectionChan,
			"publish":    publishChan,
		})
		return nil
	})

	healthChecker.SetReady(true)
	logger.Info().
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int64("replayed", stats.Replayed).
		Int64("next_sequence", engine.GetSequence()).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Msg("LubaLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// Stop intake first so the engine is quiescent, then drain in order:
	// persistence, then the consumers of what it forwards.
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelIntake()
	intake.Wait()

	close(persistChan)
	close(projectionChan)
	if !waitTimeout(&persisting, 20*time.Second) {
		logger.Error().Int("pending", len(persistChan)).Msg("persistence worker did not drain")
		cancelWorkers()
		persisting.Wait()
	}
	close(publishChan)
	if !waitTimeout(&workers, 10*time.Second) {
		logger.Warn().Msg("projection or publisher did not drain")
		cancelWorkers()
		workers.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if seq, err := persistence.TakeSnapshot(shutdownCtx, engine, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("LubaLedger shutdown complete")
	return runErr
}
