package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PerpBook/internal/config"
	"PerpBook/internal/core"
	"PerpBook/internal/ingestion"
	"PerpBook/internal/observability"
	"PerpBook/internal/persistence"
	"PerpBook/internal/pricefeed"
	"PerpBook/internal/projection"
	"PerpBook/internal/query"
	"PerpBook/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := observability.NewLogger("perpbook")
		boot.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, component, level)
	}
	logger := newLogger("perpbook")
	logger.Info().Str("market", cfg.MarketID).Msg("starting")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := db.PingContext(bootCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping db")
	}
	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(bootCtx); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck("postgres", db.PingContext)

	cursors, err := persistence.OpenCursorStore(cfg.CursorStorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open cursor store")
	}
	defer cursors.Close()

	prices := pricefeed.NewStore(cfg.PriceMaxAge)

	// Persist blocks the engine when full; publish and projection drop.
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	publishChan := make(chan core.Output, cfg.PublishChanSize)
	projectionChan := make(chan core.Output, cfg.ProjectionChanSize)

	engine, err := core.NewEngine(core.Config{
		MarketID: cfg.MarketID,
		Risk:     cfg.Risk,
		Keeper:   cfg.Keeper(),
	}, core.Deps{
		Prices:     prices,
		Custodian:  persistence.NewCustodyLog(db),
		Cursors:    cursors,
		Metrics:    metrics,
		Logger:     newLogger("engine"),
		Clock:      time.Now,
		Persist:    persistChan,
		Publish:    publishChan,
		Projection: projectionChan,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create engine")
	}

	// --- Recovery ---
	snapshots := persistence.NewSnapshotManager(db, metrics)
	snap, err := snapshots.LoadLatestSnapshot(bootCtx, cfg.MarketID)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}
	var snapSeq int64
	if snap != nil {
		snapSeq = snap.Sequence
	}
	logSeq, err := persistence.GetLatestSequence(bootCtx, db, cfg.MarketID)
	if err != nil {
		logger.Fatal().Err(err).Msg("latest event sequence")
	}
	if logSeq > snapSeq {
		// Checkpoints commit with their events, so this means rows were
		// written or snapshots deleted outside the engine. Resuming would
		// reissue sequence numbers already in the log.
		logger.Fatal().
			Int64("snapshot_seq", snapSeq).
			Int64("log_seq", logSeq).
			Msg("event log is ahead of the latest snapshot")
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored from snapshot")
	}
	if err := engine.RestoreCursor(bootCtx); err != nil {
		logger.Fatal().Err(err).Msg("restore sweep cursor")
	}
	if err := projection.RebuildBalances(bootCtx, db, cfg.MarketID, logger); err != nil {
		logger.Warn().Err(err).Msg("balance projection rebuild failed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(bootCtx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure streams")
	}
	healthChecker.RegisterCheck("nats", func(ctx context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return errors.New("nats " + nc.Status().String())
		}
		return nil
	})
	bootCancel()

	// workerCtx outlives serveCtx so sinks can drain after producers stop.
	serveCtx, serveCancel := context.WithCancel(context.Background())
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	errChan := make(chan error, 8)
	var producers, persistWG, sinks sync.WaitGroup

	// --- Sinks ---
	persistWG.Add(1)
	go func() {
		defer persistWG.Done()
		pw := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, cfg.SnapshotRetain, metrics, newLogger("persistence"))
		if err := pw.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	sinks.Add(2)
	go func() {
		defer sinks.Done()
		pw := projection.NewProjectionWorker(db, projectionChan, metrics, newLogger("projection"))
		if err := pw.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("projection worker stopped")
		}
	}()
	go func() {
		defer sinks.Done()
		op := ingestion.NewOutboundPublisher(js, publishChan, newLogger("publisher"))
		if err := op.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("outbound publisher stopped")
		}
	}()

	// --- Price feed ---
	priceSub := ingestion.NewPriceSubscriber(js, prices, cfg.MarketID, metrics, newLogger("pricefeed"))
	if err := priceSub.Subscribe(serveCtx); err != nil {
		logger.Fatal().Err(err).Msg("subscribe prices")
	}

	// --- API ---
	queries := query.NewQueryService(db, engine)
	api := server.NewAPI(engine, queries, cfg.Keeper(), cfg.SweepBatchSize, metrics, newLogger("api"))
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, api, healthChecker, newLogger("server"))

	producers.Add(2)
	go func() {
		defer producers.Done()
		if err := grpcServer.StartGRPC(serveCtx); err != nil {
			errChan <- err
		}
	}()
	go func() {
		defer producers.Done()
		if err := grpcServer.StartHTTPGateway(serveCtx); err != nil {
			errChan <- err
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	// --- Keeper loops ---
	producers.Add(2)
	go func() {
		defer producers.Done()
		runSweeps(serveCtx, engine, cfg.SweepInterval, cfg.SweepBatchSize, logger)
	}()
	go func() {
		defer producers.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
				metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
			}
		}
	}()

	grpcServer.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("fatal component error, shutting down")
	}

	// Stop writers first, then drain the event log. Its last batch carries
	// the final checkpoint.
	grpcServer.SetReady(false)
	serveCancel()
	priceSub.Stop()
	producers.Wait()

	close(persistChan)
	persistWG.Wait()
	logger.Info().Int64("sequence", engine.GetSequence()).Msg("event log drained")

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := metricsServer.Shutdown(finalCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	finalCancel()

	close(publishChan)
	close(projectionChan)
	sinks.Wait()
	workerCancel()
	logger.Info().Msg("stopped")
}

func runSweeps(ctx context.Context, engine *core.Engine, interval time.Duration, batchSize int, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := engine.RunLiquidationSweep(ctx, batchSize)
			if err != nil {
				logger.Warn().Err(err).Msg("liquidation sweep")
				continue
			}
			if out.Executed > 0 || out.Failed > 0 {
				logger.Info().
					Int("scanned", out.Scanned).
					Int("executed", out.Executed).
					Int("failed", out.Failed).
					Int("deficits", out.Deficits).
					Msg("liquidation sweep")
			}
		}
	}
}
