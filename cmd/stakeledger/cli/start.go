package cli

import (
	"StakeLedger/internal/config"
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/projection"
	"StakeLedger/internal/query"
	"StakeLedger/internal/server"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// StartCmd runs the ledger service.
func StartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Replay the event log and serve commands and queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("StakeLedger starting")

	// --- Postgres ---
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()

	// --- Genesis ---
	genesis, err := cfg.Genesis.Build()
	if err != nil {
		return err
	}
	ledger, err := core.NewLedger(genesis)
	if err != nil {
		return fmt.Errorf("build genesis: %w", err)
	}

	// --- Channels ---
	// persist blocks (backpressure); projection and publish drop when full
	persistChan := make(chan core.Output, cfg.Core.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.Core.ProjectionChanSize)
	publishChan := make(chan *event.Receipt, cfg.Core.PublishChanSize)

	processor := core.NewProcessor(ledger.Tokenizer, ledger.Bank, core.Options{
		LRUCapacity:    cfg.Core.LRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		PublishChan:    publishChan,
		Metrics:        metrics,
		Logger:         logger.With().Str("component", "core").Logger(),
	})

	// --- Event Replay ---
	reader := persistence.NewEventLogReader(db)
	replayed, err := replayEventLog(ctx, reader, processor, healthChecker, metrics)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	keys, err := reader.RecentIdempotencyKeys(ctx, cfg.Core.LRUCapacity)
	if err != nil {
		return fmt.Errorf("load idempotency keys: %w", err)
	}
	processor.WarmIdempotency(keys)
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", processor.Sequence()).
		Int("warm_keys", len(keys)).
		Msg("state restored from event log")

	// --- Workers ---
	// Workers outlive ctx so they can drain after the core stops.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup
	errChan := make(chan error, 8)
	goWorker := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics,
		logger.With().Str("component", "persist").Logger())
	goWorker("persistence worker", persistWorker.Run)

	projWorker := projection.NewProjectionWorker(db, projectionChan, ledger.GenesisReceipt, metrics,
		logger.With().Str("component", "projection").Logger())
	goWorker("projection worker", projWorker.Run)

	coreCtx, stopCore := context.WithCancel(ctx)
	defer stopCore()
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		processor.Run(coreCtx)
	}()

	// --- NATS ---
	var natsSubscriber *ingestion.NATSSubscriber
	if !cfg.NATS.Disabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		publisher := ingestion.NewOutboundPublisher(js, publishChan,
			logger.With().Str("component", "publisher").Logger())
		goWorker("outbound publisher", publisher.Run)

		rawChan := make(chan ingestion.RawCommand, cfg.Core.InboundChanSize)
		natsSubscriber = ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("component", "nats").Logger())
		if err := natsSubscriber.Subscribe(coreCtx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		loop := ingestion.NewCommandLoop(rawChan, processor, metrics, logger.With().Str("component", "ingest").Logger())
		go loop.Run(coreCtx)
	} else {
		go drainReceipts(workerCtx, publishChan)
		logger.Warn().Msg("NATS disabled, accepting commands over HTTP only")
	}

	// --- gRPC + HTTP gateway ---
	queryService := query.NewQueryService(db, metrics)
	srv := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Ledger:      processor,
		Projections: queryService,
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, ledger.GenesisReceipt, logger)
		},
		HealthChecker: healthChecker,
		Logger:        logger.With().Str("component", "server").Logger(),
	})
	go func() {
		if err := srv.StartGRPC(coreCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTPGateway(coreCtx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()
	go serveMetrics(coreCtx, cfg.Server.MetricsAddr, registry, errChan, logger)
	go reportChannels(coreCtx, metrics, persistChan, projectionChan, publishChan)

	srv.SetServing(true)
	logger.Info().
		Int64("sequence", processor.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("StakeLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, stop the core, then let the workers drain what it emitted.
	srv.SetServing(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	stopCore()
	<-coreDone

	close(persistChan)
	close(projectionChan)
	close(publishChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("workers did not drain within 30s")
		stopWorkers()
	}

	logger.Info().Int64("sequence", processor.Sequence()).Msg("StakeLedger shutdown complete")
	return runErr
}

// replayEventLog re-applies every logged command to a processor built from
// the same genesis, checking each state hash against the log.
func replayEventLog(ctx context.Context, reader *persistence.EventLogReader, p *core.Processor, health *observability.HealthChecker, metrics *observability.Metrics) (int64, error) {
	start := time.Now()
	var n int64
	err := reader.Each(ctx, p.Sequence(), func(se persistence.StoredEvent) error {
		cmd, err := ingestion.ParseCommand(se.CommandType, se.Command)
		if err != nil {
			return fmt.Errorf("decode seq=%d: %w", se.Sequence, err)
		}
		if err := p.Replay(se.Sequence, cmd, se.StateHash); err != nil {
			return err
		}
		n++
		health.SetReplayed(se.Sequence)
		return nil
	})
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	return n, err
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, errChan chan<- error, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, persist, projection chan core.Output, publish chan *event.Receipt) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(projection), cap(projection))
			metrics.SetChannelMetrics("publish", len(publish), cap(publish))
		}
	}
}

// drainReceipts discards receipts when nothing publishes them.
func drainReceipts(ctx context.Context, ch <-chan *event.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
		}
	}
}
