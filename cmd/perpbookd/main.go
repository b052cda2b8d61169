package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpBook/internal/config"
	"PerpBook/internal/engine"
	"PerpBook/internal/fastquery"
	"PerpBook/internal/httpapi"
	"PerpBook/internal/ingestion"
	"PerpBook/internal/ledger"
	"PerpBook/internal/observability"
	"PerpBook/internal/persistence"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := observability.NewLogger("perpbookd")
	log.Info().Msg("perpbookd starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Persistence.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Engine + channels ---
	persistChan := make(chan engine.Output, cfg.Engine.PersistChanSize)
	projectionChan := make(chan engine.Output, cfg.Engine.ProjectionChanSize)

	eng := engine.New(engine.Config{
		Governance:     ledger.Address(cfg.Engine.Governance),
		Logger:         observability.NewLogger("engine"),
		Metrics:        metrics,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})

	errChan := make(chan error, 8)

	// The persist worker must be draining before recovery: replay goes
	// through the same blocking emit path as live traffic, and more
	// replayed txs than the channel holds would wedge startup. Re-flushed
	// outputs are ON CONFLICT no-ops in the tx log.
	persistWorker := persistence.NewWorker(
		db, persistChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout,
		metrics, observability.NewLogger("persistence"),
	)
	go func() { errChan <- persistWorker.Run(ctx) }()

	// --- Recovery: snapshot restore + tx log replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	startSequence, err := recover_(ctx, eng, snapMgr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("recovery")
	}

	// --- NATS ---
	nc, js, err := ingestion.Connect(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	streamCfg := ingestion.StreamConfig{
		StreamName:    cfg.NATS.StreamName,
		ConsumerName:  cfg.NATS.ConsumerName,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	}
	if err := ingestion.EnsureStream(ctx, js, streamCfg); err != nil {
		log.Fatal().Err(err).Msg("ensure tx stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	txChan := make(chan ingestion.RawTx, 4096)
	subscriber := ingestion.NewSubscriber(js, txChan, log)
	if err := subscriber.Subscribe(ctx, streamCfg); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Workers ---
	publisher := ingestion.NewOutboundPublisher(js, projectionChan, observability.NewLogger("publisher"))
	go func() { errChan <- publisher.Run(ctx) }()

	checker := persistence.NewAppliedChecker(db)
	go runIngestionLoop(ctx, txChan, eng, checker, streamCfg.SubjectPrefix, metrics, log)

	queries := fastquery.NewService(eng, observability.NewLogger("fastquery"))
	apiServer := httpapi.NewServer(
		cfg.HTTP.Addr, queries, eng, health, metrics,
		observability.NewLogger("httpapi"),
	)
	go func() { errChan <- apiServer.Run(ctx) }()

	go runMetricsServer(ctx, cfg.HTTP.MetricsAddr, errChan, log)

	go runPeriodicSnapshots(ctx, eng, snapMgr, cfg.Persistence.SnapshotInterval, log)

	health.SetReady(true)
	log.Info().
		Int64("sequence", startSequence).
		Str("http", cfg.HTTP.Addr).
		Str("metrics", cfg.HTTP.MetricsAddr).
		Msg("perpbookd ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("worker failed, shutting down")
	}

	cancel()
	subscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := snapMgr.SaveSnapshot(shutdownCtx, eng.Snapshot()); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("perpbookd shutdown complete")
}

// recover_ restores the latest snapshot, replays the tx log to head, and
// returns the resulting sequence.
func recover_(ctx context.Context, eng *engine.Engine, snapMgr *persistence.SnapshotManager, log zerolog.Logger) (int64, error) {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}

	fromSequence := int64(0)
	if snap != nil {
		if err := eng.RestoreSnapshot(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot: %w", err)
		}
		fromSequence = snap.Sequence
		log.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		log.Info().Msg("no snapshot, cold start from sequence 0")
	}

	replayed := 0
	err = snapMgr.LoadTxsFrom(ctx, fromSequence, func(replay persistence.ReplayTx) error {
		suffix, ok := ingestion.SubjectForTxType(replay.TxType)
		if !ok {
			return fmt.Errorf("replay: unknown tx_type %s at sequence %d", replay.TxType, replay.Sequence)
		}
		tx, err := ingestion.ParseRawTx(ingestion.RawTx{
			Subject: "book." + suffix,
			Data:    replay.Payload,
		}, "book")
		if err != nil {
			return fmt.Errorf("replay: parse sequence %d: %w", replay.Sequence, err)
		}
		// Rejections during replay are expected: they were rejected the
		// first time too, deterministically.
		if _, err := eng.Apply(tx); err != nil {
			log.Debug().Int64("sequence", replay.Sequence).Err(err).Msg("replay rejection")
		}
		replayed++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if replayed > 0 {
		log.Info().Int("count", replayed).Int64("sequence", eng.Sequence()).Msg("tx log replayed")
	}

	return eng.Sequence(), nil
}

// runIngestionLoop decodes and applies stream messages one at a time,
// preserving the consensus order.
func runIngestionLoop(
	ctx context.Context,
	txChan <-chan ingestion.RawTx,
	eng *engine.Engine,
	checker *persistence.AppliedChecker,
	subjectPrefix string,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-txChan:
			if !ok {
				return
			}

			metrics.IngestMessages.WithLabelValues(raw.Subject).Inc()

			tx, err := ingestion.ParseRawTx(raw, subjectPrefix)
			if err != nil {
				// Malformed payloads can never become valid; ack to stop
				// redelivery.
				metrics.IngestParseErrors.Inc()
				log.Warn().Str("subject", raw.Subject).Err(err).Msg("unparseable tx")
				raw.AckFunc()
				continue
			}

			// A redelivery may follow a lost ack for an already-applied tx.
			if raw.Redelivered {
				if applied, err := checker.IsApplied(tx.TxRef()); err == nil && applied {
					log.Debug().Str("tx_ref", tx.TxRef()).Msg("redelivered tx already applied")
					raw.AckFunc()
					continue
				}
			}

			if _, err := eng.ApplyPayload(tx, raw.Data); err != nil {
				// Deterministic rejection: the tx is invalid, not the
				// delivery. Ack it.
				log.Debug().Str("tx_ref", tx.TxRef()).Err(err).Msg("tx rejected")
			}
			raw.AckFunc()
		}
	}
}

func runMetricsServer(ctx context.Context, addr string, errChan chan<- error, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

// runPeriodicSnapshots saves a snapshot each time the applied sequence
// advances past the configured interval.
func runPeriodicSnapshots(
	ctx context.Context,
	eng *engine.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	log zerolog.Logger,
) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastSnapshotSeq := eng.Sequence()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := eng.Sequence()
			if seq-lastSnapshotSeq < interval {
				continue
			}
			if err := snapMgr.SaveSnapshot(ctx, eng.Snapshot()); err != nil {
				log.Error().Err(err).Msg("periodic snapshot failed")
				continue
			}
			if err := snapMgr.PruneSnapshots(ctx, 3); err != nil {
				log.Warn().Err(err).Msg("snapshot prune failed")
			}
			lastSnapshotSeq = seq
			log.Info().Int64("sequence", seq).Msg("snapshot saved")
		}
	}
}
