package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"PerpBook/internal/engine"
	"PerpBook/internal/observability"
)

// Worker drains the persist channel and batch-writes to Postgres. The
// engine sends to this channel blocking, so if the worker falls behind the
// engine stalls rather than losing applied transactions.
type Worker struct {
	writer       *TxLogWriter
	db           *sql.DB
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewTxLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run batches inputs and flushes on batch-full or timeout. Blocks until
// ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	txBatch := make([]TxRow, 0, w.batchSize)
	entryBatch := make([]EntryRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(txBatch) > 0 {
				if err := w.flush(context.Background(), txBatch, entryBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(txBatch) > 0 {
					if err := w.flush(context.Background(), txBatch, entryBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			txBatch = append(txBatch, toTxRow(out))
			entryBatch = append(entryBatch, toEntryRows(out)...)

			if len(txBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, txBatch, entryBatch); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				txBatch = txBatch[:0]
				entryBatch = entryBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(txBatch) > 0 {
				if err := w.flushWithRetry(ctx, txBatch, entryBatch); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				txBatch = txBatch[:0]
				entryBatch = entryBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries indefinitely with exponential backoff. The worker
// never drops a batch; on shutdown it attempts one final flush with a
// background context.
func (w *Worker) flushWithRetry(ctx context.Context, txs []TxRow, entries []EntryRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("txs", len(txs)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), txs, entries)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, txs, entries)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, txs []TxRow, entries []EntryRow) error {
	start := time.Now()

	sqlTx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	if err := w.writer.WriteTxBatch(ctx, sqlTx, txs); err != nil {
		return err
	}
	if err := w.writer.WriteEntryBatch(ctx, sqlTx, entries); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		if len(txs) > 0 {
			w.metrics.PersistLastSequence.Set(float64(txs[len(txs)-1].Sequence))
		}
	}
	return nil
}

func toTxRow(out engine.Output) TxRow {
	env := out.Envelope
	return TxRow{
		Sequence:  env.Sequence,
		TxType:    env.TxType,
		TxRef:     env.TxRef,
		Block:     env.Block,
		Payload:   out.Payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: time.Now(),
	}
}

func toEntryRows(out engine.Output) []EntryRow {
	if out.Batch == nil || len(out.Batch.Entries) == 0 {
		return nil
	}
	rows := make([]EntryRow, 0, len(out.Batch.Entries))
	for _, e := range out.Batch.Entries {
		rows = append(rows, EntryRow{
			EntryID:   e.EntryID.String(),
			BatchID:   e.BatchID.String(),
			TxRef:     e.TxRef,
			Sequence:  e.Sequence,
			Trader:    string(e.Trader),
			AssetID:   uint16(e.AssetID),
			Amount:    e.Amount,
			EntryType: e.EntryType.String(),
			Block:     e.Block,
		})
	}
	return rows
}
