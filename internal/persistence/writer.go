package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TxLogWriter batch-writes applied transactions and their collateral
// entries to Postgres. Multi-row INSERT with ON CONFLICT DO NOTHING keeps
// writes idempotent across crash-replay.
type TxLogWriter struct {
	db *sql.DB
}

// TxRow is one row in tx_log.transactions.
type TxRow struct {
	Sequence  int64
	TxType    string
	TxRef     string
	Block     uint64
	Payload   []byte // raw inbound JSON, kept for replay
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// EntryRow is one row in tx_log.entries.
type EntryRow struct {
	EntryID   string
	BatchID   string
	TxRef     string
	Sequence  int64
	Trader    string
	AssetID   uint16
	Amount    int64
	EntryType string
	Block     uint64
}

func NewTxLogWriter(db *sql.DB) *TxLogWriter {
	return &TxLogWriter{db: db}
}

// WriteTxBatch writes transactions inside the caller's sql transaction.
func (w *TxLogWriter) WriteTxBatch(ctx context.Context, tx *sql.Tx, rows []TxRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO tx_log.transactions
		(sequence, tx_type, tx_ref, block, payload, state_hash, prev_hash, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Sequence, r.TxType, r.TxRef, r.Block,
			r.Payload, r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch writes collateral entries inside the caller's sql
// transaction.
func (w *TxLogWriter) WriteEntryBatch(ctx context.Context, tx *sql.Tx, rows []EntryRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO tx_log.entries
		(entry_id, batch_id, tx_ref, sequence, trader, asset_id, amount, entry_type, block)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.EntryID, r.BatchID, r.TxRef, r.Sequence,
			r.Trader, r.AssetID, r.Amount, r.EntryType, r.Block,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
