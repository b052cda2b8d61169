package persistence

import (
	"context"
	"database/sql"
	"time"
)

// AppliedChecker answers whether a transaction reference was already
// applied and persisted. The ingestion loop consults it on JetStream
// redeliveries, where an ack may have been lost after a successful apply.
type AppliedChecker struct {
	db *sql.DB
}

func NewAppliedChecker(db *sql.DB) *AppliedChecker {
	return &AppliedChecker{db: db}
}

// IsApplied reports whether a tx with this reference exists in the log.
func (ac *AppliedChecker) IsApplied(txRef string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := ac.db.QueryRowContext(ctx, `
		SELECT 1 FROM tx_log.transactions WHERE tx_ref = $1 LIMIT 1
	`, txRef).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
