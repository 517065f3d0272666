package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
)

const txColumns = `symbol, id, swap_id, kind, raw, confirmed, block_height, created_at`

// UpsertTransaction saves a swap transaction or updates its confirmation.
// A confirmed transaction never goes back to unconfirmed.
func (s *Storage) UpsertTransaction(ctx context.Context, tx *swap.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}

	query := `
		INSERT INTO transactions (` + txColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, id) DO UPDATE SET
			raw = CASE WHEN excluded.raw != '' THEN excluded.raw ELSE transactions.raw END,
			confirmed = MAX(transactions.confirmed, excluded.confirmed),
			block_height = CASE WHEN excluded.block_height > 0 THEN excluded.block_height ELSE transactions.block_height END,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		tx.Symbol,
		tx.ID,
		tx.SwapID,
		string(tx.Kind),
		tx.Raw,
		boolToInt(tx.Confirmed),
		tx.BlockHeight,
		tx.CreatedAt.Unix(),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
	}
	return nil
}

// GetTransactionByID retrieves a transaction by chain and ID.
func (s *Storage) GetTransactionByID(ctx context.Context, symbol, id string) (*swap.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE symbol = ? AND id = ?`, symbol, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", swap.ErrTxNotFound, symbol, id)
	}
	return tx, err
}

// GetUnconfirmedTransactions returns transactions still waiting for
// confirmation, oldest first.
func (s *Storage) GetUnconfirmedTransactions(ctx context.Context) ([]*swap.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, `SELECT `+txColumns+` FROM transactions WHERE confirmed = 0 ORDER BY created_at ASC`)
}

// GetSwapTransactions returns every transaction of a swap.
func (s *Storage) GetSwapTransactions(ctx context.Context, swapID string) ([]*swap.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, `SELECT `+txColumns+` FROM transactions WHERE swap_id = ? ORDER BY created_at ASC`, swapID)
}

func (s *Storage) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]*swap.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*swap.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row scanner) (*swap.Transaction, error) {
	var (
		tx        swap.Transaction
		kind      string
		raw       sql.NullString
		confirmed int
		createdAt int64
	)
	err := row.Scan(&tx.Symbol, &tx.ID, &tx.SwapID, &kind, &raw, &confirmed, &tx.BlockHeight, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.Kind = swap.TxKind(kind)
	tx.Raw = raw.String
	tx.Confirmed = confirmed == 1
	tx.CreatedAt = time.Unix(createdAt, 0)
	return &tx, nil
}
