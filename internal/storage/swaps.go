// Package storage - Swap state persistence.
// This file provides CRUD operations for swaps, enabling recovery after
// restart.
package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
)

const swapColumns = `
	id, symbol, party_symbol, role,
	amount, party_amount, reward_for_redeem, party_reward_for_redeem,
	secret, secret_hash,
	to_address, refund_address, key_path,
	redeem_address, redeem_key_path, party_address,
	time_stamp, lock_time, party_lock_time,
	state_flags,
	payment_txid, party_payment_txid, redeem_txid, refund_txid, party_redeem_txid,
	last_redeem_try_at, last_refund_try_at,
	created_at, updated_at`

// UpsertSwap saves or updates a swap.
// Uses UPSERT pattern - creates if not exists, updates if exists. Identity
// and terms are fixed at creation; only progress columns change afterwards.
func (s *Storage) UpsertSwap(ctx context.Context, sw *swap.Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if sw.CreatedAt.IsZero() {
		sw.CreatedAt = now
	}
	sw.UpdatedAt = now

	query := `
		INSERT INTO swaps (` + swapColumns + `, terminal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			secret = excluded.secret,
			state_flags = excluded.state_flags,
			terminal = excluded.terminal,
			payment_txid = excluded.payment_txid,
			party_payment_txid = excluded.party_payment_txid,
			redeem_txid = excluded.redeem_txid,
			refund_txid = excluded.refund_txid,
			party_redeem_txid = excluded.party_redeem_txid,
			last_redeem_try_at = excluded.last_redeem_try_at,
			last_refund_try_at = excluded.last_refund_try_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sw.ID,
		sw.Symbol,
		sw.PartySymbol,
		string(sw.Role),
		sw.Amount,
		sw.PartyAmount,
		sw.RewardForRedeem,
		sw.PartyRewardForRedeem,
		hex.EncodeToString(sw.Secret),
		hex.EncodeToString(sw.SecretHash),
		sw.ToAddress,
		sw.RefundAddress,
		sw.KeyPath,
		sw.RedeemAddress,
		sw.RedeemKeyPath,
		sw.PartyAddress,
		sw.TimeStamp.Unix(),
		sw.LockTime,
		sw.PartyLockTime,
		uint32(sw.StateFlags),
		sw.PaymentTxID,
		sw.PartyPaymentTxID,
		sw.RedeemTxID,
		sw.RefundTxID,
		sw.PartyRedeemTxID,
		timeToUnixOrZero(sw.LastRedeemTryAt),
		timeToUnixOrZero(sw.LastRefundTryAt),
		sw.CreatedAt.Unix(),
		sw.UpdatedAt.Unix(),
		boolToInt(sw.StateFlags.IsTerminal()),
	)
	if err != nil {
		return fmt.Errorf("failed to save swap %s: %w", sw.ID, err)
	}
	return nil
}

// GetSwap retrieves a swap by ID.
func (s *Storage) GetSwap(ctx context.Context, id string) (*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = ?`, id)
	sw, err := scanSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", swap.ErrSwapNotFound, id)
	}
	return sw, err
}

// GetActiveSwaps returns all swaps that are not in a terminal state.
// These are the swaps resumed on startup.
func (s *Storage) GetActiveSwaps(ctx context.Context) ([]*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySwaps(ctx, `SELECT `+swapColumns+` FROM swaps WHERE terminal = 0 ORDER BY created_at ASC`)
}

// ListSwaps returns the most recent swaps, including completed ones.
func (s *Storage) ListSwaps(ctx context.Context, limit int) ([]*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	return s.querySwaps(ctx, `SELECT `+swapColumns+` FROM swaps ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *Storage) querySwaps(ctx context.Context, query string, args ...interface{}) ([]*swap.Swap, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*swap.Swap
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, sw)
	}
	return swaps, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row scanner) (*swap.Swap, error) {
	var (
		sw                                  swap.Swap
		role, secret, secretHash            string
		keyPath, redeemKeyPath              sql.NullString
		paymentTxID, partyPaymentTxID       sql.NullString
		redeemTxID, refundTxID, partyRedeem sql.NullString
		timeStamp, createdAt, updatedAt     int64
		lastRedeemTry, lastRefundTry        sql.NullInt64
		flags                               uint32
	)

	err := row.Scan(
		&sw.ID,
		&sw.Symbol,
		&sw.PartySymbol,
		&role,
		&sw.Amount,
		&sw.PartyAmount,
		&sw.RewardForRedeem,
		&sw.PartyRewardForRedeem,
		&secret,
		&secretHash,
		&sw.ToAddress,
		&sw.RefundAddress,
		&keyPath,
		&sw.RedeemAddress,
		&redeemKeyPath,
		&sw.PartyAddress,
		&timeStamp,
		&sw.LockTime,
		&sw.PartyLockTime,
		&flags,
		&paymentTxID,
		&partyPaymentTxID,
		&redeemTxID,
		&refundTxID,
		&partyRedeem,
		&lastRedeemTry,
		&lastRefundTry,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sw.Role = swap.Role(role)
	if sw.Secret, err = decodeHex(secret); err != nil {
		return nil, fmt.Errorf("swap %s: bad secret: %w", sw.ID, err)
	}
	if sw.SecretHash, err = decodeHex(secretHash); err != nil {
		return nil, fmt.Errorf("swap %s: bad secret hash: %w", sw.ID, err)
	}

	sw.KeyPath = keyPath.String
	sw.RedeemKeyPath = redeemKeyPath.String
	sw.StateFlags = swap.StateFlags(flags)
	sw.PaymentTxID = paymentTxID.String
	sw.PartyPaymentTxID = partyPaymentTxID.String
	sw.RedeemTxID = redeemTxID.String
	sw.RefundTxID = refundTxID.String
	sw.PartyRedeemTxID = partyRedeem.String

	sw.TimeStamp = time.Unix(timeStamp, 0)
	sw.LastRedeemTryAt = unixOrZeroToTime(lastRedeemTry.Int64)
	sw.LastRefundTryAt = unixOrZeroToTime(lastRefundTry.Int64)
	sw.CreatedAt = time.Unix(createdAt, 0)
	sw.UpdatedAt = time.Unix(updatedAt, 0)

	return &sw, nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// Ensure Storage implements swap.Repository
var _ swap.Repository = (*Storage)(nil)
