// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
)

type operationRow struct {
	ID                 string         `db:"id"`
	EarmarkID          sql.NullString `db:"earmark_id"`
	OriginChainID      string         `db:"origin_chain_id"`
	DestinationChainID string         `db:"destination_chain_id"`
	TickerHash         string         `db:"ticker_hash"`
	Amount             string         `db:"amount"`
	SlippageDbps       int64          `db:"slippage_dbps"`
	Bridge             string         `db:"bridge"`
	Status             string         `db:"status"`
	Recipient          string         `db:"recipient"`
	IsOrphaned         bool           `db:"is_orphaned"`
	Transactions       TransactionMap `db:"transactions"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *operationRow) toCore() *core.RebalanceOperation {
	op := &core.RebalanceOperation{
		ID:                 r.ID,
		OriginChainID:      r.OriginChainID,
		DestinationChainID: r.DestinationChainID,
		TickerHash:         r.TickerHash,
		Amount:             r.Amount,
		SlippageDbps:       r.SlippageDbps,
		Bridge:             r.Bridge,
		Status:             core.OperationStatus(r.Status),
		Recipient:          r.Recipient,
		IsOrphaned:         r.IsOrphaned,
		Transactions:       map[string]core.TransactionEntry(r.Transactions),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.EarmarkID.Valid {
		id := r.EarmarkID.String
		op.EarmarkID = &id
	}
	return op
}

// CreateOperation inserts a new rebalance operation. The earmark row, when
// one is referenced, must already exist: creation order is earmark first.
func (s *Store) CreateOperation(ctx context.Context, op *core.RebalanceOperation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status == "" {
		op.Status = core.OperationPending
	}
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	var earmarkID sql.NullString
	if op.EarmarkID != nil {
		earmarkID = sql.NullString{String: *op.EarmarkID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rebalance_operations
			(id, earmark_id, origin_chain_id, destination_chain_id, ticker_hash, amount,
			 slippage_dbps, bridge, status, recipient, is_orphaned, transactions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		op.ID, earmarkID, op.OriginChainID, op.DestinationChainID, op.TickerHash, op.Amount,
		op.SlippageDbps, op.Bridge, string(op.Status), op.Recipient, op.IsOrphaned,
		TransactionMap(op.Transactions), op.CreatedAt, op.UpdatedAt,
	)
	return errors.Wrap(err, "create operation")
}

// GetOperation returns an operation by id, or nil when it does not exist.
func (s *Store) GetOperation(ctx context.Context, id string) (*core.RebalanceOperation, error) {
	var row operationRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM rebalance_operations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get operation")
	}
	return row.toCore(), nil
}

// OperationFilter narrows ListOperations.
type OperationFilter struct {
	Statuses  []core.OperationStatus
	ChainID   string // matches origin or destination
	EarmarkID string
	Limit     int
	Offset    int
}

// ListOperations returns operations matching the filter, oldest first so the
// engine drives legs in creation order.
func (s *Store) ListOperations(ctx context.Context, filter OperationFilter) ([]*core.RebalanceOperation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > config.ListLimitMax {
		limit = config.ListLimitMax
	}

	query := `SELECT * FROM rebalance_operations WHERE 1=1`
	args := []any{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		inQuery, inArgs, err := sqlx.In(` AND status IN (?)`, statuses)
		if err != nil {
			return nil, errors.Wrap(err, "list operations")
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	if filter.ChainID != "" {
		query += ` AND (origin_chain_id = ? OR destination_chain_id = ?)`
		args = append(args, filter.ChainID, filter.ChainID)
	}
	if filter.EarmarkID != "" {
		query += ` AND earmark_id = ?`
		args = append(args, filter.EarmarkID)
	}
	query += ` ORDER BY created_at ASC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	var rows []operationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list operations")
	}
	out := make([]*core.RebalanceOperation, len(rows))
	for i := range rows {
		out[i] = rows[i].toCore()
	}
	return out, nil
}

// OperationsForEarmark returns every leg linked to an earmark, oldest first.
func (s *Store) OperationsForEarmark(ctx context.Context, earmarkID string) ([]*core.RebalanceOperation, error) {
	return s.ListOperations(ctx, OperationFilter{EarmarkID: earmarkID})
}

// ListLiveOperations returns every operation the callback pump must drive.
func (s *Store) ListLiveOperations(ctx context.Context) ([]*core.RebalanceOperation, error) {
	return s.ListOperations(ctx, OperationFilter{
		Statuses: []core.OperationStatus{core.OperationPending, core.OperationAwaitingCallback},
	})
}

// UpdateOperation persists status, orphan flag and transactions after a
// lifecycle step. The transition is validated against the stored status.
func (s *Store) UpdateOperation(ctx context.Context, op *core.RebalanceOperation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "update operation")
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.GetContext(ctx, &current, `SELECT status FROM rebalance_operations WHERE id = $1 FOR UPDATE`, op.ID); err != nil {
		return errors.Wrapf(err, "update operation %s", op.ID)
	}
	if current != string(op.Status) && !core.OperationStatus(current).CanTransition(op.Status) {
		return errors.Wrapf(core.ErrInvalidTransition, "operation %s: %s -> %s", op.ID, current, op.Status)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rebalance_operations
		SET status = $1, is_orphaned = $2, transactions = $3, updated_at = now()
		WHERE id = $4`,
		string(op.Status), op.IsOrphaned, TransactionMap(op.Transactions), op.ID,
	); err != nil {
		return errors.Wrapf(err, "update operation %s", op.ID)
	}
	return errors.Wrap(tx.Commit(), "update operation")
}

// CancelOperation laterally exits a live operation. Terminal operations
// reject the transition.
func (s *Store) CancelOperation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "cancel operation")
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.GetContext(ctx, &current, `SELECT status FROM rebalance_operations WHERE id = $1 FOR UPDATE`, id); err != nil {
		return errors.Wrapf(err, "cancel operation %s", id)
	}
	if !core.OperationStatus(current).CanTransition(core.OperationCancelled) {
		return errors.Wrapf(core.ErrInvalidTransition, "operation %s: %s -> cancelled", id, current)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rebalance_operations SET status = $1, updated_at = now() WHERE id = $2`,
		string(core.OperationCancelled), id,
	); err != nil {
		return errors.Wrapf(err, "cancel operation %s", id)
	}
	return errors.Wrap(tx.Commit(), "cancel operation")
}

// OrphanOperationsForEarmark flips every live operation of a cancelled
// earmark to orphaned without touching its status, so the engine can still
// drive it to completion.
func (s *Store) OrphanOperationsForEarmark(ctx context.Context, earmarkID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rebalance_operations
		SET is_orphaned = TRUE, updated_at = now()
		WHERE earmark_id = $1 AND status IN ('pending', 'awaiting_callback')`,
		earmarkID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "orphan operations")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "orphan operations")
}
