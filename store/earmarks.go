// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
)

const pgUniqueViolation = "23505"

type earmarkRow struct {
	ID                      string    `db:"id"`
	InvoiceID               string    `db:"invoice_id"`
	DesignatedPurchaseChain string    `db:"designated_purchase_chain"`
	TickerHash              string    `db:"ticker_hash"`
	MinAmount               string    `db:"min_amount"`
	Status                  string    `db:"status"`
	CreatedAt               time.Time `db:"created_at"`
	UpdatedAt               time.Time `db:"updated_at"`
}

func (r *earmarkRow) toCore() *core.Earmark {
	return &core.Earmark{
		ID:                      r.ID,
		InvoiceID:               r.InvoiceID,
		DesignatedPurchaseChain: r.DesignatedPurchaseChain,
		TickerHash:              r.TickerHash,
		MinAmount:               r.MinAmount,
		Status:                  core.EarmarkStatus(r.Status),
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}
}

// CreateEarmark inserts a new pending earmark. The partial unique index on
// invoice_id turns a concurrent attempt for the same invoice into
// core.ErrDuplicateEarmark: the other worker won.
func (s *Store) CreateEarmark(ctx context.Context, e *core.Earmark) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = core.EarmarkPending
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO earmarks (id, invoice_id, designated_purchase_chain, ticker_hash, min_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.InvoiceID, e.DesignatedPurchaseChain, e.TickerHash, e.MinAmount, string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return core.ErrDuplicateEarmark
		}
		return errors.Wrap(err, "create earmark")
	}
	return nil
}

// GetEarmark returns an earmark by id, or nil when it does not exist.
func (s *Store) GetEarmark(ctx context.Context, id string) (*core.Earmark, error) {
	var row earmarkRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM earmarks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get earmark")
	}
	return row.toCore(), nil
}

// GetActiveEarmarkForInvoice returns the single non-terminal earmark for the
// invoice, or nil when none exists.
func (s *Store) GetActiveEarmarkForInvoice(ctx context.Context, invoiceID string) (*core.Earmark, error) {
	var row earmarkRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM earmarks
		WHERE invoice_id = $1 AND status IN ('pending', 'ready')`,
		invoiceID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get active earmark")
	}
	return row.toCore(), nil
}

// EarmarkFilter narrows ListEarmarks.
type EarmarkFilter struct {
	Status    core.EarmarkStatus
	InvoiceID string
	Limit     int
	Offset    int
}

// ListEarmarks returns earmarks matching the filter, newest first.
func (s *Store) ListEarmarks(ctx context.Context, filter EarmarkFilter) ([]*core.Earmark, error) {
	limit := filter.Limit
	if limit <= 0 || limit > config.ListLimitMax {
		limit = config.ListLimitMax
	}

	query := `SELECT * FROM earmarks WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + itoa(len(args))
	}
	if filter.InvoiceID != "" {
		args = append(args, filter.InvoiceID)
		query += ` AND invoice_id = $` + itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))
	args = append(args, filter.Offset)
	query += ` OFFSET $` + itoa(len(args))

	var rows []earmarkRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list earmarks")
	}
	out := make([]*core.Earmark, len(rows))
	for i := range rows {
		out[i] = rows[i].toCore()
	}
	return out, nil
}

// ListExpiredEarmarks returns non-terminal earmarks created before the cutoff.
func (s *Store) ListExpiredEarmarks(ctx context.Context, cutoff time.Time) ([]*core.Earmark, error) {
	var rows []earmarkRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM earmarks
		WHERE status IN ('pending', 'ready') AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list expired earmarks")
	}
	out := make([]*core.Earmark, len(rows))
	for i := range rows {
		out[i] = rows[i].toCore()
	}
	return out, nil
}

// UpdateEarmarkStatus applies a lifecycle transition. The current status is
// read and validated inside the transaction so concurrent updates serialise.
func (s *Store) UpdateEarmarkStatus(ctx context.Context, id string, next core.EarmarkStatus) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "update earmark status")
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.GetContext(ctx, &current, `SELECT status FROM earmarks WHERE id = $1 FOR UPDATE`, id); err != nil {
		return errors.Wrapf(err, "update earmark %s", id)
	}
	if !core.EarmarkStatus(current).CanTransition(next) {
		return errors.Wrapf(core.ErrInvalidTransition, "earmark %s: %s -> %s", id, current, next)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE earmarks SET status = $1, updated_at = now() WHERE id = $2`,
		string(next), id,
	); err != nil {
		return errors.Wrapf(err, "update earmark %s", id)
	}
	return errors.Wrap(tx.Commit(), "update earmark status")
}

// CancelEarmark cancels an earmark and orphans its live operations so the
// engine keeps driving in-flight funds without marking the earmark ready.
func (s *Store) CancelEarmark(ctx context.Context, id string) error {
	if err := s.UpdateEarmarkStatus(ctx, id, core.EarmarkCancelled); err != nil {
		return err
	}
	n, err := s.OrphanOperationsForEarmark(ctx, id)
	if err != nil {
		return err
	}
	s.log.Info("earmark cancelled", "earmark", id, "orphanedOperations", n)
	return nil
}

// CleanupStaleEarmarks releases the active earmark of an invoice the hub no
// longer knows about.
func (s *Store) CleanupStaleEarmarks(ctx context.Context, invoiceID string) error {
	earmark, err := s.GetActiveEarmarkForInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if earmark == nil {
		return nil
	}
	return s.CancelEarmark(ctx, earmark.ID)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
