// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// PauseFlag names a process-wide pause switch.
type PauseFlag string

const (
	PauseRebalance PauseFlag = "rebalance"
	PauseOnDemand  PauseFlag = "ondemand"
	PausePurchase  PauseFlag = "purchase"
)

// SetPauseFlag stores a pause flag.
func (s *Store) SetPauseFlag(ctx context.Context, flag PauseFlag, paused bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pause_flags (key, paused, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET paused = EXCLUDED.paused, updated_at = now()`,
		string(flag), paused,
	)
	return errors.Wrap(err, "set pause flag")
}

// IsPaused reads a pause flag. The flag is re-read on every call so an admin
// toggle takes effect at the next tick or event, never later.
func (s *Store) IsPaused(ctx context.Context, flag PauseFlag) (bool, error) {
	var paused bool
	err := s.db.GetContext(ctx, &paused, `SELECT paused FROM pause_flags WHERE key = $1`, string(flag))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "read pause flag")
	}
	return paused, nil
}
