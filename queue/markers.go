// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/everclearorg/mark/config"
)

const (
	cursorKey     = "backfill:cursor"
	invalidPrefix = "marker:invalid:"
	settledPrefix = "marker:settled:"
)

// BackfillCursor returns the persisted backfill cursor, empty when unset.
func (q *Queue) BackfillCursor(ctx context.Context) (string, error) {
	v, err := q.rdb.Get(ctx, cursorKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("backfill cursor: %w", err)
	}
	return v, nil
}

// SetBackfillCursor persists the backfill cursor.
func (q *Queue) SetBackfillCursor(ctx context.Context, cursor string) error {
	if err := q.rdb.Set(ctx, cursorKey, cursor, 0).Err(); err != nil {
		return fmt.Errorf("set backfill cursor: %w", err)
	}
	return nil
}

// AddInvalidInvoice marks an invoice id as permanently invalid so the
// backfill poller stops re-enqueueing it. The marker expires after the TTL.
func (q *Queue) AddInvalidInvoice(ctx context.Context, id string) error {
	return q.setMarker(ctx, invalidPrefix+id)
}

// IsInvalidInvoice reports whether the invoice id carries an invalid marker.
func (q *Queue) IsInvalidInvoice(ctx context.Context, id string) (bool, error) {
	return q.hasMarker(ctx, invalidPrefix+id)
}

// AddSettledInvoice marks an invoice id as settled.
func (q *Queue) AddSettledInvoice(ctx context.Context, id string) error {
	return q.setMarker(ctx, settledPrefix+id)
}

// IsSettledInvoice reports whether the invoice id carries a settled marker.
func (q *Queue) IsSettledInvoice(ctx context.Context, id string) (bool, error) {
	return q.hasMarker(ctx, settledPrefix+id)
}

func (q *Queue) setMarker(ctx context.Context, key string) error {
	if err := q.rdb.Set(ctx, key, "1", config.MarkerTTL).Err(); err != nil {
		return fmt.Errorf("set marker %s: %w", key, err)
	}
	return nil
}

func (q *Queue) hasMarker(ctx context.Context, key string) (bool, error) {
	n, err := q.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("marker %s: %w", key, err)
	}
	return n > 0, nil
}
