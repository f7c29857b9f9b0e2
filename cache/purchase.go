// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cache holds the short-lived purchase fingerprints that suppress
// duplicate invoice purchases while the hub is still propagating settlement
// events, plus the process-wide pause flag for the purchase loop.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/everclearorg/mark/config"
)

const (
	purchasePrefix   = "purchase:"
	purchaseIndexKey = "purchase:index"
	pausedKey        = "purchase:paused"
)

// PurchaseRecord fingerprints an outstanding purchase of an invoice.
type PurchaseRecord struct {
	InvoiceID       string          `json:"invoiceId"`
	Target          string          `json:"target"` // destination chain the intent was submitted on
	Intent          json.RawMessage `json:"intent,omitempty"`
	TransactionHash string          `json:"transactionHash"`
	CachedAt        time.Time       `json:"cachedAt"`
}

// PurchaseCache is the Redis-backed fingerprint store.
type PurchaseCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a PurchaseCache with the default TTL.
func New(rdb *redis.Client) *PurchaseCache {
	return &PurchaseCache{rdb: rdb, ttl: config.PurchaseTTL}
}

// NewWithTTL creates a PurchaseCache with a custom TTL.
func NewWithTTL(rdb *redis.Client, ttl time.Duration) *PurchaseCache {
	return &PurchaseCache{rdb: rdb, ttl: ttl}
}

// AddPurchase records a purchase fingerprint for an invoice. The index set
// lets the backfill poller enumerate outstanding purchases; entries fall out
// of the index lazily when their record expires.
func (c *PurchaseCache) AddPurchase(ctx context.Context, record *PurchaseRecord) error {
	if record.InvoiceID == "" {
		return fmt.Errorf("purchase record has no invoice id")
	}
	if record.CachedAt.IsZero() {
		record.CachedAt = time.Now()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("add purchase %s: %w", record.InvoiceID, err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, purchasePrefix+record.InvoiceID, payload, c.ttl)
	pipe.SAdd(ctx, purchaseIndexKey, record.InvoiceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add purchase %s: %w", record.InvoiceID, err)
	}
	return nil
}

// GetPurchase returns the fingerprint for an invoice, or nil when none exists.
func (c *PurchaseCache) GetPurchase(ctx context.Context, invoiceID string) (*PurchaseRecord, error) {
	payload, err := c.rdb.Get(ctx, purchasePrefix+invoiceID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase %s: %w", invoiceID, err)
	}
	var record PurchaseRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("get purchase %s: %w", invoiceID, err)
	}
	return &record, nil
}

// HasPurchase reports whether an outstanding purchase exists for the invoice.
func (c *PurchaseCache) HasPurchase(ctx context.Context, invoiceID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, purchasePrefix+invoiceID).Result()
	if err != nil {
		return false, fmt.Errorf("has purchase %s: %w", invoiceID, err)
	}
	return n > 0, nil
}

// RemovePurchase deletes the fingerprint for an invoice.
func (c *PurchaseCache) RemovePurchase(ctx context.Context, invoiceID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, purchasePrefix+invoiceID)
	pipe.SRem(ctx, purchaseIndexKey, invoiceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove purchase %s: %w", invoiceID, err)
	}
	return nil
}

// ListPurchases returns every outstanding purchase record. Expired records
// are pruned from the index as they are encountered.
func (c *PurchaseCache) ListPurchases(ctx context.Context) ([]*PurchaseRecord, error) {
	ids, err := c.rdb.SMembers(ctx, purchaseIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	records := make([]*PurchaseRecord, 0, len(ids))
	for _, id := range ids {
		record, err := c.GetPurchase(ctx, id)
		if err != nil {
			return nil, err
		}
		if record == nil {
			// record expired; drop the stale index entry
			_ = c.rdb.SRem(ctx, purchaseIndexKey, id).Err()
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// SetPaused pauses or resumes the purchase loop.
func (c *PurchaseCache) SetPaused(ctx context.Context, paused bool) error {
	if paused {
		return c.rdb.Set(ctx, pausedKey, "1", 0).Err()
	}
	return c.rdb.Del(ctx, pausedKey).Err()
}

// IsPaused reports whether purchasing is paused. Re-read on every call.
func (c *PurchaseCache) IsPaused(ctx context.Context) (bool, error) {
	v, err := c.rdb.Get(ctx, pausedKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("purchase paused: %w", err)
	}
	return v == "1", nil
}
