// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*PurchaseCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithTTL(rdb, ttl), mr
}

func TestPurchaseRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	record, err := c.GetPurchase(ctx, "inv-1")
	require.NoError(t, err)
	require.Nil(t, record)

	require.NoError(t, c.AddPurchase(ctx, &PurchaseRecord{
		InvoiceID:       "inv-1",
		Target:          "8453",
		TransactionHash: "0xhash",
	}))

	has, err := c.HasPurchase(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, has)

	record, err = c.GetPurchase(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, "8453", record.Target)
	require.Equal(t, "0xhash", record.TransactionHash)
	require.False(t, record.CachedAt.IsZero())

	require.NoError(t, c.RemovePurchase(ctx, "inv-1"))
	has, err = c.HasPurchase(ctx, "inv-1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestPurchaseExpiry(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.AddPurchase(ctx, &PurchaseRecord{InvoiceID: "inv-1", TransactionHash: "0x1"}))
	mr.FastForward(2 * time.Minute)

	record, err := c.GetPurchase(ctx, "inv-1")
	require.NoError(t, err)
	require.Nil(t, record)

	// expired records are pruned from the listing index
	records, err := c.ListPurchases(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestListPurchases(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.AddPurchase(ctx, &PurchaseRecord{InvoiceID: "inv-1", TransactionHash: "0x1"}))
	require.NoError(t, c.AddPurchase(ctx, &PurchaseRecord{InvoiceID: "inv-2", TransactionHash: "0x2"}))

	records, err := c.ListPurchases(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestPurchasePauseFlag(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	paused, err := c.IsPaused(ctx)
	require.NoError(t, err)
	require.False(t, paused)

	require.NoError(t, c.SetPaused(ctx, true))
	paused, err = c.IsPaused(ctx)
	require.NoError(t, err)
	require.True(t, paused)

	require.NoError(t, c.SetPaused(ctx, false))
	paused, err = c.IsPaused(ctx)
	require.NoError(t, err)
	require.False(t, paused)
}

func TestAddPurchaseRequiresInvoiceID(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	require.Error(t, c.AddPurchase(context.Background(), &PurchaseRecord{}))
}
