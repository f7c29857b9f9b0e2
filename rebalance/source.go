// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rebalance

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/hub"
	"github.com/everclearorg/mark/utils"
)

// minAmountsTTL bounds how stale a cached per-destination minimum may be.
const minAmountsTTL = 30 * time.Second

type cachedMinAmounts struct {
	amounts  core.MinAmounts
	cachedAt time.Time
}

// HubInvoiceSource feeds Phase B from the hub's open invoice listing.
// Per-destination minimums are cached briefly so an invoice seen on several
// engine ticks within one window costs a single hub round trip. The cache
// belongs to this source alone; the processor's lookups do not use it.
type HubInvoiceSource struct {
	client     *hub.Client
	limit      int
	minAmounts *utils.LRUCache[string, cachedMinAmounts]
	log        log.Logger
}

// NewHubInvoiceSource creates a source reading up to limit invoices per tick.
func NewHubInvoiceSource(client *hub.Client, limit int) *HubInvoiceSource {
	if limit <= 0 {
		limit = 100
	}
	return &HubInvoiceSource{
		client:     client,
		limit:      limit,
		minAmounts: utils.NewLRUCache[string, cachedMinAmounts](512),
		log:        log.New("component", "rebalance"),
	}
}

// Outstanding returns the first page of open invoices with their minimums.
// An invoice whose minimums cannot be fetched is skipped this tick rather
// than failing the whole batch.
func (s *HubInvoiceSource) Outstanding(ctx context.Context) ([]OutstandingInvoice, error) {
	page, err := s.client.FetchInvoicesByTxNonce(ctx, "", s.limit)
	if err != nil {
		return nil, err
	}
	out := make([]OutstandingInvoice, 0, len(page.Invoices))
	for _, inv := range page.Invoices {
		minAmounts, err := s.minAmountsFor(ctx, inv.IntentID)
		if err != nil {
			s.log.Warn("min amounts unavailable", "invoice", inv.IntentID, "err", err)
			continue
		}
		out = append(out, OutstandingInvoice{Invoice: inv, MinAmounts: minAmounts})
	}
	return out, nil
}

func (s *HubInvoiceSource) minAmountsFor(ctx context.Context, invoiceID string) (core.MinAmounts, error) {
	if cached, ok := s.minAmounts.Get(invoiceID); ok && time.Since(cached.cachedAt) < minAmountsTTL {
		return cached.amounts, nil
	}
	amounts, err := s.client.GetMinAmounts(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	s.minAmounts.Put(invoiceID, cachedMinAmounts{amounts: amounts, cachedAt: time.Now()})
	return amounts, nil
}
