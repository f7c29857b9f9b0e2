// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package poller reconciles the event queue against the hub: it re-enqueues
// invoices missed by the webhook stream and detects settlements by spotting
// purchases whose invoices the hub has pruned.
package poller

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/everclearorg/mark/cache"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/hub"
)

const backfillPageSize = 100

// Hub is the slice of the hub client the poller uses.
type Hub interface {
	FetchInvoiceByID(ctx context.Context, id string) (*core.Invoice, error)
	FetchInvoicesByTxNonce(ctx context.Context, cursor string, limit int) (*hub.InvoicePage, error)
}

// Queue is the slice of the event queue the poller uses.
type Queue interface {
	Enqueue(ctx context.Context, event *core.QueuedEvent, force bool) (bool, error)
	HasEvent(ctx context.Context, t core.EventType, id string) (bool, error)
	IsInvalidInvoice(ctx context.Context, id string) (bool, error)
	IsSettledInvoice(ctx context.Context, id string) (bool, error)
	AddSettledInvoice(ctx context.Context, id string) error
	BackfillCursor(ctx context.Context) (string, error)
	SetBackfillCursor(ctx context.Context, cursor string) error
}

// Purchases is the slice of the purchase cache the poller uses.
type Purchases interface {
	ListPurchases(ctx context.Context) ([]*cache.PurchaseRecord, error)
}

// Poller runs the backfill sweep on a fixed interval.
type Poller struct {
	hub       Hub
	queue     Queue
	purchases Purchases
	interval  time.Duration
	log       log.Logger
}

// New creates a Poller.
func New(h Hub, q Queue, purchases Purchases, interval time.Duration) *Poller {
	return &Poller{
		hub:       h,
		queue:     q,
		purchases: purchases,
		interval:  interval,
		log:       log.New("component", "poller"),
	}
}

// Run sweeps until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("backfill poller starting", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("backfill poller stopped")
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("backfill sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass: backfill missed invoices, then detect
// settlements for outstanding purchases.
func (p *Poller) Sweep(ctx context.Context) error {
	if err := p.backfillInvoices(ctx); err != nil {
		return err
	}
	return p.detectSettlements(ctx)
}

// backfillInvoices pages hub invoices from the persisted cursor and enqueues
// any the queue does not already know, skipping ids marked invalid or
// settled. Backfilled events retry forever: nothing about them is urgent and
// their processing is idempotent.
func (p *Poller) backfillInvoices(ctx context.Context) error {
	cursor, err := p.queue.BackfillCursor(ctx)
	if err != nil {
		return err
	}

	page, err := p.hub.FetchInvoicesByTxNonce(ctx, cursor, backfillPageSize)
	if err != nil {
		return errors.Wrap(err, "fetch invoice page")
	}

	enqueued := 0
	for _, invoice := range page.Invoices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		skip, err := p.shouldSkip(ctx, invoice.IntentID)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		added, err := p.queue.Enqueue(ctx, &core.QueuedEvent{
			ID:          invoice.IntentID,
			Type:        core.EventInvoiceEnqueued,
			Priority:    core.PriorityLow,
			MaxRetries:  core.RetryForever,
			ScheduledAt: time.Now().UnixMilli(),
		}, false)
		if err != nil {
			return err
		}
		if added {
			enqueued++
		}
	}

	if page.NextCursor != "" && page.NextCursor != cursor {
		if err := p.queue.SetBackfillCursor(ctx, page.NextCursor); err != nil {
			return err
		}
	}
	if enqueued > 0 {
		p.log.Info("backfilled invoices", "count", enqueued, "cursor", page.NextCursor)
	}
	return nil
}

func (p *Poller) shouldSkip(ctx context.Context, invoiceID string) (bool, error) {
	if has, err := p.queue.HasEvent(ctx, core.EventInvoiceEnqueued, invoiceID); err != nil || has {
		return has, err
	}
	if invalid, err := p.queue.IsInvalidInvoice(ctx, invoiceID); err != nil || invalid {
		return invalid, err
	}
	if settled, err := p.queue.IsSettledInvoice(ctx, invoiceID); err != nil || settled {
		return settled, err
	}
	return false, nil
}

// detectSettlements looks up every outstanding purchase on the hub. A 404
// means the invoice settled and was pruned from the hub's view, so a
// settlement event is enqueued and the invoice marked settled.
func (p *Poller) detectSettlements(ctx context.Context) error {
	records, err := p.purchases.ListPurchases(ctx)
	if err != nil {
		return errors.Wrap(err, "list purchases")
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := p.hub.FetchInvoiceByID(ctx, record.InvoiceID)
		if err == nil {
			continue
		}
		if !errors.Is(err, core.ErrInvoiceNotFound) {
			p.log.Warn("settlement probe failed", "invoice", record.InvoiceID, "err", err)
			continue
		}
		if _, err := p.queue.Enqueue(ctx, &core.QueuedEvent{
			ID:          record.InvoiceID,
			Type:        core.EventSettlementEnqueued,
			Priority:    core.PriorityNormal,
			MaxRetries:  core.RetryForever,
			ScheduledAt: time.Now().UnixMilli(),
		}, false); err != nil {
			return err
		}
		if err := p.queue.AddSettledInvoice(ctx, record.InvoiceID); err != nil {
			return err
		}
		p.log.Info("settlement detected via backfill", "invoice", record.InvoiceID)
	}
	return nil
}
