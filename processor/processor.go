// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package processor handles invoice and settlement events dequeued from the
// event queue: it validates, plans the split intents and submits them.
package processor

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/everclearorg/mark/cache"
	"github.com/everclearorg/mark/chainservice"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/metrics"
	"github.com/everclearorg/mark/planner"
)

const (
	retryAfterHub     = 60_000 // ms
	retryAfterEarmark = 10_000
	retryAfterPlanner = 10_000
)

// Hub is the slice of the hub client the processor uses.
type Hub interface {
	FetchInvoiceByID(ctx context.Context, id string) (*core.Invoice, error)
	GetMinAmounts(ctx context.Context, invoiceID string) (core.MinAmounts, error)
}

// PurchaseCache is the slice of the purchase cache the processor uses.
type PurchaseCache interface {
	IsPaused(ctx context.Context) (bool, error)
	GetPurchase(ctx context.Context, invoiceID string) (*cache.PurchaseRecord, error)
	AddPurchase(ctx context.Context, record *cache.PurchaseRecord) error
	RemovePurchase(ctx context.Context, invoiceID string) error
}

// EarmarkReader answers whether an invoice already has an active earmark.
type EarmarkReader interface {
	GetActiveEarmarkForInvoice(ctx context.Context, invoiceID string) (*core.Earmark, error)
}

// ChainService submits intents.
type ChainService interface {
	SubmitAndMonitor(ctx context.Context, req *chainservice.TxRequest) (*core.Receipt, error)
}

// BalanceSource supplies the planner's inputs: Mark's balances and the hub's
// custodied liquidity, both ticker -> chain -> canonical amount.
type BalanceSource interface {
	Balances(ctx context.Context) (map[string]map[string]*big.Int, error)
	Custodied(ctx context.Context) (map[string]map[string]*big.Int, error)
}

// IntentBuilder turns a planned intent into the transaction that submits it.
type IntentBuilder interface {
	BuildIntentTx(ctx context.Context, intent planner.Intent) (*chainservice.TxRequest, error)
}

// StaleEarmarkCleaner is notified when the hub no longer knows an invoice so
// earmarks reserved for it can be released.
type StaleEarmarkCleaner interface {
	CleanupStaleEarmarks(ctx context.Context, invoiceID string) error
}

// Config tunes the processor.
type Config struct {
	PlannerConfig planner.Config
	InvoiceAge    time.Duration
	XERC20Chains  map[string]bool // chains Mark cannot purchase on
}

// Processor implements the event handlers.
type Processor struct {
	hub      Hub
	cache    PurchaseCache
	earmarks EarmarkReader
	chain    ChainService
	balances BalanceSource
	builder  IntentBuilder
	cleaner  StaleEarmarkCleaner
	cfg      Config
	log      log.Logger
}

// New creates a Processor.
func New(
	hub Hub,
	purchaseCache PurchaseCache,
	earmarks EarmarkReader,
	chain ChainService,
	balances BalanceSource,
	builder IntentBuilder,
	cleaner StaleEarmarkCleaner,
	cfg Config,
) *Processor {
	return &Processor{
		hub:      hub,
		cache:    purchaseCache,
		earmarks: earmarks,
		chain:    chain,
		balances: balances,
		builder:  builder,
		cleaner:  cleaner,
		cfg:      cfg,
		log:      log.New("component", "processor"),
	}
}

// HandleInvoiceEnqueued processes one InvoiceEnqueued event.
func (p *Processor) HandleInvoiceEnqueued(ctx context.Context, event *core.QueuedEvent) core.HandlerOutcome {
	invoiceID := event.ID
	outcome := p.handleInvoice(ctx, invoiceID)
	outcome.EventID = invoiceID
	metrics.EventsProcessed.WithLabelValues(string(event.Type), string(outcome.Result)).Inc()
	return outcome
}

func (p *Processor) handleInvoice(ctx context.Context, invoiceID string) core.HandlerOutcome {
	invoice, err := p.hub.FetchInvoiceByID(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, core.ErrInvoiceNotFound) {
			// the hub pruned the invoice: it settled elsewhere. Release any
			// earmark still reserved for it and succeed.
			if p.cleaner != nil {
				if err := p.cleaner.CleanupStaleEarmarks(ctx, invoiceID); err != nil {
					p.log.Error("stale earmark cleanup failed", "invoice", invoiceID, "err", err)
				}
			}
			return core.HandlerOutcome{Result: core.HandlerSuccess}
		}
		return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterHub}
	}

	minAmounts, err := p.hub.GetMinAmounts(ctx, invoiceID)
	if err != nil {
		return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterHub}
	}

	paused, err := p.cache.IsPaused(ctx)
	if err != nil {
		return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterHub}
	}
	if paused {
		return core.HandlerOutcome{
			Result:     core.HandlerFailure,
			Err:        errors.New("purchasing is paused"),
			RetryAfter: retryAfterHub,
		}
	}

	earmark, err := p.earmarks.GetActiveEarmarkForInvoice(ctx, invoiceID)
	if err != nil {
		return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterHub}
	}
	if earmark != nil && earmark.Status == core.EarmarkPending {
		// funds for this invoice are still in flight; another cycle retries
		return core.HandlerOutcome{
			Result:     core.HandlerFailure,
			Err:        errors.Errorf("earmark %s pending for invoice", earmark.ID),
			RetryAfter: retryAfterEarmark,
		}
	}

	if err := core.ValidateInvoice(invoice, p.cfg.InvoiceAge, time.Now()); err != nil {
		if errors.Is(err, core.ErrInvalidAge) {
			return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterEarmark}
		}
		metrics.InvalidInvoices.Inc()
		return core.HandlerOutcome{Result: core.HandlerInvalid, Err: err}
	}

	if p.onlyXERC20Destinations(invoice) {
		metrics.InvalidInvoices.Inc()
		return core.HandlerOutcome{
			Result: core.HandlerInvalid,
			Err:    errors.Errorf("invoice %s only settles on XERC20 chains", invoiceID),
		}
	}

	existing, err := p.cache.GetPurchase(ctx, invoiceID)
	if err != nil {
		return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterHub}
	}
	if existing != nil {
		metrics.PendingPurchaseRecords.Inc()
		p.log.Debug("purchase already outstanding", "invoice", invoiceID, "tx", existing.TransactionHash)
		return core.HandlerOutcome{Result: core.HandlerSuccess}
	}

	balances, err := p.balances.Balances(ctx)
	if err != nil {
		return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterHub}
	}
	custodied, err := p.balances.Custodied(ctx)
	if err != nil {
		return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterHub}
	}

	plan := planner.Plan(planner.Input{
		Invoice:    invoice,
		MinAmounts: minAmounts,
		Balances:   balances,
		Custodied:  custodied,
	}, p.cfg.PlannerConfig)
	if len(plan.Intents) == 0 {
		return core.HandlerOutcome{
			Result:     core.HandlerFailure,
			Err:        errors.New("planner produced no intents"),
			RetryAfter: retryAfterPlanner,
		}
	}

	return p.submitIntents(ctx, invoiceID, plan)
}

func (p *Processor) submitIntents(ctx context.Context, invoiceID string, plan planner.Result) core.HandlerOutcome {
	for _, intent := range plan.Intents {
		req, err := p.builder.BuildIntentTx(ctx, intent)
		if err != nil {
			return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterPlanner}
		}
		receipt, err := p.chain.SubmitAndMonitor(ctx, req)
		if err != nil {
			return core.HandlerOutcome{Result: core.HandlerFailure, Err: err, RetryAfter: retryAfterPlanner}
		}
		if err := p.cache.AddPurchase(ctx, &cache.PurchaseRecord{
			InvoiceID:       invoiceID,
			Target:          intent.Origin,
			TransactionHash: receipt.TransactionHash,
		}); err != nil {
			// the intent is on-chain; losing the fingerprint only risks a
			// duplicate attempt that the hub will not settle twice
			p.log.Error("record purchase failed", "invoice", invoiceID, "err", err)
		}
		metrics.PurchasesSubmitted.WithLabelValues(intent.Origin).Inc()
		p.log.Info("intent submitted",
			"invoice", invoiceID, "origin", intent.Origin, "amount", intent.Amount, "tx", receipt.TransactionHash)
	}
	return core.HandlerOutcome{Result: core.HandlerSuccess}
}

func (p *Processor) onlyXERC20Destinations(invoice *core.Invoice) bool {
	if len(p.cfg.XERC20Chains) == 0 {
		return false
	}
	for _, destination := range invoice.Destinations {
		if !p.cfg.XERC20Chains[destination] {
			return false
		}
	}
	return true
}

// HandleSettlementEnqueued processes one SettlementEnqueued event: it clears
// the purchase fingerprint and records the clearance latency. A settlement
// with no fingerprint is a successful no-op.
func (p *Processor) HandleSettlementEnqueued(ctx context.Context, event *core.QueuedEvent) core.HandlerOutcome {
	invoiceID := event.ID

	record, err := p.cache.GetPurchase(ctx, invoiceID)
	if err != nil {
		metrics.EventsProcessed.WithLabelValues(string(event.Type), string(core.HandlerFailure)).Inc()
		return core.HandlerOutcome{Result: core.HandlerFailure, EventID: invoiceID, Err: err, RetryAfter: retryAfterEarmark}
	}
	if record == nil {
		metrics.EventsProcessed.WithLabelValues(string(event.Type), string(core.HandlerSuccess)).Inc()
		return core.HandlerOutcome{Result: core.HandlerSuccess, EventID: invoiceID}
	}

	if err := p.cache.RemovePurchase(ctx, invoiceID); err != nil {
		metrics.EventsProcessed.WithLabelValues(string(event.Type), string(core.HandlerFailure)).Inc()
		return core.HandlerOutcome{Result: core.HandlerFailure, EventID: invoiceID, Err: err, RetryAfter: retryAfterEarmark}
	}

	metrics.SettlementClearance.Observe(time.Since(record.CachedAt).Seconds())
	metrics.EventsProcessed.WithLabelValues(string(event.Type), string(core.HandlerSuccess)).Inc()
	p.log.Info("settlement cleared", "invoice", invoiceID, "clearance", time.Since(record.CachedAt))
	return core.HandlerOutcome{Result: core.HandlerSuccess, EventID: invoiceID}
}
