// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rebalance drives Mark's liquidity across chains. A periodic tick
// runs three phases in order: callbacks advance in-flight operations,
// on-demand rebalancing earmarks funds for specific invoices, threshold
// rebalancing drains overfull origins along configured maintenance routes.
package rebalance

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/everclearorg/mark/bridge"
	"github.com/everclearorg/mark/chainservice"
	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/metrics"
	"github.com/everclearorg/mark/store"
)

// Store is the slice of the operations store the engine uses.
type Store interface {
	CreateEarmark(ctx context.Context, e *core.Earmark) error
	GetActiveEarmarkForInvoice(ctx context.Context, invoiceID string) (*core.Earmark, error)
	UpdateEarmarkStatus(ctx context.Context, id string, next core.EarmarkStatus) error
	ListExpiredEarmarks(ctx context.Context, cutoff time.Time) ([]*core.Earmark, error)
	OrphanOperationsForEarmark(ctx context.Context, earmarkID string) (int64, error)

	CreateOperation(ctx context.Context, op *core.RebalanceOperation) error
	ListLiveOperations(ctx context.Context) ([]*core.RebalanceOperation, error)
	OperationsForEarmark(ctx context.Context, earmarkID string) ([]*core.RebalanceOperation, error)
	UpdateOperation(ctx context.Context, op *core.RebalanceOperation) error

	IsPaused(ctx context.Context, flag store.PauseFlag) (bool, error)
}

// ChainService is the slice of the chain layer the engine uses.
type ChainService interface {
	SubmitAndMonitor(ctx context.Context, req *chainservice.TxRequest) (*core.Receipt, error)
	TokenBalance(ctx context.Context, chainID, asset string) (*big.Int, error)
}

// OutstandingInvoice pairs an invoice with its per-destination minimums.
type OutstandingInvoice struct {
	Invoice    *core.Invoice
	MinAmounts core.MinAmounts
}

// InvoiceSource supplies the outstanding invoices Phase B considers.
type InvoiceSource interface {
	Outstanding(ctx context.Context) ([]OutstandingInvoice, error)
}

// Asset locates a ticker's token contract on one chain.
type Asset struct {
	Address  string
	Decimals uint8
}

// Config tunes the engine.
type Config struct {
	Routes              []config.RouteConfig
	Assets              map[string]map[string]Asset // chainID -> tickerHash -> asset
	MinRebalanceAmounts map[string]*big.Int         // tickerHash -> canonical minimum
	Sender              string                      // Mark's signer address
	Recipient           string                      // destination recipient, normally the sender
	EarmarkTTL          time.Duration
	TickInterval        time.Duration
}

// Engine is the rebalance controller.
type Engine struct {
	store    Store
	registry *bridge.Registry
	chain    ChainService
	invoices InvoiceSource
	cfg      Config
	log      log.Logger

	ticking atomic.Bool
}

// New creates an Engine.
func New(st Store, registry *bridge.Registry, chain ChainService, invoices InvoiceSource, cfg Config) *Engine {
	if cfg.Recipient == "" {
		cfg.Recipient = cfg.Sender
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = config.DefaultTickInterval
	}
	return &Engine{
		store:    st,
		registry: registry,
		chain:    chain,
		invoices: invoices,
		cfg:      cfg,
		log:      log.New("component", "rebalance"),
	}
}

// Run ticks the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.log.Info("rebalance engine starting", "interval", e.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("rebalance engine stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one engine pass. Only one tick executes at a time; a tick that
// fires while the previous one is still running is skipped.
func (e *Engine) Tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		e.log.Warn("tick skipped: previous tick still running")
		metrics.RebalanceTicks.WithLabelValues("skipped").Inc()
		return
	}
	defer e.ticking.Store(false)
	start := time.Now()

	// Phase A first so nothing that just arrived is re-bridged.
	e.runCallbacks(ctx)

	if ctx.Err() != nil {
		return
	}
	if paused, err := e.store.IsPaused(ctx, store.PauseOnDemand); err != nil {
		e.log.Error("on-demand pause check failed", "err", err)
	} else if !paused {
		committed := make(map[string]*big.Int)
		e.runOnDemand(ctx, committed)
	}

	if ctx.Err() != nil {
		return
	}
	if paused, err := e.store.IsPaused(ctx, store.PauseRebalance); err != nil {
		e.log.Error("rebalance pause check failed", "err", err)
	} else if !paused {
		e.runThreshold(ctx)
	}

	metrics.RebalanceTicks.WithLabelValues("completed").Inc()
	e.log.Debug("tick complete", "elapsed", time.Since(start))
}

// asset returns the token location for a ticker on a chain.
func (e *Engine) asset(chainID, tickerHash string) (Asset, bool) {
	assets, ok := e.cfg.Assets[chainID]
	if !ok {
		return Asset{}, false
	}
	a, ok := assets[tickerHash]
	return a, ok
}

// routeFor reconstructs the bridge route an operation travels.
func (e *Engine) routeFor(op *core.RebalanceOperation) bridge.Route {
	route := bridge.Route{
		OriginChainID:      op.OriginChainID,
		DestinationChainID: op.DestinationChainID,
		TickerHash:         op.TickerHash,
	}
	if a, ok := e.asset(op.OriginChainID, op.TickerHash); ok {
		route.OriginAsset = a.Address
	}
	if a, ok := e.asset(op.DestinationChainID, op.TickerHash); ok {
		route.DestinationAsset = a.Address
	}
	return route
}

// canonicalBalance reads Mark's balance of a ticker on a chain in canonical
// 18-decimal units.
func (e *Engine) canonicalBalance(ctx context.Context, chainID, tickerHash string) (*big.Int, error) {
	a, ok := e.asset(chainID, tickerHash)
	if !ok {
		return nil, errors.Errorf("no asset configured for %s on chain %s", tickerHash, chainID)
	}
	native, err := e.chain.TokenBalance(ctx, chainID, a.Address)
	if err != nil {
		return nil, err
	}
	return core.ScaleDecimals(native, a.Decimals, core.WadDecimals), nil
}

// executeBridgeLegs asks the adapter for the leg's transactions, submits them
// in order (approvals before the bridge call) and persists the resulting
// operation in pending. When no transaction at all was submitted the error is
// returned and nothing persists, so the next tick retries cleanly.
func (e *Engine) executeBridgeLegs(
	ctx context.Context,
	adapter bridge.Adapter,
	earmarkID *string,
	route bridge.Route,
	amount *big.Int,
	slippageDbps int64,
) (*core.RebalanceOperation, error) {
	txs, err := adapter.Send(ctx, e.cfg.Sender, e.cfg.Recipient, amount, route)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s transactions", adapter.Type())
	}

	op := &core.RebalanceOperation{
		EarmarkID:          earmarkID,
		OriginChainID:      route.OriginChainID,
		DestinationChainID: route.DestinationChainID,
		TickerHash:         route.TickerHash,
		Amount:             amount.String(),
		SlippageDbps:       slippageDbps,
		Bridge:             string(adapter.Type()),
		Status:             core.OperationPending,
		Recipient:          e.cfg.Recipient,
	}

	submitted := 0
	for _, t := range txs {
		receipt, err := e.chain.SubmitAndMonitor(ctx, txRequest(t))
		if err != nil {
			if submitted == 0 {
				return nil, errors.Wrapf(err, "submit %s %s", adapter.Type(), t.Memo)
			}
			// a leg is in flight: persist what happened and let the next
			// tick drive it forward
			e.log.Error("bridge leg partially submitted", "bridge", adapter.Type(), "memo", t.Memo, "err", err)
			break
		}
		submitted++
		op.AttachTransaction(t.ChainID, entryFromReceipt(receipt, string(t.Memo)))
	}

	if err := e.store.CreateOperation(ctx, op); err != nil {
		return nil, errors.Wrap(err, "persist operation")
	}
	metrics.RebalanceOperations.WithLabelValues(string(core.OperationPending)).Inc()
	metrics.BridgedAmount.WithLabelValues(string(adapter.Type())).Add(float64FromBig(amount))
	e.log.Info("rebalance operation created",
		"id", op.ID, "bridge", op.Bridge, "origin", op.OriginChainID, "destination", op.DestinationChainID, "amount", op.Amount)
	return op, nil
}

// selectAdapter walks the preference list and returns the first adapter whose
// quote satisfies the slippage envelope and any adapter minimum.
func (e *Engine) selectAdapter(
	ctx context.Context,
	preferences []string,
	slippages []int64,
	route bridge.Route,
	amount *big.Int,
) (bridge.Adapter, int64) {
	for i, tag := range preferences {
		adapter, err := e.registry.Get(bridge.SupportedBridge(tag))
		if err != nil {
			e.log.Warn("preferred bridge not registered", "bridge", tag)
			continue
		}
		slippage := slippageFor(slippages, i)

		if m, ok := adapter.(bridge.MinimumAmounter); ok {
			minimum, err := m.GetMinimumAmount(ctx, route)
			if err != nil {
				e.log.Warn("minimum amount check failed", "bridge", tag, "err", err)
				continue
			}
			if minimum != nil && amount.Cmp(minimum) < 0 {
				continue
			}
		}

		received, err := adapter.GetReceivedAmount(ctx, amount, route)
		if err != nil {
			e.log.Warn("quote failed", "bridge", tag, "err", err)
			continue
		}
		if !core.WithinSlippage(received, amount, slippage) {
			e.log.Warn("quote outside slippage envelope",
				"bridge", tag, "amount", amount, "received", received, "slippageDbps", slippage)
			continue
		}
		return adapter, slippage
	}
	return nil, 0
}

func slippageFor(slippages []int64, i int) int64 {
	if i < len(slippages) {
		return slippages[i]
	}
	if len(slippages) > 0 {
		return slippages[len(slippages)-1]
	}
	return config.DefaultSlippageDbps
}

func txRequest(t bridge.Transaction) *chainservice.TxRequest {
	req := &chainservice.TxRequest{
		ChainID: t.ChainID,
		Value:   t.Tx.Value(),
		Data:    t.Tx.Data(),
	}
	if to := t.Tx.To(); to != nil {
		req.To = to.Hex()
	}
	return req
}

func entryFromReceipt(r *core.Receipt, memo string) core.TransactionEntry {
	entry := core.TransactionEntry{
		Hash:              r.TransactionHash,
		From:              r.From,
		To:                r.To,
		Memo:              memo,
		BlockNumber:       r.BlockNumber,
		EffectiveGasPrice: r.EffectiveGasPrice,
	}
	if r.Status != nil {
		status := *r.Status
		entry.Status = &status
	}
	return entry
}

// receiptFromEntry rebuilds the normalised receipt the adapter callbacks
// need from the persisted transaction entry.
func receiptFromEntry(entry core.TransactionEntry) *core.Receipt {
	r := &core.Receipt{
		TransactionHash:   entry.Hash,
		From:              entry.From,
		To:                entry.To,
		BlockNumber:       entry.BlockNumber,
		EffectiveGasPrice: entry.EffectiveGasPrice,
	}
	if entry.Status != nil {
		status := *entry.Status
		r.Status = &status
	}
	return r
}

func float64FromBig(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
