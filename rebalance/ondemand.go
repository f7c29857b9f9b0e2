// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rebalance

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	"github.com/everclearorg/mark/bridge"
	"github.com/everclearorg/mark/core"
)

// runOnDemand is Phase B: earmark and bridge funds toward invoices whose
// destination chain cannot cover the intent. The committed map tracks origin
// balance consumed earlier in this same tick so two invoices never spend the
// same liquidity.
func (e *Engine) runOnDemand(ctx context.Context, committed map[string]*big.Int) {
	outstanding, err := e.invoices.Outstanding(ctx)
	if err != nil {
		e.log.Error("fetch outstanding invoices failed", "err", err)
		return
	}

	for _, entry := range outstanding {
		if ctx.Err() != nil {
			return
		}
		if err := e.rebalanceForInvoice(ctx, entry, committed); err != nil {
			e.log.Error("on-demand rebalance failed", "invoice", entry.Invoice.IntentID, "err", err)
		}
	}
}

// rebalanceForInvoice creates at most one earmark (plus its first operation)
// for the invoice.
func (e *Engine) rebalanceForInvoice(ctx context.Context, entry OutstandingInvoice, committed map[string]*big.Int) error {
	inv := entry.Invoice

	existing, err := e.store.GetActiveEarmarkForInvoice(ctx, inv.IntentID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	for _, destination := range inv.Destinations {
		if _, monitored := e.asset(destination, inv.TickerHash); !monitored {
			continue
		}
		done, err := e.tryEarmark(ctx, inv, entry.MinAmounts, destination, committed)
		if err != nil {
			if errors.Is(err, core.ErrDuplicateEarmark) {
				// another worker won the race for this invoice
				return nil
			}
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// tryEarmark checks the shortfall on one candidate destination and, when a
// rebalance is warranted and fundable, creates the earmark and submits the
// first bridge leg. Returns true when an earmark was created or the
// destination already holds enough.
func (e *Engine) tryEarmark(
	ctx context.Context,
	inv *core.Invoice,
	minAmounts core.MinAmounts,
	destination string,
	committed map[string]*big.Int,
) (bool, error) {
	needed, err := intentAmount(inv, minAmounts, destination)
	if err != nil {
		return false, err
	}

	destinationBalance, err := e.canonicalBalance(ctx, destination, inv.TickerHash)
	if err != nil {
		return false, err
	}
	if destinationBalance.Cmp(needed) >= 0 {
		// destination already funded; nothing to do for this invoice
		return true, nil
	}

	shortfall := new(big.Int).Sub(needed, destinationBalance)
	minAmount := e.cfg.MinRebalanceAmounts[inv.TickerHash]
	if minAmount != nil && shortfall.Cmp(minAmount) < 0 {
		return false, nil
	}

	for _, route := range e.cfg.Routes {
		if route.DestinationChainID != destination || route.TickerHash != inv.TickerHash {
			continue
		}
		created, err := e.fundShortfall(ctx, inv, route.OriginChainID, destination, shortfall, route.Preferences, route.SlippageDbps, committed)
		if err != nil {
			return false, err
		}
		if created {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) fundShortfall(
	ctx context.Context,
	inv *core.Invoice,
	origin, destination string,
	shortfall *big.Int,
	preferences []string,
	slippages []int64,
	committed map[string]*big.Int,
) (bool, error) {
	originBalance, err := e.canonicalBalance(ctx, origin, inv.TickerHash)
	if err != nil {
		return false, err
	}

	key := origin + "/" + inv.TickerHash
	available := new(big.Int).Set(originBalance)
	if spent, ok := committed[key]; ok {
		available.Sub(available, spent)
	}
	minAmount := e.cfg.MinRebalanceAmounts[inv.TickerHash]
	if available.Sign() <= 0 || (minAmount != nil && available.Cmp(minAmount) < 0) {
		return false, nil
	}

	amountToBridge := core.MinBig(shortfall, available)

	route := bridge.Route{
		OriginChainID:      origin,
		DestinationChainID: destination,
		TickerHash:         inv.TickerHash,
	}
	if a, ok := e.asset(origin, inv.TickerHash); ok {
		route.OriginAsset = a.Address
	}
	if a, ok := e.asset(destination, inv.TickerHash); ok {
		route.DestinationAsset = a.Address
	}

	adapter, slippage := e.selectAdapter(ctx, preferences, slippages, route, amountToBridge)
	if adapter == nil {
		e.log.Warn("no bridge acceptable for on-demand route",
			"invoice", inv.IntentID, "origin", origin, "destination", destination)
		return false, nil
	}

	// The earmark row exists before any of its operations.
	earmark := &core.Earmark{
		InvoiceID:               inv.IntentID,
		DesignatedPurchaseChain: destination,
		TickerHash:              inv.TickerHash,
		MinAmount:               amountToBridge.String(),
		Status:                  core.EarmarkPending,
	}
	if err := e.store.CreateEarmark(ctx, earmark); err != nil {
		return false, err
	}
	e.log.Info("earmark created",
		"earmark", earmark.ID, "invoice", inv.IntentID, "destination", destination, "amount", amountToBridge)

	if _, err := e.executeBridgeLegs(ctx, adapter, &earmark.ID, route, amountToBridge, slippage); err != nil {
		// no transaction went out: release the reservation so the next tick
		// can try again from scratch
		if stErr := e.store.UpdateEarmarkStatus(ctx, earmark.ID, core.EarmarkFailed); stErr != nil {
			e.log.Error("release earmark failed", "earmark", earmark.ID, "err", stErr)
		}
		return false, err
	}

	if spent, ok := committed[key]; ok {
		spent.Add(spent, amountToBridge)
	} else {
		committed[key] = new(big.Int).Set(amountToBridge)
	}
	return true, nil
}

// intentAmount is what the destination must hold to purchase the invoice: the
// hub's per-destination minimum when known, the invoice amount otherwise.
func intentAmount(inv *core.Invoice, minAmounts core.MinAmounts, destination string) (*big.Int, error) {
	if s, ok := minAmounts[destination]; ok {
		return core.ParseAmount(s)
	}
	return core.ParseAmount(inv.Amount)
}
