// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rebalance

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/everclearorg/mark/bridge"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/metrics"
)

// Leg describes a follow-up transfer a multi-leg adapter schedules once the
// previous leg has delivered to the intermediate chain.
type Leg struct {
	Bridge bridge.SupportedBridge
	Route  bridge.Route
	Amount *big.Int
}

// MultiLegger is implemented by adapters whose routes traverse an
// intermediate chain. NextLeg returns nil when the completed leg was final.
type MultiLegger interface {
	NextLeg(ctx context.Context, route bridge.Route, originReceipt *core.Receipt) (*Leg, error)
}

// runCallbacks is Phase A: expire stale earmarks, then poll every live
// operation's destination readiness and drive it through its state machine.
// Orphaned operations are driven exactly like live ones; only their earmark
// is left untouched.
func (e *Engine) runCallbacks(ctx context.Context) {
	e.expireEarmarks(ctx)

	ops, err := e.store.ListLiveOperations(ctx)
	if err != nil {
		e.log.Error("list live operations failed", "err", err)
		return
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		if err := e.driveOperation(ctx, op); err != nil {
			e.log.Error("callback failed", "operation", op.ID, "bridge", op.Bridge, "err", err)
		}
	}
}

// driveOperation advances one operation as far as this tick allows.
func (e *Engine) driveOperation(ctx context.Context, op *core.RebalanceOperation) error {
	adapter, err := e.registry.Get(bridge.SupportedBridge(op.Bridge))
	if err != nil {
		return err
	}
	route := e.routeFor(op)
	amount, err := core.ParseAmount(op.Amount)
	if err != nil {
		return err
	}
	originEntry, ok := op.Transactions[op.OriginChainID]
	if !ok {
		// origin transfer never made it out; the submitting phase retries
		return nil
	}
	originReceipt := receiptFromEntry(originEntry)

	if op.Status == core.OperationPending {
		ready, err := adapter.ReadyOnDestination(ctx, amount, route, originReceipt)
		if err != nil {
			if errors.Is(err, bridge.ErrTransferFailed) {
				return e.cancelOperation(ctx, op)
			}
			return err
		}
		if !ready {
			return nil
		}
		if err := op.Transition(core.OperationAwaitingCallback, time.Now().UTC()); err != nil {
			return err
		}
		if err := e.store.UpdateOperation(ctx, op); err != nil {
			return err
		}
		metrics.RebalanceOperations.WithLabelValues(string(core.OperationAwaitingCallback)).Inc()
	}

	if op.Status == core.OperationAwaitingCallback {
		cbTx, err := adapter.DestinationCallback(ctx, route, originReceipt)
		if err != nil {
			if errors.Is(err, bridge.ErrTransferFailed) {
				return e.cancelOperation(ctx, op)
			}
			return err
		}
		if cbTx != nil {
			receipt, err := e.chain.SubmitAndMonitor(ctx, txRequest(*cbTx))
			if err != nil {
				// leave the operation in awaiting_callback; next tick retries
				return errors.Wrap(err, "submit destination callback")
			}
			op.AttachTransaction(cbTx.ChainID, entryFromReceipt(receipt, string(cbTx.Memo)))
		}
		if err := op.Transition(core.OperationCompleted, time.Now().UTC()); err != nil {
			return err
		}
		if err := e.store.UpdateOperation(ctx, op); err != nil {
			return err
		}
		metrics.RebalanceOperations.WithLabelValues(string(core.OperationCompleted)).Inc()
		e.log.Info("operation completed", "operation", op.ID, "bridge", op.Bridge, "destination", op.DestinationChainID)

		return e.onOperationCompleted(ctx, op, adapter, route, originReceipt, amount)
	}

	return nil
}

// onOperationCompleted schedules the next leg of a multi-leg route, or marks
// the earmark ready once the final leg has delivered. Earmarks of orphaned
// operations stay cancelled.
func (e *Engine) onOperationCompleted(
	ctx context.Context,
	op *core.RebalanceOperation,
	adapter bridge.Adapter,
	route bridge.Route,
	originReceipt *core.Receipt,
	amount *big.Int,
) error {
	if op.EarmarkID == nil {
		return nil
	}

	if m, ok := adapter.(MultiLegger); ok {
		next, err := m.NextLeg(ctx, route, originReceipt)
		if err != nil {
			return errors.Wrap(err, "plan next leg")
		}
		if next != nil {
			legAdapter, err := e.registry.Get(next.Bridge)
			if err != nil {
				return err
			}
			legAmount := next.Amount
			if legAmount == nil {
				legAmount = amount
			}
			if _, err := e.executeBridgeLegs(ctx, legAdapter, op.EarmarkID, next.Route, legAmount, op.SlippageDbps); err != nil {
				return errors.Wrap(err, "start next leg")
			}
			return nil
		}
	}

	if op.IsOrphaned {
		return nil
	}

	legs, err := e.store.OperationsForEarmark(ctx, *op.EarmarkID)
	if err != nil {
		return err
	}
	for _, leg := range legs {
		if leg.Status != core.OperationCompleted {
			return nil
		}
	}
	if err := e.store.UpdateEarmarkStatus(ctx, *op.EarmarkID, core.EarmarkReady); err != nil {
		return errors.Wrap(err, "mark earmark ready")
	}
	e.log.Info("earmark ready", "earmark", *op.EarmarkID)
	return nil
}

func (e *Engine) cancelOperation(ctx context.Context, op *core.RebalanceOperation) error {
	if err := op.Transition(core.OperationCancelled, time.Now().UTC()); err != nil {
		return err
	}
	if err := e.store.UpdateOperation(ctx, op); err != nil {
		return err
	}
	metrics.RebalanceOperations.WithLabelValues(string(core.OperationCancelled)).Inc()
	e.log.Warn("operation cancelled", "operation", op.ID, "bridge", op.Bridge)
	return nil
}

// expireEarmarks moves earmarks past their TTL into expired and orphans their
// live operations so in-flight funds still land safely.
func (e *Engine) expireEarmarks(ctx context.Context) {
	if e.cfg.EarmarkTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-e.cfg.EarmarkTTL)
	stale, err := e.store.ListExpiredEarmarks(ctx, cutoff)
	if err != nil {
		e.log.Error("list expired earmarks failed", "err", err)
		return
	}
	for _, earmark := range stale {
		if err := e.store.UpdateEarmarkStatus(ctx, earmark.ID, core.EarmarkExpired); err != nil {
			e.log.Error("expire earmark failed", "earmark", earmark.ID, "err", err)
			continue
		}
		if _, err := e.store.OrphanOperationsForEarmark(ctx, earmark.ID); err != nil {
			e.log.Error("orphan operations failed", "earmark", earmark.ID, "err", err)
		}
		e.log.Info("earmark expired", "earmark", earmark.ID, "invoice", earmark.InvoiceID)
	}
}
