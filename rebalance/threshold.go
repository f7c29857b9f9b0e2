// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rebalance

import (
	"context"
	"math/big"

	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
)

// runThreshold is Phase C: for every configured maintenance route, drain the
// origin down to its reserve when it holds more than its maximum, using the
// first bridge in the preference list whose quote is acceptable. Threshold
// operations are standalone: they carry no earmark.
func (e *Engine) runThreshold(ctx context.Context) {
	for _, route := range e.cfg.Routes {
		if ctx.Err() != nil {
			return
		}
		if err := e.maintainRoute(ctx, route); err != nil {
			e.log.Error("threshold rebalance failed",
				"origin", route.OriginChainID, "destination", route.DestinationChainID, "err", err)
		}
	}
}

func (e *Engine) maintainRoute(ctx context.Context, rc config.RouteConfig) error {
	maximum, err := core.ParseAmount(rc.Maximum)
	if err != nil || maximum.Sign() == 0 {
		// routes without a maximum are on-demand only
		return nil
	}

	originBalance, err := e.canonicalBalance(ctx, rc.OriginChainID, rc.TickerHash)
	if err != nil {
		return err
	}
	if originBalance.Cmp(maximum) <= 0 {
		return nil
	}

	floor := maximum
	if rc.Reserve != "" {
		if reserve, err := core.ParseAmount(rc.Reserve); err == nil {
			floor = reserve
		}
	}
	amountToBridge := new(big.Int).Sub(originBalance, floor)
	if amountToBridge.Sign() <= 0 {
		return nil
	}
	if minAmount := e.cfg.MinRebalanceAmounts[rc.TickerHash]; minAmount != nil && amountToBridge.Cmp(minAmount) < 0 {
		return nil
	}

	route := e.routeFor(&core.RebalanceOperation{
		OriginChainID:      rc.OriginChainID,
		DestinationChainID: rc.DestinationChainID,
		TickerHash:         rc.TickerHash,
	})

	adapter, slippage := e.selectAdapter(ctx, rc.Preferences, rc.SlippageDbps, route, amountToBridge)
	if adapter == nil {
		e.log.Warn("no bridge acceptable for maintenance route",
			"origin", rc.OriginChainID, "destination", rc.DestinationChainID, "ticker", rc.TickerHash)
		return nil
	}

	_, err = e.executeBridgeLegs(ctx, adapter, nil, route, amountToBridge, slippage)
	return err
}
