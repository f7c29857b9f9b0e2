// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/hub"
	"github.com/everclearorg/mark/rebalance"
)

// TokenBalancer reads Mark's token balances.
type TokenBalancer interface {
	TokenBalance(ctx context.Context, chainID, asset string) (*big.Int, error)
}

// LiveBalanceSource reads Mark's balances from the chains and custodied
// liquidity from the hub's economy data, both normalised to canonical
// 18-decimal units.
type LiveBalanceSource struct {
	chain  TokenBalancer
	hub    *hub.Client
	assets map[string]map[string]rebalance.Asset // chainID -> tickerHash -> asset
	log    log.Logger
}

// NewLiveBalanceSource creates a LiveBalanceSource over the configured assets.
func NewLiveBalanceSource(chain TokenBalancer, hubClient *hub.Client, assets map[string]map[string]rebalance.Asset) *LiveBalanceSource {
	return &LiveBalanceSource{
		chain:  chain,
		hub:    hubClient,
		assets: assets,
		log:    log.New("component", "processor"),
	}
}

// Balances reads Mark's balance of every configured asset. A chain that
// fails to answer is reported as holding nothing this round.
func (s *LiveBalanceSource) Balances(ctx context.Context) (map[string]map[string]*big.Int, error) {
	out := make(map[string]map[string]*big.Int)
	for chainID, assets := range s.assets {
		for tickerHash, asset := range assets {
			native, err := s.chain.TokenBalance(ctx, chainID, asset.Address)
			if err != nil {
				s.log.Warn("balance read failed", "chain", chainID, "ticker", tickerHash, "err", err)
				continue
			}
			if out[tickerHash] == nil {
				out[tickerHash] = make(map[string]*big.Int)
			}
			out[tickerHash][chainID] = core.ScaleDecimals(native, asset.Decimals, core.WadDecimals)
		}
	}
	return out, nil
}

// Custodied reads the hub's custodied liquidity per chain.
func (s *LiveBalanceSource) Custodied(ctx context.Context) (map[string]map[string]*big.Int, error) {
	data, err := s.hub.FetchEconomyData(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]*big.Int)
	for chainID, chain := range data.Chains {
		for tickerHash, amount := range chain.CustodiedAssets {
			parsed, err := core.ParseAmount(amount)
			if err != nil {
				s.log.Warn("bad custodied amount", "chain", chainID, "ticker", tickerHash, "err", err)
				continue
			}
			if out[tickerHash] == nil {
				out[tickerHash] = make(map[string]*big.Int)
			}
			out[tickerHash][chainID] = parsed
		}
	}
	return out, nil
}
