// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/everclearorg/mark/chainservice"
	"github.com/everclearorg/mark/planner"
)

// SpokeIntentBuilder encodes newIntent calls against the hub's spoke
// contract on the intent's origin chain.
type SpokeIntentBuilder struct {
	spokes map[string]string            // chainID -> spoke contract
	assets map[string]map[string]string // chainID -> tickerHash -> token address
	sender string
}

// NewSpokeIntentBuilder creates a builder over the configured spoke contracts.
func NewSpokeIntentBuilder(spokes map[string]string, assets map[string]map[string]string, sender string) *SpokeIntentBuilder {
	return &SpokeIntentBuilder{spokes: spokes, assets: assets, sender: sender}
}

// newIntentSelector is keccak("newIntent(uint32[],address,address,uint256)")[:4]
var newIntentSelector = []byte{0xe6, 0x07, 0xb9, 0xaa}

// BuildIntentTx encodes the intent submission for the origin chain.
func (b *SpokeIntentBuilder) BuildIntentTx(_ context.Context, intent planner.Intent) (*chainservice.TxRequest, error) {
	spoke, ok := b.spokes[intent.Origin]
	if !ok {
		return nil, fmt.Errorf("no spoke contract configured for chain %s", intent.Origin)
	}
	asset, ok := b.assets[intent.Origin][intent.TickerHash]
	if !ok {
		return nil, fmt.Errorf("no asset for %s on chain %s", intent.TickerHash, intent.Origin)
	}

	destinations := make([]*big.Int, 0, len(intent.Destinations))
	for _, d := range intent.Destinations {
		id, ok := new(big.Int).SetString(d, 10)
		if !ok {
			return nil, fmt.Errorf("destination %q is not a chain id", d)
		}
		destinations = append(destinations, id)
	}

	data := encodeNewIntent(destinations, common.HexToAddress(b.sender), common.HexToAddress(asset), intent.Amount)
	return &chainservice.TxRequest{
		ChainID: intent.Origin,
		To:      spoke,
		Data:    data,
	}, nil
}

// encodeNewIntent ABI-encodes newIntent(uint32[] destinations, address
// receiver, address asset, uint256 amount).
func encodeNewIntent(destinations []*big.Int, receiver, asset common.Address, amount *big.Int) []byte {
	out := make([]byte, 0, 4+32*(5+len(destinations)))
	out = append(out, newIntentSelector...)
	// head: offset of the dynamic array, then the static args
	out = append(out, common.LeftPadBytes(big.NewInt(128).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(receiver.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(asset.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(amount.Bytes(), 32)...)
	// tail: array length then elements
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(destinations))).Bytes(), 32)...)
	for _, d := range destinations {
		out = append(out, common.LeftPadBytes(d.Bytes(), 32)...)
	}
	return out
}
