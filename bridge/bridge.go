// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge defines the uniform capability set every rebalance back-end
// implements, whether it is an onchain bridge, a CEX withdrawal API or a
// two-leg route, plus the registry the engine selects adapters from.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/everclearorg/mark/core"
)

// SupportedBridge tags a registered adapter.
type SupportedBridge string

// Memo classifies a transaction within a bridge leg.
type Memo string

const (
	MemoApproval  Memo = "approval"
	MemoRebalance Memo = "rebalance"
	MemoWrap      Memo = "wrap"
	MemoMint      Memo = "mint"
)

// Route describes one directional transfer an adapter can quote and execute.
type Route struct {
	OriginChainID      string
	DestinationChainID string
	TickerHash         string
	OriginAsset        string
	DestinationAsset   string
}

// Transaction pairs an unsigned transaction with its role in the leg. The
// engine submits entries in order: approvals first, then the bridge call.
type Transaction struct {
	Memo    Memo
	ChainID string
	Tx      *types.Transaction
}

// Adapter is the capability set of a bridge back-end. Implementations must
// keep Send idempotent for approvals: the engine re-attempts a failed
// submission on the next tick.
type Adapter interface {
	// Type returns the adapter's registry tag.
	Type() SupportedBridge

	// GetReceivedAmount quotes the amount delivered on the destination for
	// sending amount along route. No side effects.
	GetReceivedAmount(ctx context.Context, amount *big.Int, route Route) (*big.Int, error)

	// Send builds the ordered transactions that move amount along route.
	Send(ctx context.Context, sender, recipient string, amount *big.Int, route Route) ([]Transaction, error)

	// ReadyOnDestination reports whether the transfer recorded by
	// originReceipt can be finalised on the destination.
	ReadyOnDestination(ctx context.Context, amount *big.Int, route Route, originReceipt *core.Receipt) (bool, error)

	// DestinationCallback returns the finalising transaction for the
	// destination, or nil when the bridge needs none.
	DestinationCallback(ctx context.Context, route Route, originReceipt *core.Receipt) (*Transaction, error)
}

// MinimumAmounter is implemented by adapters with a lower bound per route.
type MinimumAmounter interface {
	GetMinimumAmount(ctx context.Context, route Route) (*big.Int, error)
}

var (
	// ErrAdapterNotFound is returned when no adapter carries the requested tag
	ErrAdapterNotFound = errors.New("bridge adapter not registered")

	// ErrUnsupportedRoute is returned by adapters for asset/chain pairs they
	// cannot serve
	ErrUnsupportedRoute = errors.New("unsupported route")

	// ErrTransferFailed is returned by adapters when the back-end reports a
	// permanently failed transfer; the engine cancels the operation
	ErrTransferFailed = errors.New("bridge transfer failed")
)

// Registry holds the configured adapters keyed by tag.
type Registry struct {
	mu       sync.RWMutex
	adapters map[SupportedBridge]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[SupportedBridge]Adapter)}
}

// Register adds an adapter under its tag. Re-registering a tag replaces the
// previous adapter.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for a tag.
func (r *Registry) Get(tag SupportedBridge) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, tag)
	}
	return adapter, nil
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []SupportedBridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]SupportedBridge, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
