// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"fmt"
	"time"
)

// OperationStatus is the lifecycle state of a rebalance operation.
type OperationStatus string

const (
	OperationPending          OperationStatus = "pending"
	OperationAwaitingCallback OperationStatus = "awaiting_callback"
	OperationCompleted        OperationStatus = "completed"
	OperationExpired          OperationStatus = "expired"
	OperationCancelled        OperationStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationExpired, OperationCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an operation may move from s to next.
// Status advances monotonically pending -> awaiting_callback -> completed,
// with lateral exits into cancelled or expired from either live state.
func (s OperationStatus) CanTransition(next OperationStatus) bool {
	switch s {
	case OperationPending:
		switch next {
		case OperationAwaitingCallback, OperationCompleted, OperationCancelled, OperationExpired:
			return true
		}
	case OperationAwaitingCallback:
		switch next {
		case OperationCompleted, OperationCancelled, OperationExpired:
			return true
		}
	}
	return false
}

// TransactionEntry records a transaction hash and receipt metadata for one
// chain touched by an operation.
type TransactionEntry struct {
	Hash              string `json:"hash"`
	From              string `json:"from"`
	To                string `json:"to"`
	Memo              string `json:"memo,omitempty"`
	BlockNumber       uint64 `json:"blockNumber,omitempty"`
	EffectiveGasPrice string `json:"effectiveGasPrice,omitempty"`
	Status            *int   `json:"status,omitempty"`
}

// RebalanceOperation is one directional transfer of Mark's own liquidity.
// Multi-leg routes are modelled as several operations linked by EarmarkID.
type RebalanceOperation struct {
	ID                 string                      `json:"id"`
	EarmarkID          *string                     `json:"earmarkId"` // nil for standalone threshold rebalancing
	OriginChainID      string                      `json:"originChainId"`
	DestinationChainID string                      `json:"destinationChainId"`
	TickerHash         string                      `json:"tickerHash"`
	Amount             string                      `json:"amount"`
	SlippageDbps       int64                       `json:"slippageDbps"`
	Bridge             string                      `json:"bridge"`
	Status             OperationStatus             `json:"status"`
	Recipient          string                      `json:"recipient"`
	IsOrphaned         bool                        `json:"isOrphaned"`
	Transactions       map[string]TransactionEntry `json:"transactions"`
	CreatedAt          time.Time                   `json:"createdAt"`
	UpdatedAt          time.Time                   `json:"updatedAt"`
}

// Transition validates and applies a status change.
func (op *RebalanceOperation) Transition(next OperationStatus, now time.Time) error {
	if !op.Status.CanTransition(next) {
		return fmt.Errorf("operation %s: %s -> %s: %w", op.ID, op.Status, next, ErrInvalidTransition)
	}
	op.Status = next
	op.UpdatedAt = now
	return nil
}

// AttachTransaction records a transaction against the chain it executed on.
func (op *RebalanceOperation) AttachTransaction(chainID string, entry TransactionEntry) {
	if op.Transactions == nil {
		op.Transactions = make(map[string]TransactionEntry)
	}
	op.Transactions[chainID] = entry
}
