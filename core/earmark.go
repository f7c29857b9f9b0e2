// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"fmt"
	"time"
)

// EarmarkStatus is the lifecycle state of an earmark.
type EarmarkStatus string

const (
	EarmarkPending   EarmarkStatus = "pending"
	EarmarkReady     EarmarkStatus = "ready"
	EarmarkCompleted EarmarkStatus = "completed"
	EarmarkCancelled EarmarkStatus = "cancelled"
	EarmarkFailed    EarmarkStatus = "failed"
	EarmarkExpired   EarmarkStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s EarmarkStatus) Terminal() bool {
	switch s {
	case EarmarkCompleted, EarmarkCancelled, EarmarkFailed, EarmarkExpired:
		return true
	}
	return false
}

// CanTransition reports whether an earmark may move from s to next.
// The only forward path is pending -> ready -> completed; pending and ready
// may also fall laterally into cancelled, failed or expired.
func (s EarmarkStatus) CanTransition(next EarmarkStatus) bool {
	switch s {
	case EarmarkPending:
		switch next {
		case EarmarkReady, EarmarkCancelled, EarmarkFailed, EarmarkExpired:
			return true
		}
	case EarmarkReady:
		switch next {
		case EarmarkCompleted, EarmarkCancelled, EarmarkFailed, EarmarkExpired:
			return true
		}
	}
	return false
}

// Earmark reserves yet-to-arrive bridged funds against a specific invoice.
// At most one non-terminal earmark may exist per invoice id.
type Earmark struct {
	ID                      string        `json:"id"`
	InvoiceID               string        `json:"invoiceId"`
	DesignatedPurchaseChain string        `json:"designatedPurchaseChain"`
	TickerHash              string        `json:"tickerHash"`
	MinAmount               string        `json:"minAmount"`
	Status                  EarmarkStatus `json:"status"`
	CreatedAt               time.Time     `json:"createdAt"`
	UpdatedAt               time.Time     `json:"updatedAt"`
}

// Transition validates and applies a status change.
func (e *Earmark) Transition(next EarmarkStatus, now time.Time) error {
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("earmark %s: %s -> %s: %w", e.ID, e.Status, next, ErrInvalidTransition)
	}
	e.Status = next
	e.UpdatedAt = now
	return nil
}
