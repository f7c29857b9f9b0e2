// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"fmt"
	"time"
)

// Invoice is a hub-issued request to move a ticker amount to one of several
// candidate destination chains. Amounts are decimal strings in canonical
// 18-decimal units.
type Invoice struct {
	IntentID                    string   `json:"intent_id"`
	Amount                      string   `json:"amount"`
	TickerHash                  string   `json:"ticker_hash"`
	Owner                       string   `json:"owner"`
	Origin                      string   `json:"origin"`
	Destinations                []string `json:"destinations"`
	HubStatus                   string   `json:"hub_status"`
	HubInvoiceEnqueuedTimestamp int64    `json:"hub_invoice_enqueued_timestamp"` // unix seconds
}

// InvoiceAge returns how long the invoice has been enqueued on the hub.
func (inv *Invoice) InvoiceAge(now time.Time) time.Duration {
	return now.Sub(time.Unix(inv.HubInvoiceEnqueuedTimestamp, 0))
}

// ValidateInvoice checks the invoice shape and age. Shape defects are
// permanent; ErrInvalidAge is the one transient reason and callers retry it.
//
// The amount is validated as a decimal string. That is what the hub schema
// declares, so a numeric-typed amount is rejected upstream at decode time.
func ValidateInvoice(inv *Invoice, minAge time.Duration, now time.Time) error {
	if inv == nil {
		return fmt.Errorf("invoice is nil")
	}
	if inv.IntentID == "" {
		return fmt.Errorf("invoice has no intent id")
	}
	if inv.TickerHash == "" {
		return fmt.Errorf("invoice %s has no ticker hash", inv.IntentID)
	}
	if inv.Owner == "" {
		return fmt.Errorf("invoice %s has no owner", inv.IntentID)
	}
	if len(inv.Destinations) == 0 {
		return fmt.Errorf("invoice %s has no destinations", inv.IntentID)
	}
	amount, err := ParseAmount(inv.Amount)
	if err != nil {
		return fmt.Errorf("invoice %s: %w", inv.IntentID, err)
	}
	if amount.Sign() == 0 {
		return fmt.Errorf("invoice %s has zero amount", inv.IntentID)
	}
	if inv.HubInvoiceEnqueuedTimestamp <= 0 {
		return fmt.Errorf("invoice %s has no enqueued timestamp", inv.IntentID)
	}
	if inv.InvoiceAge(now) < minAge {
		return fmt.Errorf("invoice %s: %w", inv.IntentID, ErrInvalidAge)
	}
	return nil
}

// MinAmounts maps destination chain id to the minimum amount the hub will
// settle there, as decimal strings.
type MinAmounts map[string]string
