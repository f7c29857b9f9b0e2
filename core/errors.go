// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import "errors"

var (
	// ErrInvoiceNotFound is returned when the hub has no record of an invoice
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrInvalidAge is returned when an invoice is younger than the configured
	// minimum age. The condition is transient: the caller should retry.
	ErrInvalidAge = errors.New("invoice below minimum age")

	// ErrInvalidTransition is returned when a status change violates the
	// earmark or operation lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateEarmark is returned when a non-terminal earmark already
	// exists for the invoice
	ErrDuplicateEarmark = errors.New("active earmark already exists for invoice")

	// ErrInvalidAmount is returned when a decimal amount string cannot be parsed
	ErrInvalidAmount = errors.New("invalid amount string")
)
