// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import "time"

const (
	// Event queue
	DequeueBatchMax   = 1000
	DeadLetterTTL     = 7 * 24 * time.Hour
	MarkerTTL         = 24 * time.Hour
	RetryBaseDelay    = 2 * time.Second
	RetryMaxDelay     = 5 * time.Minute
	DefaultMaxRetries = 5

	// Purchase cache
	PurchaseTTL = 30 * time.Minute

	// Rebalance engine
	DefaultTickInterval = 30 * time.Second
	DefaultPollInterval = 60 * time.Second
	DefaultSlippageDbps = 1000 // 10 bps (0.1%)
	MaxDestinations     = 10

	// External I/O
	HTTPTimeout          = 30 * time.Second
	ReceiptPollInterval  = 3 * time.Second
	ReceiptTimeout       = 5 * time.Minute
	AttestationTimeoutV1 = 30 * time.Minute

	// Admin surface
	ListLimitMax = 1000
)
