// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("100000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "100000000000000000000", v.String())

	_, err = ParseAmount("")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseAmount("12.5")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseAmount("-3")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestApplySlippage(t *testing.T) {
	amount := big.NewInt(1_000_000)

	// 100 dbps = 1 bp = 0.01%
	require.Equal(t, int64(999_900), ApplySlippage(amount, 100).Int64())
	require.Equal(t, int64(1_000_000), ApplySlippage(amount, 0).Int64())

	require.True(t, WithinSlippage(big.NewInt(999_900), amount, 100))
	require.False(t, WithinSlippage(big.NewInt(999_899), amount, 100))
}

func TestScaleDecimals(t *testing.T) {
	wad := new(big.Int)
	wad.SetString("5000000000000000000", 10) // 5 * 10^18

	native := ScaleDecimals(wad, 18, 6)
	require.Equal(t, "5000000", native.String())

	back := ScaleDecimals(native, 6, 18)
	require.Equal(t, wad.String(), back.String())

	// truncation on the way down
	dusty := new(big.Int).Add(wad, big.NewInt(1))
	require.Equal(t, "5000000", ScaleDecimals(dusty, 18, 6).String())
}

func TestEarmarkTransitions(t *testing.T) {
	now := time.Now()
	e := &Earmark{ID: "e1", Status: EarmarkPending}

	require.NoError(t, e.Transition(EarmarkReady, now))
	require.NoError(t, e.Transition(EarmarkCompleted, now))
	require.True(t, e.Status.Terminal())

	// terminal states reject everything
	err := e.Transition(EarmarkPending, now)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// pending may exit laterally
	for _, lateral := range []EarmarkStatus{EarmarkCancelled, EarmarkFailed, EarmarkExpired} {
		e := &Earmark{ID: "e2", Status: EarmarkPending}
		require.NoError(t, e.Transition(lateral, now))
	}

	// pending may not skip ready
	e = &Earmark{ID: "e3", Status: EarmarkPending}
	require.ErrorIs(t, e.Transition(EarmarkCompleted, now), ErrInvalidTransition)
}

func TestOperationTransitions(t *testing.T) {
	now := time.Now()
	op := &RebalanceOperation{ID: "op1", Status: OperationPending}

	require.NoError(t, op.Transition(OperationAwaitingCallback, now))
	require.NoError(t, op.Transition(OperationCompleted, now))
	require.ErrorIs(t, op.Transition(OperationPending, now), ErrInvalidTransition)

	// lateral exits from both live states
	op = &RebalanceOperation{ID: "op2", Status: OperationPending}
	require.NoError(t, op.Transition(OperationCancelled, now))

	op = &RebalanceOperation{ID: "op3", Status: OperationAwaitingCallback}
	require.NoError(t, op.Transition(OperationExpired, now))

	// completed never regresses
	op = &RebalanceOperation{ID: "op4", Status: OperationCompleted}
	require.ErrorIs(t, op.Transition(OperationAwaitingCallback, now), ErrInvalidTransition)
}

func TestValidateInvoice(t *testing.T) {
	now := time.Now()
	valid := func() *Invoice {
		return &Invoice{
			IntentID:                    "0xabc",
			Amount:                      "100000000000000000000",
			TickerHash:                  "0xticker",
			Owner:                       "0xowner",
			Destinations:                []string{"10", "8453"},
			HubInvoiceEnqueuedTimestamp: now.Add(-time.Hour).Unix(),
		}
	}

	require.NoError(t, ValidateInvoice(valid(), 10*time.Minute, now))

	inv := valid()
	inv.Amount = "1e18" // schema says decimal string, scientific notation is a shape defect
	err := ValidateInvoice(inv, 10*time.Minute, now)
	require.ErrorIs(t, err, ErrInvalidAmount)

	inv = valid()
	inv.Destinations = nil
	require.Error(t, ValidateInvoice(inv, 10*time.Minute, now))

	// too young is transient
	inv = valid()
	inv.HubInvoiceEnqueuedTimestamp = now.Unix()
	err = ValidateInvoice(inv, 10*time.Minute, now)
	require.ErrorIs(t, err, ErrInvalidAge)
}

func TestQueuedEventValidate(t *testing.T) {
	e := &QueuedEvent{ID: "inv-1", Type: EventInvoiceEnqueued, Priority: PriorityNormal}
	require.NoError(t, e.Validate())

	require.Error(t, (&QueuedEvent{Type: EventInvoiceEnqueued, Priority: PriorityNormal}).Validate())
	require.Error(t, (&QueuedEvent{ID: "x", Type: "bogus", Priority: PriorityNormal}).Validate())
	require.Error(t, (&QueuedEvent{ID: "x", Type: EventInvoiceEnqueued, Priority: "urgent"}).Validate())
	require.Error(t, (&QueuedEvent{ID: "x", Type: EventInvoiceEnqueued, Priority: PriorityLow, ScheduledAt: -1}).Validate())
}

func TestRetriesExhausted(t *testing.T) {
	e := &QueuedEvent{MaxRetries: 3, RetryCount: 3}
	require.False(t, e.RetriesExhausted())
	e.RetryCount = 4
	require.True(t, e.RetriesExhausted())

	e = &QueuedEvent{MaxRetries: RetryForever, RetryCount: 10_000}
	require.False(t, e.RetriesExhausted())
}

func TestNormalizeReceipt(t *testing.T) {
	raw := map[string]any{
		"transactionHash": "0xhash",
		"from":            "0xfrom",
		"gasPrice":        "12000000000",
		"status":          "success",
		"confirmations":   float64(3),
	}
	r, err := NormalizeReceipt(raw)
	require.NoError(t, err)
	require.Equal(t, "0xhash", r.TransactionHash)
	require.Equal(t, "", r.To)
	require.Equal(t, "12000000000", r.EffectiveGasPrice)
	require.NotNil(t, r.Status)
	require.Equal(t, 1, *r.Status)
	require.NotNil(t, r.Confirmations)
	require.Equal(t, 3, *r.Confirmations)
	require.Empty(t, r.Logs)

	// effectiveGasPrice wins over gasPrice
	raw["effectiveGasPrice"] = "13000000000"
	r, err = NormalizeReceipt(raw)
	require.NoError(t, err)
	require.Equal(t, "13000000000", r.EffectiveGasPrice)

	// reverted status stays unset
	raw["status"] = float64(0)
	r, err = NormalizeReceipt(raw)
	require.NoError(t, err)
	require.Nil(t, r.Status)

	// non-numeric confirmations are dropped
	raw["confirmations"] = "three"
	r, err = NormalizeReceipt(raw)
	require.NoError(t, err)
	require.Nil(t, r.Confirmations)

	_, err = NormalizeReceipt(map[string]any{"from": "0xfrom"})
	require.Error(t, err)
	_, err = NormalizeReceipt(map[string]any{"transactionHash": "0xhash"})
	require.Error(t, err)
}
