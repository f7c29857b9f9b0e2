// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"fmt"
	"math/big"
)

// DBPSMultiplier is the denominator for decibasis-point math.
// 1 bp = 100 dbps, so 100% = 1_000_000 dbps.
const DBPSMultiplier = 1_000_000

// WadDecimals is the canonical fixed-point precision for balances and
// custodied liquidity. On-chain amounts keep their native decimals.
const WadDecimals = 18

// ParseAmount parses a decimal string into a non-negative big integer.
// Amounts cross every boundary of the system as decimal strings.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// MinBig returns the smaller of a and b as a fresh value.
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// ApplySlippage returns amount * (1 - dbps/DBPSMultiplier), the minimum
// acceptable quote for a transfer of amount at the given slippage tolerance.
func ApplySlippage(amount *big.Int, dbps int64) *big.Int {
	keep := big.NewInt(DBPSMultiplier - dbps)
	out := new(big.Int).Mul(amount, keep)
	return out.Quo(out, big.NewInt(DBPSMultiplier))
}

// WithinSlippage reports whether received satisfies the slippage envelope
// received >= amount * (1 - dbps/DBPSMultiplier).
func WithinSlippage(received, amount *big.Int, dbps int64) bool {
	return received.Cmp(ApplySlippage(amount, dbps)) >= 0
}

// ScaleDecimals converts an amount between decimal precisions. Scaling down
// truncates toward zero; callers that cannot tolerate the loss must compare
// in the wider precision instead.
func ScaleDecimals(amount *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(amount)
	switch {
	case from == to:
		return out
	case from < to:
		return out.Mul(out, pow10(int(to-from)))
	default:
		return out.Quo(out, pow10(int(from-to)))
	}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
