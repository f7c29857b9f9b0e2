// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnakeToCamelKeys(t *testing.T) {
	now := time.Now()
	in := map[string]any{
		"transaction_hash":    "0xabc",
		"effective_gas_price": "120",
		"created_at":          now,
		"nested": map[string]any{
			"block_number": float64(7),
		},
		"entries": []any{
			map[string]any{"chain_id": "10"},
		},
		"plain": "untouched",
	}

	out, ok := SnakeToCamelKeys(in).(map[string]any)
	require.True(t, ok)
	require.Equal(t, "0xabc", out["transactionHash"])
	require.Equal(t, "120", out["effectiveGasPrice"])
	require.Equal(t, "untouched", out["plain"])

	// timestamps pass through without conversion
	require.Equal(t, now, out["createdAt"])

	nested, ok := out["nested"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(7), nested["blockNumber"])

	entries, ok := out["entries"].([]any)
	require.True(t, ok)
	entry, ok := entries[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "10", entry["chainId"])
}

func TestCamelToSnakeKeys(t *testing.T) {
	in := map[string]any{
		"transactionHash": "0xabc",
		"blockNumber":     float64(7),
	}
	out, ok := CamelToSnakeKeys(in).(map[string]any)
	require.True(t, ok)
	require.Equal(t, "0xabc", out["transaction_hash"])
	require.Equal(t, float64(7), out["block_number"])
}

func TestMapperRoundTrip(t *testing.T) {
	in := map[string]any{
		"transaction_hash": "0xabc",
		"meta": map[string]any{
			"origin_chain_id": "10",
		},
	}
	round, ok := CamelToSnakeKeys(SnakeToCamelKeys(in)).(map[string]any)
	require.True(t, ok)
	require.Equal(t, in, round)
}

func TestCaseConversions(t *testing.T) {
	require.Equal(t, "effectiveGasPrice", snakeToCamel("effective_gas_price"))
	require.Equal(t, "plain", snakeToCamel("plain"))
	require.Equal(t, "effective_gas_price", camelToSnake("effectiveGasPrice"))
	require.Equal(t, "plain", camelToSnake("plain"))
}

func TestTransactionMapScanNormalisesKeys(t *testing.T) {
	var m TransactionMap
	require.NoError(t, m.Scan([]byte(`{
		"10": {"hash": "0x1", "from": "0xf", "to": "0xt", "block_number": 12, "effective_gas_price": "99"}
	}`)))

	entry, ok := m["10"]
	require.True(t, ok)
	require.Equal(t, "0x1", entry.Hash)
	require.Equal(t, uint64(12), entry.BlockNumber)
	require.Equal(t, "99", entry.EffectiveGasPrice)
}

func TestTransactionMapScanNil(t *testing.T) {
	var m TransactionMap
	require.NoError(t, m.Scan(nil))
	require.Empty(t, m)
}
