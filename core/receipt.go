// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"encoding/json"
	"fmt"
)

// Receipt is the normalised transaction receipt every ingress produces before
// any other code touches it. Downstream code assumes this shape.
type Receipt struct {
	TransactionHash   string            `json:"transactionHash"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	BlockNumber       uint64            `json:"blockNumber,omitempty"`
	EffectiveGasPrice string            `json:"effectiveGasPrice,omitempty"`
	CumulativeGasUsed string            `json:"cumulativeGasUsed,omitempty"`
	Status            *int              `json:"status,omitempty"`
	Logs              []json.RawMessage `json:"logs"`
	Confirmations     *int              `json:"confirmations,omitempty"`
}

// NormalizeReceipt maps a heterogeneous receipt payload onto Receipt.
// transactionHash and from are required; to defaults to the empty string;
// effectiveGasPrice falls back to gasPrice; status maps "success" or 1 to 1
// and anything else to unset; logs default to an empty list; confirmations
// survive only when numeric.
func NormalizeReceipt(raw map[string]any) (*Receipt, error) {
	hash, _ := raw["transactionHash"].(string)
	if hash == "" {
		return nil, fmt.Errorf("receipt has no transactionHash")
	}
	from, _ := raw["from"].(string)
	if from == "" {
		return nil, fmt.Errorf("receipt %s has no from", hash)
	}

	r := &Receipt{
		TransactionHash: hash,
		From:            from,
		Logs:            []json.RawMessage{},
	}

	if to, ok := raw["to"].(string); ok {
		r.To = to
	}

	if gp := stringField(raw, "effectiveGasPrice"); gp != "" {
		r.EffectiveGasPrice = gp
	} else {
		r.EffectiveGasPrice = stringField(raw, "gasPrice")
	}
	r.CumulativeGasUsed = stringField(raw, "cumulativeGasUsed")

	if bn, ok := numericField(raw, "blockNumber"); ok && bn >= 0 {
		r.BlockNumber = uint64(bn)
	}

	switch v := raw["status"].(type) {
	case string:
		if v == "success" || v == "1" {
			one := 1
			r.Status = &one
		}
	case float64:
		if v == 1 {
			one := 1
			r.Status = &one
		}
	case int:
		if v == 1 {
			one := 1
			r.Status = &one
		}
	}

	if logs, ok := raw["logs"].([]any); ok {
		for _, l := range logs {
			if b, err := json.Marshal(l); err == nil {
				r.Logs = append(r.Logs, b)
			}
		}
	}

	if c, ok := numericField(raw, "confirmations"); ok {
		confirmations := int(c)
		r.Confirmations = &confirmations
	}

	return r, nil
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func numericField(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
