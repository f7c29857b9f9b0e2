// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chainservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/everclearorg/mark/config"
)

// SignerClient signs transactions through the remote signer service. Keys
// never live in this process.
type SignerClient struct {
	url     string
	address string
	http    *http.Client
}

// NewSignerClient creates a client for the signer at url, signing as address.
func NewSignerClient(url, address string) *SignerClient {
	return &SignerClient{
		url:     url,
		address: address,
		http:    &http.Client{Timeout: config.HTTPTimeout},
	}
}

// Address returns the signing address.
func (s *SignerClient) Address() string {
	return s.address
}

// signRequest mirrors the signer service's EVM signing payload.
type signRequest struct {
	ChainID              string `json:"chainId"`
	From                 string `json:"from"`
	To                   string `json:"to"`
	Value                string `json:"value"`
	Data                 string `json:"data"`
	Nonce                uint64 `json:"nonce"`
	GasLimit             uint64 `json:"gasLimit"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

type signResponse struct {
	RawTransaction []byte `json:"rawTransaction"`
}

// SignTransaction signs the request and returns the decoded transaction
// ready for broadcast.
func (s *SignerClient) SignTransaction(ctx context.Context, req *signRequest) (*types.Transaction, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign/evm", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer returned %d", resp.StatusCode)
	}

	var signed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return nil, errors.Wrap(err, "decode signer response")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.RawTransaction); err != nil {
		return nil, errors.Wrap(err, "decode signed transaction")
	}
	return tx, nil
}
