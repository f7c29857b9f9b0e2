// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chainservice submits transactions to the chains Mark operates on
// and monitors them to a receipt.
package chainservice

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
)

// TxRequest is an unsigned transaction the service signs and submits.
type TxRequest struct {
	ChainID string
	To      string
	Value   *big.Int
	Data    []byte
}

// ChainService signs, broadcasts and monitors transactions. On chains
// configured with a safe policy module the call is wrapped through the
// module before signing.
type ChainService struct {
	clients     map[string]*ethclient.Client
	signer      *SignerClient
	safeModules map[string]common.Address
	log         log.Logger
}

// Dial connects to the first reachable provider of every configured chain.
func Dial(ctx context.Context, chains map[string]config.ChainConfig, signer *SignerClient) (*ChainService, error) {
	s := &ChainService{
		clients:     make(map[string]*ethclient.Client),
		signer:      signer,
		safeModules: make(map[string]common.Address),
		log:         log.New("component", "chainservice"),
	}
	for chainID, chain := range chains {
		var lastErr error
		for _, provider := range chain.Providers {
			client, err := ethclient.DialContext(ctx, provider)
			if err != nil {
				lastErr = err
				continue
			}
			s.clients[chainID] = client
			break
		}
		if _, ok := s.clients[chainID]; !ok {
			return nil, errors.Wrapf(lastErr, "no reachable provider for chain %s", chainID)
		}
		if chain.SafeModule != "" {
			s.safeModules[chainID] = common.HexToAddress(chain.SafeModule)
		}
	}
	return s, nil
}

// Close disconnects every client.
func (s *ChainService) Close() {
	for _, client := range s.clients {
		client.Close()
	}
}

func (s *ChainService) client(chainID string) (*ethclient.Client, error) {
	client, ok := s.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %s not configured", chainID)
	}
	return client, nil
}

// SubmitAndMonitor signs the request, broadcasts it and polls until a receipt
// arrives or the receipt timeout elapses. The returned receipt is normalised.
func (s *ChainService) SubmitAndMonitor(ctx context.Context, req *TxRequest) (*core.Receipt, error) {
	client, err := s.client(req.ChainID)
	if err != nil {
		return nil, err
	}

	to := req.To
	data := req.Data
	if module, ok := s.safeModules[req.ChainID]; ok {
		// route the call through the policy module; the module forwards to
		// the original target after its checks pass
		data = wrapThroughModule(common.HexToAddress(req.To), req.Value, data)
		to = module.Hex()
	}

	from := common.HexToAddress(s.signer.Address())
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, errors.Wrap(err, "fetch nonce")
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "suggest gas tip cap")
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetch head")
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tipCap)

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	toAddr := common.HexToAddress(to)
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &toAddr,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, errors.Wrap(err, "estimate gas")
	}

	tx, err := s.signer.SignTransaction(ctx, &signRequest{
		ChainID:              req.ChainID,
		From:                 from.Hex(),
		To:                   toAddr.Hex(),
		Value:                value.String(),
		Data:                 hexutil.Encode(data),
		Nonce:                nonce,
		GasLimit:             gasLimit,
		MaxFeePerGas:         maxFee.String(),
		MaxPriorityFeePerGas: tipCap.String(),
	})
	if err != nil {
		return nil, err
	}

	if err := client.SendTransaction(ctx, tx); err != nil {
		return nil, errors.Wrap(err, "broadcast transaction")
	}
	s.log.Info("transaction broadcast", "chain", req.ChainID, "hash", tx.Hash().Hex())

	receipt, err := s.waitForReceipt(ctx, client, tx.Hash())
	if err != nil {
		return nil, err
	}
	return normalizeEthReceipt(receipt, from)
}

// SubmitSigned broadcasts an already-signed transaction and monitors it.
func (s *ChainService) SubmitSigned(ctx context.Context, chainID string, tx *types.Transaction) (*core.Receipt, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return nil, errors.Wrap(err, "broadcast transaction")
	}
	receipt, err := s.waitForReceipt(ctx, client, tx.Hash())
	if err != nil {
		return nil, err
	}
	return normalizeEthReceipt(receipt, common.HexToAddress(s.signer.Address()))
}

func (s *ChainService) waitForReceipt(ctx context.Context, client *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	localCtx, cancel := context.WithTimeout(ctx, config.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(config.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(localCtx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Wrap(err, "fetch receipt")
		}
		select {
		case <-localCtx.Done():
			return nil, errors.Wrap(localCtx.Err(), "waiting for receipt")
		case <-ticker.C:
		}
	}
}

// NativeBalance returns the native-token balance of Mark's signer on a chain.
func (s *ChainService) NativeBalance(ctx context.Context, chainID string) (*big.Int, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	balance, err := client.BalanceAt(ctx, common.HexToAddress(s.signer.Address()), nil)
	return balance, errors.Wrap(err, "native balance")
}

// erc20BalanceOfSelector is keccak("balanceOf(address)")[:4]
var erc20BalanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// TokenBalance returns Mark's balance of an ERC20 asset on a chain, in the
// asset's native decimals.
func (s *ChainService) TokenBalance(ctx context.Context, chainID string, asset string) (*big.Int, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	holder := common.HexToAddress(s.signer.Address())
	data := make([]byte, 0, 36)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)

	assetAddr := common.HexToAddress(asset)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &assetAddr, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "token balance")
	}
	return new(big.Int).SetBytes(out), nil
}

// wrapThroughModule encodes execTransactionFromModule(to, value, data, 0).
func wrapThroughModule(to common.Address, value *big.Int, data []byte) []byte {
	// execTransactionFromModule(address,uint256,bytes,uint8)
	selector := []byte{0x46, 0x87, 0x21, 0xa7}
	if value == nil {
		value = new(big.Int)
	}

	head := make([]byte, 0, 4+32*4+32+len(data))
	head = append(head, selector...)
	head = append(head, common.LeftPadBytes(to.Bytes(), 32)...)
	head = append(head, common.LeftPadBytes(value.Bytes(), 32)...)
	head = append(head, common.LeftPadBytes(big.NewInt(128).Bytes(), 32)...) // offset of bytes arg
	head = append(head, common.LeftPadBytes([]byte{0}, 32)...)               // operation = CALL
	head = append(head, common.LeftPadBytes(big.NewInt(int64(len(data))).Bytes(), 32)...)
	head = append(head, common.RightPadBytes(data, (len(data)+31)/32*32)...)
	return head
}

// normalizeEthReceipt maps a go-ethereum receipt through the shared
// normaliser so every downstream consumer sees one shape.
func normalizeEthReceipt(receipt *types.Receipt, from common.Address) (*core.Receipt, error) {
	raw := map[string]any{
		"transactionHash": receipt.TxHash.Hex(),
		"from":            strings.ToLower(from.Hex()),
		"status":          float64(receipt.Status),
	}
	if receipt.BlockNumber != nil {
		raw["blockNumber"] = float64(receipt.BlockNumber.Uint64())
	}
	if receipt.EffectiveGasPrice != nil {
		raw["effectiveGasPrice"] = receipt.EffectiveGasPrice.String()
	}
	logs := make([]any, 0, len(receipt.Logs))
	for _, l := range receipt.Logs {
		logs = append(logs, map[string]any{
			"address": strings.ToLower(l.Address.Hex()),
			"data":    hexutil.Encode(l.Data),
		})
	}
	raw["logs"] = logs
	return core.NormalizeReceipt(raw)
}
