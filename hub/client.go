// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hub is the REST client for the Everclear settlement hub.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
)

// Client talks to the hub API. Transient failures are retried with
// exponential backoff; a 404 on invoice lookup is surfaced as
// core.ErrInvoiceNotFound because it is a settlement signal, not an error.
type Client struct {
	baseURL string
	http    *http.Client
	log     log.Logger
}

// New creates a Client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: config.HTTPTimeout},
		log:     log.New("component", "hub"),
	}
}

// InvoicePage is one page of invoices with the cursor for the next page.
type InvoicePage struct {
	Invoices   []*core.Invoice `json:"invoices"`
	NextCursor string          `json:"nextCursor"`
}

// EconomyData reports hub-wide custodied liquidity and utilization per chain.
type EconomyData struct {
	Chains map[string]ChainEconomy `json:"chains"`
}

// ChainEconomy is the hub's view of one chain's liquidity.
type ChainEconomy struct {
	CustodiedAssets map[string]string `json:"custodiedAssets"` // tickerHash -> canonical amount
	Utilization     decimal.Decimal   `json:"utilization"`
}

// FetchInvoiceByID returns the invoice, or core.ErrInvoiceNotFound on 404.
func (c *Client) FetchInvoiceByID(ctx context.Context, id string) (*core.Invoice, error) {
	var invoice core.Invoice
	err := c.getJSON(ctx, "/invoices/"+url.PathEscape(id), &invoice)
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// FetchInvoicesByTxNonce pages through hub invoices starting at cursor.
func (c *Client) FetchInvoicesByTxNonce(ctx context.Context, cursor string, limit int) (*InvoicePage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page InvoicePage
	if err := c.getJSON(ctx, "/invoices?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetMinAmounts returns the per-destination minimum amounts for an invoice.
func (c *Client) GetMinAmounts(ctx context.Context, invoiceID string) (core.MinAmounts, error) {
	var out struct {
		MinAmounts core.MinAmounts `json:"minAmounts"`
	}
	if err := c.getJSON(ctx, "/invoices/"+url.PathEscape(invoiceID)+"/min-amounts", &out); err != nil {
		return nil, err
	}
	return out.MinAmounts, nil
}

// FetchEconomyData returns the hub's liquidity view across chains.
func (c *Client) FetchEconomyData(ctx context.Context) (*EconomyData, error) {
	var data EconomyData
	if err := c.getJSON(ctx, "/economy", &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// UpdateInvoiceStatus posts a status update for an invoice. Nothing in this
// repository calls it.
func (c *Client) UpdateInvoiceStatus(ctx context.Context, invoiceID, status string) error {
	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return errors.Wrap(err, "update invoice status")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/invoices/"+url.PathEscape(invoiceID)+"/status", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "update invoice status")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "update invoice status")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("update invoice status: hub returned %d", resp.StatusCode)
	}
	return nil
}

// getJSON performs a GET with retry on transient failures and decodes the
// response. 404 maps to core.ErrInvoiceNotFound without retrying; other 4xx
// are permanent.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err // transient: retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(core.ErrInvoiceNotFound)
		case resp.StatusCode >= 500:
			return fmt.Errorf("hub returned %d for %s", resp.StatusCode, path)
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return backoff.Permanent(fmt.Errorf("hub returned %d for %s: %s", resp.StatusCode, path, body))
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), 3), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, core.ErrInvoiceNotFound) {
			return core.ErrInvoiceNotFound
		}
		return errors.Wrapf(err, "GET %s", path)
	}
	return nil
}
