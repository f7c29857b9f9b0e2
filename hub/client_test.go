// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/everclearorg/mark/core"
)

func TestFetchInvoiceByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoices/0xabc", r.URL.Path)
		_ = json.NewEncoder(w).Encode(&core.Invoice{
			IntentID:   "0xabc",
			Amount:     "100000000000000000000",
			TickerHash: "0xweth",
		})
	}))
	defer srv.Close()

	invoice, err := New(srv.URL).FetchInvoiceByID(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, "0xabc", invoice.IntentID)
	require.Equal(t, "100000000000000000000", invoice.Amount)
}

func TestFetchInvoiceNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).FetchInvoiceByID(context.Background(), "0xgone")
	require.ErrorIs(t, err, core.ErrInvoiceNotFound)
	// 404 is a settlement signal, never retried
	require.Equal(t, int32(1), calls.Load())
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(&core.Invoice{IntentID: "0xabc"})
	}))
	defer srv.Close()

	invoice, err := New(srv.URL).FetchInvoiceByID(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, "0xabc", invoice.IntentID)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchInvoicesByTxNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoices", r.URL.Path)
		require.Equal(t, "7", r.URL.Query().Get("cursor"))
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(&InvoicePage{
			Invoices:   []*core.Invoice{{IntentID: "0x1"}, {IntentID: "0x2"}},
			NextCursor: "9",
		})
	}))
	defer srv.Close()

	page, err := New(srv.URL).FetchInvoicesByTxNonce(context.Background(), "7", 100)
	require.NoError(t, err)
	require.Len(t, page.Invoices, 2)
	require.Equal(t, "9", page.NextCursor)
}

func TestGetMinAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoices/0xabc/min-amounts", r.URL.Path)
		_, _ = w.Write([]byte(`{"minAmounts": {"10": "1000", "8453": "2000"}}`))
	}))
	defer srv.Close()

	minAmounts, err := New(srv.URL).GetMinAmounts(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, "1000", minAmounts["10"])
	require.Equal(t, "2000", minAmounts["8453"])
}

func TestFetchEconomyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chains": {"10": {"custodiedAssets": {"0xweth": "5000"}, "utilization": "0.42"}}}`))
	}))
	defer srv.Close()

	data, err := New(srv.URL).FetchEconomyData(context.Background())
	require.NoError(t, err)
	chain, ok := data.Chains["10"]
	require.True(t, ok)
	require.Equal(t, "5000", chain.CustodiedAssets["0xweth"])
	require.Equal(t, "0.42", chain.Utilization.String())
}
