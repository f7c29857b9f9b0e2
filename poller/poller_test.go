// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/everclearorg/mark/cache"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/hub"
)

type fakeHub struct {
	pages    map[string]*hub.InvoicePage
	invoices map[string]bool // id -> exists on hub
}

func (f *fakeHub) FetchInvoiceByID(_ context.Context, id string) (*core.Invoice, error) {
	if f.invoices[id] {
		return &core.Invoice{IntentID: id}, nil
	}
	return nil, core.ErrInvoiceNotFound
}

func (f *fakeHub) FetchInvoicesByTxNonce(_ context.Context, cursor string, _ int) (*hub.InvoicePage, error) {
	if page, ok := f.pages[cursor]; ok {
		return page, nil
	}
	return &hub.InvoicePage{}, nil
}

type fakeQueue struct {
	enqueued []*core.QueuedEvent
	present  map[string]bool
	invalid  map[string]bool
	settled  map[string]bool
	cursor   string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		present: make(map[string]bool),
		invalid: make(map[string]bool),
		settled: make(map[string]bool),
	}
}

func (f *fakeQueue) Enqueue(_ context.Context, e *core.QueuedEvent, _ bool) (bool, error) {
	key := string(e.Type) + ":" + e.ID
	if f.present[key] {
		return false, nil
	}
	f.present[key] = true
	f.enqueued = append(f.enqueued, e)
	return true, nil
}

func (f *fakeQueue) HasEvent(_ context.Context, t core.EventType, id string) (bool, error) {
	return f.present[string(t)+":"+id], nil
}

func (f *fakeQueue) IsInvalidInvoice(_ context.Context, id string) (bool, error) {
	return f.invalid[id], nil
}

func (f *fakeQueue) IsSettledInvoice(_ context.Context, id string) (bool, error) {
	return f.settled[id], nil
}

func (f *fakeQueue) AddSettledInvoice(_ context.Context, id string) error {
	f.settled[id] = true
	return nil
}

func (f *fakeQueue) BackfillCursor(context.Context) (string, error) { return f.cursor, nil }

func (f *fakeQueue) SetBackfillCursor(_ context.Context, cursor string) error {
	f.cursor = cursor
	return nil
}

type fakePurchases struct {
	records []*cache.PurchaseRecord
}

func (f *fakePurchases) ListPurchases(context.Context) ([]*cache.PurchaseRecord, error) {
	return f.records, nil
}

func TestBackfillEnqueuesMissingInvoices(t *testing.T) {
	h := &fakeHub{
		pages: map[string]*hub.InvoicePage{
			"": {
				Invoices:   []*core.Invoice{{IntentID: "0xa"}, {IntentID: "0xb"}, {IntentID: "0xc"}, {IntentID: "0xd"}},
				NextCursor: "4",
			},
		},
		invoices: map[string]bool{"0xa": true, "0xb": true, "0xc": true, "0xd": true},
	}
	q := newFakeQueue()
	q.present["invoice_enqueued:0xa"] = true // already queued
	q.invalid["0xb"] = true
	q.settled["0xc"] = true

	p := New(h, q, &fakePurchases{}, time.Minute)
	require.NoError(t, p.Sweep(context.Background()))

	// only 0xd was missing and eligible
	require.Len(t, q.enqueued, 1)
	event := q.enqueued[0]
	require.Equal(t, "0xd", event.ID)
	require.Equal(t, core.EventInvoiceEnqueued, event.Type)
	require.Equal(t, core.RetryForever, event.MaxRetries)
	require.Equal(t, "4", q.cursor)
}

func TestBackfillCursorAdvances(t *testing.T) {
	h := &fakeHub{
		pages: map[string]*hub.InvoicePage{
			"4": {Invoices: []*core.Invoice{{IntentID: "0xe"}}, NextCursor: "5"},
		},
		invoices: map[string]bool{"0xe": true},
	}
	q := newFakeQueue()
	q.cursor = "4"

	p := New(h, q, &fakePurchases{}, time.Minute)
	require.NoError(t, p.Sweep(context.Background()))
	require.Equal(t, "5", q.cursor)
	require.Len(t, q.enqueued, 1)
}

func TestSettlementDetection(t *testing.T) {
	h := &fakeHub{
		pages:    map[string]*hub.InvoicePage{},
		invoices: map[string]bool{"0xalive": true},
	}
	q := newFakeQueue()
	purchases := &fakePurchases{records: []*cache.PurchaseRecord{
		{InvoiceID: "0xalive", TransactionHash: "0x1"},
		{InvoiceID: "0xsettled", TransactionHash: "0x2"},
	}}

	p := New(h, q, purchases, time.Minute)
	require.NoError(t, p.Sweep(context.Background()))

	require.Len(t, q.enqueued, 1)
	event := q.enqueued[0]
	require.Equal(t, "0xsettled", event.ID)
	require.Equal(t, core.EventSettlementEnqueued, event.Type)
	require.True(t, q.settled["0xsettled"])

	// a second sweep does not re-enqueue
	require.NoError(t, p.Sweep(context.Background()))
	require.Len(t, q.enqueued, 1)
}
