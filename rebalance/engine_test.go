// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rebalance

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/everclearorg/mark/bridge"
	"github.com/everclearorg/mark/chainservice"
	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/store"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	earmarks   map[string]*core.Earmark
	operations map[string]*core.RebalanceOperation
	paused     map[store.PauseFlag]bool
}

func newMemStore() *memStore {
	return &memStore{
		earmarks:   make(map[string]*core.Earmark),
		operations: make(map[string]*core.RebalanceOperation),
		paused:     make(map[store.PauseFlag]bool),
	}
}

func (m *memStore) CreateEarmark(_ context.Context, e *core.Earmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.earmarks {
		if existing.InvoiceID == e.InvoiceID && !existing.Status.Terminal() {
			return core.ErrDuplicateEarmark
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	copied := *e
	m.earmarks[e.ID] = &copied
	return nil
}

func (m *memStore) GetActiveEarmarkForInvoice(_ context.Context, invoiceID string) (*core.Earmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.earmarks {
		if e.InvoiceID == invoiceID && !e.Status.Terminal() {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateEarmarkStatus(_ context.Context, id string, next core.EarmarkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.earmarks[id]
	if !ok {
		return fmt.Errorf("earmark %s not found", id)
	}
	if !e.Status.CanTransition(next) {
		return core.ErrInvalidTransition
	}
	e.Status = next
	return nil
}

func (m *memStore) ListExpiredEarmarks(_ context.Context, cutoff time.Time) ([]*core.Earmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Earmark
	for _, e := range m.earmarks {
		if !e.Status.Terminal() && e.CreatedAt.Before(cutoff) {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) OrphanOperationsForEarmark(_ context.Context, earmarkID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, op := range m.operations {
		if op.EarmarkID != nil && *op.EarmarkID == earmarkID && !op.Status.Terminal() {
			op.IsOrphaned = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateOperation(_ context.Context, op *core.RebalanceOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.CreatedAt = time.Now().UTC()
	copied := *op
	m.operations[op.ID] = &copied
	return nil
}

func (m *memStore) ListLiveOperations(context.Context) ([]*core.RebalanceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.RebalanceOperation
	for _, op := range m.operations {
		if !op.Status.Terminal() {
			copied := *op
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) OperationsForEarmark(_ context.Context, earmarkID string) ([]*core.RebalanceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.RebalanceOperation
	for _, op := range m.operations {
		if op.EarmarkID != nil && *op.EarmarkID == earmarkID {
			copied := *op
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) UpdateOperation(_ context.Context, op *core.RebalanceOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.operations[op.ID]
	if !ok {
		return fmt.Errorf("operation %s not found", op.ID)
	}
	if stored.Status != op.Status && !stored.Status.CanTransition(op.Status) {
		return core.ErrInvalidTransition
	}
	copied := *op
	m.operations[op.ID] = &copied
	return nil
}

func (m *memStore) IsPaused(_ context.Context, flag store.PauseFlag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[flag], nil
}

func (m *memStore) earmarkByInvoice(invoiceID string) *core.Earmark {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.earmarks {
		if e.InvoiceID == invoiceID {
			copied := *e
			return &copied
		}
	}
	return nil
}

func (m *memStore) operation(id string) *core.RebalanceOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.operations[id]; ok {
		copied := *op
		return &copied
	}
	return nil
}

// fakeChain answers balance reads from a map and records submissions.
type fakeChain struct {
	mu        sync.Mutex
	balances  map[string]*big.Int // chainID/asset -> native amount
	submitted []*chainservice.TxRequest
	failNext  bool
	seq       int
}

func (f *fakeChain) SubmitAndMonitor(_ context.Context, req *chainservice.TxRequest) (*core.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("rpc broadcast refused")
	}
	f.submitted = append(f.submitted, req)
	f.seq++
	one := 1
	return &core.Receipt{
		TransactionHash: fmt.Sprintf("0xtx%d", f.seq),
		From:            "0xmark",
		To:              req.To,
		Status:          &one,
	}, nil
}

func (f *fakeChain) TokenBalance(_ context.Context, chainID, asset string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[chainID+"/"+asset]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// fakeAdapter is a scriptable bridge adapter.
type fakeAdapter struct {
	tag        bridge.SupportedBridge
	quoteHair  int64 // dbps shaved off quotes
	ready      bool
	sendErr    error
	callbackTx bool
}

func (a *fakeAdapter) Type() bridge.SupportedBridge { return a.tag }

func (a *fakeAdapter) GetReceivedAmount(_ context.Context, amount *big.Int, _ bridge.Route) (*big.Int, error) {
	return core.ApplySlippage(amount, a.quoteHair), nil
}

func (a *fakeAdapter) Send(_ context.Context, _, _ string, amount *big.Int, route bridge.Route) ([]bridge.Transaction, error) {
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	approval := types.NewTx(&types.LegacyTx{To: &to, Value: new(big.Int), Data: []byte{0x09, 0x5e, 0xa7, 0xb3}})
	send := types.NewTx(&types.LegacyTx{To: &to, Value: new(big.Int), Data: amount.Bytes()})
	return []bridge.Transaction{
		{Memo: bridge.MemoApproval, ChainID: route.OriginChainID, Tx: approval},
		{Memo: bridge.MemoRebalance, ChainID: route.OriginChainID, Tx: send},
	}, nil
}

func (a *fakeAdapter) ReadyOnDestination(context.Context, *big.Int, bridge.Route, *core.Receipt) (bool, error) {
	return a.ready, nil
}

func (a *fakeAdapter) DestinationCallback(_ context.Context, route bridge.Route, _ *core.Receipt) (*bridge.Transaction, error) {
	if !a.callbackTx {
		return nil, nil
	}
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tx := types.NewTx(&types.LegacyTx{To: &to, Value: new(big.Int), Data: []byte{0x01}})
	return &bridge.Transaction{Memo: bridge.MemoMint, ChainID: route.DestinationChainID, Tx: tx}, nil
}

// fakeSource returns a fixed invoice set.
type fakeSource struct {
	invoices []OutstandingInvoice
}

func (s *fakeSource) Outstanding(context.Context) ([]OutstandingInvoice, error) {
	return s.invoices, nil
}

func usdt(n int64) *big.Int {
	out := big.NewInt(n)
	return out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func testEngineConfig() Config {
	return Config{
		Routes: []config.RouteConfig{{
			OriginChainID:      "10",
			DestinationChainID: "97",
			TickerHash:         "0xusdt",
			SlippageDbps:       []int64{1000},
			Preferences:        []string{"across"},
		}},
		Assets: map[string]map[string]Asset{
			"10": {"0xusdt": {Address: "0xaa10", Decimals: 18}},
			"97": {"0xusdt": {Address: "0xaa97", Decimals: 18}},
		},
		MinRebalanceAmounts: map[string]*big.Int{"0xusdt": usdt(50)},
		Sender:              "0xmark",
		TickInterval:        time.Minute,
	}
}

func onDemandInvoice(id string, amount *big.Int) OutstandingInvoice {
	return OutstandingInvoice{
		Invoice: &core.Invoice{
			IntentID:                    id,
			Amount:                      amount.String(),
			TickerHash:                  "0xusdt",
			Owner:                       "0xowner",
			Destinations:                []string{"97"},
			HubInvoiceEnqueuedTimestamp: time.Now().Add(-time.Hour).Unix(),
		},
		MinAmounts: core.MinAmounts{"97": amount.String()},
	}
}

// Scenario: invoice needs 100 on the destination, which holds nothing; the
// origin holds 250. One earmark and one operation appear; the operation is
// driven pending -> awaiting_callback -> completed and the earmark becomes
// ready.
func TestOnDemandRebalanceLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	chain := &fakeChain{balances: map[string]*big.Int{
		"10/0xaa10": usdt(250),
		"97/0xaa97": new(big.Int),
	}}
	adapter := &fakeAdapter{tag: "across"}
	registry := bridge.NewRegistry()
	registry.Register(adapter)
	source := &fakeSource{invoices: []OutstandingInvoice{onDemandInvoice("0xinv", usdt(100))}}

	engine := New(st, registry, chain, source, testEngineConfig())

	engine.Tick(ctx)

	earmark := st.earmarkByInvoice("0xinv")
	require.NotNil(t, earmark)
	require.Equal(t, core.EarmarkPending, earmark.Status)
	require.Equal(t, usdt(100).String(), earmark.MinAmount)
	require.Equal(t, "97", earmark.DesignatedPurchaseChain)

	ops, err := st.OperationsForEarmark(ctx, earmark.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, core.OperationPending, ops[0].Status)
	require.Equal(t, "across", ops[0].Bridge)
	// approval + bridge call went out
	require.Equal(t, 2, chain.submissions())
	require.Contains(t, ops[0].Transactions, "10")

	// second tick with a pending earmark creates nothing new
	engine.Tick(ctx)
	live, err := st.ListLiveOperations(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)

	// destination reports readiness: pending -> awaiting_callback -> completed
	adapter.ready = true
	engine.Tick(ctx)

	op := st.operation(ops[0].ID)
	require.Equal(t, core.OperationCompleted, op.Status)

	earmark = st.earmarkByInvoice("0xinv")
	require.Equal(t, core.EarmarkReady, earmark.Status)
}

// Scenario: the earmark is cancelled while two operations are in flight.
// Both stay pending with the orphan flag set and later ticks still drive
// them to completion, without resurrecting the earmark.
func TestAdminCancelDuringFlight(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	chain := &fakeChain{balances: map[string]*big.Int{}}
	adapter := &fakeAdapter{tag: "across"}
	registry := bridge.NewRegistry()
	registry.Register(adapter)

	engine := New(st, registry, chain, &fakeSource{}, testEngineConfig())

	earmark := &core.Earmark{InvoiceID: "0xinv", DesignatedPurchaseChain: "97", TickerHash: "0xusdt", MinAmount: usdt(100).String(), Status: core.EarmarkPending}
	require.NoError(t, st.CreateEarmark(ctx, earmark))
	one := 1
	for i := 0; i < 2; i++ {
		op := &core.RebalanceOperation{
			EarmarkID:          &earmark.ID,
			OriginChainID:      "10",
			DestinationChainID: "97",
			TickerHash:         "0xusdt",
			Amount:             usdt(50).String(),
			SlippageDbps:       1000,
			Bridge:             "across",
			Status:             core.OperationPending,
			Transactions: map[string]core.TransactionEntry{
				"10": {Hash: fmt.Sprintf("0xorigin%d", i), From: "0xmark", Status: &one},
			},
		}
		require.NoError(t, st.CreateOperation(ctx, op))
	}

	// admin cancel
	require.NoError(t, st.UpdateEarmarkStatus(ctx, earmark.ID, core.EarmarkCancelled))
	n, err := st.OrphanOperationsForEarmark(ctx, earmark.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	live, err := st.ListLiveOperations(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	for _, op := range live {
		require.Equal(t, core.OperationPending, op.Status)
		require.True(t, op.IsOrphaned)
	}

	// engine still advances orphaned operations
	adapter.ready = true
	engine.Tick(ctx)

	for _, op := range live {
		got := st.operation(op.ID)
		require.Equal(t, core.OperationCompleted, got.Status)
		require.True(t, got.IsOrphaned)
	}
	// the cancelled earmark never becomes ready
	require.Equal(t, core.EarmarkCancelled, st.earmarkByInvoice("0xinv").Status)
}

// Two invoices against the same origin in one tick: the second sees the
// origin balance net of what the first committed.
func TestOnDemandCommitmentAccounting(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	chain := &fakeChain{balances: map[string]*big.Int{
		"10/0xaa10": usdt(100),
		"97/0xaa97": new(big.Int),
	}}
	adapter := &fakeAdapter{tag: "across"}
	registry := bridge.NewRegistry()
	registry.Register(adapter)
	source := &fakeSource{invoices: []OutstandingInvoice{
		onDemandInvoice("0xinv1", usdt(80)),
		onDemandInvoice("0xinv2", usdt(80)),
	}}

	engine := New(st, registry, chain, source, testEngineConfig())
	engine.Tick(ctx)

	// first invoice takes 80, leaving 20 < minRebalance(50): no second earmark
	require.NotNil(t, st.earmarkByInvoice("0xinv1"))
	require.Nil(t, st.earmarkByInvoice("0xinv2"))
}

// Threshold rebalancing walks the preference list: an adapter quoting outside
// the slippage envelope falls through to the next.
func TestThresholdPreferenceWalk(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	chain := &fakeChain{balances: map[string]*big.Int{
		"10/0xaa10": usdt(150),
	}}
	greedy := &fakeAdapter{tag: "cctp", quoteHair: 5000} // 50 bps shaved: rejected at 100 dbps
	fair := &fakeAdapter{tag: "across", quoteHair: 0}
	registry := bridge.NewRegistry()
	registry.Register(greedy)
	registry.Register(fair)

	cfg := testEngineConfig()
	cfg.Routes = []config.RouteConfig{{
		OriginChainID:      "10",
		DestinationChainID: "97",
		TickerHash:         "0xusdt",
		Maximum:            usdt(100).String(),
		Reserve:            usdt(40).String(),
		SlippageDbps:       []int64{100, 100},
		Preferences:        []string{"cctp", "across"},
	}}

	engine := New(st, registry, chain, &fakeSource{}, cfg)
	engine.Tick(ctx)

	live, err := st.ListLiveOperations(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	op := live[0]
	require.Equal(t, "across", op.Bridge)
	require.Nil(t, op.EarmarkID)
	require.Equal(t, usdt(110).String(), op.Amount) // 150 - reserve 40
}

// A submission failure leaves nothing persisted and the earmark released; the
// next tick retries and succeeds.
func TestOnDemandSubmissionFailureRetriesNextTick(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	chain := &fakeChain{
		balances: map[string]*big.Int{
			"10/0xaa10": usdt(250),
			"97/0xaa97": new(big.Int),
		},
		failNext: true,
	}
	adapter := &fakeAdapter{tag: "across"}
	registry := bridge.NewRegistry()
	registry.Register(adapter)
	source := &fakeSource{invoices: []OutstandingInvoice{onDemandInvoice("0xinv", usdt(100))}}

	engine := New(st, registry, chain, source, testEngineConfig())

	engine.Tick(ctx)
	live, err := st.ListLiveOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, live)
	earmark := st.earmarkByInvoice("0xinv")
	require.NotNil(t, earmark)
	require.Equal(t, core.EarmarkFailed, earmark.Status)

	engine.Tick(ctx)
	live, err = st.ListLiveOperations(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
}

// Pause flags gate their phases and are re-read each tick.
func TestPauseFlagsGatePhases(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.paused[store.PauseOnDemand] = true
	st.paused[store.PauseRebalance] = true

	chain := &fakeChain{balances: map[string]*big.Int{
		"10/0xaa10": usdt(250),
		"97/0xaa97": new(big.Int),
	}}
	adapter := &fakeAdapter{tag: "across"}
	registry := bridge.NewRegistry()
	registry.Register(adapter)
	source := &fakeSource{invoices: []OutstandingInvoice{onDemandInvoice("0xinv", usdt(100))}}

	engine := New(st, registry, chain, source, testEngineConfig())
	engine.Tick(ctx)
	require.Nil(t, st.earmarkByInvoice("0xinv"))
	require.Zero(t, chain.submissions())

	st.mu.Lock()
	st.paused[store.PauseOnDemand] = false
	st.mu.Unlock()
	engine.Tick(ctx)
	require.NotNil(t, st.earmarkByInvoice("0xinv"))
}

// Earmarks past their TTL expire and their operations are orphaned.
func TestEarmarkExpiry(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	chain := &fakeChain{balances: map[string]*big.Int{}}
	registry := bridge.NewRegistry()
	registry.Register(&fakeAdapter{tag: "across"})

	cfg := testEngineConfig()
	cfg.EarmarkTTL = time.Hour
	engine := New(st, registry, chain, &fakeSource{}, cfg)

	earmark := &core.Earmark{InvoiceID: "0xold", DesignatedPurchaseChain: "97", TickerHash: "0xusdt", MinAmount: "1", Status: core.EarmarkPending, CreatedAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, st.CreateEarmark(ctx, earmark))

	engine.Tick(ctx)
	require.Equal(t, core.EarmarkExpired, st.earmarkByInvoice("0xold").Status)
}
