package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"saxotrader/internal/exchange"
	"saxotrader/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type createCall struct {
	contextID string
	refID     string
	uics      []int
}

// fakeSubAPI records subscription lifecycle calls.
type fakeSubAPI struct {
	mu        sync.Mutex
	creates   []createCall
	deletes   []string // "contextID/refID"
	createErr error
	snapshot  []types.Object
}

func (f *fakeSubAPI) CreateInfoPriceSubscription(ctx context.Context, contextID, refID string, uics []int, asset string, refreshMS int) ([]types.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, createCall{contextID, refID, uics})
	return f.snapshot, nil
}

func (f *fakeSubAPI) DeleteInfoPriceSubscription(ctx context.Context, contextID, refID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, contextID+"/"+refID)
	return nil
}

func (f *fakeSubAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

type noTokens struct{}

func (noTokens) EnsureToken(ctx context.Context) (string, error) { return "tok", nil }

func newTestManager(api SubscriptionAPI) *Manager {
	return New(Config{
		Asset:          "Stock",
		ContextPrefix:  "TestCtx",
		RefPrefix:      "TestSub",
		RefreshRateMS:  1000,
		ReconnectDelay: 10 * time.Millisecond,
		StaleAfter:     time.Hour,
	}, api, noTokens{}, discardLogger())
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()

	api := &fakeSubAPI{}
	m := newTestManager(api)
	m.contextID = "TestCtx_1" // simulate a live connection

	if err := m.Add(context.Background(), 211); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(context.Background(), 211); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	if got := api.createCount(); got != 1 {
		t.Fatalf("create calls = %d, want 1", got)
	}

	call := api.creates[0]
	if call.contextID != "TestCtx_1" {
		t.Errorf("contextID = %q", call.contextID)
	}
	if !strings.HasPrefix(call.refID, "TestSub_211_") {
		t.Errorf("refID = %q, want TestSub_211_<ts>", call.refID)
	}
	if len(call.uics) != 1 || call.uics[0] != 211 {
		t.Errorf("uics = %v", call.uics)
	}
}

func TestAddBeforeConnectDefersEnrollment(t *testing.T) {
	t.Parallel()

	api := &fakeSubAPI{}
	m := newTestManager(api)

	if err := m.Add(context.Background(), 211); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := api.createCount(); got != 0 {
		t.Fatalf("create calls before connect = %d, want 0", got)
	}
	if !m.desired[211] {
		t.Fatal("uic not marked desired")
	}
}

func TestAddSubscriptionLimitSignals(t *testing.T) {
	t.Parallel()

	api := &fakeSubAPI{createErr: fmt.Errorf("create: %w", exchange.ErrSubscriptionLimit)}
	m := newTestManager(api)
	m.contextID = "TestCtx_1"

	err := m.Add(context.Background(), 211)
	if !errors.Is(err, exchange.ErrSubscriptionLimit) {
		t.Fatalf("err = %v, want ErrSubscriptionLimit", err)
	}

	select {
	case <-m.LimitEvents():
	default:
		t.Fatal("limit event not signalled")
	}

	if m.desired[211] {
		t.Fatal("failed uic must not stay desired")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	api := &fakeSubAPI{}
	m := newTestManager(api)
	m.contextID = "TestCtx_1"

	if err := m.Add(context.Background(), 211); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Remove(context.Background(), 211); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.Remove(context.Background(), 211); err != nil {
		t.Fatalf("second Remove: %v", err)
	}

	api.mu.Lock()
	deletes := len(api.deletes)
	api.mu.Unlock()
	if deletes != 1 {
		t.Fatalf("delete calls = %d, want 1", deletes)
	}
	if len(m.ActiveUICs()) != 0 {
		t.Fatal("ledger not empty after remove")
	}
}

func TestPruneSparesSafeAndFresh(t *testing.T) {
	t.Parallel()

	api := &fakeSubAPI{}
	m := newTestManager(api)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.contextID = "TestCtx_1"

	// Stale and unprotected: pruned.
	m.ledger[101] = types.SubscriptionEntry{Uic: 101, ReferenceID: "r101", ContextID: "TestCtx_1", CreatedAt: base.Add(-2 * time.Hour)}
	m.desired[101] = true
	// Stale but owned: spared.
	m.ledger[102] = types.SubscriptionEntry{Uic: 102, ReferenceID: "r102", ContextID: "TestCtx_1", CreatedAt: base.Add(-2 * time.Hour)}
	m.desired[102] = true
	// Fresh: spared.
	m.ledger[103] = types.SubscriptionEntry{Uic: 103, ReferenceID: "r103", ContextID: "TestCtx_1", CreatedAt: base.Add(-10 * time.Minute)}
	m.desired[103] = true

	removed := m.Prune(context.Background(), map[int]bool{102: true})
	if len(removed) != 1 || removed[0] != 101 {
		t.Fatalf("removed = %v, want [101]", removed)
	}

	if _, ok := m.ledger[101]; ok {
		t.Error("pruned uic still in ledger")
	}
	if _, ok := m.ledger[102]; !ok {
		t.Error("owned uic was pruned")
	}
	if _, ok := m.ledger[103]; !ok {
		t.Error("fresh uic was pruned")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.deletes) != 1 || api.deletes[0] != "TestCtx_1/r101" {
		t.Errorf("deletes = %v", api.deletes)
	}
}

func TestHandleBinaryIngestsQuotes(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeSubAPI{})

	data := encodeFrame(1, "TestSub_211_1", PayloadJSON,
		[]byte(`[{"Uic":211,"Quote":{"LastTraded":5.50,"Ask":5.55,"Bid":5.45}}]`))
	m.handleBinary(data)

	q, ok := m.Latest(211)
	if !ok {
		t.Fatal("quote not ingested")
	}
	if q.LastPrice != 5.50 {
		t.Errorf("LastPrice = %v, want 5.50 (LastTraded wins)", q.LastPrice)
	}
}

func TestHandleBinaryQuoteFallbacks(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeSubAPI{})

	// No LastTraded: ask wins over bid.
	m.handleBinary(encodeFrame(1, "r", PayloadJSON,
		[]byte(`{"Uic":301,"Quote":{"Ask":7.10,"Bid":7.05}}`)))
	// Bid only.
	m.handleBinary(encodeFrame(2, "r", PayloadJSON,
		[]byte(`{"Uic":302,"Quote":{"Bid":3.20}}`)))
	// No price at all: skipped.
	m.handleBinary(encodeFrame(3, "r", PayloadJSON,
		[]byte(`{"Uic":303,"Quote":{}}`)))

	if q, _ := m.Latest(301); q.LastPrice != 7.10 {
		t.Errorf("301 price = %v, want 7.10", q.LastPrice)
	}
	if q, _ := m.Latest(302); q.LastPrice != 3.20 {
		t.Errorf("302 price = %v, want 3.20", q.LastPrice)
	}
	if _, ok := m.Latest(303); ok {
		t.Error("priceless item should be skipped")
	}
}

func TestHandleBinarySkipsControlAndOpaque(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeSubAPI{})

	m.handleBinary(encodeFrame(1, "_heartbeat", PayloadJSON,
		[]byte(`{"Uic":401,"Quote":{"Bid":1.00}}`)))
	m.handleBinary(encodeFrame(2, "ref", 1,
		[]byte(`{"Uic":402,"Quote":{"Bid":1.00}}`)))

	if _, ok := m.Latest(401); ok {
		t.Error("control frame must not ingest quotes")
	}
	if _, ok := m.Latest(402); ok {
		t.Error("opaque payload must not ingest quotes")
	}
}

// TestReconnectReenrollsUnderFreshContext drives a real WebSocket server
// that drops the first connection, and verifies the desired set is
// re-enrolled under a new context id.
func TestReconnectReenrollsUnderFreshContext(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Hold the connection open briefly, then drop it to force a
		// reconnect; the second connection is dropped too, and so on.
		time.Sleep(20 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	api := &fakeSubAPI{}
	m := newTestManager(api)
	m.cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")

	// Unix-second context ids must differ between connects.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick int64
	var tickMu sync.Mutex
	m.now = func() time.Time {
		tickMu.Lock()
		defer tickMu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, []int{211})
	}()

	deadline := time.After(5 * time.Second)
	for api.createCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for re-enrollment")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	api.mu.Lock()
	defer api.mu.Unlock()
	first, second := api.creates[0], api.creates[1]
	if first.contextID == second.contextID {
		t.Errorf("context id reused across reconnect: %q", first.contextID)
	}
	if first.uics[0] != 211 || second.uics[0] != 211 {
		t.Errorf("re-enrolled uics = %v, %v, want 211 both times", first.uics, second.uics)
	}
	if first.refID == second.refID {
		t.Errorf("reference id reused across reconnect: %q", first.refID)
	}
}
