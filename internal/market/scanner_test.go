package market

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"saxotrader/internal/config"
	"saxotrader/internal/exchange"
	"saxotrader/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInstrumentAPI serves canned instrument and price data.
type fakeInstrumentAPI struct {
	mu          sync.Mutex
	instruments map[string][]types.Object // by exchange id
	keywordHits map[string][]types.Object // by keyword
	prices      []types.Object
	priceErr    error
	priceCalls  int
}

func (f *fakeInstrumentAPI) ListInstruments(ctx context.Context, exchangeID, keywords, asset string) ([]types.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exchangeID != "" {
		return f.instruments[exchangeID], nil
	}
	return f.keywordHits[keywords], nil
}

func (f *fakeInstrumentAPI) ListInfoPrices(ctx context.Context, uics []int, asset string) ([]types.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	return f.prices, nil
}

// fakeEnroller records Add calls.
type fakeEnroller struct {
	mu     sync.Mutex
	added  []int
	addErr error
}

func (f *fakeEnroller) Add(ctx context.Context, uic int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, uic)
	return nil
}

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		Exchanges:        []string{"NYSE"},
		SeedKeywords:     []string{"AAPL"},
		BatchSize:        50,
		BatchDelay:       time.Millisecond,
		DeniedWait:       time.Millisecond,
		MinPrice:         1.0,
		MaxPrice:         20.0,
		MinPercentChange: 1.5,
	}
}

func newTestScanner(api InstrumentAPI, enroller Enroller, limiter *exchange.Limiter) *Scanner {
	s := NewScanner(testScannerConfig(), api, limiter, enroller, discardLogger())
	s.sleep = func(ctx context.Context, d time.Duration) {}
	return s
}

func instrumentRow(uic int) types.Object {
	return types.Object{"Identifier": float64(uic), "Description": "test"}
}

func priceRow(uic int, last, pct float64) types.Object {
	return types.Object{
		"Uic":              float64(uic),
		"Quote":            map[string]any{"LastTraded": last, "PercentChange": pct},
		"DisplayAndFormat": map[string]any{"Symbol": fmt.Sprintf("SYM%d", uic)},
	}
}

func TestLoadUniverseFromExchanges(t *testing.T) {
	t.Parallel()

	api := &fakeInstrumentAPI{
		instruments: map[string][]types.Object{
			"NYSE": {instrumentRow(101), instrumentRow(102), instrumentRow(101)}, // dup
		},
	}
	s := newTestScanner(api, &fakeEnroller{}, exchange.NewLimiter(100, time.Minute, discardLogger()))

	if err := s.LoadUniverse(context.Background()); err != nil {
		t.Fatalf("LoadUniverse: %v", err)
	}
	got := s.Universe()
	if len(got) != 2 || got[0] != 101 || got[1] != 102 {
		t.Fatalf("universe = %v, want [101 102]", got)
	}
}

func TestLoadUniverseKeywordFallback(t *testing.T) {
	t.Parallel()

	api := &fakeInstrumentAPI{
		instruments: map[string][]types.Object{},
		keywordHits: map[string][]types.Object{
			"AAPL": {instrumentRow(211)},
		},
	}
	s := newTestScanner(api, &fakeEnroller{}, exchange.NewLimiter(100, time.Minute, discardLogger()))

	if err := s.LoadUniverse(context.Background()); err != nil {
		t.Fatalf("LoadUniverse: %v", err)
	}
	got := s.Universe()
	if len(got) != 1 || got[0] != 211 {
		t.Fatalf("universe = %v, want [211]", got)
	}
}

func TestScanCandidateFilter(t *testing.T) {
	t.Parallel()

	api := &fakeInstrumentAPI{
		instruments: map[string][]types.Object{"NYSE": {instrumentRow(1)}},
		prices: []types.Object{
			priceRow(101, 1.00, 2.0),  // min price boundary: pass
			priceRow(102, 20.00, 2.0), // max price boundary: pass
			priceRow(103, 0.99, 2.0),  // under min: reject
			priceRow(104, 20.01, 2.0), // over max: reject
			priceRow(105, 5.00, 1.5),  // threshold change is not enough: reject
			priceRow(106, 5.00, 1.51), // above threshold: pass
			priceRow(107, 5.00, -3.0), // falling: reject
		},
	}
	enroller := &fakeEnroller{}
	s := newTestScanner(api, enroller, exchange.NewLimiter(100, time.Minute, discardLogger()))

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	enroller.mu.Lock()
	defer enroller.mu.Unlock()
	want := []int{101, 102, 106}
	if len(enroller.added) != len(want) {
		t.Fatalf("added = %v, want %v", enroller.added, want)
	}
	for i, uic := range want {
		if enroller.added[i] != uic {
			t.Errorf("added[%d] = %d, want %d", i, enroller.added[i], uic)
		}
	}
}

func TestScanSkipsDeniedBatch(t *testing.T) {
	t.Parallel()

	api := &fakeInstrumentAPI{
		instruments: map[string][]types.Object{"NYSE": {instrumentRow(1)}},
		prices:      []types.Object{priceRow(101, 5.0, 2.0)},
	}
	enroller := &fakeEnroller{}

	// Zero-budget limiter: every low-priority admit is denied.
	limiter := exchange.NewLimiter(1, time.Minute, discardLogger())
	limiter.Record()

	var waited bool
	s := NewScanner(testScannerConfig(), api, limiter, enroller, discardLogger())
	s.sleep = func(ctx context.Context, d time.Duration) {
		if d == s.cfg.DeniedWait {
			waited = true
		}
	}

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if api.priceCalls != 0 {
		t.Errorf("priceCalls = %d, want 0 when denied", api.priceCalls)
	}
	if !waited {
		t.Error("denied batch must wait before moving on")
	}
	enroller.mu.Lock()
	defer enroller.mu.Unlock()
	if len(enroller.added) != 0 {
		t.Errorf("added = %v, want none", enroller.added)
	}
}

func TestScanAbortsOnRateLimit(t *testing.T) {
	t.Parallel()

	api := &fakeInstrumentAPI{
		instruments: map[string][]types.Object{"NYSE": {instrumentRow(1)}},
		priceErr:    fmt.Errorf("list infoprices: %w", exchange.ErrRateLimited),
	}
	s := newTestScanner(api, &fakeEnroller{}, exchange.NewLimiter(100, time.Minute, discardLogger()))

	err := s.Scan(context.Background())
	if err == nil {
		t.Fatal("want scan abort on 429")
	}
}

func TestScanStopsOnSubscriptionLimit(t *testing.T) {
	t.Parallel()

	api := &fakeInstrumentAPI{
		instruments: map[string][]types.Object{"NYSE": {instrumentRow(1)}},
		prices: []types.Object{
			priceRow(101, 5.0, 2.0),
			priceRow(102, 5.0, 2.0),
		},
	}
	enroller := &fakeEnroller{addErr: fmt.Errorf("enroll: %w", exchange.ErrSubscriptionLimit)}
	s := newTestScanner(api, enroller, exchange.NewLimiter(100, time.Minute, discardLogger()))

	if err := s.Scan(context.Background()); err == nil {
		t.Fatal("want subscription-limit error surfaced")
	}
}
