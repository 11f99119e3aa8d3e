// Package strategy implements the per-instrument trend-following state
// machine.
//
// Each UIC is either flat or long. While flat, an EMA crossover (short
// above long over the bounded price history) opens a position. While long,
// the running peak trails a stop at peak*(1-stop_loss_pct); a tick at or
// below the stop triggers the profit guard, which vetoes the exit unless
// the estimated net profit after commission, FX friction, and slippage is
// positive. Every position mutation persists to the state store so a crash
// never orphans an open position.
package strategy

import (
	"context"
	"log/slog"
	"sync"

	"saxotrader/internal/config"
	"saxotrader/pkg/types"
)

// Signal is the strategy's verdict for one tick.
type Signal int

const (
	SignalNone Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// PositionStore persists positions across restarts. Implemented by the
// Redis state store.
type PositionStore interface {
	SavePosition(ctx context.Context, pos types.Position) error
	DeletePosition(ctx context.Context, uic int) error
	ListPositions(ctx context.Context) ([]types.Position, error)
}

// TrendFollower runs the flat/long state machine per UIC. The stream
// processor is the single writer; the mutex exists for the reporter and
// janitor, which copy out.
type TrendFollower struct {
	cfg      config.StrategyConfig
	quantity float64
	instrCcy string
	acctCcy  string

	audit  *Audit
	store  PositionStore
	logger *slog.Logger

	mu        sync.RWMutex
	positions map[int]*types.Position
	history   map[int][]float64
}

// New creates a trend follower. Call Restore before feeding ticks to
// rehydrate positions persisted by a previous run.
func New(cfg config.StrategyConfig, trading config.TradingConfig, audit *Audit, store PositionStore, logger *slog.Logger) *TrendFollower {
	return &TrendFollower{
		cfg:       cfg,
		quantity:  trading.Quantity,
		instrCcy:  trading.InstrumentCurrency,
		acctCcy:   trading.AccountCurrency,
		audit:     audit,
		store:     store,
		logger:    logger.With("component", "strategy"),
		positions: make(map[int]*types.Position),
		history:   make(map[int][]float64),
	}
}

// Restore rehydrates the in-memory position map from the state store.
// Orphan recovery after a crash: persisted entries win over the empty map.
func (t *TrendFollower) Restore(ctx context.Context) error {
	persisted, err := t.store.ListPositions(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pos := range persisted {
		p := pos
		t.positions[p.Uic] = &p
		t.logger.Info("position restored",
			"uic", p.Uic,
			"entry", p.EntryPrice,
			"peak", p.PeakPrice,
			"quantity", p.Quantity,
		)
	}
	return nil
}

// Update processes one tick for a UIC and returns the trading signal.
func (t *TrendFollower) Update(ctx context.Context, uic int, price float64) Signal {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.appendHistoryLocked(uic, price)

	if pos, ok := t.positions[uic]; ok {
		return t.checkExitLocked(ctx, pos, price)
	}
	return t.checkEntryLocked(ctx, uic, price)
}

func (t *TrendFollower) appendHistoryLocked(uic int, price float64) {
	h := append(t.history[uic], price)
	if len(h) > t.cfg.HistorySize {
		h = h[len(h)-t.cfg.HistorySize:]
	}
	t.history[uic] = h
}

// checkEntryLocked opens a position when the short EMA is above the long
// EMA. Level-triggered: no prior-sample state is needed, which matches the
// persisted-position semantics across restarts.
func (t *TrendFollower) checkEntryLocked(ctx context.Context, uic int, price float64) Signal {
	h := t.history[uic]
	if len(h) < t.cfg.LongPeriod {
		return SignalNone
	}

	short := ema(h, t.cfg.ShortPeriod)
	long := ema(h, t.cfg.LongPeriod)
	if short <= long {
		return SignalNone
	}

	pos := &types.Position{
		Uic:        uic,
		EntryPrice: price,
		Quantity:   t.quantity,
		PeakPrice:  price,
	}
	t.positions[uic] = pos
	t.persistLocked(ctx, pos)

	t.logger.Info("entry signal",
		"uic", uic,
		"price", price,
		"short_ema", short,
		"long_ema", long,
	)
	return SignalBuy
}

// checkExitLocked tracks the peak and runs the trailing stop. The stop
// comparison is inclusive; the profit guard vetoes unprofitable exits.
func (t *TrendFollower) checkExitLocked(ctx context.Context, pos *types.Position, price float64) Signal {
	if price > pos.PeakPrice {
		pos.PeakPrice = price
		t.persistLocked(ctx, pos)
		t.logger.Warn("new peak", "uic", pos.Uic, "peak", price)
	}

	stop := pos.PeakPrice * (1.0 - t.cfg.StopLossPct)
	if price > stop {
		return SignalNone
	}

	t.logger.Warn("trailing stop hit", "uic", pos.Uic, "price", price, "stop", stop)

	net, err := t.audit.NetProfit(ctx, pos.Uic, pos.EntryPrice, price, pos.Quantity, t.instrCcy, t.acctCcy, true)
	if err != nil {
		t.logger.Error("profit audit failed, holding", "uic", pos.Uic, "error", err)
		return SignalNone
	}

	if net <= 0 {
		t.logger.Warn("profit guard veto, holding",
			"uic", pos.Uic,
			"net", net,
			"entry", pos.EntryPrice,
			"price", price,
		)
		return SignalNone
	}

	delete(t.positions, pos.Uic)
	if err := t.store.DeletePosition(ctx, pos.Uic); err != nil {
		t.logger.Error("could not delete persisted position", "uic", pos.Uic, "error", err)
	}

	t.logger.Info("exit signal", "uic", pos.Uic, "price", price, "net", net)
	return SignalSell
}

func (t *TrendFollower) persistLocked(ctx context.Context, pos *types.Position) {
	if err := t.store.SavePosition(ctx, *pos); err != nil {
		t.logger.Error("could not persist position", "uic", pos.Uic, "error", err)
	}
}

// Positions returns a copy of the open-position map.
func (t *TrendFollower) Positions() map[int]types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]types.Position, len(t.positions))
	for uic, pos := range t.positions {
		out[uic] = *pos
	}
	return out
}

// OwnedUICs returns the UICs with an open position; the janitor's safe set.
func (t *TrendFollower) OwnedUICs() map[int]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]bool, len(t.positions))
	for uic := range t.positions {
		out[uic] = true
	}
	return out
}

// PersistAll re-saves every open position. Belt and braces at shutdown;
// every mutation already persisted incrementally.
func (t *TrendFollower) PersistAll(ctx context.Context) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, pos := range t.positions {
		if err := t.store.SavePosition(ctx, *pos); err != nil {
			t.logger.Error("could not persist position", "uic", pos.Uic, "error", err)
		}
	}
}

// ema computes an exponential moving average: SMA over the first period
// values, then the standard iterative update with k = 2/(period+1).
func ema(prices []float64, period int) float64 {
	if len(prices) == 0 || period <= 0 {
		return 0
	}
	if period > len(prices) {
		period = len(prices)
	}

	var sum float64
	for _, p := range prices[:period] {
		sum += p
	}
	avg := sum / float64(period)

	k := 2.0 / float64(period+1)
	for _, p := range prices[period:] {
		avg = p*k + avg*(1-k)
	}
	return avg
}
