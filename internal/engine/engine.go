// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems and runs four periodic tasks plus the
// WebSocket supervisor:
//
//	scanner tick      10 min  broad universe scan, stream enrollment
//	stream processor  100 ms  feed fresh ticks to the strategy, act on signals
//	janitor           60 min  prune stale non-owned subscriptions
//	reporter          60 s    health line
//
// Slow work (scans, prunes) runs on a bounded worker pool so the tick loops
// stay responsive. Any change to the watched or owned set republishes the
// active-universe view to the state store.
//
// Lifecycle: New() -> Start() -> [runs until SIGINT/SIGTERM] -> Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"saxotrader/internal/auth"
	"saxotrader/internal/config"
	"saxotrader/internal/exchange"
	"saxotrader/internal/executor"
	"saxotrader/internal/market"
	"saxotrader/internal/report"
	"saxotrader/internal/store"
	"saxotrader/internal/strategy"
	"saxotrader/internal/stream"
	"saxotrader/pkg/types"
)

// Engine owns the lifecycle of every goroutine in the bot.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	tokens   *auth.Manager
	limiter  *exchange.Limiter
	client   *exchange.Client
	streamer *stream.Manager
	scanner  *market.Scanner
	strat    *strategy.TrendFollower
	exec     *executor.Executor
	store    *store.Store
	reporter *report.Reporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobs   chan func()

	// scanPaused is set on SubscriptionLimitExceeded and cleared by the
	// janitor after a prune has made room.
	scanPaused atomic.Bool

	// lastProcessed deduplicates ticks per UIC; only the stream-processor
	// goroutine touches it.
	lastProcessed map[int]time.Time
}

// New creates and wires all engine components. Fails when the state store
// is unreachable, the first token refresh fails, or the account key cannot
// be discovered; those are startup-fatal per the error taxonomy.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	st, err := store.Open(bootCtx, cfg.Redis.URL, logger)
	if err != nil {
		return nil, err
	}

	tokens := auth.New(cfg.Auth, st, logger)
	if _, err := tokens.EnsureToken(bootCtx); err != nil {
		st.Close()
		return nil, err
	}

	limiter := exchange.NewLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
	client := exchange.NewClient(cfg.API.BaseURL, tokens, limiter, logger)

	accountKey, err := client.FetchAccountKey(bootCtx)
	if err != nil {
		st.Close()
		return nil, err
	}

	oracle := exchange.NewCostOracle(client, accountKey, types.AssetStock)
	audit := strategy.NewAudit(oracle, exchange.StaticFXRates{}, logger)

	strat := strategy.New(cfg.Strategy, cfg.Trading, audit, st, logger)
	if err := strat.Restore(bootCtx); err != nil {
		st.Close()
		return nil, err
	}

	streamer := stream.New(stream.Config{
		URL:            cfg.API.StreamURL,
		Asset:          types.AssetStock,
		ContextPrefix:  cfg.Stream.ContextPrefix,
		RefPrefix:      cfg.Stream.RefPrefix,
		RefreshRateMS:  cfg.Stream.RefreshRateMS,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
		StaleAfter:     cfg.Stream.StaleAfter,
	}, client, tokens, logger)

	scanner := market.NewScanner(cfg.Scanner, client, limiter, streamer, logger)
	exec := executor.New(client, limiter, accountKey, cfg.DryRun, logger)

	reporter, err := report.New(logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:           cfg,
		logger:        logger.With("component", "engine"),
		tokens:        tokens,
		limiter:       limiter,
		client:        client,
		streamer:      streamer,
		scanner:       scanner,
		strat:         strat,
		exec:          exec,
		store:         st,
		reporter:      reporter,
		ctx:           ctx,
		cancel:        cancel,
		jobs:          make(chan func(), cfg.Engine.Workers),
		lastProcessed: make(map[int]time.Time),
	}, nil
}

// Start launches the worker pool, the stream supervisor, and the four
// periodic tasks.
func (e *Engine) Start() error {
	for i := 0; i < e.cfg.Engine.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-e.ctx.Done():
					return
				case job := <-e.jobs:
					job()
				}
			}
		}()
	}

	e.spawn(func() {
		if err := e.streamer.Run(e.ctx, e.cfg.Trading.InitialUics); err != nil && e.ctx.Err() == nil {
			e.logger.Error("stream supervisor exited", "error", err)
		}
	})
	e.spawn(e.watchLimitEvents)
	e.spawn(e.runScanner)
	e.spawn(e.runStreamProcessor)
	e.spawn(e.runJanitor)
	e.spawn(e.runReporter)

	return nil
}

func (e *Engine) spawn(task func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		task()
	}()
}

// dispatch hands slow work to the pool without blocking shutdown.
func (e *Engine) dispatch(job func()) {
	select {
	case e.jobs <- job:
	case <-e.ctx.Done():
	}
}

// Stop shuts down gracefully: cancel tasks, wait out the grace period,
// persist open positions, and close the WebSocket and state store.
func (e *Engine) Stop() {
	e.logger.Error("shutdown signal received, stopping", "critical", true)

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Engine.ShutdownGrace):
		e.logger.Warn("tasks did not acknowledge in time, proceeding")
	}

	// Belt and braces: every mutation already persisted incrementally.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	e.strat.PersistAll(flushCtx)
	e.publishUniverse(flushCtx)

	e.streamer.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("state store close failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// runScanner triggers a scan immediately, then on every tick. Scans are
// skipped while the broker's subscription limit is in effect.
func (e *Engine) runScanner() {
	e.scanOnce()

	ticker := time.NewTicker(e.cfg.Engine.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce()
		}
	}
}

func (e *Engine) scanOnce() {
	if e.scanPaused.Load() {
		e.logger.Warn("scan skipped, waiting for janitor after subscription limit")
		return
	}
	e.dispatch(func() {
		if err := e.scanner.Scan(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("scan ended early", "error", err)
		}
		e.publishUniverse(e.ctx)
	})
}

// runStreamProcessor feeds fresh ticks to the strategy. Within one UIC,
// ticks are processed in updated-at order and duplicates are skipped;
// across UICs the snapshot iteration gives no ordering guarantee.
func (e *Engine) runStreamProcessor() {
	ticker := time.NewTicker(e.cfg.Engine.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.processTicks()
		}
	}
}

func (e *Engine) processTicks() {
	for _, uic := range e.streamer.ActiveUICs() {
		quote, ok := e.streamer.Latest(uic)
		if !ok {
			continue
		}
		if quote.UpdatedAt.Equal(e.lastProcessed[uic]) {
			continue
		}
		e.lastProcessed[uic] = quote.UpdatedAt

		signal := e.strat.Update(e.ctx, uic, quote.LastPrice)
		if signal == strategy.SignalNone {
			continue
		}
		e.actOnSignal(signal, uic, quote.LastPrice)
	}
}

func (e *Engine) actOnSignal(signal strategy.Signal, uic int, price float64) {
	side := types.Buy
	reason := "ema_crossover"
	if signal == strategy.SignalSell {
		side = types.Sell
		reason = "trailing_stop"
	}

	e.logger.Error("trade signal",
		"critical", true,
		"side", side,
		"uic", uic,
		"price", price,
	)

	ok := e.exec.Place(e.ctx, uic, e.cfg.Trading.Quantity, side, types.OrderMarket, 0, types.AssetStock)
	if e.cfg.DryRun {
		e.reporter.LogSimulationTrade(side, uic, price, reason)
	}
	if ok {
		// Ownership changed; refresh the external view.
		e.publishUniverse(e.ctx)
	}
}

// runJanitor prunes stale non-owned subscriptions and lifts the
// subscription-limit pause once room has been made.
func (e *Engine) runJanitor() {
	ticker := time.NewTicker(e.cfg.Engine.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.dispatch(func() {
				removed := e.streamer.Prune(e.ctx, e.strat.OwnedUICs())
				e.scanPaused.Store(false)
				if len(removed) > 0 {
					e.publishUniverse(e.ctx)
				}
			})
		}
	}
}

func (e *Engine) runReporter() {
	ticker := time.NewTicker(e.cfg.Engine.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.reporter.LogHealth(e.strat.Positions())
		}
	}
}

func (e *Engine) watchLimitEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.streamer.LimitEvents():
			e.scanPaused.Store(true)
			e.logger.Error("subscription limit reached, pausing scanner until janitor prune",
				"critical", true,
			)
		}
	}
}

// publishUniverse mirrors the watched and owned sets to the state store.
func (e *Engine) publishUniverse(ctx context.Context) {
	owned := e.strat.OwnedUICs()
	ownedList := make([]int, 0, len(owned))
	for uic := range owned {
		ownedList = append(ownedList, uic)
	}

	view := types.ActiveUniverse{
		Watched:   e.streamer.ActiveUICs(),
		Owned:     ownedList,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
	if err := e.store.PublishUniverse(ctx, view); err != nil && ctx.Err() == nil {
		e.logger.Error("could not publish active universe", "error", err)
	}
}

// KillSwitch exposes the emergency flatten for operational use.
func (e *Engine) KillSwitch(ctx context.Context) {
	e.exec.KillSwitch(ctx)
}
