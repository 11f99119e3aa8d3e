// Package market implements the periodic universe scanner.
//
// The scanner holds a universe of UICs discovered by listing instruments on
// the configured exchanges (Stock, tradable only), falling back to keyword
// search over a seed list when the exchange lookup comes back empty. Each
// scan walks the universe in batches of 50 info-price requests, applies the
// candidate filter
//
//	1.0 <= last_traded <= 20.0  and  percent_change > 1.5
//
// (thresholds configurable) and enrolls every passing candidate on the
// streaming manager.
package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"saxotrader/internal/config"
	"saxotrader/internal/exchange"
	"saxotrader/pkg/types"
)

// InstrumentAPI is the slice of the REST gateway the scanner needs.
type InstrumentAPI interface {
	ListInstruments(ctx context.Context, exchangeID, keywords, asset string) ([]types.Object, error)
	ListInfoPrices(ctx context.Context, uics []int, asset string) ([]types.Object, error)
}

// Enroller adds instruments to the streaming manager.
type Enroller interface {
	Add(ctx context.Context, uic int) error
}

// Scanner discovers momentum candidates and enrolls them for streaming.
type Scanner struct {
	cfg     config.ScannerConfig
	api     InstrumentAPI
	limiter *exchange.Limiter
	stream  Enroller
	logger  *slog.Logger

	universe []int

	sleep func(ctx context.Context, d time.Duration) // overridable for tests
}

// NewScanner creates a universe scanner.
func NewScanner(cfg config.ScannerConfig, api InstrumentAPI, limiter *exchange.Limiter, stream Enroller, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:     cfg,
		api:     api,
		limiter: limiter,
		stream:  stream,
		logger:  logger.With("component", "scanner"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// LoadUniverse fetches the scannable UIC set from the configured exchanges,
// falling back to keyword search when the exchange listings are empty.
func (s *Scanner) LoadUniverse(ctx context.Context) error {
	seen := make(map[int]bool)
	var universe []int

	collect := func(rows []types.Object) {
		for _, row := range rows {
			uic, ok := row.Int("Identifier")
			if !ok {
				uic, ok = row.Int("Uic")
			}
			if !ok || seen[uic] {
				continue
			}
			seen[uic] = true
			universe = append(universe, uic)
		}
	}

	for _, exch := range s.cfg.Exchanges {
		rows, err := s.api.ListInstruments(ctx, exch, "", types.AssetStock)
		if err != nil {
			s.logger.Warn("exchange listing failed", "exchange", exch, "error", err)
			continue
		}
		collect(rows)
	}

	if len(universe) == 0 {
		s.logger.Warn("exchange lookup empty, falling back to keyword seeds",
			"seeds", len(s.cfg.SeedKeywords),
		)
		for _, kw := range s.cfg.SeedKeywords {
			rows, err := s.api.ListInstruments(ctx, "", kw, types.AssetStock)
			if err != nil {
				s.logger.Warn("keyword search failed", "keyword", kw, "error", err)
				continue
			}
			collect(rows)
		}
	}

	s.universe = universe
	s.logger.Info("universe loaded", "size", len(universe))
	return nil
}

// Scan walks the universe in batches, filters candidates, and enrolls them.
// A 429 aborts the whole scan (the cooldown is already fed by the gateway);
// a denied batch is skipped after a short wait. A subscription-limit error
// stops further adds for this scan.
func (s *Scanner) Scan(ctx context.Context) error {
	if len(s.universe) == 0 {
		if err := s.LoadUniverse(ctx); err != nil {
			return err
		}
	}

	batch := s.cfg.BatchSize
	candidates := 0

	for start := 0; start < len(s.universe); start += batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		end := start + batch
		if end > len(s.universe) {
			end = len(s.universe)
		}

		if !s.limiter.Admit(exchange.PriorityLow) {
			s.logger.Info("batch skipped, limiter denied", "offset", start)
			s.sleep(ctx, s.cfg.DeniedWait)
			continue
		}

		rows, err := s.api.ListInfoPrices(ctx, s.universe[start:end], types.AssetStock)
		s.limiter.Record()
		if err != nil {
			if errors.Is(err, exchange.ErrRateLimited) {
				s.logger.Warn("scan aborted by broker rate limit", "offset", start)
				return err
			}
			s.logger.Warn("batch fetch failed", "offset", start, "error", err)
			continue
		}

		for _, row := range rows {
			uic, last, pct, ok := s.evaluate(row)
			if !ok {
				continue
			}

			symbol, _ := row.Object("DisplayAndFormat").String("Symbol")
			s.logger.Info("candidate detected",
				"uic", uic,
				"symbol", symbol,
				"last", last,
				"percent_change", pct,
			)

			if err := s.stream.Add(ctx, uic); err != nil {
				if errors.Is(err, exchange.ErrSubscriptionLimit) {
					s.logger.Warn("subscription limit, no more adds this scan")
					return err
				}
				s.logger.Warn("enroll failed", "uic", uic, "error", err)
			}
			candidates++
		}

		s.sleep(ctx, s.cfg.BatchDelay)
	}

	s.logger.Info("scan complete", "universe", len(s.universe), "candidates", candidates)
	return nil
}

// evaluate applies the candidate filter to one info-price row. Both price
// bounds are inclusive; the percent-change threshold is strict.
func (s *Scanner) evaluate(row types.Object) (uic int, last, pct float64, ok bool) {
	uic, ok = row.Int("Uic")
	if !ok {
		return 0, 0, 0, false
	}

	quote := row.Object("Quote")
	last, ok = quote.Float("LastTraded")
	if !ok {
		return 0, 0, 0, false
	}
	pct, _ = quote.Float("PercentChange")

	if last < s.cfg.MinPrice || last > s.cfg.MaxPrice {
		return 0, 0, 0, false
	}
	if pct <= s.cfg.MinPercentChange {
		return 0, 0, 0, false
	}
	return uic, last, pct, true
}

// Universe returns the current universe (copy).
func (s *Scanner) Universe() []int {
	out := make([]int, len(s.universe))
	copy(out, s.universe)
	return out
}
