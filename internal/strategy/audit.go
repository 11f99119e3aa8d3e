// audit.go implements the profit-guard math: estimated net profit after
// commission, FX friction, and a slippage buffer.
package strategy

import (
	"context"
	"log/slog"
)

const (
	// fxFeePct is the conversion friction charged on round-trip notional
	// when instrument and account currencies differ.
	fxFeePct = 0.005

	// slippageBps is the safety buffer applied to exit notional: 5 bps.
	slippageBps = 0.0005
)

// CostOracle estimates the round-trip commission for a trade, in the
// account currency.
type CostOracle interface {
	Commission(ctx context.Context, uic int, qty, price float64) (float64, error)
}

// FXSource converts between currencies.
type FXSource interface {
	Rate(from, to string) float64
}

// Audit computes audit-grade net profit for a candidate exit.
type Audit struct {
	costs  CostOracle
	fx     FXSource
	logger *slog.Logger
}

// NewAudit wires the profit guard's cost inputs.
func NewAudit(costs CostOracle, fx FXSource, logger *slog.Logger) *Audit {
	return &Audit{costs: costs, fx: fx, logger: logger.With("component", "audit")}
}

// NetProfit returns the estimated net profit of exiting qty shares bought
// at entry and sold at exit, in the account currency:
//
//	gross  = (exit - entry) * qty * fx
//	comm   = oracle(uic, qty, (entry+exit)/2)
//	fxCost = (entry*qty + exit*qty) * fx * 0.5%   (cross-currency only)
//	slip   = exit*qty * fx * 5bps                 (when includeSlippage)
//	net    = gross - comm - fxCost - slip
func (a *Audit) NetProfit(ctx context.Context, uic int, entry, exit, qty float64, instrCcy, acctCcy string, includeSlippage bool) (float64, error) {
	fxRate := a.fx.Rate(instrCcy, acctCcy)

	grossInstr := (exit - entry) * qty
	grossAcct := grossInstr * fxRate

	avgPrice := (entry + exit) / 2
	commission, err := a.costs.Commission(ctx, uic, qty, avgPrice)
	if err != nil {
		return 0, err
	}

	var fxCost float64
	if instrCcy != acctCcy {
		roundTrip := entry*qty + exit*qty
		fxCost = roundTrip * fxRate * fxFeePct
	}

	var slippage float64
	if includeSlippage {
		slippage = exit * qty * fxRate * slippageBps
	}

	net := grossAcct - commission - fxCost - slippage

	a.logger.Info("profit audit",
		"uic", uic,
		"gross", grossAcct,
		"commission", commission,
		"fx_cost", fxCost,
		"slippage", slippage,
		"net", net,
		"currency", acctCcy,
	)
	return net, nil
}

// BreakevenMove returns the per-share move (in the instrument currency)
// needed to cover round-trip commission and FX friction at the entry price.
func (a *Audit) BreakevenMove(ctx context.Context, uic int, entry, qty float64, instrCcy, acctCcy string) (float64, error) {
	fxRate := a.fx.Rate(instrCcy, acctCcy)
	if fxRate == 0 {
		fxRate = 1.0
	}

	commission, err := a.costs.Commission(ctx, uic, qty, entry)
	if err != nil {
		return 0, err
	}

	var fxCost float64
	if instrCcy != acctCcy {
		fxCost = entry * qty * 2 * fxRate * fxFeePct
	}

	totalInstr := (commission + fxCost) / fxRate
	return totalInstr / qty, nil
}
