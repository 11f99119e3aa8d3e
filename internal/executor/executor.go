// Package executor places orders and provides the emergency kill switch.
//
// Sells are rate-limited at high priority so an exit is never starved by
// scanner traffic; buys go through at normal priority and are simply
// dropped when the window is full. In dry-run mode the payload is logged
// and a limiter call is recorded, but nothing reaches the broker.
package executor

import (
	"context"
	"errors"
	"log/slog"

	"saxotrader/internal/exchange"
	"saxotrader/pkg/types"
)

// Gateway is the slice of the REST client the executor needs.
type Gateway interface {
	PlaceOrder(ctx context.Context, payload types.OrderPayload) (types.Object, error)
	ListOpenOrders(ctx context.Context, accountKey string) ([]types.Object, error)
	CancelOrder(ctx context.Context, orderID, accountKey string) error
	ListPositions(ctx context.Context, accountKey string) ([]types.Object, error)
}

// Executor submits orders for one account.
type Executor struct {
	gw         Gateway
	limiter    *exchange.Limiter
	accountKey string
	dryRun     bool
	logger     *slog.Logger
}

// New creates an executor bound to an account.
func New(gw Gateway, limiter *exchange.Limiter, accountKey string, dryRun bool, logger *slog.Logger) *Executor {
	e := &Executor{
		gw:         gw,
		limiter:    limiter,
		accountKey: accountKey,
		dryRun:     dryRun,
		logger:     logger.With("component", "executor"),
	}
	if dryRun {
		e.logger.Warn("executor in simulation mode, no real orders will be placed")
	}
	return e
}

// Place submits a market or limit order. Returns whether the order was
// accepted (or, in dry-run mode, would have been submitted).
func (e *Executor) Place(ctx context.Context, uic int, qty float64, side types.Side, kind types.OrderKind, price float64, asset string) bool {
	priority := exchange.PriorityNormal
	if side == types.Sell {
		priority = exchange.PriorityHigh
	}
	if !e.limiter.Admit(priority) {
		e.logger.Warn("order denied by rate limiter", "uic", uic, "side", side)
		return false
	}

	payload := types.OrderPayload{
		Uic:           uic,
		AssetType:     asset,
		Amount:        qty,
		BuySell:       side,
		OrderDuration: types.OrderDuration{DurationType: "DayOrder"},
		AccountKey:    e.accountKey,
		OrderType:     kind,
	}
	if kind == types.OrderLimit {
		if price <= 0 {
			e.logger.Error("limit order requires a price", "uic", uic)
			return false
		}
		payload.OrderPrice = price
	}

	if e.dryRun {
		e.logger.Info("simulated order",
			"uic", uic,
			"side", side,
			"amount", qty,
			"type", kind,
		)
		e.limiter.Record()
		return true
	}

	e.limiter.Record()
	if _, err := e.gw.PlaceOrder(ctx, payload); err != nil {
		if errors.Is(err, exchange.ErrRateLimited) {
			// Cooldown already fed by the gateway.
			return false
		}
		e.logger.Error("order failed", "uic", uic, "side", side, "error", err)
		return false
	}
	return true
}

// KillSwitch cancels every open order for the account and then flattens
// every nonzero position with an opposing market order. Each step logs
// failures and keeps going; neither step aborts the other.
func (e *Executor) KillSwitch(ctx context.Context) {
	e.logger.Error("kill switch activated", "critical", true)

	if e.dryRun {
		e.logger.Info("simulated kill switch: would cancel all orders and close all positions")
		return
	}

	e.cancelAllOrders(ctx)
	e.closeAllPositions(ctx)
}

func (e *Executor) cancelAllOrders(ctx context.Context) {
	orders, err := e.gw.ListOpenOrders(ctx, e.accountKey)
	if err != nil {
		e.logger.Error("could not list open orders", "error", err)
		return
	}

	for _, order := range orders {
		orderID, ok := order.String("OrderId")
		if !ok || orderID == "" {
			continue
		}
		if err := e.gw.CancelOrder(ctx, orderID, e.accountKey); err != nil {
			e.logger.Error("could not cancel order", "order_id", orderID, "error", err)
		}
	}
}

func (e *Executor) closeAllPositions(ctx context.Context) {
	positions, err := e.gw.ListPositions(ctx, e.accountKey)
	if err != nil {
		e.logger.Error("could not list positions", "error", err)
		return
	}

	for _, pos := range positions {
		base := pos.Object("PositionBase")
		uic, ok := base.Int("Uic")
		if !ok {
			continue
		}
		amount, ok := base.Float("Amount")
		if !ok || amount == 0 {
			continue
		}
		asset, _ := base.String("AssetType")
		if asset == "" {
			asset = types.AssetStock
		}

		side := types.Sell
		if amount < 0 {
			side = types.Buy
			amount = -amount
		}

		e.logger.Warn("flattening position", "uic", uic, "side", side, "amount", amount)
		e.Place(ctx, uic, amount, side, types.OrderMarket, 0, asset)
	}
}
