// costs.go adapts the trading-conditions endpoint into the commission
// oracle the strategy's profit guard consumes, and provides the FX rates
// used to convert instrument-currency P&L into the account currency.
package exchange

import (
	"context"
)

// CostOracle answers commission estimates for a single account.
type CostOracle struct {
	client     *Client
	accountKey string
	asset      string
}

// NewCostOracle binds the gateway to an account for commission lookups.
func NewCostOracle(client *Client, accountKey, asset string) *CostOracle {
	return &CostOracle{client: client, accountKey: accountKey, asset: asset}
}

// Commission returns the broker's total-cost estimate for a trade of qty
// shares around the given price, in the account currency.
func (o *CostOracle) Commission(ctx context.Context, uic int, qty, price float64) (float64, error) {
	return o.client.FetchCostEstimate(ctx, o.accountKey, uic, qty, price, o.asset)
}

// StaticFXRates is the simulation FX table. The live system would query
// Saxo FX prices; for the simulation environment the audit only needs
// stable, known rates.
type StaticFXRates struct{}

// Rate converts one unit of from-currency into to-currency.
func (StaticFXRates) Rate(from, to string) float64 {
	if from == to {
		return 1.0
	}
	switch {
	case from == "USD" && to == "EUR":
		return 0.90
	case from == "EUR" && to == "USD":
		return 1.11
	default:
		return 1.0
	}
}
