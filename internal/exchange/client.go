// Package exchange implements the Saxo OpenAPI REST gateway and the
// sliding-window rate limiter.
//
// The REST client (Client) wraps the endpoints the bot needs:
//   - FetchAccountKey:             GET    /port/v1/accounts/me
//   - FetchCostEstimate:           GET    /cs/v1/tradingconditions/cost/{account}/{uic}/{asset}
//   - ListInstruments:             GET    /ref/v1/instruments
//   - ListInfoPrices:              GET    /trade/v1/infoprices/list
//   - CreateInfoPriceSubscription: POST   /trade/v1/infoprices/subscriptions
//   - DeleteInfoPriceSubscription: DELETE /trade/v1/infoprices/subscriptions/{ctx}/{ref}
//   - PlaceOrder:                  POST   /trade/v1/orders
//   - ListOpenOrders:              GET    /trade/v1/orders
//   - CancelOrder:                 DELETE /trade/v1/orders/{id}
//   - ListPositions:               GET    /port/v1/positions
//
// Every request carries a bearer token from the TokenSource. On HTTP 429 the
// Retry-After header is fed into the limiter's cooldown and ErrRateLimited is
// returned so callers can back off instead of retrying.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"saxotrader/pkg/types"
)

var (
	// ErrRateLimited signals an HTTP 429; the cooldown has already been fed.
	ErrRateLimited = errors.New("rate limited by broker")

	// ErrSubscriptionLimit signals the broker refused a new streaming
	// subscription (403 or a SubscriptionLimitExceeded body). The scanner
	// must pause new adds until the janitor prunes.
	ErrSubscriptionLimit = errors.New("subscription limit exceeded")
)

// TokenSource supplies a valid bearer credential on demand.
type TokenSource interface {
	EnsureToken(ctx context.Context) (string, error)
}

// Client is the Saxo OpenAPI REST gateway.
type Client struct {
	http    *resty.Client
	tokens  TokenSource
	limiter *Limiter // may be nil; callers that pass one get 429 cooldown feedback
	logger  *slog.Logger

	accountKey string // cached after the first successful fetch
}

// NewClient creates a REST gateway against the given base URL.
func NewClient(baseURL string, tokens TokenSource, limiter *Limiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		tokens:  tokens,
		limiter: limiter,
		logger:  logger.With("component", "gateway"),
	}
}

// request builds an authenticated request or fails with the token error.
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.tokens.EnsureToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.http.R().
		SetContext(ctx).
		SetAuthToken(token), nil
}

// check maps a non-2xx response to an error. 429 feeds the limiter cooldown.
func (c *Client) check(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	if code == http.StatusTooManyRequests {
		retry := parseRetryAfter(resp.Header().Get("Retry-After"))
		if c.limiter != nil {
			c.limiter.Cooldown(retry)
		}
		c.logger.Warn("broker rate limit hit", "op", op, "retry_after", retry)
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	}
	c.logger.Error("broker request failed", "op", op, "status", code, "body", resp.String())
	return fmt.Errorf("%s: status %d", op, code)
}

// parseRetryAfter reads a Retry-After value in seconds, defaulting to 60 s
// when absent or malformed.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return time.Minute
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs <= 0 {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}

// FetchAccountKey discovers the primary account key (first entry of Data).
// The result is cached for the process lifetime.
func (c *Client) FetchAccountKey(ctx context.Context) (string, error) {
	if c.accountKey != "" {
		return c.accountKey, nil
	}

	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}

	var body types.Object
	resp, err := req.SetResult(&body).Get("/port/v1/accounts/me")
	if err != nil {
		return "", fmt.Errorf("fetch accounts: %w", err)
	}
	if err := c.check(resp, "fetch accounts"); err != nil {
		return "", err
	}

	accounts := body.Array("Data")
	if len(accounts) == 0 {
		return "", fmt.Errorf("fetch accounts: empty Data array")
	}
	key, ok := accounts[0].String("AccountKey")
	if !ok || key == "" {
		return "", fmt.Errorf("fetch accounts: first account has no AccountKey")
	}

	c.accountKey = key
	c.logger.Info("account key discovered", "account_key", key)
	return key, nil
}

// FetchCostEstimate returns the estimated commission for a trade in the
// account currency. It reads Cost.Long.TotalCost, falling back to
// Cost.Short.TotalCost.
func (c *Client) FetchCostEstimate(ctx context.Context, accountKey string, uic int, qty, price float64, asset string) (float64, error) {
	req, err := c.request(ctx)
	if err != nil {
		return 0, err
	}

	var body types.Object
	resp, err := req.
		SetPathParams(map[string]string{
			"account": accountKey,
			"uic":     strconv.Itoa(uic),
			"asset":   asset,
		}).
		SetQueryParams(map[string]string{
			"Amount":      strconv.FormatFloat(qty, 'f', -1, 64),
			"Price":       strconv.FormatFloat(price, 'f', -1, 64),
			"FieldGroups": "DisplayAndFormat",
		}).
		SetResult(&body).
		Get("/cs/v1/tradingconditions/cost/{account}/{uic}/{asset}")
	if err != nil {
		return 0, fmt.Errorf("fetch cost: %w", err)
	}
	if err := c.check(resp, "fetch cost"); err != nil {
		return 0, err
	}

	cost := body.Object("Cost")
	side := cost.Object("Long")
	if side == nil {
		side = cost.Object("Short")
	}
	total, _ := side.Float("TotalCost")
	return total, nil
}

// ListInstruments searches tradable instruments by exchange or keyword.
// Exactly one of exchangeID and keywords should be set.
func (c *Client) ListInstruments(ctx context.Context, exchangeID, keywords, asset string) ([]types.Object, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"AssetTypes":         asset,
		"IncludeNonTradable": "false",
	}
	if exchangeID != "" {
		params["ExchangeId"] = exchangeID
	}
	if keywords != "" {
		params["Keywords"] = keywords
	}

	var body types.Object
	resp, err := req.SetQueryParams(params).SetResult(&body).Get("/ref/v1/instruments")
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	if err := c.check(resp, "list instruments"); err != nil {
		return nil, err
	}
	return body.Array("Data"), nil
}

// ListInfoPrices fetches a batch quote snapshot for up to 50 UICs.
func (c *Client) ListInfoPrices(ctx context.Context, uics []int, asset string) ([]types.Object, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var body types.Object
	resp, err := req.
		SetQueryParams(map[string]string{
			"Uics":      joinUics(uics),
			"AssetType": asset,
		}).
		SetResult(&body).
		Get("/trade/v1/infoprices/list")
	if err != nil {
		return nil, fmt.Errorf("list infoprices: %w", err)
	}
	if err := c.check(resp, "list infoprices"); err != nil {
		return nil, err
	}
	return body.Array("Data"), nil
}

// CreateInfoPriceSubscription enrolls a streaming subscription and returns
// the snapshot rows from the 201 response body, ready for quote extraction.
func (c *Client) CreateInfoPriceSubscription(ctx context.Context, contextID, refID string, uics []int, asset string, refreshMS int) ([]types.Object, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"ContextId":   contextID,
		"ReferenceId": refID,
		"RefreshRate": refreshMS,
		"Arguments": map[string]any{
			"Uics":      joinUics(uics),
			"AssetType": asset,
		},
	}

	var body types.Object
	resp, err := req.SetBody(payload).SetResult(&body).Post("/trade/v1/infoprices/subscriptions")
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	if resp.StatusCode() == http.StatusForbidden ||
		strings.Contains(resp.String(), "SubscriptionLimitExceeded") {
		return nil, fmt.Errorf("create subscription %s: %w", refID, ErrSubscriptionLimit)
	}
	if err := c.check(resp, "create subscription"); err != nil {
		return nil, err
	}

	return body.Object("Snapshot").Array("Data"), nil
}

// DeleteInfoPriceSubscription unsubscribes one streaming subscription.
func (c *Client) DeleteInfoPriceSubscription(ctx context.Context, contextID, refID string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetPathParams(map[string]string{"context": contextID, "ref": refID}).
		Delete("/trade/v1/infoprices/subscriptions/{context}/{ref}")
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return c.check(resp, "delete subscription")
}

// PlaceOrder submits an order and returns the broker's response body.
func (c *Client) PlaceOrder(ctx context.Context, payload types.OrderPayload) (types.Object, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var body types.Object
	resp, err := req.SetBody(payload).SetResult(&body).Post("/trade/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if err := c.check(resp, "place order"); err != nil {
		return nil, err
	}

	orderID, _ := body.String("OrderId")
	c.logger.Info("order placed", "uic", payload.Uic, "side", payload.BuySell, "order_id", orderID)
	return body, nil
}

// ListOpenOrders returns the account's open orders.
func (c *Client) ListOpenOrders(ctx context.Context, accountKey string) ([]types.Object, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var body types.Object
	resp, err := req.
		SetQueryParams(map[string]string{
			"AccountKey":  accountKey,
			"FieldGroups": "DisplayAndFormat",
		}).
		SetResult(&body).
		Get("/trade/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if err := c.check(resp, "list orders"); err != nil {
		return nil, err
	}
	return body.Array("Data"), nil
}

// CancelOrder cancels a single open order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID, accountKey string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetPathParam("id", orderID).
		SetQueryParam("AccountKey", accountKey).
		Delete("/trade/v1/orders/{id}")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if err := c.check(resp, "cancel order"); err != nil {
		return err
	}
	c.logger.Info("order cancelled", "order_id", orderID)
	return nil
}

// ListPositions returns the account's open positions.
func (c *Client) ListPositions(ctx context.Context, accountKey string) ([]types.Object, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var body types.Object
	resp, err := req.
		SetQueryParams(map[string]string{
			"AccountKey":  accountKey,
			"FieldGroups": "DisplayAndFormat,PositionBase",
		}).
		SetResult(&body).
		Get("/port/v1/positions")
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if err := c.check(resp, "list positions"); err != nil {
		return nil, err
	}
	return body.Array("Data"), nil
}

func joinUics(uics []int) string {
	parts := make([]string, len(uics))
	for i, u := range uics {
		parts[i] = strconv.Itoa(u)
	}
	return strings.Join(parts, ",")
}
