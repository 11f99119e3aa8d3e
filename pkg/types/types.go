// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: quotes, positions,
// subscription ledger entries, order payloads, and the loosely-typed JSON
// value tree used for Saxo responses. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"
)

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// OrderKind enumerates the supported order types.
type OrderKind string

const (
	OrderMarket OrderKind = "Market"
	OrderLimit  OrderKind = "Limit"
)

// AssetStock is the only asset type the bot trades.
const AssetStock = "Stock"

// Quote is the latest observed price for an instrument. LastPrice is the
// last-traded price, falling back to ask, then bid, whichever the broker
// sent first.
type Quote struct {
	Uic       int
	LastPrice float64
	UpdatedAt time.Time
}

// SubscriptionEntry records one enrolled streaming subscription.
// ReferenceID is unique per process lifetime; ContextID matches the
// WebSocket session the entry was created under.
type SubscriptionEntry struct {
	Uic         int
	ReferenceID string
	ContextID   string
	CreatedAt   time.Time
}

// Position is an open long position tracked by the strategy and persisted
// to the state store on every mutation. PeakPrice never falls below
// EntryPrice while the position is held.
type Position struct {
	Uic        int     `json:"uic"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	PeakPrice  float64 `json:"peak_price"`
}

// ActiveUniverse is the externally-observable view of what the bot is
// watching and holding, mirrored to the state store on every change.
type ActiveUniverse struct {
	Watched   []int   `json:"watched"`
	Owned     []int   `json:"owned"`
	Timestamp float64 `json:"timestamp"`
}

// OrderDuration is the Saxo order-duration clause. The bot only places
// day orders.
type OrderDuration struct {
	DurationType string `json:"DurationType"`
}

// OrderPayload is the request body for POST /trade/v1/orders.
type OrderPayload struct {
	Uic           int           `json:"Uic"`
	AssetType     string        `json:"AssetType"`
	Amount        float64       `json:"Amount"`
	BuySell       Side          `json:"BuySell"`
	OrderDuration OrderDuration `json:"OrderDuration"`
	AccountKey    string        `json:"AccountKey"`
	OrderType     OrderKind     `json:"OrderType"`
	OrderPrice    float64       `json:"OrderPrice,omitempty"`
}

// Object is a loosely-typed JSON object. Saxo responses are dynamic
// key-value trees; rather than imposing a rigid schema, callers read
// optional fields with accessors that fall through null or missing values.
type Object map[string]any

// ParseObject unmarshals raw JSON into an Object.
func ParseObject(data []byte) (Object, error) {
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return o, nil
}

// Object returns a nested object, or nil if absent or not an object.
func (o Object) Object(key string) Object {
	if o == nil {
		return nil
	}
	switch v := o[key].(type) {
	case map[string]any:
		return Object(v)
	case Object:
		return v
	default:
		return nil
	}
}

// Array returns a nested array of objects, skipping non-object elements.
func (o Object) Array(key string) []Object {
	if o == nil {
		return nil
	}
	raw, ok := o[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Object, 0, len(raw))
	for _, el := range raw {
		if m, ok := el.(map[string]any); ok {
			out = append(out, Object(m))
		}
	}
	return out
}

// String returns a string field and whether it was present.
func (o Object) String(key string) (string, bool) {
	if o == nil {
		return "", false
	}
	s, ok := o[key].(string)
	return s, ok
}

// Float returns a numeric field and whether it was present and non-null.
func (o Object) Float(key string) (float64, bool) {
	if o == nil {
		return 0, false
	}
	switch v := o[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns an integer field and whether it was present.
func (o Object) Int(key string) (int, bool) {
	f, ok := o.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Bool returns a boolean field and whether it was present.
func (o Object) Bool(key string) (bool, bool) {
	if o == nil {
		return false, false
	}
	b, ok := o[key].(bool)
	return b, ok
}
