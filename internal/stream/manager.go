// Package stream keeps a single WebSocket open to the Saxo streaming
// endpoint and maintains the per-instrument subscription ledger.
//
// Subscriptions are created and deleted through a REST side channel keyed
// by (contextID, referenceID). Every reconnect allocates a fresh contextID,
// because the broker drops all subscriptions with the old context and
// returns 409 when a context is reused; the currently-desired UIC set is
// re-enrolled under the new context. Inbound frames use the binary format
// in decode.go and are reduced to a latest-quote map keyed by UIC.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"saxotrader/internal/exchange"
	"saxotrader/pkg/types"
)

// SubscriptionAPI is the REST side channel for subscription lifecycle.
// Implemented by the exchange gateway.
type SubscriptionAPI interface {
	CreateInfoPriceSubscription(ctx context.Context, contextID, refID string, uics []int, asset string, refreshMS int) ([]types.Object, error)
	DeleteInfoPriceSubscription(ctx context.Context, contextID, refID string) error
}

// Config tunes the streaming manager.
type Config struct {
	URL            string        // wss endpoint, contextId is appended as a query param
	Asset          string        // asset type for subscriptions
	ContextPrefix  string        // context id = prefix_unixSeconds
	RefPrefix      string        // reference id = prefix_uic_unixSeconds
	RefreshRateMS  int           // broker-side refresh rate per subscription
	ReconnectDelay time.Duration // sleep between reconnect attempts
	StaleAfter     time.Duration // prune entries older than this
}

// Manager owns the WebSocket lifecycle, the subscription ledger, and the
// latest-quote map. All ledger and quote access is serialized by one mutex;
// readers copy out.
type Manager struct {
	cfg    Config
	api    SubscriptionAPI
	tokens exchange.TokenSource
	logger *slog.Logger

	mu        sync.Mutex
	ledger    map[int]types.SubscriptionEntry // enrolled under the current context
	desired   map[int]bool                    // what should be enrolled, survives reconnects
	quotes    map[int]types.Quote
	contextID string

	connMu sync.Mutex
	conn   *websocket.Conn

	limitCh chan struct{}

	now func() time.Time
}

// New creates a streaming manager. Run must be started for quotes to flow.
func New(cfg Config, api SubscriptionAPI, tokens exchange.TokenSource, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		api:     api,
		tokens:  tokens,
		logger:  logger.With("component", "stream"),
		ledger:  make(map[int]types.SubscriptionEntry),
		desired: make(map[int]bool),
		quotes:  make(map[int]types.Quote),
		limitCh: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// LimitEvents signals SubscriptionLimitExceeded responses from the broker.
// The scanner pauses new adds until the janitor has pruned.
func (m *Manager) LimitEvents() <-chan struct{} { return m.limitCh }

// Run maintains the supervised connection loop until ctx is cancelled.
// initial is enrolled on the first connect.
func (m *Manager) Run(ctx context.Context, initial []int) error {
	m.mu.Lock()
	for _, uic := range initial {
		m.desired[uic] = true
	}
	m.mu.Unlock()

	for {
		err := m.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"delay", m.cfg.ReconnectDelay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}

// connectAndRead opens one WebSocket session under a fresh context id,
// re-enrolls the desired set, and pumps frames until the connection drops.
func (m *Manager) connectAndRead(ctx context.Context) error {
	token, err := m.tokens.EnsureToken(ctx)
	if err != nil {
		return fmt.Errorf("token for stream: %w", err)
	}

	contextID := fmt.Sprintf("%s_%d", m.cfg.ContextPrefix, m.now().Unix())
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL+"?contextId="+contextID, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	defer func() {
		m.connMu.Lock()
		conn.Close()
		m.conn = nil
		m.connMu.Unlock()
	}()

	// The broker forgot every subscription tied to the old context.
	m.mu.Lock()
	m.contextID = contextID
	m.ledger = make(map[int]types.SubscriptionEntry)
	uics := make([]int, 0, len(m.desired))
	for uic := range m.desired {
		uics = append(uics, uic)
	}
	m.mu.Unlock()

	m.logger.Info("websocket connected", "context_id", contextID, "re_enroll", len(uics))

	for _, uic := range uics {
		if err := m.enroll(ctx, uic); err != nil {
			m.logger.Warn("re-enroll failed", "uic", uic, "error", err)
		}
	}

	// Unblock ReadMessage promptly on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			m.handleBinary(data)
		case websocket.TextMessage:
			m.logger.Info("text frame ignored", "data", string(data))
		}
	}
}

// Add enrolls one UIC. Idempotent: an already-enrolled UIC is a no-op and
// issues no REST call.
func (m *Manager) Add(ctx context.Context, uic int) error {
	m.mu.Lock()
	if _, ok := m.ledger[uic]; ok {
		m.mu.Unlock()
		return nil
	}
	connected := m.contextID != ""
	m.desired[uic] = true
	m.mu.Unlock()

	if !connected {
		// Enrolled on first connect.
		return nil
	}
	return m.enroll(ctx, uic)
}

// enroll creates a single-UIC subscription with a fresh reference id and
// feeds the snapshot rows through quote extraction.
func (m *Manager) enroll(ctx context.Context, uic int) error {
	m.mu.Lock()
	contextID := m.contextID
	m.mu.Unlock()

	refID := fmt.Sprintf("%s_%d_%d", m.cfg.RefPrefix, uic, m.now().Unix())

	snapshot, err := m.api.CreateInfoPriceSubscription(ctx, contextID, refID, []int{uic}, m.cfg.Asset, m.cfg.RefreshRateMS)
	if err != nil {
		m.mu.Lock()
		delete(m.desired, uic)
		m.mu.Unlock()

		if errors.Is(err, exchange.ErrSubscriptionLimit) {
			m.logger.Error("broker subscription limit reached", "uic", uic, "critical", true)
			select {
			case m.limitCh <- struct{}{}:
			default:
			}
		}
		return err
	}

	m.mu.Lock()
	m.ledger[uic] = types.SubscriptionEntry{
		Uic:         uic,
		ReferenceID: refID,
		ContextID:   contextID,
		CreatedAt:   m.now(),
	}
	m.mu.Unlock()

	m.ingest(snapshot)
	m.logger.Info("subscription enrolled", "uic", uic, "ref_id", refID)
	return nil
}

// Remove unenrolls one UIC. Idempotent; local state is dropped even when
// the REST delete fails, because the broker GCs the subscription when the
// context dies.
func (m *Manager) Remove(ctx context.Context, uic int) error {
	m.mu.Lock()
	entry, ok := m.ledger[uic]
	delete(m.ledger, uic)
	delete(m.desired, uic)
	delete(m.quotes, uic)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := m.api.DeleteInfoPriceSubscription(ctx, entry.ContextID, entry.ReferenceID); err != nil {
		m.logger.Warn("unsubscribe failed, dropping locally", "uic", uic, "error", err)
	}
	m.logger.Info("subscription removed", "uic", uic)
	return nil
}

// Prune drops subscriptions older than StaleAfter whose UIC is not in safe.
// Returns the UICs removed. REST deletes are best-effort.
func (m *Manager) Prune(ctx context.Context, safe map[int]bool) []int {
	cutoff := m.now().Add(-m.cfg.StaleAfter)

	m.mu.Lock()
	var victims []types.SubscriptionEntry
	for uic, entry := range m.ledger {
		if safe[uic] {
			continue
		}
		if entry.CreatedAt.Before(cutoff) {
			victims = append(victims, entry)
		}
	}
	for _, v := range victims {
		delete(m.ledger, v.Uic)
		delete(m.desired, v.Uic)
		delete(m.quotes, v.Uic)
	}
	m.mu.Unlock()

	removed := make([]int, 0, len(victims))
	for _, v := range victims {
		if err := m.api.DeleteInfoPriceSubscription(ctx, v.ContextID, v.ReferenceID); err != nil {
			m.logger.Warn("prune unsubscribe failed, dropped locally", "uic", v.Uic, "error", err)
		}
		removed = append(removed, v.Uic)
	}

	if len(removed) > 0 {
		m.logger.Info("pruned stale subscriptions", "count", len(removed), "uics", removed)
	}
	return removed
}

// Latest returns the most recent quote for a UIC, if any.
func (m *Manager) Latest(uic int) (types.Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[uic]
	return q, ok
}

// ActiveUICs returns a copy of the currently-enrolled UIC set.
func (m *Manager) ActiveUICs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.ledger))
	for uic := range m.ledger {
		out = append(out, uic)
	}
	return out
}

// Close tears down the current connection, if any.
func (m *Manager) Close() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

// handleBinary decodes one WebSocket message into frames and extracts
// quotes from the JSON payloads. A malformed frame drops the remainder of
// the message but never the connection.
func (m *Manager) handleBinary(data []byte) {
	frames, err := DecodeFrames(data)
	if err != nil {
		m.logger.Error("frame decode failed", "error", err, "decoded", len(frames))
	}

	for _, f := range frames {
		// Control messages (_heartbeat, _resetsubscriptions, ...) carry
		// no quote data.
		if strings.HasPrefix(f.RefID, "_") {
			continue
		}
		if f.PayloadFormat != PayloadJSON {
			m.logger.Warn("opaque payload ignored", "ref_id", f.RefID, "format", f.PayloadFormat)
			continue
		}

		items, err := parsePayload(f.Payload)
		if err != nil {
			m.logger.Error("payload parse failed", "ref_id", f.RefID, "error", err)
			continue
		}
		m.ingest(items)
	}
}

// parsePayload accepts either a JSON array of objects or a single object.
func parsePayload(payload []byte) ([]types.Object, error) {
	var list []types.Object
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var single types.Object
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	return []types.Object{single}, nil
}

// ingest records the latest price per UIC. Last-traded wins, then ask,
// then bid. Items without a UIC or price are skipped.
func (m *Manager) ingest(items []types.Object) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range items {
		uic, ok := item.Int("Uic")
		if !ok {
			continue
		}

		quote := item.Object("Quote")
		price, ok := quote.Float("LastTraded")
		if !ok {
			price, ok = quote.Float("Ask")
		}
		if !ok {
			price, ok = quote.Float("Bid")
		}
		if !ok {
			continue
		}

		m.quotes[uic] = types.Quote{Uic: uic, LastPrice: price, UpdatedAt: now}
	}
}
