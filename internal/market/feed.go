// feed.go implements the realtime tick feed over WebSocket.
//
// The feed subscribes by stock code and receives "tick" events carrying the
// latest traded price for a code. Ticks are folded straight into the quote
// cache so RealtimeQuotes can answer without a round-trip.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked codes on reconnection. A read deadline (90s)
// detects silent server failures within ~2 missed pings.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cytzrs/share/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// Feed maintains one WebSocket connection to the realtime tick stream.
type Feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects the conn field and writes to it

	// Track subscriptions for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // stock codes

	svc    *Service // tick sink
	logger *slog.Logger
}

// NewFeed creates a feed that pushes ticks into the given service's cache.
func NewFeed(wsURL string, svc *Service, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		svc:        svc,
		logger:     logger.With("component", "ws_quotes"),
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

type subscribeMsg struct {
	Operation string   `json:"op"` // "subscribe" or "unsubscribe"
	Codes     []string `json:"codes"`
}

// Subscribe adds stock codes to the tick stream.
func (f *Feed) Subscribe(codes []string) error {
	f.subscribedMu.Lock()
	for _, code := range codes {
		f.subscribed[code] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Codes: codes})
}

// Unsubscribe removes codes from the subscription.
func (f *Feed) Unsubscribe(codes []string) error {
	f.subscribedMu.Lock()
	for _, code := range codes {
		delete(f.subscribed, code)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "unsubscribe", Codes: codes})
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	codes := make([]string, 0, len(f.subscribed))
	for code := range f.subscribed {
		codes = append(codes, code)
	}
	f.subscribedMu.RUnlock()

	if len(codes) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg{Operation: "subscribe", Codes: codes})
}

// tickEvent is one realtime price update.
type tickEvent struct {
	EventType string `json:"event_type"`
	StockCode string `json:"stock_code"`
	Price     string `json:"price"`
	PrevClose string `json:"prev_close"`
	Volume    int64  `json:"volume"`
	TradeDate string `json:"trade_date"`
}

func (f *Feed) dispatchMessage(data []byte) {
	var evt tickEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch evt.EventType {
	case "tick":
		date, _ := time.ParseInLocation(time.DateOnly, evt.TradeDate, types.CST)
		f.svc.ApplyTick(types.Quote{
			StockCode: evt.StockCode,
			TradeDate: date,
			Close:     dec(evt.Price),
			PrevClose: dec(evt.PrevClose),
			Volume:    evt.Volume,
		})

	case "heartbeat":
		// Informational, nothing to process.

	default:
		f.logger.Debug("unknown ws event type", "type", evt.EventType)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
