package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// WSClient is a WebSocket client for one Polymarket CLOB channel. The
// market channel feeds books and trades; the user channel feeds order
// updates. Messages are normalized and handed to a domain.FeedHandler.
type WSClient struct {
	wsURL   string
	cmd     WSCommand
	handler domain.FeedHandler
	logger  *slog.Logger

	mu sync.Mutex
	// last update id handed out per asset.
	seq map[string]uint64
}

// NewMarketWSClient creates a client for the public market channel.
//
// wsURL is e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewMarketWSClient(wsURL string, assetIDs []string, handler domain.FeedHandler, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:   wsURL,
		cmd:     WSCommand{Type: "market", Assets: assetIDs},
		handler: handler,
		logger:  logger.With(slog.String("component", "polymarket_ws"), slog.String("channel", "market")),
		seq:     make(map[string]uint64),
	}
}

// NewUserWSClient creates a client for the authenticated user channel.
// markets optionally restricts the feed to condition ids.
//
// wsURL is e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/user".
func NewUserWSClient(wsURL string, creds Credentials, markets []string, handler domain.FeedHandler, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		cmd: WSCommand{
			Type:    "user",
			Markets: markets,
			Auth:    &WSAuth{APIKey: creds.Key, Secret: creds.Secret, Passphrase: creds.Passphrase},
		},
		handler: handler,
		logger:  logger.With(slog.String("component", "polymarket_ws"), slog.String("channel", "user")),
		seq:     make(map[string]uint64),
	}
}

// Run connects, subscribes and reads until ctx is cancelled, reconnecting
// with exponential backoff whenever the connection drops.
func (w *WSClient) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		started := time.Now()
		err := w.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > maxReconnectDelay {
			delay = reconnectDelay
		}
		w.logger.Warn("websocket disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff.
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// serve runs one connection until it fails or ctx is cancelled.
func (w *WSClient) serve(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	defer conn.Close()

	// Set up pong handler for keep-alive.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var writeMu sync.Mutex
	if err := sendCommand(conn, &writeMu, w.cmd); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	w.logger.Info("websocket subscribed", slog.Int("assets", len(w.cmd.Assets)))

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, &writeMu, done)
	go func() {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket/ws: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		if err := w.handleMessage(ctx, message); err != nil && ctx.Err() == nil {
			w.logger.Warn("dropping message", slog.String("error", err.Error()))
		}
	}
}

// sendCommand sends a JSON command to the WebSocket.
func sendCommand(conn *websocket.Conn, mu *sync.Mutex, cmd WSCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func pingLoop(conn *websocket.Conn, mu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame and routes every event in it. Unknown
// event types are ignored. One bad event does not stop the others; their
// errors are joined.
func (w *WSClient) handleMessage(ctx context.Context, raw []byte) error {
	frames, err := splitFrames(raw)
	if err != nil {
		return err
	}

	var errs []error
	for _, frame := range frames {
		if err := w.handleEvent(ctx, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *WSClient) handleEvent(ctx context.Context, raw []byte) error {
	var envelope struct {
		MsgType string `json:"msg_type"`
		Event   string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("polymarket/ws: decode envelope: %w", domain.ErrMalformedMessage)
	}

	msgType := envelope.Event
	if msgType == "" {
		msgType = envelope.MsgType
	}

	switch msgType {
	case "book":
		var book BookMessage
		if err := json.Unmarshal(raw, &book); err != nil {
			return fmt.Errorf("polymarket/ws: decode book: %w", domain.ErrMalformedMessage)
		}
		msg, err := book.ToRaw()
		if err != nil {
			return err
		}
		msg.UpdateID = w.nextDiffID(book.AssetID, msg.Timestamp.UnixMilli())
		return w.deliver(w.handler.HandleBook(ctx, msg))

	case "price_change":
		var pc PriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return fmt.Errorf("polymarket/ws: decode price_change: %w", domain.ErrMalformedMessage)
		}
		diffs, err := pc.ToRaw(w.nextDiffID)
		if err != nil {
			return err
		}
		for _, msg := range diffs {
			if err := w.deliver(w.handler.HandleBook(ctx, msg)); err != nil {
				return err
			}
		}
		return nil

	case "last_trade_price":
		var ltp LastTradePriceMessage
		if err := json.Unmarshal(raw, &ltp); err != nil {
			return fmt.Errorf("polymarket/ws: decode last_trade_price: %w", domain.ErrMalformedMessage)
		}
		trade, err := ltp.ToRaw()
		if err != nil {
			return err
		}
		return w.deliver(w.handler.HandleTrade(ctx, trade))

	case "order":
		var om UserOrderMessage
		if err := json.Unmarshal(raw, &om); err != nil {
			return fmt.Errorf("polymarket/ws: decode order: %w", domain.ErrMalformedMessage)
		}
		status, err := om.ToStatus()
		if err != nil {
			return err
		}
		return w.deliver(w.handler.HandleOrderUpdate(ctx, status))

	default:
		// tick_size_change, trade confirmations and other events are not
		// needed for reconciliation.
		return nil
	}
}

// deliver filters handler errors that only mean the message was for a
// pair this process does not track.
func (w *WSClient) deliver(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		w.logger.Debug("message for untracked pair", slog.String("error", err.Error()))
		return nil
	}
	return err
}

// nextDiffID returns the update id of the next book message for asset
// stamped at ms. Ids strictly increase in arrival order and stay above the
// REST snapshot slot of ms. A millisecond with more updates than it has
// slots borrows from the next one rather than reuse an id.
func (w *WSClient) nextDiffID(asset string, ms int64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	floor := uint64(max(ms, 0)) * idsPerMilli
	prev := w.seq[asset]
	id := max(prev, floor) + 1
	w.seq[asset] = id

	if id >= floor+idsPerMilli {
		if prev/idsPerMilli == uint64(ms) {
			w.logger.Warn("update ids for millisecond exhausted, borrowing from the next",
				slog.String("asset", asset),
				slog.Int64("ms", ms),
			)
		} else {
			w.logger.Debug("message timestamp behind previous update, keeping arrival order",
				slog.String("asset", asset),
				slog.Int64("ms", ms),
				slog.Uint64("update_id", id),
			)
		}
	}
	return id
}
