package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

const (
	// kalshiWriteWait is the time allowed to write a message to the peer.
	kalshiWriteWait = 10 * time.Second

	// kalshiPongWait is the time allowed to read the next pong message.
	kalshiPongWait = 30 * time.Second

	// kalshiPingPeriod sends pings at this interval. Must be less than pongWait.
	kalshiPingPeriod = (kalshiPongWait * 9) / 10

	// kalshiReconnectDelay is the base delay before attempting to reconnect.
	kalshiReconnectDelay = 2 * time.Second

	// kalshiMaxReconnectDelay caps the exponential backoff.
	kalshiMaxReconnectDelay = 60 * time.Second
)

// bookSub is the live orderbook_delta subscription of one ticker. Kalshi
// numbers messages per subscription, so every (re)subscription starts a
// new epoch and update ids compare across them.
type bookSub struct {
	cmdID int64
	sid   int64
	epoch uint32
}

type snapshotResult struct {
	msg domain.RawBookMessage
	err error
}

// WSClient is a WebSocket client for real-time Kalshi market data and
// private fills. It also serves fresh book snapshots by resubscribing a
// ticker, because the REST orderbook carries no sequence number.
type WSClient struct {
	wsURL   string
	signer  *Signer
	tickers []string
	fills   bool
	handler domain.FeedHandler
	logger  *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	cmdID   int64
	pending map[int64]string // subscribe command id -> ticker
	books   map[string]*bookSub
	bySID   map[int64]string
	retired map[int64]struct{}
	epochs  map[string]uint32
	waiters map[string][]chan snapshotResult
}

// NewWSClient creates a new Kalshi WebSocket client for tickers. When
// fills is set the authenticated fill channel is subscribed too.
//
// wsURL is the WebSocket endpoint, e.g. "wss://api.elections.kalshi.com/trade-api/ws/v2".
func NewWSClient(wsURL string, signer *Signer, tickers []string, fills bool, handler domain.FeedHandler, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:   wsURL,
		signer:  signer,
		tickers: tickers,
		fills:   fills,
		handler: handler,
		logger:  logger.With(slog.String("component", "kalshi_ws")),
		epochs:  make(map[string]uint32),
		waiters: make(map[string][]chan snapshotResult),
	}
}

// Run connects, subscribes and reads until ctx is cancelled, reconnecting
// with exponential backoff whenever the connection drops.
func (w *WSClient) Run(ctx context.Context) error {
	delay := kalshiReconnectDelay
	for {
		started := time.Now()
		err := w.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > kalshiMaxReconnectDelay {
			delay = kalshiReconnectDelay
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

		delay *= 2
		if delay > kalshiMaxReconnectDelay {
			delay = kalshiMaxReconnectDelay
		}
	}
}

// FetchSnapshot resubscribes pair and waits for the snapshot that opens
// the new subscription.
func (w *WSClient) FetchSnapshot(ctx context.Context, pair domain.TradingPair) (domain.RawBookMessage, error) {
	ticker := string(pair)
	ch := make(chan snapshotResult, 1)

	w.mu.Lock()
	if w.conn == nil {
		w.mu.Unlock()
		return domain.RawBookMessage{}, fmt.Errorf("kalshi/ws: fetch snapshot %s: %w", ticker, domain.ErrWSDisconnect)
	}
	w.waiters[ticker] = append(w.waiters[ticker], ch)
	err := w.resubscribeLocked(ticker)
	w.mu.Unlock()
	if err != nil {
		w.dropWaiter(ticker, ch)
		return domain.RawBookMessage{}, fmt.Errorf("kalshi/ws: resubscribe %s: %w", ticker, err)
	}

	select {
	case <-ctx.Done():
		w.dropWaiter(ticker, ch)
		return domain.RawBookMessage{}, ctx.Err()
	case res := <-ch:
		return res.msg, res.err
	}
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// serve runs one connection until it fails or ctx is cancelled.
func (w *WSClient) serve(ctx context.Context) error {
	header := http.Header{}
	if w.signer != nil {
		u, err := url.Parse(w.wsURL)
		if err != nil {
			return fmt.Errorf("kalshi/ws: parse url: %w", err)
		}
		if header, err = w.signer.Headers(http.MethodGet, u.Path); err != nil {
			return fmt.Errorf("kalshi/ws: sign handshake: %w", err)
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, header)
	if err != nil {
		return fmt.Errorf("kalshi/ws: connect: %w", err)
	}
	defer conn.Close()

	// Configure read deadline and pong handler.
	conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
		return nil
	})

	if err := w.attach(conn); err != nil {
		w.detach()
		return fmt.Errorf("kalshi/ws: subscribe: %w", err)
	}
	defer w.detach()
	w.logger.Info("websocket subscribed", slog.Int("tickers", len(w.tickers)), slog.Bool("fills", w.fills))

	done := make(chan struct{})
	defer close(done)
	go w.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			w.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(kalshiWriteWait),
			)
			w.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("kalshi/ws: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		if err := w.handleMessage(ctx, message); err != nil && ctx.Err() == nil {
			w.logger.Warn("dropping message", slog.String("error", err.Error()))
		}
	}
}

// attach installs conn and sends every subscription on it.
func (w *WSClient) attach(conn *websocket.Conn) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn = conn
	w.pending = make(map[int64]string)
	w.books = make(map[string]*bookSub)
	w.bySID = make(map[int64]string)
	w.retired = make(map[int64]struct{})

	for _, t := range w.tickers {
		if err := w.subscribeBookLocked(t); err != nil {
			return err
		}
	}
	if len(w.tickers) > 0 {
		if err := w.sendLocked("subscribe", KalshiWSCommandParams{Channels: []string{"trade"}, Tickers: w.tickers}); err != nil {
			return err
		}
	}
	if w.fills {
		if err := w.sendLocked("subscribe", KalshiWSCommandParams{Channels: []string{"fill"}}); err != nil {
			return err
		}
	}
	return nil
}

// detach forgets the connection and fails pending snapshot waiters.
func (w *WSClient) detach() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn = nil
	for t, chans := range w.waiters {
		for _, ch := range chans {
			ch <- snapshotResult{err: fmt.Errorf("kalshi/ws: fetch snapshot %s: %w", t, domain.ErrWSDisconnect)}
		}
		delete(w.waiters, t)
	}
}

func (w *WSClient) subscribeBookLocked(ticker string) error {
	w.epochs[ticker]++
	id, err := w.sendLockedID("subscribe", KalshiWSCommandParams{Channels: []string{"orderbook_delta"}, Tickers: []string{ticker}})
	if err != nil {
		return err
	}
	w.pending[id] = ticker
	w.books[ticker] = &bookSub{cmdID: id, epoch: w.epochs[ticker]}
	return nil
}

func (w *WSClient) resubscribeLocked(ticker string) error {
	if old, ok := w.books[ticker]; ok && old.sid != 0 {
		if err := w.sendLocked("unsubscribe", KalshiWSCommandParams{SIDs: []int64{old.sid}}); err != nil {
			return err
		}
		delete(w.bySID, old.sid)
		w.retired[old.sid] = struct{}{}
	}
	return w.subscribeBookLocked(ticker)
}

func (w *WSClient) sendLocked(cmd string, params KalshiWSCommandParams) error {
	_, err := w.sendLockedID(cmd, params)
	return err
}

// sendLockedID sends a command and returns its id. Caller must hold w.mu.
func (w *WSClient) sendLockedID(cmd string, params KalshiWSCommandParams) (int64, error) {
	if w.conn == nil {
		return 0, domain.ErrWSDisconnect
	}
	w.cmdID++
	data, err := json.Marshal(KalshiWSCommand{ID: w.cmdID, Cmd: cmd, Params: params})
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", cmd, err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(kalshiWriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return 0, err
	}
	return w.cmdID, nil
}

func (w *WSClient) dropWaiter(ticker string, ch chan snapshotResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chans := w.waiters[ticker]
	for i, c := range chans {
		if c == ch {
			w.waiters[ticker] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.waiters[ticker]) == 0 {
		delete(w.waiters, ticker)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (w *WSClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(kalshiPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(kalshiWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// epochFor resolves the ticker and epoch of a book message. A message of
// a subscription that has not been acknowledged yet adopts its sid.
func (w *WSClient) epochFor(sid int64, ticker string) (string, uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.bySID[sid]; ok {
		return t, w.books[t].epoch, true
	}
	if _, old := w.retired[sid]; old || ticker == "" {
		return "", 0, false
	}
	b, ok := w.books[ticker]
	if !ok || b.sid != 0 {
		return "", 0, false
	}
	b.sid = sid
	w.bySID[sid] = ticker
	return ticker, b.epoch, true
}

// handleMessage parses a raw WebSocket message and routes it.
func (w *WSClient) handleMessage(ctx context.Context, raw []byte) error {
	var envelope KalshiWSMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("kalshi/ws: decode envelope: %w", domain.ErrMalformedMessage)
	}

	switch envelope.Type {
	case "subscribed":
		var ack KalshiWSSubscribed
		if err := json.Unmarshal(envelope.Msg, &ack); err != nil {
			return fmt.Errorf("kalshi/ws: decode ack: %w", domain.ErrMalformedMessage)
		}
		w.acknowledge(envelope.ID, ack)
		return nil

	case "error":
		var e KalshiWSError
		_ = json.Unmarshal(envelope.Msg, &e)
		w.logger.Warn("command rejected",
			slog.Int64("cmd_id", envelope.ID),
			slog.Int("code", e.Code),
			slog.String("msg", e.Msg),
		)
		return nil

	case "orderbook_snapshot":
		var ob KalshiWSOrderbook
		if err := json.Unmarshal(envelope.Msg, &ob); err != nil {
			return fmt.Errorf("kalshi/ws: decode snapshot: %w", domain.ErrMalformedMessage)
		}
		ticker, epoch, ok := w.epochFor(envelope.SID, ob.Ticker)
		if !ok {
			w.logger.Debug("snapshot for retired subscription", slog.Int64("sid", envelope.SID))
			return nil
		}
		ob.Ticker = ticker
		msg, err := ob.ToRaw(updateID(epoch, envelope.Seq), time.Now().UTC())
		if w.resolveWaiters(ticker, snapshotResult{msg: msg, err: err}) {
			return nil
		}
		if err != nil {
			return err
		}
		return w.deliver(w.handler.HandleBook(ctx, msg))

	case "orderbook_delta":
		var delta KalshiWSDelta
		if err := json.Unmarshal(envelope.Msg, &delta); err != nil {
			return fmt.Errorf("kalshi/ws: decode delta: %w", domain.ErrMalformedMessage)
		}
		ticker, epoch, ok := w.epochFor(envelope.SID, delta.Ticker)
		if !ok {
			w.logger.Debug("delta for retired subscription", slog.Int64("sid", envelope.SID))
			return nil
		}
		delta.Ticker = ticker
		msg, err := delta.ToRaw(updateID(epoch, envelope.Seq), time.Now().UTC())
		if err != nil {
			return err
		}
		return w.deliver(w.handler.HandleBook(ctx, msg))

	case "trade":
		var trade KalshiWSTrade
		if err := json.Unmarshal(envelope.Msg, &trade); err != nil {
			return fmt.Errorf("kalshi/ws: decode trade: %w", domain.ErrMalformedMessage)
		}
		return w.deliver(w.handler.HandleTrade(ctx, trade.ToRaw()))

	case "fill":
		var fill KalshiWSFill
		if err := json.Unmarshal(envelope.Msg, &fill); err != nil {
			return fmt.Errorf("kalshi/ws: decode fill: %w", domain.ErrMalformedMessage)
		}
		return w.deliver(w.handler.HandleOrderUpdate(ctx, fill.ToStatus()))

	default:
		return nil
	}
}

func (w *WSClient) acknowledge(cmdID int64, ack KalshiWSSubscribed) {
	if ack.Channel != "orderbook_delta" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ticker, ok := w.pending[cmdID]
	if !ok {
		return
	}
	delete(w.pending, cmdID)
	if b := w.books[ticker]; b != nil && b.cmdID == cmdID {
		b.sid = ack.SID
		w.bySID[ack.SID] = ticker
	}
}

// resolveWaiters hands a snapshot to pending FetchSnapshot calls. It
// reports whether anyone was waiting.
func (w *WSClient) resolveWaiters(ticker string, res snapshotResult) bool {
	w.mu.Lock()
	chans := w.waiters[ticker]
	delete(w.waiters, ticker)
	w.mu.Unlock()

	for _, ch := range chans {
		ch <- res
	}
	return len(chans) > 0
}

// deliver filters handler errors that only mean the message was for a
// ticker this process does not track.
func (w *WSClient) deliver(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		w.logger.Debug("message for untracked ticker", slog.String("error", err.Error()))
		return nil
	}
	return err
}
