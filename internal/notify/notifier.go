// Package notify forwards operator-facing alerts (failed orders, degraded
// feeds and pollers) to chat channels such as Telegram and Discord.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Severity colours a message on channels that support it.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// Message is one rendered alert.
type Message struct {
	Title    string
	Body     string
	Severity Severity
}

// Sender is a single notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Event names accepted by the filter besides the order event types.
const (
	EventDegraded  = "degraded"
	EventRecovered = "recovered"
)

// DefaultEvents is used when no filter is configured.
var DefaultEvents = []string{string(domain.OrderEventFailed), EventDegraded, EventRecovered}

// Notifier dispatches alerts to every Sender. It is an order event sink and
// a health sink; only events named in the filter are forwarded.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list means DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit forwards an order event when its type passes the filter.
func (n *Notifier) Emit(ctx context.Context, ev domain.OrderEvent) error {
	if !n.allowed(ctx, string(ev.Type)) {
		return nil
	}
	return n.dispatch(ctx, orderMessage(ev))
}

// ReportHealth forwards a degraded or recovered transition.
func (n *Notifier) ReportHealth(ctx context.Context, ev domain.HealthEvent) error {
	event := EventRecovered
	if ev.Degraded {
		event = EventDegraded
	}
	if !n.allowed(ctx, event) {
		return nil
	}
	return n.dispatch(ctx, healthMessage(ev))
}

func (n *Notifier) allowed(ctx context.Context, event string) bool {
	if n.events[event] {
		return true
	}
	n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
	return false
}

func orderMessage(ev domain.OrderEvent) Message {
	msg := Message{
		Title:    fmt.Sprintf("%s %s", ev.Connector, strings.ReplaceAll(string(ev.Type), "_", " ")),
		Severity: SeverityInfo,
	}
	lines := []string{
		"order: " + ev.ClientOrderID,
		"pair: " + string(ev.TradingPair),
	}
	switch ev.Type {
	case domain.OrderEventFailed:
		msg.Severity = SeverityCritical
		lines = append(lines, "reason: "+ev.Reason)
	case domain.OrderEventFilled:
		lines = append(lines, fmt.Sprintf("fill: %s @ %s", ev.Amount, ev.Price))
	case domain.OrderEventCompleted:
		lines = append(lines, fmt.Sprintf("executed: %s for %s", ev.BaseAmount, ev.QuoteAmount))
	}
	msg.Body = strings.Join(lines, "\n")
	return msg
}

func healthMessage(ev domain.HealthEvent) Message {
	subject := ev.Component
	if ev.TradingPair != "" {
		subject += " " + ev.TradingPair
	}
	if !ev.Degraded {
		return Message{
			Title:    fmt.Sprintf("%s recovered", ev.Connector),
			Body:     subject + " is healthy again",
			Severity: SeverityInfo,
		}
	}
	body := fmt.Sprintf("%s failed %d times in a row", subject, ev.Failures)
	if ev.LastError != "" {
		body += "\nlast error: " + ev.LastError
	}
	return Message{
		Title:    fmt.Sprintf("%s degraded", ev.Connector),
		Body:     body,
		Severity: SeverityWarning,
	}
}

// dispatch sends to every sender. One failing sender does not stop the
// others; their errors are joined.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// postJSON posts payload to url and fails on any non-2xx status.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrRateLimited)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Compile-time interface check.
var _ domain.HealthSink = (*Notifier)(nil)
