package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// AuditStore implements domain.AuditStore using the audit_log table. It
// doubles as an order event sink and a health sink, so every lifecycle
// event and degraded transition leaves a durable row.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends a new audit entry. The detail map is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, query, event, detailJSON); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// Emit records an order event.
func (s *AuditStore) Emit(ctx context.Context, ev domain.OrderEvent) error {
	return s.Log(ctx, string(ev.Type), orderEventDetail(ev))
}

// ReportHealth records a degraded or recovered transition.
func (s *AuditStore) ReportHealth(ctx context.Context, ev domain.HealthEvent) error {
	event := "recovered"
	if ev.Degraded {
		event = "degraded"
	}
	detail := map[string]any{
		"component": ev.Component,
		"connector": ev.Connector,
		"failures":  ev.Failures,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if ev.TradingPair != "" {
		detail["trading_pair"] = ev.TradingPair
	}
	if ev.LastError != "" {
		detail["last_error"] = ev.LastError
	}
	return s.Log(ctx, event, detail)
}

// orderEventDetail keeps only the fields that carry meaning for ev.Type.
func orderEventDetail(ev domain.OrderEvent) map[string]any {
	detail := map[string]any{
		"connector":    ev.Connector,
		"order_id":     ev.ClientOrderID,
		"trading_pair": string(ev.TradingPair),
		"timestamp":    ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if ev.ExchangeOrderID != "" {
		detail["exchange_order_id"] = ev.ExchangeOrderID
	}
	if ev.Side != "" {
		detail["side"] = string(ev.Side)
	}
	switch ev.Type {
	case domain.OrderEventFilled:
		detail["fill_id"] = ev.FillID
		detail["price"] = ev.Price.String()
		detail["amount"] = ev.Amount.String()
		detail["fee"] = ev.Fee.String()
	case domain.OrderEventCompleted:
		detail["base_amount"] = ev.BaseAmount.String()
		detail["quote_amount"] = ev.QuoteAmount.String()
		detail["fee"] = ev.Fee.String()
	case domain.OrderEventFailed:
		detail["reason"] = ev.Reason
	}
	return detail
}

// List returns audit entries with pagination and optional time filtering.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := listQuery(opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON []byte

		if err := rows.Scan(&e.ID, &e.Event, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

func listQuery(opts domain.ListOpts) (string, []any) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Since != nil {
		query += " AND created_at >= " + arg(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND created_at <= " + arg(*opts.Until)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + arg(opts.Offset)
	}
	return query, args
}

// Compile-time interface checks.
var (
	_ domain.AuditStore = (*AuditStore)(nil)
	_ domain.HealthSink = (*AuditStore)(nil)
)
