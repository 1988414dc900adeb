package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStateStore persists the in-flight registry of one connector so it
// can be rehydrated after a restart. Save replaces the stored set.
type OrderStateStore interface {
	Save(ctx context.Context, connector string, orders map[string]TrackedOrder) error
	Load(ctx context.Context, connector string) (map[string]TrackedOrder, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
