package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/inflight"
)

// limitedFetcher spends one unit of a shared request budget per status
// query before delegating.
type limitedFetcher struct {
	next    inflight.StatusFetcher
	limiter domain.RateLimiter
	key     string
	limit   int
	window  time.Duration
}

func (f *limitedFetcher) FetchStatus(ctx context.Context, o domain.TrackedOrder) (domain.OrderStatusMessage, error) {
	if err := f.limiter.Wait(ctx, f.key, f.limit, f.window); err != nil {
		return domain.OrderStatusMessage{}, fmt.Errorf("connector: status budget %s: %w", f.key, err)
	}
	return f.next.FetchStatus(ctx, o)
}

// HealthFanout delivers health events to several sinks.
type HealthFanout []domain.HealthSink

// NewHealthFanout drops nil sinks. It returns nil when none remain.
func NewHealthFanout(sinks ...domain.HealthSink) domain.HealthSink {
	var out HealthFanout
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ReportHealth implements domain.HealthSink. Every sink is attempted.
func (h HealthFanout) ReportHealth(ctx context.Context, ev domain.HealthEvent) error {
	var errs []error
	for _, s := range h {
		if err := s.ReportHealth(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
