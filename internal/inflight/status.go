package inflight

import (
	"strings"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// StatusTable maps an exchange's status strings to order states. Keys are
// matched case-insensitively.
type StatusTable map[string]domain.OrderState

// Lookup maps status, reporting false for strings the exchange is not
// known to send.
func (t StatusTable) Lookup(status string) (domain.OrderState, bool) {
	s, ok := t[strings.ToLower(strings.TrimSpace(status))]
	return s, ok
}

// PolymarketStatuses covers CLOB order statuses. A partially matched order
// stays live; MATCHED means the full size traded.
var PolymarketStatuses = StatusTable{
	"live":                     domain.OrderStateOpen,
	"delayed":                  domain.OrderStateOpen,
	"unmatched":                domain.OrderStateOpen,
	"matched":                  domain.OrderStateFilled,
	"canceled":                 domain.OrderStateCancelled,
	"cancelled":                domain.OrderStateCancelled,
	"canceled_market_resolved": domain.OrderStateCancelled,
	"expired":                  domain.OrderStateExpired,
	"failed":                   domain.OrderStateFailed,
	"rejected":                 domain.OrderStateFailed,
}

// KalshiStatuses covers portfolio order statuses.
var KalshiStatuses = StatusTable{
	"pending":  domain.OrderStateOpen,
	"resting":  domain.OrderStateOpen,
	"executed": domain.OrderStateFilled,
	"canceled": domain.OrderStateCancelled,
	"expired":  domain.OrderStateExpired,
	"rejected": domain.OrderStateFailed,
}
