package domain

import "context"

// FeedHandler receives normalized messages from a transport adapter. A
// handler must not retain the slices inside a message after returning.
type FeedHandler interface {
	HandleBook(ctx context.Context, msg RawBookMessage) error
	HandleTrade(ctx context.Context, msg RawTradeMessage) error
	HandleOrderUpdate(ctx context.Context, msg OrderStatusMessage) error
}
