package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

func ord(id string, side domain.BookSide, op domain.LevelOp, price, qty string) domain.RawOrderEntry {
	e := domain.RawOrderEntry{OrderID: id, Side: side, Op: op, Quantity: d(qty)}
	if price != "" {
		e.Price = d(price)
	}
	return e
}

func orderMsg(typ domain.BookMessageType, id uint64, orders ...domain.RawOrderEntry) domain.RawBookMessage {
	return domain.RawBookMessage{Type: typ, TradingPair: "P", UpdateID: id, Orders: orders}
}

func seededOrderTracker(t *testing.T) *OrderTracker {
	t.Helper()
	tr := NewOrderTracker("P", discard())
	out, err := tr.Snapshot(orderMsg(domain.BookMessageSnapshot, 1,
		ord("a", domain.BookSideBid, "", "100", "1"),
		ord("b", domain.BookSideBid, "", "100", "2"),
		ord("c", domain.BookSideBid, "", "99", "4"),
		ord("x", domain.BookSideAsk, "", "101", "3"),
	))
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"100", "3"}, {"99", "4"}}, rowStrings(out.Bids))
	require.Equal(t, [][2]string{{"101", "3"}}, rowStrings(out.Asks))
	return tr
}

func TestOrderTrackerAggregation(t *testing.T) {
	tests := []struct {
		name   string
		orders []domain.RawOrderEntry
		bids   [][2]string
		asks   [][2]string
		count  int
	}{
		{
			name:   "add joins level",
			orders: []domain.RawOrderEntry{ord("d", domain.BookSideBid, domain.LevelOpAdd, "100", "5")},
			bids:   [][2]string{{"100", "8"}},
			asks:   [][2]string{},
			count:  5,
		},
		{
			name:   "remove one of two",
			orders: []domain.RawOrderEntry{ord("a", "", domain.LevelOpRemove, "", "0")},
			bids:   [][2]string{{"100", "2"}},
			asks:   [][2]string{},
			count:  3,
		},
		{
			name:   "remove last order empties level",
			orders: []domain.RawOrderEntry{ord("c", "", domain.LevelOpRemove, "", "0")},
			bids:   [][2]string{{"99", "0"}},
			asks:   [][2]string{},
			count:  3,
		},
		{
			name:   "change quantity",
			orders: []domain.RawOrderEntry{ord("x", "", domain.LevelOpReplace, "", "1")},
			bids:   [][2]string{},
			asks:   [][2]string{{"101", "1"}},
			count:  4,
		},
		{
			name:   "change price moves order",
			orders: []domain.RawOrderEntry{ord("b", domain.BookSideBid, domain.LevelOpReplace, "99", "2")},
			bids:   [][2]string{{"100", "1"}, {"99", "6"}},
			asks:   [][2]string{},
			count:  4,
		},
		{
			name:   "change to zero removes",
			orders: []domain.RawOrderEntry{ord("x", "", domain.LevelOpReplace, "", "0")},
			bids:   [][2]string{},
			asks:   [][2]string{{"101", "0"}},
			count:  3,
		},
		{
			name:   "unknown order is dropped",
			orders: []domain.RawOrderEntry{ord("zz", "", domain.LevelOpRemove, "", "0"), ord("a", "", domain.LevelOpReplace, "", "2")},
			bids:   [][2]string{{"100", "4"}},
			asks:   [][2]string{},
			count:  4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := seededOrderTracker(t)
			out, err := tr.Diff(orderMsg(domain.BookMessageDiff, 2, tt.orders...))
			require.NoError(t, err)
			assert.Equal(t, tt.bids, rowStrings(out.Bids))
			assert.Equal(t, tt.asks, rowStrings(out.Asks))
			assert.Equal(t, tt.count, tr.Len())
		})
	}
}

func TestOrderTrackerMalformedLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name   string
		orders []domain.RawOrderEntry
	}{
		{name: "missing id", orders: []domain.RawOrderEntry{ord("a", "", domain.LevelOpRemove, "", "0"), ord("", domain.BookSideBid, domain.LevelOpAdd, "98", "1")}},
		{name: "negative quantity", orders: []domain.RawOrderEntry{ord("a", "", domain.LevelOpRemove, "", "0"), ord("b", "", domain.LevelOpReplace, "", "-1")}},
		{name: "add without price", orders: []domain.RawOrderEntry{ord("a", "", domain.LevelOpRemove, "", "0"), ord("e", domain.BookSideBid, domain.LevelOpAdd, "", "1")}},
		{name: "add with unknown side", orders: []domain.RawOrderEntry{ord("e", "both", domain.LevelOpAdd, "98", "1")}},
		{name: "side flip", orders: []domain.RawOrderEntry{ord("a", domain.BookSideAsk, domain.LevelOpReplace, "", "1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := seededOrderTracker(t)
			_, err := tr.Diff(orderMsg(domain.BookMessageDiff, 2, tt.orders...))
			require.ErrorIs(t, err, domain.ErrMalformedMessage)
			assert.Equal(t, 4, tr.Len())
			assert.Len(t, tr.OrdersAt(domain.BookSideBid, d("100")), 2)
		})
	}
}

func TestOrderTrackerQueuePriority(t *testing.T) {
	tr := seededOrderTracker(t)

	queue := tr.OrdersAt(domain.BookSideBid, d("100"))
	require.Len(t, queue, 2)
	assert.Equal(t, "a", queue[0].OrderID)
	assert.Equal(t, "b", queue[1].OrderID)

	_, err := tr.Diff(orderMsg(domain.BookMessageDiff, 2,
		ord("a", "", domain.LevelOpReplace, "", "0.5"),
		ord("f", domain.BookSideBid, domain.LevelOpAdd, "100", "1"),
	))
	require.NoError(t, err)

	queue = tr.OrdersAt(domain.BookSideBid, d("100"))
	require.Len(t, queue, 3)
	assert.Equal(t, []string{"a", "b", "f"}, []string{queue[0].OrderID, queue[1].OrderID, queue[2].OrderID},
		"a quantity change keeps queue position")

	// Moving away and back puts the order at the end of the queue.
	_, err = tr.Diff(orderMsg(domain.BookMessageDiff, 3, ord("a", "", domain.LevelOpReplace, "99", "0.5")))
	require.NoError(t, err)
	_, err = tr.Diff(orderMsg(domain.BookMessageDiff, 4, ord("a", "", domain.LevelOpReplace, "100", "0.5")))
	require.NoError(t, err)
	queue = tr.OrdersAt(domain.BookSideBid, d("100"))
	require.Len(t, queue, 3)
	assert.Equal(t, "a", queue[2].OrderID)
}
