// Package orderbook holds the local reconstruction of one venue's book:
// two price ladders and the update id they reflect.
package orderbook

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// btreeDegree is the fan-out of the level trees. Books rarely exceed a few
// thousand levels, so a small degree keeps nodes cache friendly.
const btreeDegree = 16

// Level is one aggregated price level.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// WalkResult summarizes a best-first traversal of a ladder.
type WalkResult struct {
	// Price is the last price touched by the walk.
	Price decimal.Decimal
	// Filled is the base quantity consumed.
	Filled decimal.Decimal
	// FilledQuote is the notional (price * quantity) consumed.
	FilledQuote decimal.Decimal
	// FullyFilled is false when the ladder ran out before the target.
	FullyFilled bool
}

// Ladder is one side of a book, ordered best first: descending prices for
// bids, ascending for asks. It is not safe for concurrent use; Book
// serializes access.
type Ladder struct {
	side domain.BookSide
	tree *btree.BTreeG[Level]
}

// NewLadder creates an empty ladder for the given side.
func NewLadder(side domain.BookSide) *Ladder {
	less := func(a, b Level) bool { return a.Price.LessThan(b.Price) }
	if side == domain.BookSideBid {
		less = func(a, b Level) bool { return a.Price.GreaterThan(b.Price) }
	}
	return &Ladder{
		side: side,
		tree: btree.NewG[Level](btreeDegree, less),
	}
}

// Side returns which side of the book this ladder holds.
func (l *Ladder) Side() domain.BookSide { return l.side }

// Upsert sets the quantity at price. A quantity <= 0 removes the level, so
// no non-positive level is ever stored.
func (l *Ladder) Upsert(price, quantity decimal.Decimal) {
	if quantity.Sign() <= 0 {
		l.tree.Delete(Level{Price: price})
		return
	}
	l.tree.ReplaceOrInsert(Level{Price: price, Quantity: quantity})
}

// Get returns the level at exactly price.
func (l *Ladder) Get(price decimal.Decimal) (Level, bool) {
	return l.tree.Get(Level{Price: price})
}

// Best returns the top of the ladder.
func (l *Ladder) Best() (Level, bool) {
	return l.tree.Min()
}

// Len returns the number of price levels.
func (l *Ladder) Len() int { return l.tree.Len() }

// Clear drops every level.
func (l *Ladder) Clear() { l.tree.Clear(false) }

// Levels returns up to n levels best first. n <= 0 returns all of them.
func (l *Ladder) Levels(n int) []Level {
	size := l.tree.Len()
	if n > 0 && n < size {
		size = n
	}
	out := make([]Level, 0, size)
	l.tree.Ascend(func(lvl Level) bool {
		out = append(out, lvl)
		return n <= 0 || len(out) < n
	})
	return out
}

// TotalQuantity sums the quantity of every level.
func (l *Ladder) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	l.tree.Ascend(func(lvl Level) bool {
		total = total.Add(lvl.Quantity)
		return true
	})
	return total
}

// WalkForVolume accumulates quantity from the best level outward until
// target is reached or the ladder is exhausted.
func (l *Ladder) WalkForVolume(target decimal.Decimal) WalkResult {
	res := WalkResult{Price: decimal.Zero, Filled: decimal.Zero, FilledQuote: decimal.Zero}
	if target.Sign() <= 0 {
		res.FullyFilled = true
		return res
	}
	remaining := target
	l.tree.Ascend(func(lvl Level) bool {
		take := decimal.Min(remaining, lvl.Quantity)
		res.Price = lvl.Price
		res.Filled = res.Filled.Add(take)
		res.FilledQuote = res.FilledQuote.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		if remaining.Sign() <= 0 {
			res.FullyFilled = true
			return false
		}
		return true
	})
	return res
}

// WalkForQuoteVolume is WalkForVolume with a notional target, used to
// check minimum-notional constraints before sending a marketable order.
func (l *Ladder) WalkForQuoteVolume(targetQuote decimal.Decimal) WalkResult {
	res := WalkResult{Price: decimal.Zero, Filled: decimal.Zero, FilledQuote: decimal.Zero}
	if targetQuote.Sign() <= 0 {
		res.FullyFilled = true
		return res
	}
	remaining := targetQuote
	l.tree.Ascend(func(lvl Level) bool {
		res.Price = lvl.Price
		levelQuote := lvl.Price.Mul(lvl.Quantity)
		if levelQuote.GreaterThanOrEqual(remaining) {
			res.Filled = res.Filled.Add(remaining.Div(lvl.Price))
			res.FilledQuote = res.FilledQuote.Add(remaining)
			res.FullyFilled = true
			return false
		}
		res.Filled = res.Filled.Add(lvl.Quantity)
		res.FilledQuote = res.FilledQuote.Add(levelQuote)
		remaining = remaining.Sub(levelQuote)
		return true
	})
	return res
}

// SimulateFill returns the rows a marketable order of size target would
// consume, best first. The last row may be partial. The ladder is not
// modified.
func (l *Ladder) SimulateFill(target decimal.Decimal) []Level {
	if target.Sign() <= 0 {
		return nil
	}
	var rows []Level
	remaining := target
	l.tree.Ascend(func(lvl Level) bool {
		take := decimal.Min(remaining, lvl.Quantity)
		rows = append(rows, Level{Price: lvl.Price, Quantity: take})
		remaining = remaining.Sub(take)
		return remaining.Sign() > 0
	})
	return rows
}

// VWAPForVolume returns the volume-weighted price of consuming target, and
// the walk it was computed from. The price is zero when nothing fills.
func (l *Ladder) VWAPForVolume(target decimal.Decimal) (decimal.Decimal, WalkResult) {
	res := l.WalkForVolume(target)
	if res.Filled.IsZero() {
		return decimal.Zero, res
	}
	return res.FilledQuote.Div(res.Filled), res
}
