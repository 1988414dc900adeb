package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// OrderStore implements domain.OrderStateStore using the inflight_orders
// table. Each Save replaces the rows of one connector inside a single
// transaction, so a reader never sees half a checkpoint.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const insertOrder = `
	INSERT INTO inflight_orders (
		connector, client_order_id, exchange_order_id, trading_pair,
		side, order_type, price, amount,
		executed_base, executed_quote, fee_paid, fee_asset,
		state, fill_ids, created_at, last_update
	) VALUES (
		$1, $2, $3, $4,
		$5, $6, $7::numeric, $8::numeric,
		$9::numeric, $10::numeric, $11::numeric, $12,
		$13, $14, $15, $16
	)`

// orderArgs flattens a record into insertOrder's parameters.
func orderArgs(connector string, o domain.TrackedOrder) []any {
	fillIDs := o.FillIDs
	if fillIDs == nil {
		fillIDs = []string{}
	}
	return []any{
		connector, o.ClientOrderID, o.ExchangeOrderID, string(o.TradingPair),
		string(o.Side), string(o.OrderType), o.Price.String(), o.Amount.String(),
		o.ExecutedBase.String(), o.ExecutedQuote.String(), o.FeePaid.String(), o.FeeAsset,
		string(o.State), fillIDs, o.CreatedAt, o.LastUpdate,
	}
}

// Save replaces the stored orders of connector with orders.
func (s *OrderStore) Save(ctx context.Context, connector string, orders map[string]domain.TrackedOrder) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save %s: %w", connector, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM inflight_orders WHERE connector = $1`, connector); err != nil {
		return fmt.Errorf("postgres: clear orders %s: %w", connector, err)
	}

	if len(orders) > 0 {
		batch := &pgx.Batch{}
		for _, o := range orders {
			batch.Queue(insertOrder, orderArgs(connector, o)...)
		}
		br := tx.SendBatch(ctx, batch)
		for range orders {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: insert orders %s: %w", connector, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close batch %s: %w", connector, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save %s: %w", connector, err)
	}
	return nil
}

const orderSelectCols = `client_order_id, exchange_order_id, trading_pair,
	side, order_type, price::text, amount::text,
	executed_base::text, executed_quote::text, fee_paid::text, fee_asset,
	state, fill_ids, created_at, last_update`

// orderRow is the text form of one inflight_orders row.
type orderRow struct {
	clientID, exchangeID, pair, side, orderType     string
	price, amount, executedBase, executedQuote, fee string
	feeAsset, state                                 string
	fillIDs                                         []string
	createdAt, lastUpdate                           time.Time
}

func (r orderRow) record() (domain.TrackedOrder, error) {
	var nums [5]decimal.Decimal
	for i, s := range []string{r.price, r.amount, r.executedBase, r.executedQuote, r.fee} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return domain.TrackedOrder{}, fmt.Errorf("postgres: order %s: parse %q: %w", r.clientID, s, err)
		}
		nums[i] = d
	}
	return domain.TrackedOrder{
		ClientOrderID:   r.clientID,
		ExchangeOrderID: r.exchangeID,
		TradingPair:     domain.TradingPair(r.pair),
		Side:            domain.OrderSide(r.side),
		OrderType:       domain.OrderType(r.orderType),
		Price:           nums[0],
		Amount:          nums[1],
		ExecutedBase:    nums[2],
		ExecutedQuote:   nums[3],
		FeePaid:         nums[4],
		FeeAsset:        r.feeAsset,
		State:           domain.OrderState(r.state),
		FillIDs:         r.fillIDs,
		CreatedAt:       r.createdAt.UTC(),
		LastUpdate:      r.lastUpdate.UTC(),
	}, nil
}

// Load returns the stored orders of connector keyed by client order id.
// An empty map is returned when nothing was saved.
func (s *OrderStore) Load(ctx context.Context, connector string) (map[string]domain.TrackedOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM inflight_orders WHERE connector = $1`, connector)
	if err != nil {
		return nil, fmt.Errorf("postgres: load orders %s: %w", connector, err)
	}
	defer rows.Close()

	out := make(map[string]domain.TrackedOrder)
	for rows.Next() {
		var r orderRow
		if err := rows.Scan(
			&r.clientID, &r.exchangeID, &r.pair,
			&r.side, &r.orderType, &r.price, &r.amount,
			&r.executedBase, &r.executedQuote, &r.fee, &r.feeAsset,
			&r.state, &r.fillIDs, &r.createdAt, &r.lastUpdate,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out[rec.ClientOrderID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load orders rows: %w", err)
	}
	return out, nil
}

// Get returns one stored order.
func (s *OrderStore) Get(ctx context.Context, connector, clientOrderID string) (domain.TrackedOrder, error) {
	var r orderRow
	err := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM inflight_orders WHERE connector = $1 AND client_order_id = $2`,
		connector, clientOrderID,
	).Scan(
		&r.clientID, &r.exchangeID, &r.pair,
		&r.side, &r.orderType, &r.price, &r.amount,
		&r.executedBase, &r.executedQuote, &r.fee, &r.feeAsset,
		&r.state, &r.fillIDs, &r.createdAt, &r.lastUpdate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TrackedOrder{}, fmt.Errorf("postgres: order %s: %w", clientOrderID, domain.ErrNotFound)
		}
		return domain.TrackedOrder{}, fmt.Errorf("postgres: get order %s: %w", clientOrderID, err)
	}
	return r.record()
}

// Compile-time interface check.
var _ domain.OrderStateStore = (*OrderStore)(nil)
