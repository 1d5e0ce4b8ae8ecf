package postgres

import (
	"context"

	"github.com/helixtrade/helix/internal/schema"
)

// SaveOrder upserts the order record, implementing the controller journal.
func (s *Store) SaveOrder(ctx context.Context, order *schema.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, user_id, symbol, side, type, price, stop_price,
			quantity, filled, avg_fill_price, fees, status, time_in_force,
			hidden, reduce_only, post_only, oco_linked_id, leverage,
			margin_mode, created_at, updated_at, triggered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (order_id) DO UPDATE SET
			price = EXCLUDED.price,
			stop_price = EXCLUDED.stop_price,
			quantity = EXCLUDED.quantity,
			filled = EXCLUDED.filled,
			avg_fill_price = EXCLUDED.avg_fill_price,
			fees = EXCLUDED.fees,
			status = EXCLUDED.status,
			oco_linked_id = EXCLUDED.oco_linked_id,
			updated_at = EXCLUDED.updated_at,
			triggered_at = EXCLUDED.triggered_at`,
		order.OrderID, order.UserID, order.Symbol, string(order.Side),
		string(order.Type), order.Price.String(), order.StopPrice.String(),
		order.Quantity.String(), order.Filled.String(),
		order.AverageFillPrice.String(), order.Fees.String(),
		string(order.Status), string(order.TimeInForce),
		order.Flags.Hidden, order.Flags.ReduceOnly, order.Flags.PostOnly,
		order.OCOLinkedID, order.Leverage.String(), string(order.MarginMode),
		order.CreatedAt, order.UpdatedAt, order.TriggeredAt)
	if err != nil {
		return wrap("save order", err)
	}
	return nil
}

// SaveFill appends one fill record.
func (s *Store) SaveFill(ctx context.Context, fill *schema.Fill) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fills (
			fill_id, order_id, counter_order_id, price, quantity,
			fee, fee_asset, is_maker, ts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (fill_id) DO NOTHING`,
		fill.FillID, fill.OrderID, fill.CounterOrderID, fill.Price.String(),
		fill.Quantity.String(), fill.Fee.String(), fill.FeeAsset,
		fill.IsMaker, fill.Ts)
	if err != nil {
		return wrap("save fill", err)
	}
	return nil
}

// SaveTrade appends one trade record.
func (s *Store) SaveTrade(ctx context.Context, trade *schema.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (
			trade_id, symbol, price, quantity, buy_order_id,
			sell_order_id, is_buyer_maker, ts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (trade_id) DO NOTHING`,
		trade.TradeID, trade.Symbol, trade.Price.String(),
		trade.Quantity.String(), trade.BuyOrderID, trade.SellOrderID,
		trade.IsBuyerMaker, trade.Ts)
	if err != nil {
		return wrap("save trade", err)
	}
	return nil
}

// RecentTrades lists the latest trades for a symbol, newest first.
func (s *Store) RecentTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, symbol, price::text, quantity::text,
		       buy_order_id, sell_order_id, is_buyer_maker, ts
		FROM trades WHERE symbol = $1
		ORDER BY ts DESC LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, wrap("load trades", err)
	}
	defer rows.Close()

	var out []schema.Trade
	for rows.Next() {
		var t schema.Trade
		var price, qty string
		if err := rows.Scan(&t.TradeID, &t.Symbol, &price, &qty,
			&t.BuyOrderID, &t.SellOrderID, &t.IsBuyerMaker, &t.Ts); err != nil {
			return nil, wrap("scan trade", err)
		}
		t.Price, t.Quantity = dec(price), dec(qty)
		out = append(out, t)
	}
	return out, rows.Err()
}

// OrdersForUser lists a user's persisted orders, newest first.
func (s *Store) OrdersForUser(ctx context.Context, userID string, limit int) ([]schema.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, user_id, symbol, side, type, price::text,
		       stop_price::text, quantity::text, filled::text,
		       avg_fill_price::text, fees::text, status, time_in_force,
		       hidden, reduce_only, post_only, oco_linked_id,
		       leverage::text, margin_mode, created_at, updated_at, triggered_at
		FROM orders WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, wrap("load orders", err)
	}
	defer rows.Close()

	var out []schema.Order
	for rows.Next() {
		var o schema.Order
		var side, typ, status, tif, mode string
		var price, stop, qty, filled, avg, fees, leverage string
		if err := rows.Scan(&o.OrderID, &o.UserID, &o.Symbol, &side, &typ,
			&price, &stop, &qty, &filled, &avg, &fees, &status, &tif,
			&o.Flags.Hidden, &o.Flags.ReduceOnly, &o.Flags.PostOnly,
			&o.OCOLinkedID, &leverage, &mode,
			&o.CreatedAt, &o.UpdatedAt, &o.TriggeredAt); err != nil {
			return nil, wrap("scan order", err)
		}
		o.Side, o.Type = schema.Side(side), schema.OrderType(typ)
		o.Status, o.TimeInForce = schema.OrderStatus(status), schema.TimeInForce(tif)
		o.MarginMode = schema.MarginMode(mode)
		o.Price, o.StopPrice = dec(price), dec(stop)
		o.Quantity, o.Filled = dec(qty), dec(filled)
		o.AverageFillPrice, o.Fees = dec(avg), dec(fees)
		o.Leverage = dec(leverage)
		o.Remaining = o.Quantity.Sub(o.Filled)
		out = append(out, o)
	}
	return out, rows.Err()
}
