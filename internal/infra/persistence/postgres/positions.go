package postgres

import (
	"context"

	"github.com/helixtrade/helix/internal/schema"
)

// SavePosition upserts the position record.
func (s *Store) SavePosition(ctx context.Context, p *schema.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (
			position_id, user_id, symbol, side, status, margin_mode,
			quantity, entry_price, mark_price, liquidation_price, leverage,
			margin, realised_pnl, fees, opened_at, updated_at, closed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (position_id) DO UPDATE SET
			status = EXCLUDED.status,
			margin_mode = EXCLUDED.margin_mode,
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			mark_price = EXCLUDED.mark_price,
			liquidation_price = EXCLUDED.liquidation_price,
			leverage = EXCLUDED.leverage,
			margin = EXCLUDED.margin,
			realised_pnl = EXCLUDED.realised_pnl,
			fees = EXCLUDED.fees,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at`,
		p.PositionID, p.UserID, p.Symbol, string(p.Side), string(p.Status),
		string(p.MarginMode), p.Quantity.String(), p.EntryPrice.String(),
		p.MarkPrice.String(), p.LiquidationPrice.String(), p.Leverage.String(),
		p.Margin.String(), p.RealisedPnl.String(), p.Fees.String(),
		p.OpenedAt, p.UpdatedAt, p.ClosedAt)
	if err != nil {
		return wrap("save position", err)
	}
	return nil
}

// SaveLiquidation appends one liquidation history record.
func (s *Store) SaveLiquidation(ctx context.Context, ev *schema.LiquidationEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO liquidation_history (
			position_id, user_id, symbol, side, quantity, exec_price,
			mark_price, loss, fee, insurance_fund_delta, level, partial, ts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.PositionID, ev.UserID, ev.Symbol, string(ev.Side),
		ev.Quantity.String(), ev.ExecPrice.String(), ev.MarkPrice.String(),
		ev.Loss.String(), ev.Fee.String(), ev.InsuranceFundDelta.String(),
		ev.Level, ev.Partial, ev.Ts)
	if err != nil {
		return wrap("save liquidation", err)
	}
	return nil
}

// SaveBalances upserts a batch of wallet balance snapshots.
func (s *Store) SaveBalances(ctx context.Context, balances []schema.Balance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin wallet tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, bal := range balances {
		_, err := tx.Exec(ctx, `
			INSERT INTO wallets (user_id, asset, available, locked, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (user_id, asset) DO UPDATE SET
				available = EXCLUDED.available,
				locked = EXCLUDED.locked,
				updated_at = EXCLUDED.updated_at`,
			bal.UserID, bal.Asset, bal.Available.String(),
			bal.Locked.String(), bal.UpdatedAt)
		if err != nil {
			return wrap("upsert balance", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit wallet tx", err)
	}
	return nil
}

// LoadBalances returns every persisted wallet balance, used to warm the
// in-memory store at startup.
func (s *Store) LoadBalances(ctx context.Context) ([]schema.Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, asset, available::text, locked::text, updated_at
		FROM wallets ORDER BY user_id, asset`)
	if err != nil {
		return nil, wrap("load balances", err)
	}
	defer rows.Close()

	var out []schema.Balance
	for rows.Next() {
		var bal schema.Balance
		var available, locked string
		if err := rows.Scan(&bal.UserID, &bal.Asset, &available, &locked,
			&bal.UpdatedAt); err != nil {
			return nil, wrap("scan balance", err)
		}
		bal.Available, bal.Locked = dec(available), dec(locked)
		out = append(out, bal)
	}
	return out, rows.Err()
}

// SaveAlert appends one risk alert record.
func (s *Store) SaveAlert(ctx context.Context, alert *schema.RiskAlert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO risk_alerts (
			alert_id, severity, kind, message, symbol, user_id,
			value, threshold, ts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (alert_id) DO NOTHING`,
		alert.AlertID, string(alert.Severity), alert.Kind, alert.Message,
		alert.Symbol, alert.UserID, alert.Value.String(),
		alert.Limit.String(), alert.Ts)
	if err != nil {
		return wrap("save alert", err)
	}
	return nil
}
