package postgres

import (
	"context"

	"github.com/helixtrade/helix/internal/schema"
)

// UpsertMarkets replaces the persisted record for each symbol, implementing
// the registry store.
func (s *Store) UpsertMarkets(ctx context.Context, symbols []schema.Symbol) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin markets tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, sym := range symbols {
		sources := make([]string, 0, len(sym.EnabledSources))
		for _, src := range sym.EnabledSources {
			sources = append(sources, string(src))
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO markets (
				symbol, base, quote, tick_size, step_size, min_notional,
				enabled_sources, rank, enabled, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
			ON CONFLICT (symbol) DO UPDATE SET
				base = EXCLUDED.base,
				quote = EXCLUDED.quote,
				tick_size = EXCLUDED.tick_size,
				step_size = EXCLUDED.step_size,
				min_notional = EXCLUDED.min_notional,
				enabled_sources = EXCLUDED.enabled_sources,
				rank = EXCLUDED.rank,
				enabled = EXCLUDED.enabled,
				updated_at = now()`,
			sym.Symbol, sym.Base, sym.Quote, sym.TickSize.String(),
			sym.StepSize.String(), sym.MinNotional.String(),
			sources, sym.Rank, sym.Enabled)
		if err != nil {
			return wrap("upsert market", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit markets tx", err)
	}
	return nil
}

// LoadMarkets returns every persisted market, implementing the registry store.
func (s *Store) LoadMarkets(ctx context.Context) ([]schema.Symbol, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, base, quote, tick_size::text, step_size::text,
		       min_notional::text, enabled_sources, rank, enabled
		FROM markets ORDER BY rank, symbol`)
	if err != nil {
		return nil, wrap("load markets", err)
	}
	defer rows.Close()

	var out []schema.Symbol
	for rows.Next() {
		var sym schema.Symbol
		var tick, step, minNotional string
		var sources []string
		if err := rows.Scan(&sym.Symbol, &sym.Base, &sym.Quote, &tick, &step,
			&minNotional, &sources, &sym.Rank, &sym.Enabled); err != nil {
			return nil, wrap("scan market", err)
		}
		sym.TickSize, sym.StepSize = dec(tick), dec(step)
		sym.MinNotional = dec(minNotional)
		sym.EnabledSources = make([]schema.Source, 0, len(sources))
		for _, src := range sources {
			sym.EnabledSources = append(sym.EnabledSources, schema.Source(src))
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}
