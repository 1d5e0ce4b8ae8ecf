package engine

import (
	"context"
	"time"

	"github.com/helixtrade/helix/internal/infra/persistence/postgres"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
	"github.com/helixtrade/helix/internal/session"
	"github.com/helixtrade/helix/lib/async"
)

// tee fans events to the session hub and journals durable payloads to
// postgres off the hot path. Persistence is best-effort: a full queue or a
// failed write is logged, never propagated to the producer.
type tee struct {
	hub   *session.Hub
	store *postgres.Store
	pool  *async.Pool
}

func newTee(store *postgres.Store) (*tee, error) {
	t := &tee{store: store}
	if store != nil {
		pool, err := async.NewPool(4, 256)
		if err != nil {
			return nil, err
		}
		t.pool = pool
	}
	return t, nil
}

func (t *tee) Broadcast(event schema.Event) {
	if t.hub != nil {
		t.hub.Broadcast(event)
	}
	if t.store == nil {
		return
	}
	switch event.Type {
	case schema.EventPositionUpdate:
		if p, ok := event.Payload.(*schema.Position); ok {
			copied := *p
			t.persist("position", func(ctx context.Context) error {
				return t.store.SavePosition(ctx, &copied)
			})
		}
	case schema.EventLiquidation:
		if ev, ok := event.Payload.(schema.LiquidationEvent); ok {
			t.persist("liquidation", func(ctx context.Context) error {
				return t.store.SaveLiquidation(ctx, &ev)
			})
		}
	case schema.EventWalletUpdate:
		if bal, ok := event.Payload.(schema.Balance); ok {
			t.persist("balance", func(ctx context.Context) error {
				return t.store.SaveBalances(ctx, []schema.Balance{bal})
			})
		}
	case schema.EventRiskAlert:
		if alert, ok := event.Payload.(schema.RiskAlert); ok {
			t.persist("alert", func(ctx context.Context) error {
				return t.store.SaveAlert(ctx, &alert)
			})
		}
	}
}

func (t *tee) persist(kind string, fn func(context.Context) error) {
	err := t.pool.Submit(context.Background(), func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := fn(writeCtx); err != nil {
			observability.Log().Error("journal write failed",
				observability.String("kind", kind), observability.Err(err))
		}
		return nil
	})
	if err != nil {
		observability.Telemetry().IncCounter("journal.dropped", 1,
			map[string]string{"kind": kind})
	}
}

func (t *tee) close(ctx context.Context) {
	if t.pool != nil {
		if err := t.pool.Shutdown(ctx); err != nil {
			observability.Log().Warn("journal drain incomplete", observability.Err(err))
		}
	}
}
