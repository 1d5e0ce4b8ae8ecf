package feed

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/internal/schema"
)

// Sink receives canonical ticks and feed lifecycle events from adapters.
// The aggregator implements it; adapters never call back into each other.
type Sink interface {
	PushTick(tick schema.PriceTick)
	FeedEvent(source schema.Source, event schema.EventType, reason string)
}

// Adapter is one long-lived worker owning a single upstream session.
type Adapter interface {
	Source() schema.Source
	Priority() int
	Start(ctx context.Context) error
	Stop()
	Health() schema.FeedHealth
	Recent(n int) []schema.PriceTick
	// Rearm re-enables an adapter that stopped after exhausting reconnects.
	Rearm()
}

// outlierGate rejects ticks whose price moved more than threshold (fraction)
// against the previous tick of the same symbol from the same source.
type outlierGate struct {
	mu        sync.Mutex
	threshold decimal.Decimal
	last      map[string]decimal.Decimal
}

func newOutlierGate(threshold float64) *outlierGate {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &outlierGate{
		threshold: decimal.NewFromFloat(threshold),
		last:      make(map[string]decimal.Decimal),
	}
}

// admit reports whether the tick passes the outlier filter and records it.
func (g *outlierGate) admit(tick schema.PriceTick) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.last[tick.Symbol]
	if ok && prev.IsPositive() {
		change := tick.Last.Sub(prev).Abs().Div(prev)
		if change.GreaterThan(g.threshold) {
			return false
		}
	}
	g.last[tick.Symbol] = tick.Last
	return true
}
