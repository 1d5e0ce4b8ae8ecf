package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/internal/feed"
	"github.com/helixtrade/helix/internal/schema"
)

type stubAdapter struct {
	source   schema.Source
	priority int
	quality  float64
}

func (s *stubAdapter) Source() schema.Source           { return s.source }
func (s *stubAdapter) Priority() int                   { return s.priority }
func (s *stubAdapter) Start(ctx context.Context) error { return nil }
func (s *stubAdapter) Stop()                           {}
func (s *stubAdapter) Rearm()                          {}
func (s *stubAdapter) Recent(n int) []schema.PriceTick { return nil }
func (s *stubAdapter) Health() schema.FeedHealth {
	return schema.FeedHealth{Source: s.source, Quality: s.quality, Status: schema.FeedConnected}
}

type capture struct {
	mu     sync.Mutex
	events []schema.Event
}

func (c *capture) Broadcast(evt schema.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capture) byType(t schema.EventType) []schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []schema.Event
	for _, evt := range c.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func tick(symbol string, source schema.Source, last float64) schema.PriceTick {
	price := decimal.NewFromFloat(last)
	return schema.PriceTick{
		Symbol:    symbol,
		Source:    source,
		Bid:       price.Sub(decimal.NewFromFloat(0.5)),
		Ask:       price.Add(decimal.NewFromFloat(0.5)),
		Last:      price,
		Volume24h: decimal.NewFromInt(1000),
		Timestamp: time.Now(),
		Sequence:  1,
	}
}

func settings() config.AggregatorSettings {
	cfg := config.Default().Aggregator
	cfg.FlushInterval = 10 * time.Millisecond
	return cfg
}

func TestApplySelectsPrimaryByPriority(t *testing.T) {
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	coinbase := &stubAdapter{source: "coinbase", priority: 2, quality: 100}
	sink := &capture{}
	agg := New(settings(), []feed.Adapter{coinbase, binance}, sink)

	agg.apply(tick("BTCUSDT", "coinbase", 50010))
	agg.apply(tick("BTCUSDT", "binance", 50000))

	primary, ok := agg.Primary("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, schema.Source("binance"), primary)

	mark, ok := agg.Mark("BTCUSDT")
	require.True(t, ok)
	require.True(t, mark.Equal(decimal.NewFromInt(50000)))
}

func TestApplyRejectsOutlierAgainstMark(t *testing.T) {
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	sink := &capture{}
	agg := New(settings(), []feed.Adapter{binance}, sink)

	agg.apply(tick("BTCUSDT", "binance", 50000))
	// more than 50% away from the current mark
	agg.apply(tick("BTCUSDT", "binance", 120000))

	mark, ok := agg.Mark("BTCUSDT")
	require.True(t, ok)
	require.True(t, mark.Equal(decimal.NewFromInt(50000)), "outlier must not move the mark")
}

func TestApplyRejectsInvalidTick(t *testing.T) {
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	sink := &capture{}
	agg := New(settings(), []feed.Adapter{binance}, sink)

	bad := tick("BTCUSDT", "binance", 50000)
	bad.Bid = bad.Ask.Add(decimal.NewFromInt(1)) // crossed book
	agg.apply(bad)

	_, ok := agg.Mark("BTCUSDT")
	require.False(t, ok)
}

func TestMarkRuleMid(t *testing.T) {
	cfg := settings()
	cfg.MarkRule = config.MarkRuleMid
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	agg := New(cfg, []feed.Adapter{binance}, &capture{})

	in := tick("BTCUSDT", "binance", 50000)
	agg.apply(in)

	mark, ok := agg.Mark("BTCUSDT")
	require.True(t, ok)
	require.True(t, mark.Equal(in.Mid()), "mark %s mid %s", mark, in.Mid())
}

func TestMarkRuleVWAPWeightsAcrossSources(t *testing.T) {
	cfg := settings()
	cfg.MarkRule = config.MarkRuleVWAP
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	coinbase := &stubAdapter{source: "coinbase", priority: 2, quality: 100}
	agg := New(cfg, []feed.Adapter{binance, coinbase}, &capture{})

	a := tick("BTCUSDT", "binance", 50000)
	a.Volume24h = decimal.NewFromInt(3000)
	b := tick("BTCUSDT", "coinbase", 50100)
	b.Volume24h = decimal.NewFromInt(1000)
	agg.apply(a)
	agg.apply(b)

	mark, ok := agg.Mark("BTCUSDT")
	require.True(t, ok)
	// (50000*3000 + 50100*1000) / 4000 = 50025
	require.True(t, mark.Equal(decimal.NewFromInt(50025)), "mark %s", mark)
}

func TestFlushEmitsOnePriceUpdatePerDirtySymbol(t *testing.T) {
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	sink := &capture{}
	agg := New(settings(), []feed.Adapter{binance}, sink)

	agg.apply(tick("BTCUSDT", "binance", 50000))
	agg.apply(tick("BTCUSDT", "binance", 50001))
	agg.apply(tick("ETHUSDT", "binance", 3000))

	agg.flushUpdates()
	updates := sink.byType(schema.EventPriceUpdate)
	require.Len(t, updates, 2)

	// nothing dirty after a flush
	agg.flushUpdates()
	require.Len(t, sink.byType(schema.EventPriceUpdate), 2)
}

func TestHealthSweepFailsOverWhenPrimaryDegrades(t *testing.T) {
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	coinbase := &stubAdapter{source: "coinbase", priority: 2, quality: 100}
	sink := &capture{}
	agg := New(settings(), []feed.Adapter{binance, coinbase}, sink)

	agg.apply(tick("BTCUSDT", "binance", 50000))
	agg.apply(tick("BTCUSDT", "coinbase", 50010))
	primary, _ := agg.Primary("BTCUSDT")
	require.Equal(t, schema.Source("binance"), primary)

	binance.quality = 10
	agg.healthSweep()

	primary, _ = agg.Primary("BTCUSDT")
	require.Equal(t, schema.Source("coinbase"), primary)

	notices := sink.byType(schema.EventFailover)
	require.Len(t, notices, 1)
	payload, ok := notices[0].Payload.(schema.FailoverNotice)
	require.True(t, ok)
	require.Equal(t, schema.Source("binance"), payload.From)
	require.Equal(t, schema.Source("coinbase"), payload.To)

	// sweep is idempotent while the replacement stays healthy
	agg.healthSweep()
	require.Len(t, sink.byType(schema.EventFailover), 1)
}

func TestHealthSweepKeepsPrimaryWithoutHealthyAlternative(t *testing.T) {
	binance := &stubAdapter{source: "binance", priority: 1, quality: 10}
	coinbase := &stubAdapter{source: "coinbase", priority: 2, quality: 10}
	sink := &capture{}
	agg := New(settings(), []feed.Adapter{binance, coinbase}, sink)

	agg.apply(tick("BTCUSDT", "binance", 50000))
	agg.apply(tick("BTCUSDT", "coinbase", 50010))
	agg.healthSweep()

	primary, _ := agg.Primary("BTCUSDT")
	require.Equal(t, schema.Source("binance"), primary)
	require.Empty(t, sink.byType(schema.EventFailover))
}

func TestSnapshotSorted(t *testing.T) {
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	agg := New(settings(), []feed.Adapter{binance}, &capture{})

	agg.apply(tick("ETHUSDT", "binance", 3000))
	agg.apply(tick("BTCUSDT", "binance", 50000))

	snap := agg.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "BTCUSDT", snap[0].Symbol)
	require.Equal(t, "ETHUSDT", snap[1].Symbol)
}

func TestStartStopDrains(t *testing.T) {
	binance := &stubAdapter{source: "binance", priority: 1, quality: 100}
	sink := &capture{}
	agg := New(settings(), []feed.Adapter{binance}, sink)

	agg.Start(t.Context())
	agg.PushTick(tick("BTCUSDT", "binance", 50000))

	require.Eventually(t, func() bool {
		_, ok := agg.Mark("BTCUSDT")
		return ok
	}, time.Second, 5*time.Millisecond)

	agg.Stop()
}
