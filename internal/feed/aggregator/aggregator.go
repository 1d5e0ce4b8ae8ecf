// Package aggregator merges per-source ticks into one mark price per symbol.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/internal/feed"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

// Broadcaster receives aggregated events for delivery to sessions and
// internal consumers.
type Broadcaster interface {
	Broadcast(event schema.Event)
}

// symbolState is the per-symbol aggregation state.
type symbolState struct {
	perSource     map[schema.Source]schema.PriceTick
	primarySource schema.Source
	markPrice     decimal.Decimal
	lastUpdate    time.Time
	dirty         bool
}

// Aggregator consumes adapter ticks, maintains per-symbol price state, and
// emits throttled price updates plus failover notices.
type Aggregator struct {
	cfg      config.AggregatorSettings
	adapters []feed.Adapter
	sink     Broadcaster

	inbox  chan schema.PriceTick
	events chan schema.Event

	mu     sync.RWMutex
	states map[string]*symbolState

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an aggregator over the given adapters.
func New(cfg config.AggregatorSettings, adapters []feed.Adapter, sink Broadcaster) *Aggregator {
	sorted := make([]feed.Adapter, len(adapters))
	copy(sorted, adapters)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &Aggregator{
		cfg:      cfg,
		adapters: sorted,
		sink:     sink,
		inbox:    make(chan schema.PriceTick, 4096),
		events:   make(chan schema.Event, 256),
		states:   make(map[string]*symbolState),
		done:     make(chan struct{}),
	}
}

// PushTick implements feed.Sink. Ticks are handed to the aggregator loop by
// value; a saturated inbox drops the tick rather than blocking the adapter.
func (a *Aggregator) PushTick(tick schema.PriceTick) {
	select {
	case a.inbox <- tick:
	default:
		observability.Telemetry().IncCounter("feed.aggregator.dropped", 1,
			map[string]string{"source": string(tick.Source)})
	}
}

// FeedEvent implements feed.Sink.
func (a *Aggregator) FeedEvent(source schema.Source, event schema.EventType, reason string) {
	evt := schema.Event{
		Type: event,
		Ts:   time.Now(),
		Payload: map[string]string{
			"source": string(source),
			"reason": reason,
		},
	}
	select {
	case a.events <- evt:
	default:
	}
}

// Start runs the aggregation loop until ctx cancels.
func (a *Aggregator) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	go a.run()
}

// Stop terminates the aggregation loop and waits for it to drain.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Aggregator) run() {
	defer close(a.done)

	flushInterval := a.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	healthInterval := a.cfg.HealthInterval
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()
	health := time.NewTicker(healthInterval)
	defer health.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case tick := <-a.inbox:
			a.apply(tick)
		case evt := <-a.events:
			a.sink.Broadcast(evt)
		case <-flush.C:
			a.flushUpdates()
		case <-health.C:
			a.healthSweep()
		}
	}
}

// apply folds one tick into the symbol state, recomputing the primary
// source and mark price.
func (a *Aggregator) apply(tick schema.PriceTick) {
	if err := tick.Validate(); err != nil {
		return
	}

	a.mu.Lock()
	state, ok := a.states[tick.Symbol]
	if !ok {
		state = &symbolState{perSource: make(map[schema.Source]schema.PriceTick)}
		a.states[tick.Symbol] = state
	}

	// Outlier gate against the current mark: a tick that jumps more than the
	// configured threshold away from consensus is discarded.
	if state.markPrice.IsPositive() {
		threshold := decimal.NewFromFloat(a.cfg.OutlierThreshold)
		change := tick.Last.Sub(state.markPrice).Abs().Div(state.markPrice)
		if change.GreaterThan(threshold) {
			a.mu.Unlock()
			observability.Telemetry().IncCounter("feed.aggregator.outliers", 1,
				map[string]string{"source": string(tick.Source)})
			return
		}
	}

	state.perSource[tick.Source] = tick
	state.lastUpdate = time.Now()
	a.electPrimaryLocked(state)
	a.recomputeMarkLocked(state)
	state.dirty = true
	a.mu.Unlock()

	// Raw ticks go out immediately; throttled price updates batch on flush.
	a.sink.Broadcast(schema.Event{
		Type:    schema.EventTick,
		Symbol:  tick.Symbol,
		Ts:      tick.Timestamp,
		Payload: tick,
	})
}

// electPrimaryLocked picks the highest-priority source whose latest tick is
// fresh; when every source is stale the previous primary is kept.
func (a *Aggregator) electPrimaryLocked(state *symbolState) {
	staleAfter := a.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Second
	}
	now := time.Now()
	for _, adapter := range a.adapters {
		tick, ok := state.perSource[adapter.Source()]
		if !ok {
			continue
		}
		if now.Sub(tick.Timestamp) <= staleAfter {
			state.primarySource = adapter.Source()
			return
		}
	}
}

func (a *Aggregator) recomputeMarkLocked(state *symbolState) {
	primary, ok := state.perSource[state.primarySource]
	if !ok {
		return
	}
	switch a.cfg.MarkRule {
	case config.MarkRuleMid:
		state.markPrice = primary.Mid()
	case config.MarkRuleVWAP:
		state.markPrice = a.vwapLocked(state, primary)
	default:
		state.markPrice = primary.Last
	}
}

// vwapLocked volume-weights the last price across all fresh sources,
// falling back to the primary's last when no volume is reported.
func (a *Aggregator) vwapLocked(state *symbolState, primary schema.PriceTick) decimal.Decimal {
	staleAfter := a.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Second
	}
	now := time.Now()
	weighted := decimal.Zero
	totalVolume := decimal.Zero
	for _, tick := range state.perSource {
		if now.Sub(tick.Timestamp) > staleAfter {
			continue
		}
		if !tick.Volume24h.IsPositive() {
			continue
		}
		weighted = weighted.Add(tick.Last.Mul(tick.Volume24h))
		totalVolume = totalVolume.Add(tick.Volume24h)
	}
	if !totalVolume.IsPositive() {
		return primary.Last
	}
	return weighted.Div(totalVolume)
}

// flushUpdates emits one price_update per dirty symbol.
func (a *Aggregator) flushUpdates() {
	a.mu.Lock()
	updates := make([]schema.Event, 0)
	for symbol, state := range a.states {
		if !state.dirty {
			continue
		}
		state.dirty = false
		primary, ok := state.perSource[state.primarySource]
		if !ok {
			continue
		}
		updates = append(updates, schema.Event{
			Type:   schema.EventPriceUpdate,
			Symbol: symbol,
			Ts:     time.Now(),
			Payload: schema.PriceUpdate{
				Symbol:    symbol,
				Mark:      state.markPrice,
				Last:      primary.Last,
				Bid:       primary.Bid,
				Ask:       primary.Ask,
				Volume24h: primary.Volume24h,
				Source:    state.primarySource,
				Ts:        primary.Timestamp,
			},
		})
	}
	a.mu.Unlock()
	for _, evt := range updates {
		a.sink.Broadcast(evt)
	}
}

// healthSweep fails symbols over to the next-best source when the primary
// degrades below the quality floor or disconnects. Failover is idempotent.
func (a *Aggregator) healthSweep() {
	quality := make(map[schema.Source]float64, len(a.adapters))
	for _, adapter := range a.adapters {
		quality[adapter.Source()] = adapter.Health().Quality
	}

	floor := a.cfg.FailoverQuality
	if floor <= 0 {
		floor = 50
	}

	var notices []schema.Event
	a.mu.Lock()
	for symbol, state := range a.states {
		current := state.primarySource
		if current == "" {
			continue
		}
		if quality[current] >= floor {
			continue
		}
		// primary unhealthy: promote the best healthy source carrying this symbol
		for _, adapter := range a.adapters {
			candidate := adapter.Source()
			if candidate == current {
				continue
			}
			if _, carried := state.perSource[candidate]; !carried {
				continue
			}
			if quality[candidate] < floor {
				continue
			}
			state.primarySource = candidate
			a.recomputeMarkLocked(state)
			state.dirty = true
			notices = append(notices, schema.Event{
				Type:   schema.EventFailover,
				Symbol: symbol,
				Ts:     time.Now(),
				Payload: schema.FailoverNotice{
					Symbol: symbol,
					From:   current,
					To:     candidate,
					Reason: "primary quality below threshold",
				},
			})
			break
		}
	}
	a.mu.Unlock()

	for _, evt := range notices {
		observability.Log().Info("feed failover",
			observability.String("symbol", evt.Symbol))
		a.sink.Broadcast(evt)
	}
}

// Mark returns the current mark price for the symbol.
func (a *Aggregator) Mark(symbol string) (decimal.Decimal, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, ok := a.states[symbol]
	if !ok || !state.markPrice.IsPositive() {
		return decimal.Zero, false
	}
	return state.markPrice, true
}

// BestQuote returns the primary source's current bid and ask for the symbol.
func (a *Aggregator) BestQuote(symbol string) (bid, ask decimal.Decimal, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, okState := a.states[symbol]
	if !okState {
		return decimal.Zero, decimal.Zero, false
	}
	primary, okTick := state.perSource[state.primarySource]
	if !okTick {
		return decimal.Zero, decimal.Zero, false
	}
	return primary.Bid, primary.Ask, true
}

// Primary returns the current primary source for the symbol.
func (a *Aggregator) Primary(symbol string) (schema.Source, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, ok := a.states[symbol]
	if !ok || state.primarySource == "" {
		return "", false
	}
	return state.primarySource, true
}

// Snapshot returns the latest price update view for every tracked symbol,
// used to warm newly subscribed sessions.
func (a *Aggregator) Snapshot() []schema.PriceUpdate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]schema.PriceUpdate, 0, len(a.states))
	for symbol, state := range a.states {
		primary, ok := state.perSource[state.primarySource]
		if !ok {
			continue
		}
		out = append(out, schema.PriceUpdate{
			Symbol:    symbol,
			Mark:      state.markPrice,
			Last:      primary.Last,
			Bid:       primary.Bid,
			Ask:       primary.Ask,
			Volume24h: primary.Volume24h,
			Source:    state.primarySource,
			Ts:        primary.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
