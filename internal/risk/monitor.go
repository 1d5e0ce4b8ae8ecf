// Package risk aggregates system-wide exposure every few seconds and raises
// alerts when limits are breached. It also runs what-if stress scenarios
// against a copy of the position book.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/internal/margin"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

// Component is the error source identifier for this package.
const Component = "risk"

// PositionBook supplies the open positions to aggregate.
type PositionBook interface {
	OpenPositions() []*schema.Position
}

// Broadcaster receives risk alerts.
type Broadcaster interface {
	Broadcast(event schema.Event)
}

// Exposure is one aggregation bucket in a risk snapshot.
type Exposure struct {
	Key      string          `json:"key"`
	Notional decimal.Decimal `json:"notional"`
	Share    decimal.Decimal `json:"share"`
}

// Snapshot is one full risk aggregation pass.
type Snapshot struct {
	TotalExposure   decimal.Decimal `json:"totalExposure"`
	PositionCount   int             `json:"positionCount"`
	NearLiquidation int             `json:"nearLiquidation"`
	BySymbol        []Exposure      `json:"bySymbol"`
	ByUser          []Exposure      `json:"byUser"`
	Ts              time.Time       `json:"ts"`
}

// Monitor runs the periodic aggregation loop.
type Monitor struct {
	cfg  config.RiskSettings
	book PositionBook
	calc *margin.Calculator
	sink Broadcaster

	mu       sync.RWMutex
	last     Snapshot
	breached map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor constructs the risk monitor.
func NewMonitor(cfg config.RiskSettings, book PositionBook, calc *margin.Calculator, sink Broadcaster) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		book:     book,
		calc:     calc,
		sink:     sink,
		breached: make(map[string]struct{}),
	}
}

// Start launches the aggregation loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Aggregate()
			}
		}
	}()
}

// Stop terminates the loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Aggregate runs one full pass over the open positions and raises alerts
// for limit breaches. Each breach alerts once per excursion.
func (m *Monitor) Aggregate() Snapshot {
	positions := m.book.OpenPositions()

	total := decimal.Zero
	bySymbol := make(map[string]decimal.Decimal)
	byUser := make(map[string]decimal.Decimal)
	near := 0
	for _, p := range positions {
		notional := p.MarkNotional()
		if notional.IsZero() {
			notional = p.Notional()
		}
		total = total.Add(notional)
		bySymbol[p.Symbol] = bySymbol[p.Symbol].Add(notional)
		byUser[p.UserID] = byUser[p.UserID].Add(notional)
		if p.MarginRatio.GreaterThanOrEqual(m.cfg.NearLiquidationAt) {
			near++
		}
	}

	snap := Snapshot{
		TotalExposure:   total,
		PositionCount:   len(positions),
		NearLiquidation: near,
		BySymbol:        rank(bySymbol, total),
		ByUser:          rank(byUser, total),
		Ts:              time.Now(),
	}

	m.check("total_exposure", total, m.cfg.MaxExposure, schema.SeverityHigh, "", "")
	for _, e := range snap.BySymbol {
		m.check("symbol_concentration", e.Share, m.cfg.ConcentrationPct,
			schema.SeverityMedium, e.Key, "")
	}
	for _, e := range snap.ByUser {
		m.check("user_concentration", e.Share, m.cfg.ConcentrationPct,
			schema.SeverityMedium, "", e.Key)
	}
	if near > 0 {
		m.sink.Broadcast(m.alertEvent("near_liquidation_count",
			decimal.NewFromInt(int64(near)), decimal.Zero, schema.SeverityHigh, "", ""))
	}

	observability.Telemetry().SetGauge("risk.total_exposure", total.InexactFloat64(), nil)
	observability.Telemetry().SetGauge("risk.near_liquidation", float64(near), nil)

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap
}

// Last returns the most recent snapshot.
func (m *Monitor) Last() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// check raises one alert per limit excursion and re-arms when the value
// drops back under the limit.
func (m *Monitor) check(kind string, value, limit decimal.Decimal, severity schema.AlertSeverity, symbol, userID string) {
	key := kind + "|" + symbol + "|" + userID
	m.mu.Lock()
	_, active := m.breached[key]
	over := limit.IsPositive() && value.GreaterThan(limit)
	if over && !active {
		m.breached[key] = struct{}{}
	} else if !over && active {
		delete(m.breached, key)
	}
	m.mu.Unlock()
	if over && !active {
		m.sink.Broadcast(m.alertEvent(kind, value, limit, severity, symbol, userID))
	}
}

func (m *Monitor) alertEvent(kind string, value, limit decimal.Decimal, severity schema.AlertSeverity, symbol, userID string) schema.Event {
	now := time.Now()
	return schema.Event{
		Type:   schema.EventRiskAlert,
		Symbol: symbol,
		Ts:     now,
		Payload: schema.RiskAlert{
			AlertID:  uuid.NewString(),
			Severity: severity,
			Kind:     kind,
			Message:  kind + " limit breached",
			Symbol:   symbol,
			UserID:   userID,
			Value:    value,
			Limit:    limit,
			Ts:       now,
		},
	}
}

func rank(buckets map[string]decimal.Decimal, total decimal.Decimal) []Exposure {
	out := make([]Exposure, 0, len(buckets))
	for key, notional := range buckets {
		share := decimal.Zero
		if total.IsPositive() {
			share = notional.Div(total)
		}
		out = append(out, Exposure{Key: key, Notional: notional, Share: share})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Notional.Equal(out[j].Notional) {
			return out[i].Notional.GreaterThan(out[j].Notional)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// StressScenario describes a what-if market move.
type StressScenario struct {
	Name        string                     `json:"name"`
	PriceShifts map[string]decimal.Decimal `json:"priceShifts"` // symbol -> relative shift, e.g. -0.2
}

// StressResult reports the scenario's impact without mutating any state.
type StressResult struct {
	Name           string          `json:"name"`
	TotalPnl       decimal.Decimal `json:"totalPnl"`
	Liquidations   int             `json:"liquidations"`
	WorstPositions []string        `json:"worstPositions"`
	ExposureAfter  decimal.Decimal `json:"exposureAfter"`
	Ts             time.Time       `json:"ts"`
}

// StressTest revalues every open position under the scenario's shifted
// prices. Positions are copies; nothing in the live book changes.
func (m *Monitor) StressTest(scenario StressScenario) StressResult {
	result := StressResult{Name: scenario.Name, Ts: time.Now()}

	type hit struct {
		id  string
		pnl decimal.Decimal
	}
	var hits []hit
	one := decimal.NewFromInt(1)
	for _, p := range m.book.OpenPositions() {
		shift, ok := scenario.PriceShifts[p.Symbol]
		if !ok {
			continue
		}
		shocked := p.MarkPrice.Mul(one.Add(shift))
		if !shocked.IsPositive() {
			shocked = decimal.Zero
		}
		a := m.calc.Assess(p, shocked)
		result.TotalPnl = result.TotalPnl.Add(a.UnrealisedPnl)
		result.ExposureAfter = result.ExposureAfter.Add(p.Quantity.Mul(shocked))
		if a.RiskLevel == schema.RiskLiquidation {
			result.Liquidations++
			hits = append(hits, hit{id: p.PositionID, pnl: a.UnrealisedPnl})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pnl.LessThan(hits[j].pnl) })
	for i, h := range hits {
		if i == 10 {
			break
		}
		result.WorstPositions = append(result.WorstPositions, h.id)
	}
	return result
}
