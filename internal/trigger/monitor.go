// Package trigger parks conditional orders and fires them against the mark
// price stream: stops, take-profits, and trailing stops.
package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

// Component is the error source identifier for this package.
const Component = "trigger"

// MarkSource supplies current mark prices.
type MarkSource interface {
	Mark(symbol string) (decimal.Decimal, bool)
}

// FireFunc receives a triggered order converted to its executable form.
// Orders are delivered in insertion order within one cycle.
type FireFunc func(ctx context.Context, order *schema.Order)

type comparison int

const (
	// fireAtOrAbove fires when mark >= the reference price.
	fireAtOrAbove comparison = iota
	// fireAtOrBelow fires when mark <= the reference price.
	fireAtOrBelow
)

type entry struct {
	order *schema.Order
	cmp   comparison
	ref   decimal.Decimal
	seq   uint64
}

// priceAsc orders decimal keys ascending.
type priceAsc struct{}

func (priceAsc) Compare(lhs, rhs interface{}) int {
	return lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
}

func (priceAsc) CalcScore(key interface{}) float64 {
	return key.(decimal.Decimal).InexactFloat64()
}

// priceDesc orders decimal keys descending.
type priceDesc struct{}

func (priceDesc) Compare(lhs, rhs interface{}) int {
	return rhs.(decimal.Decimal).Cmp(lhs.(decimal.Decimal))
}

func (priceDesc) CalcScore(key interface{}) float64 {
	return -key.(decimal.Decimal).InexactFloat64()
}

// symbolIndex holds a symbol's armed triggers, indexed by reference price
// so each cycle only touches the crossable range.
type symbolIndex struct {
	// above is keyed by ref price ascending: everything from the front up
	// to the mark fires on a rising cross.
	above *skiplist.SkipList
	// below is keyed by ref price descending: everything from the front
	// down to the mark fires on a falling cross.
	below    *skiplist.SkipList
	trailing map[string]*entry
}

func newSymbolIndex() *symbolIndex {
	return &symbolIndex{
		above:    skiplist.New(priceAsc{}),
		below:    skiplist.New(priceDesc{}),
		trailing: make(map[string]*entry),
	}
}

// Monitor scans armed triggers at a fixed cadence.
type Monitor struct {
	marks MarkSource
	cycle time.Duration

	mu      sync.Mutex
	symbols map[string]*symbolIndex
	byID    map[string]*entry
	seq     uint64
	fire    FireFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor constructs a trigger monitor ticking every cycle.
func NewMonitor(marks MarkSource, cycle time.Duration) *Monitor {
	if cycle <= 0 {
		cycle = 500 * time.Millisecond
	}
	return &Monitor{
		marks:   marks,
		cycle:   cycle,
		symbols: make(map[string]*symbolIndex),
		byID:    make(map[string]*entry),
	}
}

// SetFirer installs the callback invoked for fired orders. Must be called
// before Start.
func (m *Monitor) SetFirer(fire FireFunc) { m.fire = fire }

// direction resolves the comparison for a conditional order type and side.
func direction(order *schema.Order) (comparison, error) {
	switch order.Type {
	case schema.OrderTypeStop, schema.OrderTypeStopLimit:
		// a stop protects against adverse movement: sell stops fire on the
		// way down, buy stops on the way up
		if order.Side == schema.SideSell {
			return fireAtOrBelow, nil
		}
		return fireAtOrAbove, nil
	case schema.OrderTypeTakeProfit:
		if order.Side == schema.SideSell {
			return fireAtOrAbove, nil
		}
		return fireAtOrBelow, nil
	default:
		return 0, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("order type is not triggerable"),
			errs.WithField("type", string(order.Type)))
	}
}

// Arm parks a stop, stop-limit, or take-profit order.
func (m *Monitor) Arm(order *schema.Order) error {
	if !order.StopPrice.IsPositive() {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("stop price required"),
			errs.WithField("orderId", order.OrderID))
	}
	cmp, err := direction(order)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[order.OrderID]; exists {
		return errs.New(Component, errs.CodeConflict,
			errs.WithMessage("order already armed"),
			errs.WithField("orderId", order.OrderID))
	}
	m.seq++
	e := &entry{order: order, cmp: cmp, ref: order.StopPrice, seq: m.seq}
	idx := m.index(order.Symbol)
	key := order.StopPrice
	list := idx.above
	if cmp == fireAtOrBelow {
		list = idx.below
	}
	bucket, _ := list.GetValue(key)
	entries, _ := bucket.([]*entry)
	list.Set(key, append(entries, e))
	m.byID[order.OrderID] = e
	return nil
}

// ArmTrailing parks a trailing stop. The high-water mark starts at the
// current mark (or the activation price until reached).
func (m *Monitor) ArmTrailing(order *schema.Order) error {
	if order.Type != schema.OrderTypeTrailingStop {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("order is not a trailing stop"),
			errs.WithField("orderId", order.OrderID))
	}
	if order.Trailing == nil ||
		(!order.Trailing.CallbackRate.IsPositive() && !order.Trailing.AbsOffset.IsPositive()) {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("trailing stop needs a callback rate or offset"),
			errs.WithField("orderId", order.OrderID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[order.OrderID]; exists {
		return errs.New(Component, errs.CodeConflict,
			errs.WithMessage("order already armed"),
			errs.WithField("orderId", order.OrderID))
	}
	if mark, ok := m.marks.Mark(order.Symbol); ok && !order.Trailing.Armed {
		if !order.Trailing.ActivationPrice.IsPositive() {
			order.Trailing.Armed = true
			order.Trailing.HighWaterMark = mark
		}
	}
	m.seq++
	e := &entry{order: order, seq: m.seq}
	m.index(order.Symbol).trailing[order.OrderID] = e
	m.byID[order.OrderID] = e
	return nil
}

// Disarm removes an armed order. Returns false when unknown.
func (m *Monitor) Disarm(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disarmLocked(orderID)
}

func (m *Monitor) disarmLocked(orderID string) bool {
	e, ok := m.byID[orderID]
	if !ok {
		return false
	}
	delete(m.byID, orderID)
	idx, ok := m.symbols[e.order.Symbol]
	if !ok {
		return true
	}
	if e.order.Type == schema.OrderTypeTrailingStop {
		delete(idx.trailing, orderID)
		return true
	}
	list := idx.above
	if e.cmp == fireAtOrBelow {
		list = idx.below
	}
	key := e.ref
	bucket, _ := list.GetValue(key)
	entries, _ := bucket.([]*entry)
	for i, candidate := range entries {
		if candidate.order.OrderID == orderID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		list.Remove(key)
	} else {
		list.Set(key, entries)
	}
	return true
}

// Armed reports whether an order is currently parked.
func (m *Monitor) Armed(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[orderID]
	return ok
}

// Start launches the scan loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cycle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Scan(ctx)
			}
		}
	}()
}

// Stop terminates the scan loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Scan runs one trigger cycle: fired orders are removed and handed to the
// firer in insertion order.
func (m *Monitor) Scan(ctx context.Context) {
	m.mu.Lock()
	var fired []*entry
	for symbol, idx := range m.symbols {
		mark, ok := m.marks.Mark(symbol)
		if !ok {
			continue
		}
		fired = append(fired, m.collectCrossedLocked(idx, mark)...)
		fired = append(fired, m.collectTrailingLocked(idx, mark)...)
	}
	for _, e := range fired {
		m.disarmLocked(e.order.OrderID)
	}
	fire := m.fire
	m.mu.Unlock()

	if fire == nil || len(fired) == 0 {
		return
	}
	// same-tick triggers submit in insertion order
	sort.Slice(fired, func(i, j int) bool { return fired[i].seq < fired[j].seq })
	for _, e := range fired {
		convert(e.order)
		observability.Telemetry().IncCounter("trigger.fired", 1,
			map[string]string{"symbol": e.order.Symbol, "type": string(e.order.Type)})
		fire(ctx, e.order)
	}
}

func (m *Monitor) collectCrossedLocked(idx *symbolIndex, mark decimal.Decimal) []*entry {
	var out []*entry
	// rising crosses: ref prices at or below the mark
	for el := idx.above.Front(); el != nil; el = el.Next() {
		entries := el.Value.([]*entry)
		if len(entries) == 0 {
			continue
		}
		if entries[0].ref.GreaterThan(mark) {
			break
		}
		out = append(out, entries...)
	}
	// falling crosses: ref prices at or above the mark
	for el := idx.below.Front(); el != nil; el = el.Next() {
		entries := el.Value.([]*entry)
		if len(entries) == 0 {
			continue
		}
		if entries[0].ref.LessThan(mark) {
			break
		}
		out = append(out, entries...)
	}
	return out
}

// collectTrailingLocked advances high-water marks and returns trailing
// stops whose effective trigger the mark has crossed adversely.
func (m *Monitor) collectTrailingLocked(idx *symbolIndex, mark decimal.Decimal) []*entry {
	var out []*entry
	for _, e := range idx.trailing {
		st := e.order.Trailing
		if !st.Armed {
			if st.ActivationPrice.IsPositive() && activated(e.order.Side, mark, st.ActivationPrice) {
				st.Armed = true
				st.HighWaterMark = mark
			}
			continue
		}
		if favourable(e.order.Side, mark, st.HighWaterMark) {
			st.HighWaterMark = mark
			continue
		}
		trigger := effectiveTrigger(e.order.Side, st)
		if e.order.Side == schema.SideSell {
			if mark.LessThanOrEqual(trigger) {
				out = append(out, e)
			}
		} else {
			if mark.GreaterThanOrEqual(trigger) {
				out = append(out, e)
			}
		}
	}
	return out
}

// activated reports whether the mark has reached the activation price in
// the trailing direction.
func activated(side schema.Side, mark, activation decimal.Decimal) bool {
	if side == schema.SideSell {
		return mark.GreaterThanOrEqual(activation)
	}
	return mark.LessThanOrEqual(activation)
}

// favourable reports whether the mark improves the high-water mark.
func favourable(side schema.Side, mark, hwm decimal.Decimal) bool {
	if side == schema.SideSell {
		return mark.GreaterThan(hwm)
	}
	return mark.LessThan(hwm)
}

func effectiveTrigger(side schema.Side, st *schema.TrailingState) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == schema.SideSell {
		if st.CallbackRate.IsPositive() {
			return st.HighWaterMark.Mul(one.Sub(st.CallbackRate))
		}
		return st.HighWaterMark.Sub(st.AbsOffset)
	}
	if st.CallbackRate.IsPositive() {
		return st.HighWaterMark.Mul(one.Add(st.CallbackRate))
	}
	return st.HighWaterMark.Add(st.AbsOffset)
}

// convert rewrites a fired conditional order into its executable form.
func convert(order *schema.Order) {
	now := time.Now()
	order.TriggeredAt = &now
	switch order.Type {
	case schema.OrderTypeStopLimit:
		order.Type = schema.OrderTypeLimit
	default:
		order.Type = schema.OrderTypeMarket
		order.Price = decimal.Zero
	}
}

func (m *Monitor) index(symbol string) *symbolIndex {
	idx, ok := m.symbols[symbol]
	if !ok {
		idx = newSymbolIndex()
		m.symbols[symbol] = idx
	}
	return idx
}
