package liquidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/matching"
	"github.com/helixtrade/helix/internal/position"
	"github.com/helixtrade/helix/internal/schema"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type capture struct {
	mu     sync.Mutex
	events []schema.Event
}

func (c *capture) Broadcast(event schema.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capture) byType(t schema.EventType) []schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []schema.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type bookStub struct {
	mu        sync.Mutex
	positions map[string]*schema.Position
	outcome   position.ReduceOutcome
	applied   []decimal.Decimal
	statuses  []schema.PositionStatus
}

func (b *bookStub) OpenPositions() []*schema.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*schema.Position, 0, len(b.positions))
	for _, p := range b.positions {
		copied := *p
		out = append(out, &copied)
	}
	return out
}

func (b *bookStub) Get(id string) (*schema.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok {
		return nil, false
	}
	copied := *p
	return &copied, true
}

func (b *bookStub) SetStatus(id string, status schema.PositionStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, status)
	p, ok := b.positions[id]
	if ok {
		p.Status = status
	}
	return ok
}

func (b *bookStub) ApplyLiquidation(id string, qty, execPrice, fee decimal.Decimal) (position.ReduceOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied = append(b.applied, qty)
	if b.outcome.Closed {
		delete(b.positions, id)
	}
	return b.outcome, nil
}

type reducerStub struct {
	mu        sync.Mutex
	fillPrice decimal.Decimal
	noFill    bool
	submitted []*schema.Order
}

func (m *reducerStub) ForceReduce(_ context.Context, order *schema.Order) (*matching.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, order)
	if m.noFill {
		order.Status = schema.OrderStatusRejected
		return nil, errs.New("matching", errs.CodeConflict,
			errs.WithMessage("no liquidity for market order"),
			errs.WithField("kind", matching.RejectionKindNoLiquidity))
	}
	order.ApplyFill(m.fillPrice, order.Quantity, decimal.Zero, time.Now())
	return &matching.Result{Order: order}, nil
}

type cancellerStub struct {
	mu    sync.Mutex
	calls []string
}

func (c *cancellerStub) CancelAllFor(_ context.Context, symbol, userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, symbol+"|"+userID)
	return 0
}

func underwater(id string, ratio float64) *schema.Position {
	return &schema.Position{
		PositionID:  id,
		UserID:      "alice",
		Symbol:      "BTCUSDT",
		Side:        schema.PositionLong,
		Status:      schema.PositionOpen,
		Quantity:    d(1),
		EntryPrice:  d(100),
		MarkPrice:   d(92),
		Leverage:    d(10),
		Margin:      d(10),
		MarginRatio: d(ratio),
	}
}

func newEngineFixture(t *testing.T, book *bookStub, matcher *reducerStub) (*Engine, *capture, *cancellerStub) {
	t.Helper()
	cfg := config.Default().Liquidation
	sink := &capture{}
	canceller := &cancellerStub{}
	eng, err := NewEngine(cfg, NewFund(cfg.FundInitial, cfg.FundTarget), book, matcher, canceller, sink)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.pool.Shutdown(ctx)
	})
	return eng, sink, canceller
}

func TestFundAccounting(t *testing.T) {
	f := NewFund(d(100), d(1000))
	require.True(t, f.Utilisation().Equal(d(0.1)))

	f.Deposit(d(50))
	require.True(t, f.CanCover(d(150)))

	covered := f.Withdraw(d(200))
	require.True(t, covered.Equal(d(150)), "withdraw clamps at balance")
	require.False(t, f.CanCover(d(1)))

	snap := f.Snapshot()
	require.True(t, snap.Balance.IsZero())
	require.True(t, snap.Contributions.Equal(d(50)))
	require.True(t, snap.Payouts.Equal(d(150)))
}

func TestReductionFractionLadder(t *testing.T) {
	eng, _, _ := newEngineFixture(t, &bookStub{}, &reducerStub{})

	frac, level := eng.reductionFraction(d(0.79))
	require.True(t, frac.IsZero())
	require.Equal(t, 0, level)

	frac, level = eng.reductionFraction(d(0.82))
	require.True(t, frac.Equal(d(0.25)))
	require.Equal(t, 1, level)

	frac, level = eng.reductionFraction(d(0.88))
	require.True(t, frac.Equal(d(0.5)))
	require.Equal(t, 2, level)

	frac, level = eng.reductionFraction(d(0.95))
	require.True(t, frac.Equal(d(1)))
	require.Equal(t, 3, level)
}

func TestSweepEnqueuesOnceAndMarginCalls(t *testing.T) {
	book := &bookStub{positions: map[string]*schema.Position{
		"p-liq":  underwater("p-liq", 0.96),
		"p-warn": underwater("p-warn", 0.75),
		"p-safe": underwater("p-safe", 0.30),
	}}
	eng, sink, _ := newEngineFixture(t, book, &reducerStub{})

	eng.Sweep()
	require.Equal(t, 1, eng.QueueDepth())

	// repeated sweeps never double-queue, and margin calls fire once
	eng.Sweep()
	require.Equal(t, 1, eng.QueueDepth())
	require.Len(t, sink.byType(schema.EventMarginCall), 1)

	// dropping below the margin-call ratio re-arms the warning
	book.mu.Lock()
	book.positions["p-warn"].MarginRatio = d(0.30)
	book.mu.Unlock()
	eng.Sweep()
	book.mu.Lock()
	book.positions["p-warn"].MarginRatio = d(0.75)
	book.mu.Unlock()
	eng.Sweep()
	require.Len(t, sink.byType(schema.EventMarginCall), 2)
}

func TestSweepFlagsADLCandidatesWhenFundThin(t *testing.T) {
	book := &bookStub{positions: map[string]*schema.Position{
		"p-adl": underwater("p-adl", 0.99),
	}}
	// default fund seeds at 10% of target, below the 25% low-water mark
	eng, sink, _ := newEngineFixture(t, book, &reducerStub{})

	eng.Sweep()
	require.Equal(t, 1, eng.QueueDepth())
	alerts := sink.byType(schema.EventRiskAlert)
	require.Len(t, alerts, 1)
	require.Equal(t, "adl_candidate", alerts[0].Payload.(schema.RiskAlert).Kind)
}

func TestLiquidateSolventContributesFee(t *testing.T) {
	book := &bookStub{
		positions: map[string]*schema.Position{"p1": underwater("p1", 0.96)},
		outcome: position.ReduceOutcome{
			ClosedQty:   d(1),
			RealisedPnl: d(-5),
			MarginFreed: d(10),
			Closed:      true,
		},
	}
	matcher := &reducerStub{fillPrice: d(95)}
	eng, sink, canceller := newEngineFixture(t, book, matcher)

	before := eng.Fund().Snapshot().Balance
	require.NoError(t, eng.liquidate(context.Background(), "p1", false))

	// fee = 95 * 1 * 0.005; returned = 10 - 5 - 0.475 > 0, fee to the fund
	require.True(t, eng.Fund().Snapshot().Balance.Equal(before.Add(d(0.475))))
	require.Equal(t, []string{"BTCUSDT|alice"}, canceller.calls)
	require.Len(t, matcher.submitted, 1)
	require.Equal(t, schema.SideSell, matcher.submitted[0].Side)
	require.True(t, matcher.submitted[0].Flags.ReduceOnly)

	history := eng.History()
	require.Len(t, history, 1)
	require.True(t, history[0].Loss.Equal(d(5)))
	require.True(t, history[0].InsuranceFundDelta.Equal(d(0.475)))
	require.Equal(t, 3, history[0].Level)
	require.False(t, history[0].Partial)
	require.Len(t, sink.byType(schema.EventLiquidation), 1)
}

func TestLiquidateInsolventDrawsFund(t *testing.T) {
	book := &bookStub{
		positions: map[string]*schema.Position{"p1": underwater("p1", 0.97)},
		outcome: position.ReduceOutcome{
			ClosedQty:   d(1),
			RealisedPnl: d(-12),
			MarginFreed: d(10),
			Closed:      true,
		},
	}
	matcher := &reducerStub{fillPrice: d(88)}
	eng, _, _ := newEngineFixture(t, book, matcher)

	before := eng.Fund().Snapshot().Balance
	require.NoError(t, eng.liquidate(context.Background(), "p1", false))

	// fee = 88 * 0.005 = 0.44; returned = 10 - 12 - 0.44 = -2.44 deficit
	require.True(t, eng.Fund().Snapshot().Balance.Equal(before.Sub(d(2.44))))
	history := eng.History()
	require.Len(t, history, 1)
	require.True(t, history[0].InsuranceFundDelta.Equal(d(-2.44)))
}

func TestLiquidatePartialReduction(t *testing.T) {
	book := &bookStub{
		positions: map[string]*schema.Position{"p1": underwater("p1", 0.82)},
		outcome: position.ReduceOutcome{
			ClosedQty:   d(0.25),
			RealisedPnl: d(-2),
			MarginFreed: d(2.5),
			Closed:      false,
		},
	}
	matcher := &reducerStub{fillPrice: d(92)}
	eng, _, _ := newEngineFixture(t, book, matcher)

	require.NoError(t, eng.liquidate(context.Background(), "p1", false))
	require.Len(t, book.applied, 1)
	require.True(t, book.applied[0].Equal(d(0.25)), "25% rung reduces a quarter")
	require.True(t, eng.History()[0].Partial)
	require.Equal(t, 1, eng.History()[0].Level)
}

func TestLiquidateCancelOnlyRung(t *testing.T) {
	book := &bookStub{positions: map[string]*schema.Position{"p1": underwater("p1", 0.78)}}
	matcher := &reducerStub{fillPrice: d(92)}
	eng, _, canceller := newEngineFixture(t, book, matcher)

	require.NoError(t, eng.liquidate(context.Background(), "p1", false))
	require.Len(t, canceller.calls, 1, "orders cancelled")
	require.Empty(t, matcher.submitted, "no forced reduction below the first rung")
	require.Equal(t, schema.PositionOpen, book.positions["p1"].Status)
}

func TestLiquidateNoLiquidityRestoresStatus(t *testing.T) {
	book := &bookStub{positions: map[string]*schema.Position{"p1": underwater("p1", 0.96)}}
	matcher := &reducerStub{noFill: true}
	eng, _, _ := newEngineFixture(t, book, matcher)

	require.NoError(t, eng.liquidate(context.Background(), "p1", false))
	require.Empty(t, eng.History())
	require.Equal(t, schema.PositionOpen, book.positions["p1"].Status)
}

func TestForceLiquidatesHealthyPosition(t *testing.T) {
	book := &bookStub{
		positions: map[string]*schema.Position{"p1": underwater("p1", 0.10)},
		outcome: position.ReduceOutcome{
			ClosedQty:   d(1),
			RealisedPnl: d(-1),
			MarginFreed: d(10),
			Closed:      true,
		},
	}
	matcher := &reducerStub{fillPrice: d(99)}
	eng, _, _ := newEngineFixture(t, book, matcher)

	require.NoError(t, eng.Force(context.Background(), "p1"))
	require.Len(t, book.applied, 1)
	require.True(t, book.applied[0].Equal(d(1)), "forced liquidation is full size")
}

func TestProcessDrainsQueue(t *testing.T) {
	book := &bookStub{
		positions: map[string]*schema.Position{"p1": underwater("p1", 0.96)},
		outcome: position.ReduceOutcome{
			ClosedQty:   d(1),
			RealisedPnl: d(-5),
			MarginFreed: d(10),
			Closed:      true,
		},
	}
	matcher := &reducerStub{fillPrice: d(95)}
	eng, _, _ := newEngineFixture(t, book, matcher)

	eng.Sweep()
	require.Equal(t, 1, eng.QueueDepth())
	eng.Process(context.Background())
	require.Eventually(t, func() bool {
		return len(eng.History()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, eng.QueueDepth())
}
