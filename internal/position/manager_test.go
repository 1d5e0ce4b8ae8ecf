package position

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/margin"
	"github.com/helixtrade/helix/internal/schema"
	"github.com/helixtrade/helix/internal/wallet"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type markStub struct {
	mu    sync.Mutex
	marks map[string]decimal.Decimal
}

func (s *markStub) set(symbol string, v decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marks == nil {
		s.marks = make(map[string]decimal.Decimal)
	}
	s.marks[symbol] = v
}

func (s *markStub) Mark(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.marks[symbol]
	return v, ok
}

type eventSink struct {
	mu     sync.Mutex
	events []schema.Event
}

func (s *eventSink) Broadcast(evt schema.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *eventSink) count(t schema.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, evt := range s.events {
		if evt.Type == t {
			n++
		}
	}
	return n
}

func fixture(t *testing.T) (*Manager, *wallet.Store, *markStub, *eventSink) {
	t.Helper()
	wallets := wallet.NewStore()
	_, err := wallets.Update("alice", func(tx *wallet.Tx) error {
		return tx.Deposit(CollateralAsset, d(10_000))
	})
	require.NoError(t, err)
	marks := &markStub{}
	sink := &eventSink{}
	mgr := NewManager(margin.NewCalculator(d(0.005)), wallets, marks, sink, 0)
	return mgr, wallets, marks, sink
}

func TestOpenReservesInitialMargin(t *testing.T) {
	mgr, wallets, _, sink := fixture(t)

	p, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)
	require.True(t, p.Margin.Equal(d(100)), "initial margin notional/leverage")
	require.Equal(t, schema.PositionOpen, p.Status)
	require.True(t, p.LiquidationPrice.IsPositive())
	require.True(t, p.BankruptcyPrice.Equal(d(900)))

	bal := wallets.Balance("alice", CollateralAsset)
	require.True(t, bal.Locked.Equal(d(100)))
	require.True(t, bal.Available.Equal(d(9900)))
	require.Equal(t, 1, sink.count(schema.EventPositionUpdate))
}

func TestOpenRejectsSecondPositionSameSymbol(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	_, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)
	_, err = mgr.Open("alice", "BTCUSDT", schema.PositionShort, d(1), d(1000), d(10), schema.MarginCross)
	require.True(t, errs.IsCode(err, errs.CodeConflict))
}

func TestOpenRejectsLeverageAboveTierCap(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	_, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(200), schema.MarginCross)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestOpenRejectsWithoutFunds(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	_, err := mgr.Open("bob", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.True(t, errs.IsCode(err, errs.CodeInsufficientFunds))
}

func TestApplyFillIncreaseWeightsEntry(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	_, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	p, err := mgr.ApplyFill("alice", "BTCUSDT", schema.SideBuy, d(1), d(1100), d(0), d(10), schema.MarginCross)
	require.NoError(t, err)
	require.True(t, p.Quantity.Equal(d(2)))
	// (1x1000 + 1x1100)/2
	require.True(t, p.EntryPrice.Equal(d(1050)), "entry %s", p.EntryPrice)
	require.True(t, p.Margin.Equal(d(210)), "margin %s", p.Margin)
}

func TestApplyFillReduceRealisesPnl(t *testing.T) {
	mgr, wallets, _, _ := fixture(t)
	_, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(2), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	p, err := mgr.ApplyFill("alice", "BTCUSDT", schema.SideSell, d(1), d(1100), d(1), d(10), schema.MarginCross)
	require.NoError(t, err)
	require.True(t, p.Quantity.Equal(d(1)))
	require.True(t, p.RealisedPnl.Equal(d(100)), "pnl %s", p.RealisedPnl)
	require.True(t, p.Margin.Equal(d(100)), "proportional margin release")

	bal := wallets.Balance("alice", CollateralAsset)
	// 10000 - 200 margin + 100 released + 100 pnl - 1 fee
	require.True(t, bal.Available.Equal(d(9999)), "available %s", bal.Available)
	require.True(t, bal.Locked.Equal(d(100)))
}

func TestApplyFillClosesAtZero(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	_, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	p, err := mgr.ApplyFill("alice", "BTCUSDT", schema.SideSell, d(1), d(950), d(0), d(10), schema.MarginCross)
	require.NoError(t, err)
	require.Equal(t, schema.PositionClosed, p.Status)
	require.True(t, p.Quantity.IsZero())

	_, exists := mgr.Lookup("alice", "BTCUSDT")
	require.False(t, exists)
}

func TestApplyFillFlipsOnExcessQuantity(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	_, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	p, err := mgr.ApplyFill("alice", "BTCUSDT", schema.SideSell, d(3), d(1000), d(0), d(10), schema.MarginCross)
	require.NoError(t, err)
	require.Equal(t, schema.PositionShort, p.Side)
	require.True(t, p.Quantity.Equal(d(2)))
}

func TestApplyFillOpensWhenFlat(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	p, err := mgr.ApplyFill("alice", "BTCUSDT", schema.SideSell, d(1), d(1000), d(0), d(5), schema.MarginIsolated)
	require.NoError(t, err)
	require.Equal(t, schema.PositionShort, p.Side)
	require.Equal(t, schema.MarginIsolated, p.MarginMode)
	require.True(t, p.IsolatedMargin.Equal(d(200)))
}

func TestAddRemoveMarginIsolatedOnly(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	cross, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)
	_, err = mgr.AddMargin(cross.PositionID, d(50))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	iso, err := mgr.Open("alice", "ETHUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginIsolated)
	require.NoError(t, err)

	p, err := mgr.AddMargin(iso.PositionID, d(50))
	require.NoError(t, err)
	require.True(t, p.Margin.Equal(d(150)))

	p, err = mgr.RemoveMargin(iso.PositionID, d(50))
	require.NoError(t, err)
	require.True(t, p.Margin.Equal(d(100)))

	// cannot go below notional/leverage
	_, err = mgr.RemoveMargin(iso.PositionID, d(1))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestAdjustLeverage(t *testing.T) {
	mgr, wallets, _, _ := fixture(t)
	p, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	p, err = mgr.AdjustLeverage(p.PositionID, d(5))
	require.NoError(t, err)
	require.True(t, p.Margin.Equal(d(200)), "margin %s", p.Margin)
	require.True(t, wallets.Balance("alice", CollateralAsset).Locked.Equal(d(200)))

	p, err = mgr.AdjustLeverage(p.PositionID, d(20))
	require.NoError(t, err)
	require.True(t, p.Margin.Equal(d(50)))
	require.True(t, wallets.Balance("alice", CollateralAsset).Locked.Equal(d(50)))

	_, err = mgr.AdjustLeverage(p.PositionID, d(500))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestSwitchMode(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	p, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	p, err = mgr.SwitchMode(p.PositionID, schema.MarginIsolated)
	require.NoError(t, err)
	require.Equal(t, schema.MarginIsolated, p.MarginMode)
	require.True(t, p.IsolatedMargin.Equal(p.Margin))

	p, err = mgr.SwitchMode(p.PositionID, schema.MarginCross)
	require.NoError(t, err)
	require.True(t, p.IsolatedMargin.IsZero())
}

func TestSwitchModeToIsolatedRequiresEquity(t *testing.T) {
	mgr, _, marks, _ := fixture(t)
	p, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	// mark collapse: equity 100 - 96 = 4 sits under the 4.52 maintenance
	// margin, so the position cannot stand alone on its earmark
	marks.set("BTCUSDT", d(904))
	mgr.refreshMarks()

	_, err = mgr.SwitchMode(p.PositionID, schema.MarginIsolated)
	require.True(t, errs.IsCode(err, errs.CodeInsufficientFunds))

	got, ok := mgr.Get(p.PositionID)
	require.True(t, ok)
	require.Equal(t, schema.MarginCross, got.MarginMode)
	require.True(t, got.IsolatedMargin.IsZero())

	// recovered equity allows the switch
	marks.set("BTCUSDT", d(990))
	mgr.refreshMarks()
	switched, err := mgr.SwitchMode(p.PositionID, schema.MarginIsolated)
	require.NoError(t, err)
	require.Equal(t, schema.MarginIsolated, switched.MarginMode)
}

func TestApplyLiquidationSolvent(t *testing.T) {
	mgr, wallets, _, _ := fixture(t)
	p, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(2), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	// liquidate half at a loss smaller than the margin slice
	out, err := mgr.ApplyLiquidation(p.PositionID, d(1), d(950), d(4.75))
	require.NoError(t, err)
	require.False(t, out.Closed)
	require.True(t, out.RealisedPnl.Equal(d(-50)))
	require.True(t, out.MarginFreed.Equal(d(100)))

	bal := wallets.Balance("alice", CollateralAsset)
	// 100 freed - 50 loss - 4.75 fee = 45.25 returned
	require.True(t, bal.Available.Equal(d(9845.25)), "available %s", bal.Available)
	require.True(t, bal.Locked.Equal(d(100)))
}

func TestApplyLiquidationFullClose(t *testing.T) {
	mgr, _, _, _ := fixture(t)
	p, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)

	out, err := mgr.ApplyLiquidation(p.PositionID, d(1), d(910), d(4.55))
	require.NoError(t, err)
	require.True(t, out.Closed)
	require.Equal(t, schema.PositionLiquidated, out.Position.Status)
	_, exists := mgr.Get(p.PositionID)
	require.False(t, exists)
}

func TestRefreshMarksEmitsOnChange(t *testing.T) {
	mgr, _, marks, sink := fixture(t)
	p, err := mgr.Open("alice", "BTCUSDT", schema.PositionLong, d(1), d(1000), d(10), schema.MarginCross)
	require.NoError(t, err)
	_ = p
	before := sink.count(schema.EventPositionUpdate)

	marks.set("BTCUSDT", d(1010))
	mgr.refreshMarks()
	require.Equal(t, before+1, sink.count(schema.EventPositionUpdate))

	// unchanged mark, no event
	mgr.refreshMarks()
	require.Equal(t, before+1, sink.count(schema.EventPositionUpdate))

	got, _ := mgr.Get(p.PositionID)
	require.True(t, got.UnrealisedPnl.Equal(d(10)))
}
