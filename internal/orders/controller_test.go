package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/margin"
	"github.com/helixtrade/helix/internal/matching"
	"github.com/helixtrade/helix/internal/position"
	"github.com/helixtrade/helix/internal/schema"
	"github.com/helixtrade/helix/internal/trigger"
	"github.com/helixtrade/helix/internal/wallet"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type registryStub struct {
	symbols map[string]schema.Symbol
}

func (r *registryStub) Get(symbol string) (schema.Symbol, error) {
	sym, ok := r.symbols[symbol]
	if !ok {
		return schema.Symbol{}, errs.New("market", errs.CodeNotFound,
			errs.WithMessage("unknown symbol"), errs.WithField("symbol", symbol))
	}
	return sym, nil
}

type quote struct {
	bid, ask decimal.Decimal
}

type markStub struct {
	mu     sync.Mutex
	marks  map[string]decimal.Decimal
	quotes map[string]quote
}

func (s *markStub) set(symbol string, v decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marks == nil {
		s.marks = make(map[string]decimal.Decimal)
	}
	s.marks[symbol] = v
}

func (s *markStub) setQuote(symbol string, bid, ask decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotes == nil {
		s.quotes = make(map[string]quote)
	}
	s.quotes[symbol] = quote{bid: bid, ask: ask}
}

func (s *markStub) Mark(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.marks[symbol]
	return v, ok
}

func (s *markStub) BestQuote(symbol string) (bid, ask decimal.Decimal, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	return q.bid, q.ask, ok
}

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

type harness struct {
	ctrl    *Controller
	engine  *matching.Engine
	monitor *trigger.Monitor
	wallets *wallet.Store
	posns   *position.Manager
	marks   *markStub
	sink    *capture
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default().Trading
	marks := &markStub{}
	sink := &capture{}
	wallets := wallet.NewStore()
	calc := margin.NewCalculator(d(0.005))
	posns := position.NewManager(calc, wallets, marks, sink, time.Hour)

	engine := matching.NewEngine(cfg, func(string) string { return "USDT" })
	engine.EnsureSymbol("BTCUSDT")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.StopAll(ctx)
	})

	monitor := trigger.NewMonitor(marks, 10*time.Millisecond)
	registry := &registryStub{symbols: map[string]schema.Symbol{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			Base:        "BTC",
			Quote:       "USDT",
			TickSize:    d(0.5),
			StepSize:    d(0.001),
			MinNotional: d(10),
			Enabled:     true,
		},
		"DOGEUSDT": {Symbol: "DOGEUSDT", Base: "DOGE", Quote: "USDT", Enabled: false},
	}}

	ctrl := NewController(cfg, registry, engine, monitor, posns, wallets, marks, calc, sink, nil)
	monitor.SetFirer(ctrl.FireTriggered)

	wallets.Seed([]schema.Balance{
		{UserID: "alice", Asset: "USDT", Available: d(100000)},
		{UserID: "alice", Asset: "BTC", Available: d(1)},
		{UserID: "bob", Asset: "USDT", Available: d(100000)},
		{UserID: "bob", Asset: "BTC", Available: d(1)},
	})
	return &harness{ctrl: ctrl, engine: engine, monitor: monitor,
		wallets: wallets, posns: posns, marks: marks, sink: sink}
}

func limitBuy(user string, qty, price float64) PlaceRequest {
	return PlaceRequest{
		UserID: user, Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeLimit, Price: d(price), Quantity: d(qty),
	}
}

func limitSell(user string, qty, price float64) PlaceRequest {
	return PlaceRequest{
		UserID: user, Symbol: "BTCUSDT", Side: schema.SideSell,
		Type: schema.OrderTypeLimit, Price: d(price), Quantity: d(qty),
	}
}

func TestPlaceLimitBuyRestsAndReservesQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.ctrl.Place(ctx, limitBuy("alice", 0.1, 50000))
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusOpen, order.Status)

	// 5000 notional plus 0.05% taker headroom
	bal := h.wallets.Balance("alice", "USDT")
	require.True(t, bal.Locked.Equal(d(5002.5)), "locked %s", bal.Locked)
	require.True(t, bal.Available.Equal(d(94997.5)))
}

func TestPlaceValidationErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "NOPEUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeLimit, Price: d(100), Quantity: d(1),
	})
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	_, err = h.ctrl.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "DOGEUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeLimit, Price: d(100), Quantity: d(1),
	})
	require.True(t, errs.IsCode(err, errs.CodeNotFound), "disabled symbol")

	req := limitBuy("alice", 0.1, 50000)
	req.Quantity = d(0.00105)
	_, err = h.ctrl.Place(ctx, req)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "step size")

	req = limitBuy("alice", 0.1, 50000.3)
	_, err = h.ctrl.Place(ctx, req)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "tick size")

	req = limitBuy("alice", 0.001, 50) // notional 0.05 below the 10 minimum
	_, err = h.ctrl.Place(ctx, req)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "min notional")

	rejected := h.sink.byType(schema.EventOrderRejected)
	require.Len(t, rejected, 5, "each failed placement emits a rejection")
}

func TestInsufficientFundsRejects(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Place(context.Background(), limitBuy("alice", 0.1, 2000000))
	require.True(t, errs.IsCode(err, errs.CodeInsufficientFunds))

	bal := h.wallets.Balance("alice", "USDT")
	require.True(t, bal.Locked.IsZero())
	require.True(t, bal.Available.Equal(d(100000)))
}

func TestLimitCrossSettlesBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	maker, err := h.ctrl.Place(ctx, limitSell("bob", 0.1, 50000))
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusOpen, maker.Status)

	taker, err := h.ctrl.Place(ctx, limitBuy("alice", 0.1, 50000))
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, taker.Status)

	// alice: 5000 cost + 2.5 taker fee spent, 0.1 BTC received
	usdt := h.wallets.Balance("alice", "USDT")
	require.True(t, usdt.Available.Equal(d(94997.5)), "available %s", usdt.Available)
	require.True(t, usdt.Locked.IsZero())
	require.True(t, h.wallets.Balance("alice", "BTC").Available.Equal(d(1.1)))

	// bob: 0.1 BTC sold, 5000 less the 1.0 maker fee credited
	require.True(t, h.wallets.Balance("bob", "BTC").Available.Equal(d(0.9)))
	require.True(t, h.wallets.Balance("bob", "BTC").Locked.IsZero())
	require.True(t, h.wallets.Balance("bob", "USDT").Available.Equal(d(104999)))

	trades := h.sink.byType(schema.EventTrade)
	require.Len(t, trades, 1)
	makerAfter, ok := h.ctrl.Get(maker.OrderID)
	require.True(t, ok)
	require.Equal(t, schema.OrderStatusFilled, makerAfter.Status)
}

func TestMarketBuyNoLiquidityRejects(t *testing.T) {
	h := newHarness(t)
	h.marks.set("BTCUSDT", d(50000))

	_, err := h.ctrl.Place(context.Background(), PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeMarket, Quantity: d(0.1),
	})
	require.Error(t, err)
	require.True(t, matching.IsNoLiquidity(err))

	bal := h.wallets.Balance("alice", "USDT")
	require.True(t, bal.Locked.IsZero())
	require.True(t, bal.Available.Equal(d(100000)))

	rejected := h.sink.byType(schema.EventOrderRejected)
	require.Len(t, rejected, 1)
	rejection, ok := rejected[0].Payload.(schema.Rejection)
	require.True(t, ok)
	require.Equal(t, matching.RejectionKindNoLiquidity, rejection.Kind)
}

func TestMarketOrderNeedsReferencePrice(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Place(context.Background(), PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeMarket, Quantity: d(0.1),
	})
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestCancelRestingOrderReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.ctrl.Place(ctx, limitBuy("alice", 0.1, 50000))
	require.NoError(t, err)

	cancelled, err := h.ctrl.Cancel(ctx, "alice", order.OrderID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusCancelled, cancelled.Status)

	bal := h.wallets.Balance("alice", "USDT")
	require.True(t, bal.Locked.IsZero())
	require.True(t, bal.Available.Equal(d(100000)))

	_, err = h.ctrl.Cancel(ctx, "alice", order.OrderID)
	require.True(t, errs.IsCode(err, errs.CodeConflict), "second cancel")

	_, err = h.ctrl.Cancel(ctx, "alice", "missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	_, err = h.ctrl.Cancel(ctx, "bob", order.OrderID)
	require.True(t, errs.IsCode(err, errs.CodeNotFound), "wrong owner")
}

func TestStopSellFiresIntoBook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Place(ctx, limitBuy("bob", 0.1, 49000))
	require.NoError(t, err)

	stop, err := h.ctrl.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideSell,
		Type: schema.OrderTypeStop, StopPrice: d(49500), Quantity: d(0.1),
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusPending, stop.Status)
	require.True(t, h.wallets.Balance("alice", "BTC").Locked.Equal(d(0.1)))

	h.marks.set("BTCUSDT", d(49400))
	h.monitor.Scan(ctx)

	fired, ok := h.ctrl.Get(stop.OrderID)
	require.True(t, ok)
	require.Equal(t, schema.OrderStatusFilled, fired.Status)
	require.Equal(t, schema.OrderTypeMarket, fired.Type)

	// alice: 0.1 BTC sold at 49000, 4900 less the 2.45 taker fee
	require.True(t, h.wallets.Balance("alice", "BTC").Locked.IsZero())
	require.True(t, h.wallets.Balance("alice", "BTC").Available.Equal(d(0.9)))
	require.True(t, h.wallets.Balance("alice", "USDT").Available.Equal(d(104897.55)))

	// bob: maker buy at 49000, fee 0.98, unused reservation headroom returned
	bobUSDT := h.wallets.Balance("bob", "USDT")
	require.True(t, bobUSDT.Locked.IsZero())
	require.True(t, bobUSDT.Available.Equal(d(95099.02)), "available %s", bobUSDT.Available)
	require.True(t, h.wallets.Balance("bob", "BTC").Available.Equal(d(1.1)))
}

func TestOCOCancelCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tp := PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideSell,
		Type: schema.OrderTypeTakeProfit, StopPrice: d(55000), Quantity: d(0.1),
	}
	sl := PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideSell,
		Type: schema.OrderTypeStop, StopPrice: d(45000), Quantity: d(0.1),
	}
	first, second, err := h.ctrl.PlaceOCO(ctx, tp, sl)
	require.NoError(t, err)
	require.Equal(t, second.OrderID, first.OCOLinkedID)
	require.Equal(t, first.OrderID, second.OCOLinkedID)
	require.True(t, h.wallets.Balance("alice", "BTC").Locked.Equal(d(0.2)))

	_, err = h.ctrl.Cancel(ctx, "alice", first.OrderID)
	require.NoError(t, err)

	sibling, ok := h.ctrl.Get(second.OrderID)
	require.True(t, ok)
	require.Equal(t, schema.OrderStatusCancelled, sibling.Status)
	require.True(t, h.wallets.Balance("alice", "BTC").Locked.IsZero())
}

func TestModifyAdjustsReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.ctrl.Place(ctx, limitBuy("alice", 0.1, 50000))
	require.NoError(t, err)

	modified, err := h.ctrl.Modify(ctx, "alice", order.OrderID, d(49000), d(0.2))
	require.NoError(t, err)
	require.True(t, modified.Price.Equal(d(49000)))
	require.True(t, modified.Remaining.Equal(d(0.2)))

	// 49000 * 0.2 * 1.0005
	bal := h.wallets.Balance("alice", "USDT")
	require.True(t, bal.Locked.Equal(d(9804.9)), "locked %s", bal.Locked)

	_, err = h.ctrl.Modify(ctx, "alice", order.OrderID, d(49000.3), d(0.2))
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "tick size")

	_, err = h.ctrl.Modify(ctx, "alice", order.OrderID, d(49000), d(0))
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "quantity below filled")

	_, err = h.ctrl.Modify(ctx, "bob", order.OrderID, d(49000), d(0.2))
	require.True(t, errs.IsCode(err, errs.CodeNotFound), "wrong owner")
}

func TestLeveragedFillOpensPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.marks.set("BTCUSDT", d(50000))

	_, err := h.ctrl.Place(ctx, limitSell("bob", 0.01, 50000))
	require.NoError(t, err)

	order, err := h.ctrl.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeMarket, Quantity: d(0.01),
		Leverage: d(10), MarginMode: schema.MarginIsolated,
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, order.Status)

	pos, ok := h.posns.Lookup("alice", "BTCUSDT")
	require.True(t, ok)
	require.Equal(t, schema.PositionLong, pos.Side)
	require.True(t, pos.Quantity.Equal(d(0.01)))
	require.True(t, pos.EntryPrice.Equal(d(50000)))
	require.True(t, pos.Margin.Equal(d(50)), "initial margin 500/10")

	// 50 margin locked by the position, 0.25 taker fee debited
	usdt := h.wallets.Balance("alice", "USDT")
	require.True(t, usdt.Locked.Equal(d(50)), "locked %s", usdt.Locked)
	require.True(t, usdt.Available.Equal(d(99949.75)), "available %s", usdt.Available)
	// spot BTC balance untouched by the leveraged fill
	require.True(t, h.wallets.Balance("alice", "BTC").Available.Equal(d(1)))
}

func TestForcedReductionSettlesCounterparty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	maker, err := h.ctrl.Place(ctx, limitBuy("bob", 0.1, 50000))
	require.NoError(t, err)

	now := time.Now()
	forced := &schema.Order{
		OrderID:     "forced-1",
		UserID:      "alice",
		Symbol:      "BTCUSDT",
		Side:        schema.SideSell,
		Type:        schema.OrderTypeMarket,
		Quantity:    d(0.1),
		Remaining:   d(0.1),
		Status:      schema.OrderStatusPending,
		TimeInForce: schema.TIFImmediateOrCancel,
		Flags:       schema.OrderFlags{ReduceOnly: true},
		Leverage:    d(1),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	result, err := h.ctrl.ForceReduce(ctx, forced)
	require.NoError(t, err)
	require.True(t, result.Order.Filled.Equal(d(0.1)))
	require.Equal(t, schema.OrderStatusFilled, result.Order.Status)

	// bob's resting buy crossed: 5000 cost + 1.0 maker fee spent from the
	// reservation, 0.1 BTC credited, headroom released
	makerAfter, ok := h.ctrl.Get(maker.OrderID)
	require.True(t, ok)
	require.Equal(t, schema.OrderStatusFilled, makerAfter.Status)
	bobUSDT := h.wallets.Balance("bob", "USDT")
	require.True(t, bobUSDT.Locked.IsZero(), "locked %s", bobUSDT.Locked)
	require.True(t, bobUSDT.Available.Equal(d(94999)), "available %s", bobUSDT.Available)
	require.True(t, h.wallets.Balance("bob", "BTC").Available.Equal(d(1.1)))

	// the reducing side's wallet is untouched here: its margin settles
	// through the position book, not the wallet
	require.True(t, h.wallets.Balance("alice", "BTC").Available.Equal(d(1)))
	require.Len(t, h.sink.byType(schema.EventTrade), 1)
}

func TestMarketBuyReservesFromAsk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// mark above the ask: a mark-sized reservation would overshoot carol's
	// funds, an ask-sized one fits exactly
	h.marks.set("BTCUSDT", d(51000))
	h.marks.setQuote("BTCUSDT", d(50400), d(50500))
	h.wallets.Seed([]schema.Balance{
		{UserID: "carol", Asset: "USDT", Available: d(5052.53)},
	})

	_, err := h.ctrl.Place(ctx, limitSell("bob", 0.1, 50500))
	require.NoError(t, err)

	order, err := h.ctrl.Place(ctx, PlaceRequest{
		UserID: "carol", Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeMarket, Quantity: d(0.1),
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, order.Status)

	// 5050 cost + 2.525 taker fee
	usdt := h.wallets.Balance("carol", "USDT")
	require.True(t, usdt.Locked.IsZero())
	require.True(t, usdt.Available.Equal(d(0.005)), "available %s", usdt.Available)
	require.True(t, h.wallets.Balance("carol", "BTC").Available.Equal(d(0.1)))
}

func TestMarketBuyFillAboveReferenceTopsUpReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.marks.set("BTCUSDT", d(50000))

	_, err := h.ctrl.Place(ctx, limitSell("bob", 0.1, 50500))
	require.NoError(t, err)

	order, err := h.ctrl.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeMarket, Quantity: d(0.1),
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, order.Status)

	// executed at 50500 against a 50000-sized reservation: the shortfall is
	// locked from available funds and the full spend settles
	usdt := h.wallets.Balance("alice", "USDT")
	require.True(t, usdt.Locked.IsZero(), "locked %s", usdt.Locked)
	require.True(t, usdt.Available.Equal(d(94947.475)), "available %s", usdt.Available)
	require.True(t, h.wallets.Balance("alice", "BTC").Available.Equal(d(1.1)))
}

func TestSettlementShortfallRejectsLoudly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.marks.set("BTCUSDT", d(50000))
	h.wallets.Seed([]schema.Balance{
		{UserID: "carol", Asset: "USDT", Available: d(5002.5)},
	})

	_, err := h.ctrl.Place(ctx, limitSell("bob", 0.1, 50500))
	require.NoError(t, err)

	// the reservation consumes every cent carol has; the 50500 execution
	// cannot be covered, so the order must reject instead of half settling
	order, err := h.ctrl.Place(ctx, PlaceRequest{
		UserID: "carol", Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeMarket, Quantity: d(0.1),
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusRejected, order.Status)

	usdt := h.wallets.Balance("carol", "USDT")
	require.True(t, usdt.Locked.IsZero())
	require.True(t, usdt.Available.Equal(d(5002.5)), "available %s", usdt.Available)
	require.True(t, h.wallets.Balance("carol", "BTC").Available.IsZero())

	// the maker's side of the match still settled in full
	require.True(t, h.wallets.Balance("bob", "BTC").Available.Equal(d(0.9)))
	require.True(t, h.wallets.Balance("bob", "USDT").Available.Equal(d(105048.99)))
	require.Len(t, h.sink.byType(schema.EventOrderRejected), 1)
}

func TestPositionMarginMatchesWalletLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.marks.set("BTCUSDT", d(50000))

	_, err := h.ctrl.Place(ctx, PlaceRequest{
		UserID: "bob", Symbol: "BTCUSDT", Side: schema.SideSell,
		Type: schema.OrderTypeLimit, Price: d(50000), Quantity: d(0.01),
		Leverage: d(5), MarginMode: schema.MarginIsolated,
	})
	require.NoError(t, err)
	_, err = h.ctrl.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeMarket, Quantity: d(0.01),
		Leverage: d(10), MarginMode: schema.MarginIsolated,
	})
	require.NoError(t, err)

	posAlice, ok := h.posns.Lookup("alice", "BTCUSDT")
	require.True(t, ok)
	posBob, ok := h.posns.Lookup("bob", "BTCUSDT")
	require.True(t, ok)

	// no live order reservations remain, so every locked quote cent is
	// position margin
	lockedSum := h.wallets.Balance("alice", "USDT").Locked.
		Add(h.wallets.Balance("bob", "USDT").Locked)
	marginSum := posAlice.Margin.Add(posBob.Margin)
	require.True(t, lockedSum.Equal(marginSum), "locked %s margin %s", lockedSum, marginSum)

	// unwinding both positions returns the invariant to zero
	_, err = h.ctrl.Place(ctx, PlaceRequest{
		UserID: "bob", Symbol: "BTCUSDT", Side: schema.SideBuy,
		Type: schema.OrderTypeLimit, Price: d(50000), Quantity: d(0.01),
		Leverage: d(5), MarginMode: schema.MarginIsolated,
	})
	require.NoError(t, err)
	_, err = h.ctrl.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTCUSDT", Side: schema.SideSell,
		Type: schema.OrderTypeMarket, Quantity: d(0.01),
		Leverage: d(10), MarginMode: schema.MarginIsolated,
	})
	require.NoError(t, err)

	require.True(t, h.wallets.Balance("alice", "USDT").Locked.IsZero())
	require.True(t, h.wallets.Balance("bob", "USDT").Locked.IsZero())
}

func TestCancelAllForUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Place(ctx, limitBuy("alice", 0.1, 50000))
	require.NoError(t, err)
	_, err = h.ctrl.Place(ctx, limitBuy("alice", 0.1, 49500))
	require.NoError(t, err)
	_, err = h.ctrl.Place(ctx, limitBuy("bob", 0.1, 49000))
	require.NoError(t, err)

	require.Equal(t, 2, h.ctrl.CancelAllFor(ctx, "BTCUSDT", "alice"))
	require.Empty(t, h.ctrl.ForUser("alice"))
	require.Len(t, h.ctrl.ForUser("bob"), 1)
	require.True(t, h.wallets.Balance("alice", "USDT").Locked.IsZero())
}
