// Package matching crosses orders against per-symbol books with price-time
// priority. Each symbol is served by a single goroutine, so book mutations
// never race.
package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/book"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

// Component is the error source identifier for this package.
const Component = "matching"

// RejectionKindNoLiquidity tags market orders rejected because the opposite
// side of the book held no matchable liquidity.
const RejectionKindNoLiquidity = "rejected_no_liquidity"

// IsNoLiquidity reports whether err is a no-liquidity market rejection.
func IsNoLiquidity(err error) bool {
	var envelope *errs.E
	if !errors.As(err, &envelope) {
		return false
	}
	return envelope.Context["kind"] == RejectionKindNoLiquidity
}

// Execution pairs the records produced by one match: a public trade and a
// private fill per side, plus the maker's post-fill state.
type Execution struct {
	Trade     schema.Trade
	TakerFill schema.Fill
	MakerFill schema.Fill
	Maker     *schema.Order
}

// Result is the outcome of submitting one order.
type Result struct {
	Order      *schema.Order
	Executions []Execution
	// SelfTradeCancelled lists resting orders withdrawn to prevent the
	// taker from trading with itself.
	SelfTradeCancelled []*schema.Order
	Rested             bool
}

type request struct {
	ctx  context.Context
	fn   func()
	done chan struct{}
	// skipped is set by the loop when the caller's context expired before
	// pickup. Written before done closes, read after, so no extra locking.
	skipped bool
}

type symbolEngine struct {
	book     *book.Book
	requests chan *request
	paused   bool
	stopped  chan struct{}
}

// Engine routes orders to per-symbol matching loops.
type Engine struct {
	cfg config.TradingSettings
	// quoteAsset resolves the fee currency for a symbol.
	quoteAsset func(symbol string) string

	mu      sync.RWMutex
	symbols map[string]*symbolEngine
	halted  bool
}

// NewEngine constructs a matching engine. quoteAsset may be nil, in which
// case fills carry an empty fee asset.
func NewEngine(cfg config.TradingSettings, quoteAsset func(string) string) *Engine {
	if quoteAsset == nil {
		quoteAsset = func(string) string { return "" }
	}
	return &Engine{
		cfg:        cfg,
		quoteAsset: quoteAsset,
		symbols:    make(map[string]*symbolEngine),
	}
}

// EnsureSymbol starts a matching loop for symbol if one is not running.
func (e *Engine) EnsureSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.symbols[symbol]; ok {
		return
	}
	se := &symbolEngine{
		book:     book.New(symbol),
		requests: make(chan *request, 256),
		stopped:  make(chan struct{}),
	}
	e.symbols[symbol] = se
	go se.loop()
}

func (se *symbolEngine) loop() {
	defer close(se.stopped)
	for req := range se.requests {
		// a caller whose deadline passed before pickup has already moved
		// on; executing now would mutate the book behind its back
		if req.ctx != nil && req.ctx.Err() != nil {
			req.skipped = true
			close(req.done)
			continue
		}
		req.fn()
		close(req.done)
	}
}

// do runs fn on the symbol's loop. Once enqueued the caller waits for the
// loop's verdict unconditionally: the request either executes or is skipped
// because its context expired before pickup, never both.
func (e *Engine) do(ctx context.Context, symbol string, fn func(*symbolEngine)) error {
	e.mu.RLock()
	se, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("unknown symbol"),
			errs.WithField("symbol", symbol))
	}
	req := &request{ctx: ctx, fn: func() { fn(se) }, done: make(chan struct{})}
	select {
	case se.requests <- req:
	case <-ctx.Done():
		return errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("matching queue saturated"),
			errs.WithField("symbol", symbol), errs.WithCause(ctx.Err()))
	}
	<-req.done
	if req.skipped {
		return errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("deadline passed before matching picked up the request"),
			errs.WithField("symbol", symbol), errs.WithCause(ctx.Err()))
	}
	return nil
}

// Submit matches order against the book. Market orders cross what they can
// and cancel the remainder, or are rejected outright when the opposite side
// is empty; limit orders honour their time-in-force.
func (e *Engine) Submit(ctx context.Context, order *schema.Order) (*Result, error) {
	e.mu.RLock()
	halted := e.halted
	e.mu.RUnlock()
	if halted {
		return nil, errs.New(Component, errs.CodeMarketHalted,
			errs.WithMessage("trading halted"))
	}

	var result *Result
	var submitErr error
	err := e.do(ctx, order.Symbol, func(se *symbolEngine) {
		if se.paused {
			submitErr = errs.New(Component, errs.CodeMarketHalted,
				errs.WithMessage("symbol paused"),
				errs.WithField("symbol", order.Symbol))
			return
		}
		result, submitErr = e.execute(se, order)
	})
	if err != nil {
		return nil, err
	}
	return result, submitErr
}

func (e *Engine) execute(se *symbolEngine, order *schema.Order) (*Result, error) {
	switch order.Type {
	case schema.OrderTypeMarket:
		return e.executeMarket(se, order)
	case schema.OrderTypeLimit:
		return e.executeLimit(se, order)
	default:
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("order type not matchable"),
			errs.WithField("type", string(order.Type)))
	}
}

func (e *Engine) executeMarket(se *symbolEngine, order *schema.Order) (*Result, error) {
	result := &Result{Order: order}
	e.cross(se, order, nil, result)
	if !order.Remaining.IsPositive() {
		return result, nil
	}
	if !order.Filled.IsPositive() && len(result.SelfTradeCancelled) == 0 {
		// nothing on the opposite side at all: reject rather than cancel so
		// the caller can tell liquidity starvation from a user cancel
		order.Status = schema.OrderStatusRejected
		order.UpdatedAt = time.Now()
		return nil, errs.New(Component, errs.CodeConflict,
			errs.WithMessage("no liquidity for market order"),
			errs.WithField("symbol", order.Symbol),
			errs.WithField("kind", RejectionKindNoLiquidity))
	}
	// unfilled remainder of a partially executed market order cancels
	order.Status = schema.OrderStatusCancelled
	return result, nil
}

func (e *Engine) executeLimit(se *symbolEngine, order *schema.Order) (*Result, error) {
	result := &Result{Order: order}
	limit := order.Price

	switch order.TimeInForce {
	case schema.TIFPostOnly:
		if e.wouldCross(se, order) {
			return nil, errs.New(Component, errs.CodeConflict,
				errs.WithMessage("post-only order would cross"),
				errs.WithField("orderId", order.OrderID))
		}
	case schema.TIFFillOrKill:
		if !e.fillable(se, order) {
			return nil, errs.New(Component, errs.CodeConflict,
				errs.WithMessage("insufficient liquidity for fill-or-kill"),
				errs.WithField("orderId", order.OrderID))
		}
	}

	e.cross(se, order, &limit, result)

	if !order.Remaining.IsPositive() {
		return result, nil
	}
	switch order.TimeInForce {
	case schema.TIFImmediateOrCancel:
		order.Status = schema.OrderStatusCancelled
	default:
		order.Status = restingStatus(order)
		if err := se.book.Add(order); err != nil {
			return nil, err
		}
		result.Rested = true
	}
	return result, nil
}

// cross consumes opposite liquidity in price-time order until the taker is
// filled, the limit is exceeded, or the book empties. Resting orders of the
// same user are cancelled rather than matched.
func (e *Engine) cross(se *symbolEngine, taker *schema.Order, limit *decimal.Decimal, result *Result) {
	opposite := taker.Side.Opposite()
	for taker.Remaining.IsPositive() {
		maker, ok := se.book.Front(opposite)
		if !ok {
			return
		}
		if limit != nil && !crossable(taker.Side, *limit, maker.Price) {
			return
		}
		if maker.UserID == taker.UserID {
			if removed, ok := se.book.Remove(maker.OrderID); ok {
				removed.Status = schema.OrderStatusCancelled
				removed.UpdatedAt = time.Now()
				result.SelfTradeCancelled = append(result.SelfTradeCancelled, removed)
				observability.Telemetry().IncCounter("matching.self_trade_cancels", 1,
					map[string]string{"symbol": taker.Symbol})
			}
			continue
		}

		qty := decimal.Min(taker.Remaining, maker.Remaining)
		price := maker.Price
		ts := time.Now()
		makerFee := price.Mul(qty).Mul(e.cfg.MakerFee)
		takerFee := price.Mul(qty).Mul(e.cfg.TakerFee)

		maker.ApplyFill(price, qty, makerFee, ts)
		taker.ApplyFill(price, qty, takerFee, ts)
		se.book.Consume(maker.OrderID, qty)

		feeAsset := e.quoteAsset(taker.Symbol)
		trade := schema.Trade{
			TradeID:      uuid.NewString(),
			Symbol:       taker.Symbol,
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: maker.Side == schema.SideBuy,
			Ts:           ts,
		}
		if taker.Side == schema.SideBuy {
			trade.BuyOrderID = taker.OrderID
			trade.SellOrderID = maker.OrderID
		} else {
			trade.BuyOrderID = maker.OrderID
			trade.SellOrderID = taker.OrderID
		}
		result.Executions = append(result.Executions, Execution{
			Trade: trade,
			TakerFill: schema.Fill{
				FillID:         uuid.NewString(),
				OrderID:        taker.OrderID,
				CounterOrderID: maker.OrderID,
				Price:          price,
				Quantity:       qty,
				Fee:            takerFee,
				FeeAsset:       feeAsset,
				IsMaker:        false,
				Ts:             ts,
			},
			MakerFill: schema.Fill{
				FillID:         uuid.NewString(),
				OrderID:        maker.OrderID,
				CounterOrderID: taker.OrderID,
				Price:          price,
				Quantity:       qty,
				Fee:            makerFee,
				FeeAsset:       feeAsset,
				IsMaker:        true,
				Ts:             ts,
			},
			Maker: maker,
		})
	}
}

// wouldCross reports whether any part of the limit order executes on admit.
func (e *Engine) wouldCross(se *symbolEngine, order *schema.Order) bool {
	maker, ok := se.book.Front(order.Side.Opposite())
	if !ok {
		return false
	}
	// a same-user front order would be cancelled, not crossed, but any
	// deeper liquidity behind it still counts
	if maker.UserID == order.UserID {
		crossed := false
		se.book.Walk(order.Side.Opposite(), func(o *schema.Order) bool {
			if o.UserID == order.UserID {
				return true
			}
			crossed = crossable(order.Side, order.Price, o.Price)
			return false
		})
		return crossed
	}
	return crossable(order.Side, order.Price, maker.Price)
}

// fillable reports whether the order's full quantity is matchable within
// its limit, excluding the user's own resting liquidity.
func (e *Engine) fillable(se *symbolEngine, order *schema.Order) bool {
	needed := order.Remaining
	se.book.Walk(order.Side.Opposite(), func(o *schema.Order) bool {
		if !crossable(order.Side, order.Price, o.Price) {
			return false
		}
		if o.UserID == order.UserID {
			return true
		}
		needed = needed.Sub(o.Remaining)
		return needed.IsPositive()
	})
	return !needed.IsPositive()
}

func crossable(takerSide schema.Side, limit, makerPrice decimal.Decimal) bool {
	if takerSide == schema.SideBuy {
		return makerPrice.LessThanOrEqual(limit)
	}
	return makerPrice.GreaterThanOrEqual(limit)
}

func restingStatus(order *schema.Order) schema.OrderStatus {
	if order.Filled.IsPositive() {
		return schema.OrderStatusPartiallyFilled
	}
	return schema.OrderStatusOpen
}

// Cancel removes a resting order. Returns false when the order is unknown;
// repeated cancels are no-ops.
func (e *Engine) Cancel(ctx context.Context, symbol, orderID string) (*schema.Order, bool, error) {
	var cancelled *schema.Order
	var found bool
	err := e.do(ctx, symbol, func(se *symbolEngine) {
		if o, ok := se.book.Remove(orderID); ok {
			o.Status = schema.OrderStatusCancelled
			o.UpdatedAt = time.Now()
			cancelled = o
			found = true
		}
	})
	if err != nil {
		return nil, false, err
	}
	return cancelled, found, nil
}

// Modify amends a resting order's price and quantity.
func (e *Engine) Modify(ctx context.Context, symbol, orderID string, price, qty decimal.Decimal) (*schema.Order, error) {
	var modified *schema.Order
	var modErr error
	err := e.do(ctx, symbol, func(se *symbolEngine) {
		modified, modErr = se.book.Modify(orderID, price, qty)
	})
	if err != nil {
		return nil, err
	}
	return modified, modErr
}

// CancelAll empties one symbol's book, returning the withdrawn orders.
func (e *Engine) CancelAll(ctx context.Context, symbol string) ([]*schema.Order, error) {
	var removed []*schema.Order
	err := e.do(ctx, symbol, func(se *symbolEngine) {
		removed = se.book.Clear()
		now := time.Now()
		for _, o := range removed {
			o.Status = schema.OrderStatusCancelled
			o.UpdatedAt = now
		}
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// CancelAllSymbols empties every book.
func (e *Engine) CancelAllSymbols(ctx context.Context) ([]*schema.Order, error) {
	var all []*schema.Order
	for _, symbol := range e.Symbols() {
		removed, err := e.CancelAll(ctx, symbol)
		if err != nil {
			return all, err
		}
		all = append(all, removed...)
	}
	return all, nil
}

// Pause stops matching for one symbol; resting orders stay put.
func (e *Engine) Pause(ctx context.Context, symbol string) error {
	return e.do(ctx, symbol, func(se *symbolEngine) { se.paused = true })
}

// Resume restarts matching for one symbol.
func (e *Engine) Resume(ctx context.Context, symbol string) error {
	return e.do(ctx, symbol, func(se *symbolEngine) { se.paused = false })
}

// PauseAll halts matching engine-wide.
func (e *Engine) PauseAll() {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
	observability.Log().Warn("matching halted engine-wide")
}

// ResumeAll lifts an engine-wide halt.
func (e *Engine) ResumeAll() {
	e.mu.Lock()
	e.halted = false
	e.mu.Unlock()
	observability.Log().Info("matching resumed engine-wide")
}

// Halted reports the engine-wide halt flag.
func (e *Engine) Halted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// Symbols lists symbols with running matching loops.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.symbols))
	for symbol := range e.symbols {
		out = append(out, symbol)
	}
	return out
}

// Depth snapshots one symbol's visible book.
func (e *Engine) Depth(symbol string, levels int) (book.DepthSnapshot, error) {
	e.mu.RLock()
	se, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return book.DepthSnapshot{}, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("unknown symbol"), errs.WithField("symbol", symbol))
	}
	return se.book.Depth(levels), nil
}

// Statistics summarises one symbol's book shape.
func (e *Engine) Statistics(symbol string) (book.Stats, error) {
	e.mu.RLock()
	se, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return book.Stats{}, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("unknown symbol"), errs.WithField("symbol", symbol))
	}
	return se.book.Statistics(), nil
}

// SimulateImpact estimates execution of a hypothetical market order.
func (e *Engine) SimulateImpact(symbol string, side schema.Side, qty decimal.Decimal) (book.Impact, error) {
	e.mu.RLock()
	se, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return book.Impact{}, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("unknown symbol"), errs.WithField("symbol", symbol))
	}
	return se.book.SimulateMarketImpact(side, qty), nil
}

// StopAll drains every symbol loop. Submissions after StopAll panic, so
// callers stop producers first.
func (e *Engine) StopAll(ctx context.Context) error {
	e.mu.Lock()
	symbols := e.symbols
	e.symbols = make(map[string]*symbolEngine)
	e.mu.Unlock()

	for _, se := range symbols {
		close(se.requests)
	}
	for _, se := range symbols {
		select {
		case <-se.stopped:
		case <-ctx.Done():
			return errs.New(Component, errs.CodeUnavailable,
				errs.WithMessage("matching drain timed out"), errs.WithCause(ctx.Err()))
		}
	}
	return nil
}
