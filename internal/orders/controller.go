// Package orders is the single entry point for user order intent. Every
// placement runs as one unit of work: validate, reserve, persist, route,
// settle, with a compensating undo on any failure.
package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/margin"
	"github.com/helixtrade/helix/internal/matching"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
	"github.com/helixtrade/helix/internal/wallet"
)

// Component is the error source identifier for this package.
const Component = "orders"

// Registry resolves tradable symbol metadata.
type Registry interface {
	Get(symbol string) (schema.Symbol, error)
}

// Matcher is the matching engine surface the controller drives.
type Matcher interface {
	Submit(ctx context.Context, order *schema.Order) (*matching.Result, error)
	Cancel(ctx context.Context, symbol, orderID string) (*schema.Order, bool, error)
	Modify(ctx context.Context, symbol, orderID string, price, qty decimal.Decimal) (*schema.Order, error)
}

// Trigger is the conditional-order surface the controller routes to.
type Trigger interface {
	Arm(order *schema.Order) error
	ArmTrailing(order *schema.Order) error
	Disarm(orderID string) bool
}

// Positions folds leveraged fills into the position book.
type Positions interface {
	ApplyFill(userID, symbol string, side schema.Side, qty, price, fee, leverage decimal.Decimal, mode schema.MarginMode) (*schema.Position, error)
}

// Quotes supplies current prices for market-order reservations.
type Quotes interface {
	Mark(symbol string) (decimal.Decimal, bool)
	BestQuote(symbol string) (bid, ask decimal.Decimal, ok bool)
}

// Broadcaster receives order lifecycle events.
type Broadcaster interface {
	Broadcast(event schema.Event)
}

// Journal persists order flow; implementations may be nil-safe no-ops.
type Journal interface {
	SaveOrder(ctx context.Context, order *schema.Order) error
	SaveFill(ctx context.Context, fill *schema.Fill) error
	SaveTrade(ctx context.Context, trade *schema.Trade) error
}

// PlaceRequest carries user order intent into the controller.
type PlaceRequest struct {
	UserID      string
	Symbol      string
	Side        schema.Side
	Type        schema.OrderType
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	Quantity    decimal.Decimal
	TimeInForce schema.TimeInForce
	Flags       schema.OrderFlags
	Leverage    decimal.Decimal
	MarginMode  schema.MarginMode
	Trailing    *schema.TrailingState
}

type reservation struct {
	asset  string
	amount decimal.Decimal
}

// Controller coordinates the order lifecycle across wallet, matching,
// triggers, and positions.
type Controller struct {
	cfg       config.TradingSettings
	registry  Registry
	matcher   Matcher
	triggers  Trigger
	positions Positions
	wallets   *wallet.Store
	quotes    Quotes
	calc      *margin.Calculator
	sink      Broadcaster
	journal   Journal

	mu           sync.RWMutex
	orders       map[string]*schema.Order
	reservations map[string]*reservation
}

// NewController wires the order controller. journal may be nil.
func NewController(cfg config.TradingSettings, registry Registry, matcher Matcher, triggers Trigger, positions Positions, wallets *wallet.Store, quotes Quotes, calc *margin.Calculator, sink Broadcaster, journal Journal) *Controller {
	return &Controller{
		cfg:          cfg,
		registry:     registry,
		matcher:      matcher,
		triggers:     triggers,
		positions:    positions,
		wallets:      wallets,
		quotes:       quotes,
		calc:         calc,
		sink:         sink,
		journal:      journal,
		orders:       make(map[string]*schema.Order),
		reservations: make(map[string]*reservation),
	}
}

// Place validates, reserves, persists, and routes one order.
func (c *Controller) Place(ctx context.Context, req PlaceRequest) (*schema.Order, error) {
	order, err := c.place(ctx, req, "")
	if err != nil {
		c.reject(req, err)
		return nil, err
	}
	return order, nil
}

// PlaceOCO places two linked legs; cancelling or filling either cascades to
// the sibling. The first leg failing aborts both; the second leg failing
// rolls the first back.
func (c *Controller) PlaceOCO(ctx context.Context, first, second PlaceRequest) (*schema.Order, *schema.Order, error) {
	a, err := c.place(ctx, first, "")
	if err != nil {
		c.reject(first, err)
		return nil, nil, err
	}
	b, err := c.place(ctx, second, a.OrderID)
	if err != nil {
		_, _ = c.Cancel(ctx, a.UserID, a.OrderID)
		c.reject(second, err)
		return nil, nil, err
	}
	c.mu.Lock()
	if live, ok := c.orders[a.OrderID]; ok {
		live.OCOLinkedID = b.OrderID
	}
	c.mu.Unlock()
	a.OCOLinkedID = b.OrderID
	return a, b, nil
}

func (c *Controller) place(ctx context.Context, req PlaceRequest, ocoLinked string) (*schema.Order, error) {
	sym, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	order := c.build(req, ocoLinked)

	res, err := c.reserve(order, sym)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.orders[order.OrderID] = order
	if res != nil {
		c.reservations[order.OrderID] = res
	}
	c.mu.Unlock()
	c.persistOrder(ctx, order)

	if err := c.route(ctx, order); err != nil {
		// abort: undo reservation and drop the order
		c.releaseReservation(order)
		c.mu.Lock()
		delete(c.orders, order.OrderID)
		c.mu.Unlock()
		return nil, err
	}
	return c.snapshot(order.OrderID), nil
}

func (c *Controller) validate(req PlaceRequest) (schema.Symbol, error) {
	sym, err := c.registry.Get(req.Symbol)
	if err != nil {
		return schema.Symbol{}, err
	}
	if !sym.Enabled {
		return schema.Symbol{}, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("symbol not tradable"),
			errs.WithField("symbol", req.Symbol))
	}
	if !req.Quantity.IsPositive() {
		return schema.Symbol{}, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("quantity must be positive"))
	}
	if sym.StepSize.IsPositive() && !req.Quantity.Mod(sym.StepSize).IsZero() {
		return schema.Symbol{}, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("quantity off step size"),
			errs.WithField("stepSize", sym.StepSize.String()))
	}
	needsPrice := req.Type == schema.OrderTypeLimit || req.Type == schema.OrderTypeStopLimit
	if needsPrice {
		if !req.Price.IsPositive() {
			return schema.Symbol{}, errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("price must be positive"))
		}
		if sym.TickSize.IsPositive() && !req.Price.Mod(sym.TickSize).IsZero() {
			return schema.Symbol{}, errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("price off tick size"),
				errs.WithField("tickSize", sym.TickSize.String()))
		}
		if sym.MinNotional.IsPositive() && req.Price.Mul(req.Quantity).LessThan(sym.MinNotional) {
			return schema.Symbol{}, errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("notional below minimum"),
				errs.WithField("minNotional", sym.MinNotional.String()))
		}
	}
	if req.Leverage.GreaterThan(decimal.NewFromInt(1)) {
		notional := req.Price.Mul(req.Quantity)
		if notional.IsZero() {
			if mark, ok := c.quotes.Mark(req.Symbol); ok {
				notional = mark.Mul(req.Quantity)
			}
		}
		if maxLev := c.calc.MaxLeverage(req.Symbol, notional); req.Leverage.GreaterThan(maxLev) {
			return schema.Symbol{}, errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("leverage above tier cap"),
				errs.WithField("maxLeverage", maxLev.String()))
		}
	}
	if req.Type == schema.OrderTypeTrailingStop {
		if req.Trailing == nil ||
			(!req.Trailing.CallbackRate.IsPositive() && !req.Trailing.AbsOffset.IsPositive()) {
			return schema.Symbol{}, errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("trailing stop needs a callback rate or offset"))
		}
	} else if req.Type.Triggerable() && !req.StopPrice.IsPositive() {
		return schema.Symbol{}, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("stop price required"))
	}
	return sym, nil
}

func (c *Controller) build(req PlaceRequest, ocoLinked string) *schema.Order {
	now := time.Now()
	leverage := req.Leverage
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = schema.TIFGoodTillCancel
	}
	if req.Flags.PostOnly {
		tif = schema.TIFPostOnly
	}
	return &schema.Order{
		OrderID:     uuid.NewString(),
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		Quantity:    req.Quantity,
		Remaining:   req.Quantity,
		Status:      schema.OrderStatusPending,
		TimeInForce: tif,
		Flags:       req.Flags,
		OCOLinkedID: ocoLinked,
		Trailing:    req.Trailing,
		Leverage:    leverage,
		MarginMode:  req.MarginMode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// reserve locks the funds backing the order: quote for buys, base for
// sells, and the leverage-scaled initial margin for leveraged orders.
func (c *Controller) reserve(order *schema.Order, sym schema.Symbol) (*reservation, error) {
	var res reservation
	if order.Leveraged() || order.Side == schema.SideBuy {
		price, err := c.referencePrice(order)
		if err != nil {
			return nil, err
		}
		required := price.Mul(order.Quantity).Mul(decimal.NewFromInt(1).Add(c.cfg.TakerFee))
		if order.Leveraged() {
			required = required.Div(order.Leverage)
		}
		res = reservation{asset: sym.Quote, amount: required}
	} else {
		res = reservation{asset: sym.Base, amount: order.Quantity}
	}

	balances, err := c.wallets.Update(order.UserID, func(tx *wallet.Tx) error {
		return tx.Reserve(res.asset, res.amount)
	})
	if err != nil {
		return nil, err
	}
	c.broadcastWallet(order.UserID, balances)
	return &res, nil
}

// referencePrice picks the price a quote-side reservation is sized with:
// the limit price, else the stop price, else the touch on the side the
// order will execute against, else the current mark. Sizing a market buy
// from the ask keeps the reservation ahead of the execution price.
func (c *Controller) referencePrice(order *schema.Order) (decimal.Decimal, error) {
	if order.Price.IsPositive() {
		return order.Price, nil
	}
	if order.StopPrice.IsPositive() {
		return order.StopPrice, nil
	}
	if bid, ask, ok := c.quotes.BestQuote(order.Symbol); ok {
		if order.Side == schema.SideBuy && ask.IsPositive() {
			return ask, nil
		}
		if order.Side == schema.SideSell && bid.IsPositive() {
			return bid, nil
		}
	}
	if mark, ok := c.quotes.Mark(order.Symbol); ok {
		return mark, nil
	}
	return decimal.Zero, errs.New(Component, errs.CodeUnavailable,
		errs.WithMessage("no reference price for market order"),
		errs.WithField("symbol", order.Symbol))
}

func (c *Controller) route(ctx context.Context, order *schema.Order) error {
	switch {
	case order.Type == schema.OrderTypeTrailingStop:
		if err := c.triggers.ArmTrailing(order); err != nil {
			return err
		}
		c.broadcastOrder(order)
		return nil
	case order.Type.Triggerable():
		if err := c.triggers.Arm(order); err != nil {
			return err
		}
		c.broadcastOrder(order)
		return nil
	default:
		return c.submit(ctx, order)
	}
}

func (c *Controller) submit(ctx context.Context, order *schema.Order) error {
	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()
	result, err := c.matcher.Submit(subCtx, order)
	if err != nil {
		return err
	}
	c.applyResult(ctx, result)
	return nil
}

// applyResult settles every execution of a match and finalises order state.
func (c *Controller) applyResult(ctx context.Context, result *matching.Result) {
	for _, cancelled := range result.SelfTradeCancelled {
		c.finalise(ctx, cancelled)
	}
	taker := result.Order
	var takerErr error
	for i := range result.Executions {
		exec := &result.Executions[i]
		if takerErr == nil {
			takerErr = c.settleFill(ctx, taker, &exec.TakerFill)
		}
		c.settleMaker(ctx, exec)
	}
	if takerErr != nil {
		c.abortSettlement(ctx, taker, takerErr)
		return
	}
	if taker.Status.Terminal() {
		c.finalise(ctx, taker)
	} else {
		c.persistOrder(ctx, taker)
		c.broadcastOrder(taker)
	}
}

// settleMaker settles the resting side of one execution and publishes the
// trade record.
func (c *Controller) settleMaker(ctx context.Context, exec *matching.Execution) {
	if err := c.settleFill(ctx, exec.Maker, &exec.MakerFill); err != nil {
		c.abortSettlement(ctx, exec.Maker, err)
	} else if exec.Maker.Status.Terminal() {
		c.finalise(ctx, exec.Maker)
	} else {
		c.persistOrder(ctx, exec.Maker)
		c.broadcastOrder(exec.Maker)
	}

	if c.journal != nil {
		if err := c.journal.SaveTrade(ctx, &exec.Trade); err != nil {
			observability.Log().Warn("trade persist failed", observability.Err(err))
		}
	}
	c.sink.Broadcast(schema.Event{
		Type:    schema.EventTrade,
		Symbol:  exec.Trade.Symbol,
		Ts:      exec.Trade.Ts,
		Payload: exec.Trade,
	})
}

// abortSettlement handles a wallet failure while settling a fill. The match
// has already mutated the book, so the order is rejected loudly and its
// remaining reservation released instead of leaving the wallet half moved.
func (c *Controller) abortSettlement(ctx context.Context, order *schema.Order, err error) {
	observability.Log().Error("fill settlement aborted",
		observability.String("orderId", order.OrderID), observability.Err(err))
	observability.Telemetry().IncCounter("orders.settlement_aborted", 1,
		map[string]string{"symbol": order.Symbol})
	order.Status = schema.OrderStatusRejected
	order.UpdatedAt = time.Now()
	c.finalise(ctx, order)
	c.sink.Broadcast(schema.Event{
		Type:   schema.EventOrderRejected,
		Symbol: order.Symbol,
		UserID: order.UserID,
		Ts:     time.Now(),
		Payload: schema.Rejection{
			Kind:    string(errs.CodeOf(err)),
			Message: err.Error(),
		},
	})
}

func (c *Controller) settleFill(ctx context.Context, order *schema.Order, fill *schema.Fill) error {
	sym, err := c.registry.Get(order.Symbol)
	if err != nil {
		return err
	}
	c.mu.Lock()
	res := c.reservations[order.OrderID]
	c.mu.Unlock()

	cost := fill.Price.Mul(fill.Quantity)
	var balances []schema.Balance
	if order.Leveraged() {
		// the order-time margin reservation hands over to the position's own
		spend := decimal.Zero
		if res != nil {
			share := fill.Quantity.Div(order.Quantity)
			spend = decimal.Min(res.amount.Mul(share), res.amount)
		}
		balances, err = c.wallets.Update(order.UserID, func(tx *wallet.Tx) error {
			if res != nil && spend.IsPositive() {
				tx.Release(res.asset, spend)
			}
			return nil
		})
		if err == nil {
			c.consumeReservation(order.OrderID, spend)
			if _, perr := c.positions.ApplyFill(order.UserID, order.Symbol, order.Side,
				fill.Quantity, fill.Price, fill.Fee, order.Leverage, order.MarginMode); perr != nil {
				observability.Log().Error("position apply failed",
					observability.String("orderId", order.OrderID), observability.Err(perr))
			}
		}
	} else if order.Side == schema.SideBuy {
		spend := cost.Add(fill.Fee)
		balances, err = c.wallets.Update(order.UserID, func(tx *wallet.Tx) error {
			if res != nil && spend.GreaterThan(res.amount) {
				// executed above the reserved reference price: lock the
				// shortfall from available funds before consuming
				if rerr := tx.Reserve(res.asset, spend.Sub(res.amount)); rerr != nil {
					return rerr
				}
			}
			if serr := tx.Spend(sym.Quote, spend); serr != nil {
				return serr
			}
			tx.Credit(sym.Base, fill.Quantity)
			return nil
		})
		if err == nil {
			c.consumeReservation(order.OrderID, spend)
		}
	} else {
		balances, err = c.wallets.Update(order.UserID, func(tx *wallet.Tx) error {
			if serr := tx.Spend(sym.Base, fill.Quantity); serr != nil {
				return serr
			}
			tx.Credit(sym.Quote, cost.Sub(fill.Fee))
			return nil
		})
		if err == nil {
			c.consumeReservation(order.OrderID, fill.Quantity)
		}
	}
	if err != nil {
		return err
	}
	c.broadcastWallet(order.UserID, balances)
	if c.journal != nil {
		if jerr := c.journal.SaveFill(ctx, fill); jerr != nil {
			observability.Log().Warn("fill persist failed", observability.Err(jerr))
		}
	}
	return nil
}

func (c *Controller) consumeReservation(orderID string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.reservations[orderID]
	if !ok {
		return
	}
	res.amount = res.amount.Sub(amount)
	if !res.amount.IsPositive() {
		delete(c.reservations, orderID)
	}
}

// finalise releases any leftover reservation of a terminal order and emits
// its last update.
func (c *Controller) finalise(ctx context.Context, order *schema.Order) {
	c.releaseReservation(order)
	c.persistOrder(ctx, order)
	c.broadcastOrder(order)
	c.cascadeOCO(ctx, order)
}

func (c *Controller) releaseReservation(order *schema.Order) {
	c.mu.Lock()
	res, ok := c.reservations[order.OrderID]
	if ok {
		delete(c.reservations, order.OrderID)
	}
	c.mu.Unlock()
	if !ok || !res.amount.IsPositive() {
		return
	}
	balances, err := c.wallets.Update(order.UserID, func(tx *wallet.Tx) error {
		tx.Release(res.asset, res.amount)
		return nil
	})
	if err != nil {
		observability.Log().Error("reservation release failed",
			observability.String("orderId", order.OrderID), observability.Err(err))
		return
	}
	c.broadcastWallet(order.UserID, balances)
}

// cascadeOCO cancels the linked sibling once an order reaches a terminal
// state through fill or cancellation.
func (c *Controller) cascadeOCO(ctx context.Context, order *schema.Order) {
	if order.OCOLinkedID == "" {
		return
	}
	sibling := c.snapshot(order.OCOLinkedID)
	if sibling == nil || sibling.Status.Terminal() {
		return
	}
	if _, err := c.Cancel(ctx, sibling.UserID, sibling.OrderID); err != nil {
		observability.Log().Warn("oco cascade cancel failed",
			observability.String("orderId", sibling.OrderID), observability.Err(err))
	}
}

// Cancel withdraws an order wherever it currently lives. Repeated cancels
// return not-found.
func (c *Controller) Cancel(ctx context.Context, userID, orderID string) (*schema.Order, error) {
	c.mu.Lock()
	order, ok := c.orders[orderID]
	if !ok || order.UserID != userID {
		c.mu.Unlock()
		return nil, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithField("orderId", orderID))
	}
	if order.Status.Terminal() {
		c.mu.Unlock()
		return nil, errs.New(Component, errs.CodeConflict,
			errs.WithMessage("order already terminal"),
			errs.WithField("orderId", orderID),
			errs.WithField("status", string(order.Status)))
	}
	c.mu.Unlock()

	if order.Type.Triggerable() && c.triggers.Disarm(orderID) {
		order.Status = schema.OrderStatusCancelled
		order.UpdatedAt = time.Now()
		c.finalise(ctx, order)
		return c.snapshot(orderID), nil
	}

	cancelled, found, err := c.matcher.Cancel(ctx, order.Symbol, orderID)
	if err != nil {
		return nil, err
	}
	if !found {
		// pending but never rested (e.g. between trigger fire and submit)
		order.Status = schema.OrderStatusCancelled
		order.UpdatedAt = time.Now()
		c.finalise(ctx, order)
		return c.snapshot(orderID), nil
	}
	c.finalise(ctx, cancelled)
	return c.snapshot(orderID), nil
}

// Modify amends price/quantity of an open or pending order. Quantity below
// the filled amount is rejected.
func (c *Controller) Modify(ctx context.Context, userID, orderID string, price, qty decimal.Decimal) (*schema.Order, error) {
	c.mu.Lock()
	order, ok := c.orders[orderID]
	c.mu.Unlock()
	if !ok || order.UserID != userID {
		return nil, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithField("orderId", orderID))
	}
	switch order.Status {
	case schema.OrderStatusOpen, schema.OrderStatusPending, schema.OrderStatusPartiallyFilled:
	default:
		return nil, errs.New(Component, errs.CodeConflict,
			errs.WithMessage("order not modifiable"),
			errs.WithField("status", string(order.Status)))
	}
	if qty.LessThanOrEqual(order.Filled) {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("quantity below filled amount"),
			errs.WithField("filled", order.Filled.String()))
	}
	sym, err := c.registry.Get(order.Symbol)
	if err != nil {
		return nil, err
	}
	if sym.TickSize.IsPositive() && !price.Mod(sym.TickSize).IsZero() {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("price off tick size"))
	}
	if sym.StepSize.IsPositive() && !qty.Sub(order.Filled).Mod(sym.StepSize).IsZero() {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("quantity off step size"))
	}

	if order.Status == schema.OrderStatusPending && order.Type.Triggerable() {
		// armed orders amend in place; the trigger monitor reads the order
		order.Price = price
		order.Quantity = qty
		order.Remaining = qty.Sub(order.Filled)
		order.UpdatedAt = time.Now()
		c.adjustReservation(order, sym, price, qty)
		c.persistOrder(ctx, order)
		c.broadcastOrder(order)
		return c.snapshot(orderID), nil
	}

	remaining := qty.Sub(order.Filled)
	modified, err := c.matcher.Modify(ctx, order.Symbol, orderID, price, remaining)
	if err != nil {
		return nil, err
	}
	c.adjustReservation(modified, sym, price, qty)
	c.persistOrder(ctx, modified)
	c.broadcastOrder(modified)
	return c.snapshot(orderID), nil
}

// adjustReservation retargets the locked funds to the modified terms.
func (c *Controller) adjustReservation(order *schema.Order, sym schema.Symbol, price, qty decimal.Decimal) {
	c.mu.Lock()
	res, ok := c.reservations[order.OrderID]
	c.mu.Unlock()
	if !ok {
		return
	}

	var required decimal.Decimal
	switch {
	case order.Leveraged():
		required = price.Mul(order.Remaining).
			Mul(decimal.NewFromInt(1).Add(c.cfg.TakerFee)).Div(order.Leverage)
	case order.Side == schema.SideBuy:
		required = price.Mul(order.Remaining).Mul(decimal.NewFromInt(1).Add(c.cfg.TakerFee))
	default:
		required = order.Remaining
	}
	delta := required.Sub(res.amount)
	if delta.IsZero() {
		return
	}
	balances, err := c.wallets.Update(order.UserID, func(tx *wallet.Tx) error {
		if delta.IsPositive() {
			return tx.Reserve(res.asset, delta)
		}
		tx.Release(res.asset, delta.Neg())
		return nil
	})
	if err != nil {
		observability.Log().Warn("reservation adjust failed",
			observability.String("orderId", order.OrderID), observability.Err(err))
		return
	}
	c.mu.Lock()
	res.amount = required
	c.mu.Unlock()
	c.broadcastWallet(order.UserID, balances)
}

// ForceReduce submits a liquidation-driven reduction to matching and settles
// its counterparties. The reducing side carries no wallet reservation: the
// margin backing the position is consumed by the position book, so only
// maker wallets, fills, and trades settle here.
func (c *Controller) ForceReduce(ctx context.Context, order *schema.Order) (*matching.Result, error) {
	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()
	result, err := c.matcher.Submit(subCtx, order)
	if err != nil {
		return nil, err
	}
	for _, cancelled := range result.SelfTradeCancelled {
		c.finalise(ctx, cancelled)
	}
	for i := range result.Executions {
		exec := &result.Executions[i]
		c.settleMaker(ctx, exec)
		if c.journal != nil {
			if jerr := c.journal.SaveFill(ctx, &exec.TakerFill); jerr != nil {
				observability.Log().Warn("fill persist failed", observability.Err(jerr))
			}
		}
	}
	c.persistOrder(ctx, order)
	c.broadcastOrder(order)
	return result, nil
}

// FireTriggered receives converted conditional orders from the trigger
// monitor and submits them to matching.
func (c *Controller) FireTriggered(ctx context.Context, order *schema.Order) {
	if err := c.submit(ctx, order); err != nil {
		observability.Log().Error("triggered order submit failed",
			observability.String("orderId", order.OrderID), observability.Err(err))
		order.Status = schema.OrderStatusRejected
		order.UpdatedAt = time.Now()
		c.finalise(ctx, order)
		return
	}
	c.cascadeOCO(ctx, order)
}

// Get returns a copy of one order.
func (c *Controller) Get(orderID string) (*schema.Order, bool) {
	o := c.snapshot(orderID)
	return o, o != nil
}

// ForUser lists a user's non-terminal orders.
func (c *Controller) ForUser(userID string) []*schema.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*schema.Order
	for _, o := range c.orders {
		if o.UserID == userID && !o.Status.Terminal() {
			copied := *o
			out = append(out, &copied)
		}
	}
	return out
}

// CancelAllFor cancels every live order matching the symbol/user filter;
// empty filter values match everything. Returns the number cancelled.
func (c *Controller) CancelAllFor(ctx context.Context, symbol, userID string) int {
	c.mu.RLock()
	var targets []*schema.Order
	for _, o := range c.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if userID != "" && o.UserID != userID {
			continue
		}
		targets = append(targets, o)
	}
	c.mu.RUnlock()

	count := 0
	for _, o := range targets {
		if _, err := c.Cancel(ctx, o.UserID, o.OrderID); err == nil {
			count++
		}
	}
	return count
}

func (c *Controller) snapshot(orderID string) *schema.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderID]
	if !ok {
		return nil
	}
	copied := *o
	return &copied
}

func (c *Controller) persistOrder(ctx context.Context, order *schema.Order) {
	if c.journal == nil {
		return
	}
	if err := c.journal.SaveOrder(ctx, order); err != nil {
		observability.Log().Warn("order persist failed",
			observability.String("orderId", order.OrderID), observability.Err(err))
	}
}

func (c *Controller) broadcastOrder(order *schema.Order) {
	copied := *order
	c.sink.Broadcast(schema.Event{
		Type:    schema.EventOrderUpdate,
		Symbol:  order.Symbol,
		UserID:  order.UserID,
		Ts:      time.Now(),
		Payload: &copied,
	})
}

func (c *Controller) broadcastWallet(userID string, balances []schema.Balance) {
	for _, bal := range balances {
		c.sink.Broadcast(schema.Event{
			Type:    schema.EventWalletUpdate,
			UserID:  userID,
			Ts:      time.Now(),
			Payload: bal,
		})
	}
}

func (c *Controller) reject(req PlaceRequest, err error) {
	observability.Telemetry().IncCounter("orders.rejected", 1,
		map[string]string{"symbol": req.Symbol})
	var ctxMap map[string]string
	var e *errs.E
	if errors.As(err, &e) {
		ctxMap = e.Context
	}
	// a rejection kind tagged by the producer wins over the raw error code
	kind := string(errs.CodeOf(err))
	if k, ok := ctxMap["kind"]; ok && k != "" {
		kind = k
	}
	c.sink.Broadcast(schema.Event{
		Type:   schema.EventOrderRejected,
		Symbol: req.Symbol,
		UserID: req.UserID,
		Ts:     time.Now(),
		Payload: schema.Rejection{
			Kind:    kind,
			Message: err.Error(),
			Context: ctxMap,
		},
	})
}
