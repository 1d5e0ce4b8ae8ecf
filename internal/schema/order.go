package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies the taker direction of an order.
type Side string

const (
	// SideBuy bids for the base asset.
	SideBuy Side = "buy"
	// SideSell offers the base asset.
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates supported order flavours.
type OrderType string

const (
	// OrderTypeMarket crosses immediately at best available prices.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit rests at its limit price when not immediately crossable.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeStop converts to a market order when the stop price is reached.
	OrderTypeStop OrderType = "stop"
	// OrderTypeStopLimit converts to a limit order when the stop price is reached.
	OrderTypeStopLimit OrderType = "stop_limit"
	// OrderTypeTakeProfit converts to a market order when the target is reached.
	OrderTypeTakeProfit OrderType = "take_profit"
	// OrderTypeTrailingStop trails the mark by a callback rate or offset.
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// Triggerable reports whether the order parks in the trigger monitor
// instead of routing straight to matching.
func (t OrderType) Triggerable() bool {
	switch t {
	case OrderTypeStop, OrderTypeStopLimit, OrderTypeTakeProfit, OrderTypeTrailingStop:
		return true
	default:
		return false
	}
}

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	// OrderStatusPending is persisted but not yet admitted (or armed on a trigger).
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusOpen rests in the book.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusPartiallyFilled rests with some executed quantity.
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	// OrderStatusFilled is fully executed.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusCancelled was withdrawn before completion.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRejected failed admission.
	OrderStatusRejected OrderStatus = "rejected"
)

// Terminal reports whether no further fills can occur.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// TimeInForce enumerates admission policies for limit orders.
type TimeInForce string

const (
	// TIFGoodTillCancel rests until filled or cancelled.
	TIFGoodTillCancel TimeInForce = "GTC"
	// TIFImmediateOrCancel fills what it can and cancels the remainder.
	TIFImmediateOrCancel TimeInForce = "IOC"
	// TIFFillOrKill rejects entirely unless fully fillable on admit.
	TIFFillOrKill TimeInForce = "FOK"
	// TIFPostOnly rejects if any part would cross.
	TIFPostOnly TimeInForce = "PostOnly"
)

// MarginMode selects the collateral pool for a leveraged order or position.
type MarginMode string

const (
	// MarginCross shares the account's free equity.
	MarginCross MarginMode = "cross"
	// MarginIsolated earmarks dedicated margin.
	MarginIsolated MarginMode = "isolated"
)

// OrderFlags carries boolean order options.
type OrderFlags struct {
	Hidden     bool `json:"hidden"`
	ReduceOnly bool `json:"reduceOnly"`
	PostOnly   bool `json:"postOnly"`
}

// TrailingState tracks a trailing stop between trigger cycles.
type TrailingState struct {
	ActivationPrice decimal.Decimal `json:"activationPrice"`
	CallbackRate    decimal.Decimal `json:"callbackRate"`
	AbsOffset       decimal.Decimal `json:"absOffset"`
	HighWaterMark   decimal.Decimal `json:"highWaterMark"`
	Armed           bool            `json:"armed"`
}

// Order is the canonical user order record, owned by the order controller.
type Order struct {
	OrderID          string          `json:"orderId"`
	UserID           string          `json:"userId"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Type             OrderType       `json:"type"`
	Price            decimal.Decimal `json:"price"`
	StopPrice        decimal.Decimal `json:"stopPrice"`
	Quantity         decimal.Decimal `json:"quantity"`
	Filled           decimal.Decimal `json:"filled"`
	Remaining        decimal.Decimal `json:"remaining"`
	AverageFillPrice decimal.Decimal `json:"averageFillPrice"`
	Fees             decimal.Decimal `json:"fees"`
	Status           OrderStatus     `json:"status"`
	TimeInForce      TimeInForce     `json:"timeInForce"`
	Flags            OrderFlags      `json:"flags"`
	OCOLinkedID      string          `json:"ocoLinkedId,omitempty"`
	Trailing         *TrailingState  `json:"trailingState,omitempty"`
	Leverage         decimal.Decimal `json:"leverage"`
	MarginMode       MarginMode      `json:"marginMode,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	TriggeredAt      *time.Time      `json:"triggeredAt,omitempty"`
}

// Leveraged reports whether the order opens or adjusts a leveraged position.
func (o *Order) Leveraged() bool {
	return o.Leverage.GreaterThan(decimal.NewFromInt(1))
}

// ApplyFill folds one execution into the order's aggregates.
// The caller owns status transitions driven by the new remaining quantity.
func (o *Order) ApplyFill(price, qty, fee decimal.Decimal, ts time.Time) {
	notionalBefore := o.AverageFillPrice.Mul(o.Filled)
	o.Filled = o.Filled.Add(qty)
	o.Remaining = o.Remaining.Sub(qty)
	if o.Filled.IsPositive() {
		o.AverageFillPrice = notionalBefore.Add(price.Mul(qty)).Div(o.Filled)
	}
	o.Fees = o.Fees.Add(fee)
	o.UpdatedAt = ts
	if o.Remaining.IsZero() {
		o.Status = OrderStatusFilled
	} else if o.Filled.IsPositive() {
		o.Status = OrderStatusPartiallyFilled
	}
}

// Fill records one execution against an order, append-only.
type Fill struct {
	FillID         string          `json:"fillId"`
	OrderID        string          `json:"orderId"`
	CounterOrderID string          `json:"counterOrderId"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Fee            decimal.Decimal `json:"fee"`
	FeeAsset       string          `json:"feeAsset"`
	IsMaker        bool            `json:"isMaker"`
	Ts             time.Time       `json:"ts"`
}

// Trade records one match between two orders.
type Trade struct {
	TradeID      string          `json:"tradeId"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	BuyOrderID   string          `json:"buyOrderId"`
	SellOrderID  string          `json:"sellOrderId"`
	IsBuyerMaker bool            `json:"isBuyerMaker"`
	Ts           time.Time       `json:"ts"`
}
