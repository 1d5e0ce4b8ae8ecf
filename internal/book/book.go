// Package book maintains per-symbol limit order books with price-time
// priority.
package book

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/schema"
)

// Component is the error source identifier for this package.
const Component = "book"

const btreeDegree = 32

// level is one price level holding resting orders in arrival order.
type level struct {
	price  decimal.Decimal
	orders []*schema.Order
	total  decimal.Decimal // remaining qty across all orders
}

func (l *level) visible() decimal.Decimal {
	qty := decimal.Zero
	for _, o := range l.orders {
		if o.Flags.Hidden {
			continue
		}
		qty = qty.Add(o.Remaining)
	}
	return qty
}

// PriceLevel is one row of a depth snapshot.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Qty    decimal.Decimal `json:"qty"`
	Orders int             `json:"orders"`
}

// DepthSnapshot is the externally visible book state. Hidden orders are
// excluded.
type DepthSnapshot struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
	Ts     time.Time    `json:"ts"`
}

// Stats summarises book shape for risk and diagnostics.
type Stats struct {
	BidLevels int
	AskLevels int
	BidOrders int
	AskOrders int
	BidVolume decimal.Decimal
	AskVolume decimal.Decimal
	Spread    decimal.Decimal
	Mid       decimal.Decimal
}

// Impact is the result of a simulated market order walk.
type Impact struct {
	FilledQty   decimal.Decimal
	AvgPrice    decimal.Decimal
	WorstPrice  decimal.Decimal
	FullyFilled bool
}

type orderRef struct {
	side  schema.Side
	price decimal.Decimal
}

// Book is one symbol's order book. Safe for concurrent use; the matching
// engine is the only writer, snapshots may be taken from other goroutines.
type Book struct {
	symbol string

	mu   sync.RWMutex
	bids *btree.BTreeG[*level] // descending price
	asks *btree.BTreeG[*level] // ascending price
	refs map[string]orderRef   // order id -> side/price
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids: btree.NewG(btreeDegree, func(a, b *level) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewG(btreeDegree, func(a, b *level) bool {
			return a.price.LessThan(b.price)
		}),
		refs: make(map[string]orderRef),
	}
}

// Symbol returns the symbol the book serves.
func (b *Book) Symbol() string { return b.symbol }

func (b *Book) tree(side schema.Side) *btree.BTreeG[*level] {
	if side == schema.SideBuy {
		return b.bids
	}
	return b.asks
}

// Add rests an order at its limit price. Duplicate ids are rejected.
func (b *Book) Add(order *schema.Order) error {
	if !order.Remaining.IsPositive() {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("order has no remaining quantity"),
			errs.WithField("orderId", order.OrderID))
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.refs[order.OrderID]; exists {
		return errs.New(Component, errs.CodeConflict,
			errs.WithMessage("order already resting"),
			errs.WithField("orderId", order.OrderID))
	}

	tree := b.tree(order.Side)
	probe := &level{price: order.Price}
	lvl, ok := tree.Get(probe)
	if !ok {
		lvl = &level{price: order.Price}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.orders = append(lvl.orders, order)
	lvl.total = lvl.total.Add(order.Remaining)
	b.refs[order.OrderID] = orderRef{side: order.Side, price: order.Price}
	return nil
}

// Remove takes an order off the book. Returns false when the id is unknown.
func (b *Book) Remove(orderID string) (*schema.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID string) (*schema.Order, bool) {
	ref, ok := b.refs[orderID]
	if !ok {
		return nil, false
	}
	tree := b.tree(ref.side)
	lvl, ok := tree.Get(&level{price: ref.price})
	if !ok {
		delete(b.refs, orderID)
		return nil, false
	}
	for i, o := range lvl.orders {
		if o.OrderID != orderID {
			continue
		}
		lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
		lvl.total = lvl.total.Sub(o.Remaining)
		if len(lvl.orders) == 0 {
			tree.Delete(lvl)
		}
		delete(b.refs, orderID)
		return o, true
	}
	delete(b.refs, orderID)
	return nil, false
}

// Reduce decrements an order's remaining quantity in place, keeping its
// queue position; the order is removed once fully consumed.
func (b *Book) Reduce(orderID string, qty decimal.Decimal) (*schema.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.refs[orderID]
	if !ok {
		return nil, false
	}
	lvl, ok := b.tree(ref.side).Get(&level{price: ref.price})
	if !ok {
		return nil, false
	}
	for _, o := range lvl.orders {
		if o.OrderID != orderID {
			continue
		}
		if qty.GreaterThanOrEqual(o.Remaining) {
			return b.removeLocked(orderID)
		}
		o.Remaining = o.Remaining.Sub(qty)
		o.Filled = o.Filled.Add(qty)
		lvl.total = lvl.total.Sub(qty)
		return o, true
	}
	return nil, false
}

// Modify replaces price and/or quantity. A price change or a quantity
// increase loses time priority; a pure decrease keeps it.
func (b *Book) Modify(orderID string, price, qty decimal.Decimal) (*schema.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.refs[orderID]
	if !ok {
		return nil, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("order not resting"),
			errs.WithField("orderId", orderID))
	}
	if !qty.IsPositive() {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("modified quantity must be positive"),
			errs.WithField("orderId", orderID))
	}

	samePrice := price.Equal(ref.price)
	lvl, _ := b.tree(ref.side).Get(&level{price: ref.price})
	if samePrice && lvl != nil {
		for _, o := range lvl.orders {
			if o.OrderID != orderID {
				continue
			}
			if qty.LessThan(o.Remaining) {
				lvl.total = lvl.total.Sub(o.Remaining.Sub(qty))
				o.Quantity = o.Filled.Add(qty)
				o.Remaining = qty
				return o, nil
			}
			break
		}
	}

	order, ok := b.removeLocked(orderID)
	if !ok {
		return nil, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("order not resting"),
			errs.WithField("orderId", orderID))
	}
	order.Price = price
	order.Quantity = order.Filled.Add(qty)
	order.Remaining = qty
	if err := b.addLocked(order); err != nil {
		return nil, err
	}
	return order, nil
}

func (b *Book) addLocked(order *schema.Order) error {
	tree := b.tree(order.Side)
	lvl, ok := tree.Get(&level{price: order.Price})
	if !ok {
		lvl = &level{price: order.Price}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.orders = append(lvl.orders, order)
	lvl.total = lvl.total.Add(order.Remaining)
	b.refs[order.OrderID] = orderRef{side: order.Side, price: order.Price}
	return nil
}

// BestBid returns the highest bid price and its total resting quantity.
func (b *Book) BestBid() (decimal.Decimal, decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lvl, ok := b.bids.Min(); ok {
		return lvl.price, lvl.total, true
	}
	return decimal.Zero, decimal.Zero, false
}

// BestAsk returns the lowest ask price and its total resting quantity.
func (b *Book) BestAsk() (decimal.Decimal, decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lvl, ok := b.asks.Min(); ok {
		return lvl.price, lvl.total, true
	}
	return decimal.Zero, decimal.Zero, false
}

// Front returns the order at the head of the best level on side.
func (b *Book) Front(side schema.Side) (*schema.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lvl, ok := b.tree(side).Min(); ok && len(lvl.orders) > 0 {
		return lvl.orders[0], true
	}
	return nil, false
}

// Consume accounts an execution the caller already applied to the resting
// order, adjusting level totals and evicting the order once empty.
func (b *Book) Consume(orderID string, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.refs[orderID]
	if !ok {
		return
	}
	lvl, ok := b.tree(ref.side).Get(&level{price: ref.price})
	if !ok {
		return
	}
	lvl.total = lvl.total.Sub(qty)
	for i, o := range lvl.orders {
		if o.OrderID != orderID {
			continue
		}
		if !o.Remaining.IsPositive() {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			delete(b.refs, orderID)
			if len(lvl.orders) == 0 {
				b.tree(ref.side).Delete(lvl)
			}
		}
		return
	}
}

// Walk visits resting orders on side in price-time priority until fn
// returns false. Callers must not mutate the book inside fn.
func (b *Book) Walk(side schema.Side, fn func(*schema.Order) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.tree(side).Ascend(func(lvl *level) bool {
		for _, o := range lvl.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	})
}

// Depth returns up to maxLevels visible levels per side. Levels holding
// only hidden quantity are skipped.
func (b *Book) Depth(maxLevels int) DepthSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := DepthSnapshot{Symbol: b.symbol, Ts: time.Now()}
	collect := func(tree *btree.BTreeG[*level]) []PriceLevel {
		out := make([]PriceLevel, 0, maxLevels)
		tree.Ascend(func(lvl *level) bool {
			visible := lvl.visible()
			if !visible.IsPositive() {
				return true
			}
			count := 0
			for _, o := range lvl.orders {
				if !o.Flags.Hidden {
					count++
				}
			}
			out = append(out, PriceLevel{Price: lvl.price, Qty: visible, Orders: count})
			return len(out) < maxLevels
		})
		return out
	}
	snap.Bids = collect(b.bids)
	snap.Asks = collect(b.asks)
	return snap
}

// SimulateMarketImpact walks the opposite side as a market order of qty
// would, including hidden liquidity, without mutating the book.
func (b *Book) SimulateMarketImpact(side schema.Side, qty decimal.Decimal) Impact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	impact := Impact{}
	if !qty.IsPositive() {
		return impact
	}
	remaining := qty
	notional := decimal.Zero
	b.tree(side.Opposite()).Ascend(func(lvl *level) bool {
		take := decimal.Min(remaining, lvl.total)
		notional = notional.Add(take.Mul(lvl.price))
		remaining = remaining.Sub(take)
		impact.WorstPrice = lvl.price
		return remaining.IsPositive()
	})
	impact.FilledQty = qty.Sub(remaining)
	if impact.FilledQty.IsPositive() {
		impact.AvgPrice = notional.Div(impact.FilledQty)
	}
	impact.FullyFilled = !remaining.IsPositive()
	return impact
}

// Clear empties the book, returning every removed order.
func (b *Book) Clear() []*schema.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := make([]*schema.Order, 0, len(b.refs))
	for _, tree := range []*btree.BTreeG[*level]{b.bids, b.asks} {
		tree.Ascend(func(lvl *level) bool {
			removed = append(removed, lvl.orders...)
			return true
		})
		tree.Clear(false)
	}
	b.refs = make(map[string]orderRef)
	return removed
}

// Orders returns every resting order id. Used by cancel-all paths.
func (b *Book) Orders() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.refs))
	for id := range b.refs {
		ids = append(ids, id)
	}
	return ids
}

// Statistics summarises the current book shape.
func (b *Book) Statistics() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{}
	b.bids.Ascend(func(lvl *level) bool {
		stats.BidLevels++
		stats.BidOrders += len(lvl.orders)
		stats.BidVolume = stats.BidVolume.Add(lvl.total)
		return true
	})
	b.asks.Ascend(func(lvl *level) bool {
		stats.AskLevels++
		stats.AskOrders += len(lvl.orders)
		stats.AskVolume = stats.AskVolume.Add(lvl.total)
		return true
	})
	bestBid, hasBid := b.bids.Min()
	bestAsk, hasAsk := b.asks.Min()
	if hasBid && hasAsk {
		stats.Spread = bestAsk.price.Sub(bestBid.price)
		stats.Mid = bestBid.price.Add(bestAsk.price).Div(decimal.NewFromInt(2))
	}
	return stats
}
