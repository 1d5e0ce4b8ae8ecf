// Package position owns the leveraged position lifecycle: open, increase,
// reduce, close, margin adjustments, and the periodic mark refresh.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/margin"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
	"github.com/helixtrade/helix/internal/wallet"
)

// Component is the error source identifier for this package.
const Component = "position"

// CollateralAsset is the settlement currency for leveraged positions.
const CollateralAsset = "USDT"

// Broadcaster receives position lifecycle events.
type Broadcaster interface {
	Broadcast(event schema.Event)
}

// MarkSource supplies current mark prices, typically the feed aggregator.
type MarkSource interface {
	Mark(symbol string) (decimal.Decimal, bool)
}

// ReduceOutcome reports the effect of one position reduction.
type ReduceOutcome struct {
	Position    *schema.Position
	ClosedQty   decimal.Decimal
	RealisedPnl decimal.Decimal
	MarginFreed decimal.Decimal
	Closed      bool
}

// Manager is the in-memory position book. All mutation happens under one
// lock; operations are short and allocation-free on the hot path.
type Manager struct {
	calc    *margin.Calculator
	wallets *wallet.Store
	marks   MarkSource
	sink    Broadcaster

	refresh time.Duration

	mu        sync.RWMutex
	positions map[string]*schema.Position
	byUserSym map[string]string // userID|symbol -> positionID

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a position manager.
func NewManager(calc *margin.Calculator, wallets *wallet.Store, marks MarkSource, sink Broadcaster, refresh time.Duration) *Manager {
	if refresh <= 0 {
		refresh = time.Second
	}
	return &Manager{
		calc:      calc,
		wallets:   wallets,
		marks:     marks,
		sink:      sink,
		refresh:   refresh,
		positions: make(map[string]*schema.Position),
		byUserSym: make(map[string]string),
	}
}

func key(userID, symbol string) string { return userID + "|" + symbol }

func orderSideToPosition(side schema.Side) schema.PositionSide {
	if side == schema.SideBuy {
		return schema.PositionLong
	}
	return schema.PositionShort
}

// Open creates a position, reserving its initial margin from the wallet.
func (m *Manager) Open(userID, symbol string, side schema.PositionSide, qty, entry, leverage decimal.Decimal, mode schema.MarginMode) (*schema.Position, error) {
	if !qty.IsPositive() || !entry.IsPositive() {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("quantity and entry must be positive"),
			errs.WithField("symbol", symbol))
	}
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	notional := qty.Mul(entry)
	if cap := m.calc.MaxLeverage(symbol, notional); leverage.GreaterThan(cap) {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("leverage above tier cap"),
			errs.WithField("symbol", symbol),
			errs.WithField("cap", cap.String()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byUserSym[key(userID, symbol)]; exists {
		return nil, errs.New(Component, errs.CodeConflict,
			errs.WithMessage("position already open"),
			errs.WithField("symbol", symbol),
			errs.WithField("userId", userID))
	}

	initialMargin := margin.InitialMargin(notional, leverage)
	if _, err := m.wallets.Update(userID, func(tx *wallet.Tx) error {
		return tx.Reserve(CollateralAsset, initialMargin)
	}); err != nil {
		return nil, err
	}

	now := time.Now()
	p := &schema.Position{
		PositionID: uuid.NewString(),
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		Status:     schema.PositionOpen,
		MarginMode: mode,
		Quantity:   qty,
		EntryPrice: entry,
		MarkPrice:  entry,
		Leverage:   leverage,
		Margin:     initialMargin,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	if mode == schema.MarginIsolated {
		p.IsolatedMargin = initialMargin
	}
	m.reassessLocked(p, entry)
	m.positions[p.PositionID] = p
	m.byUserSym[key(userID, symbol)] = p.PositionID
	m.broadcastLocked(p)
	observability.Telemetry().IncCounter("position.opened", 1,
		map[string]string{"symbol": symbol})
	return m.copyLocked(p), nil
}

// ApplyFill folds one leveraged execution into the user's position for the
// symbol: same-direction fills increase, opposite fills reduce and may flip.
func (m *Manager) ApplyFill(userID, symbol string, orderSide schema.Side, qty, price, fee, leverage decimal.Decimal, mode schema.MarginMode) (*schema.Position, error) {
	fillDir := orderSideToPosition(orderSide)

	m.mu.Lock()
	id, exists := m.byUserSym[key(userID, symbol)]
	if !exists {
		m.mu.Unlock()
		return m.openWithFee(userID, symbol, fillDir, qty, price, fee, leverage, mode)
	}
	p := m.positions[id]
	if p.Side == fillDir {
		err := m.increaseLocked(p, qty, price, fee)
		out := m.copyLocked(p)
		m.mu.Unlock()
		return out, err
	}

	outcome, err := m.reduceLocked(p, qty, price, fee)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	remainder := qty.Sub(outcome.ClosedQty)
	if outcome.Closed && remainder.IsPositive() {
		// excess quantity flips into an opposite position
		return m.Open(userID, symbol, fillDir, remainder, price, leverage, mode)
	}
	return outcome.Position, nil
}

// openWithFee opens a position and settles the entry fee against available
// balance in the same stroke.
func (m *Manager) openWithFee(userID, symbol string, side schema.PositionSide, qty, price, fee, leverage decimal.Decimal, mode schema.MarginMode) (*schema.Position, error) {
	p, err := m.Open(userID, symbol, side, qty, price, leverage, mode)
	if err != nil || !fee.IsPositive() {
		return p, err
	}
	if _, werr := m.wallets.Update(userID, func(tx *wallet.Tx) error {
		tx.Debit(CollateralAsset, fee)
		return nil
	}); werr != nil {
		return p, werr
	}
	m.mu.Lock()
	if live, ok := m.positions[p.PositionID]; ok {
		live.Fees = live.Fees.Add(fee)
		p.Fees = live.Fees
	}
	m.mu.Unlock()
	return p, nil
}

func (m *Manager) increaseLocked(p *schema.Position, qty, price, fee decimal.Decimal) error {
	addNotional := qty.Mul(price)
	addMargin := margin.InitialMargin(addNotional, p.Leverage)
	if _, err := m.wallets.Update(p.UserID, func(tx *wallet.Tx) error {
		if err := tx.Reserve(CollateralAsset, addMargin); err != nil {
			return err
		}
		tx.Debit(CollateralAsset, fee)
		return nil
	}); err != nil {
		return err
	}

	oldNotional := p.Quantity.Mul(p.EntryPrice)
	p.Quantity = p.Quantity.Add(qty)
	p.EntryPrice = oldNotional.Add(addNotional).Div(p.Quantity)
	p.Margin = p.Margin.Add(addMargin)
	if p.MarginMode == schema.MarginIsolated {
		p.IsolatedMargin = p.IsolatedMargin.Add(addMargin)
	}
	p.Fees = p.Fees.Add(fee)
	p.UpdatedAt = time.Now()
	m.reassessLocked(p, m.markOr(p.Symbol, price))
	m.broadcastLocked(p)
	return nil
}

// reduceLocked realises PnL proportional to the closed share and releases
// the matching margin slice. qty beyond the position size closes it; the
// caller handles any flip remainder.
func (m *Manager) reduceLocked(p *schema.Position, qty, price, fee decimal.Decimal) (ReduceOutcome, error) {
	closed := decimal.Min(qty, p.Quantity)
	share := closed.Div(p.Quantity)
	realised := margin.UnrealisedPnl(p.Side, p.EntryPrice, price, closed)
	freed := p.Margin.Mul(share)

	if _, err := m.wallets.Update(p.UserID, func(tx *wallet.Tx) error {
		tx.Release(CollateralAsset, freed)
		if realised.IsPositive() {
			tx.Credit(CollateralAsset, realised)
		} else if realised.IsNegative() {
			tx.Debit(CollateralAsset, realised.Neg())
		}
		if fee.IsPositive() {
			tx.Debit(CollateralAsset, fee)
		}
		return nil
	}); err != nil {
		return ReduceOutcome{}, err
	}

	p.Quantity = p.Quantity.Sub(closed)
	p.Margin = p.Margin.Sub(freed)
	if p.MarginMode == schema.MarginIsolated {
		p.IsolatedMargin = p.IsolatedMargin.Sub(freed)
	}
	p.RealisedPnl = p.RealisedPnl.Add(realised)
	p.Fees = p.Fees.Add(fee)
	p.UpdatedAt = time.Now()

	out := ReduceOutcome{ClosedQty: closed, RealisedPnl: realised, MarginFreed: freed}
	if !p.Quantity.IsPositive() {
		m.closeLocked(p, schema.PositionClosed)
		out.Closed = true
	} else {
		m.reassessLocked(p, m.markOr(p.Symbol, price))
		m.broadcastLocked(p)
	}
	out.Position = m.copyLocked(p)
	return out, nil
}

func (m *Manager) closeLocked(p *schema.Position, status schema.PositionStatus) {
	now := time.Now()
	p.Status = status
	p.Quantity = decimal.Zero
	p.Margin = decimal.Zero
	p.IsolatedMargin = decimal.Zero
	p.UnrealisedPnl = decimal.Zero
	p.ClosedAt = &now
	p.UpdatedAt = now
	delete(m.byUserSym, key(p.UserID, p.Symbol))
	delete(m.positions, p.PositionID)
	m.broadcastLocked(p)
	observability.Telemetry().IncCounter("position.closed", 1,
		map[string]string{"symbol": p.Symbol, "status": string(status)})
}

// AddMargin tops up an isolated position from available balance.
func (m *Manager) AddMargin(positionID string, amount decimal.Decimal) (*schema.Position, error) {
	if !amount.IsPositive() {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("margin amount must be positive"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return nil, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("position not found"),
			errs.WithField("positionId", positionID))
	}
	if p.MarginMode != schema.MarginIsolated {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("margin adjustments require isolated mode"),
			errs.WithField("positionId", positionID))
	}
	if _, err := m.wallets.Update(p.UserID, func(tx *wallet.Tx) error {
		return tx.Reserve(CollateralAsset, amount)
	}); err != nil {
		return nil, err
	}
	p.Margin = p.Margin.Add(amount)
	p.IsolatedMargin = p.IsolatedMargin.Add(amount)
	p.UpdatedAt = time.Now()
	m.reassessLocked(p, m.markOr(p.Symbol, p.MarkPrice))
	m.broadcastLocked(p)
	return m.copyLocked(p), nil
}

// RemoveMargin withdraws isolated margin down to the leverage-implied
// minimum.
func (m *Manager) RemoveMargin(positionID string, amount decimal.Decimal) (*schema.Position, error) {
	if !amount.IsPositive() {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("margin amount must be positive"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return nil, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("position not found"),
			errs.WithField("positionId", positionID))
	}
	if p.MarginMode != schema.MarginIsolated {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("margin adjustments require isolated mode"),
			errs.WithField("positionId", positionID))
	}
	minimum := margin.InitialMargin(p.Notional(), p.Leverage)
	if p.Margin.Sub(amount).LessThan(minimum) {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("margin would drop below leverage-implied minimum"),
			errs.WithField("minimum", minimum.String()))
	}
	if _, err := m.wallets.Update(p.UserID, func(tx *wallet.Tx) error {
		tx.Release(CollateralAsset, amount)
		return nil
	}); err != nil {
		return nil, err
	}
	p.Margin = p.Margin.Sub(amount)
	p.IsolatedMargin = p.IsolatedMargin.Sub(amount)
	p.UpdatedAt = time.Now()
	m.reassessLocked(p, m.markOr(p.Symbol, p.MarkPrice))
	m.broadcastLocked(p)
	return m.copyLocked(p), nil
}

// AdjustLeverage retargets the position's leverage, reserving or releasing
// the margin delta.
func (m *Manager) AdjustLeverage(positionID string, newLeverage decimal.Decimal) (*schema.Position, error) {
	if !newLeverage.IsPositive() {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("leverage must be positive"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return nil, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("position not found"),
			errs.WithField("positionId", positionID))
	}
	if cap := m.calc.MaxLeverage(p.Symbol, p.Notional()); newLeverage.GreaterThan(cap) {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("leverage above tier cap"),
			errs.WithField("cap", cap.String()))
	}

	required := margin.InitialMargin(p.Notional(), newLeverage)
	delta := required.Sub(p.Margin)
	if _, err := m.wallets.Update(p.UserID, func(tx *wallet.Tx) error {
		if delta.IsPositive() {
			return tx.Reserve(CollateralAsset, delta)
		}
		tx.Release(CollateralAsset, delta.Neg())
		return nil
	}); err != nil {
		return nil, err
	}
	p.Leverage = newLeverage
	p.Margin = required
	if p.MarginMode == schema.MarginIsolated {
		p.IsolatedMargin = required
	}
	p.UpdatedAt = time.Now()
	m.reassessLocked(p, m.markOr(p.Symbol, p.MarkPrice))
	m.broadcastLocked(p)
	return m.copyLocked(p), nil
}

// SwitchMode flips the margin mode. Isolated earmarks the position's
// current margin; returning to cross folds the earmark back into the pool.
func (m *Manager) SwitchMode(positionID string, mode schema.MarginMode) (*schema.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return nil, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("position not found"),
			errs.WithField("positionId", positionID))
	}
	if p.MarginMode == mode {
		return m.copyLocked(p), nil
	}
	if mode == schema.MarginIsolated {
		// once isolated the earmark is all the position can draw on, so it
		// must already cover maintenance after unrealised losses
		equity := p.Margin.Add(p.UnrealisedPnl)
		if equity.LessThanOrEqual(p.MaintenanceMargin) {
			return nil, errs.New(Component, errs.CodeInsufficientFunds,
				errs.WithMessage("equity below maintenance margin for isolated mode"),
				errs.WithField("positionId", positionID),
				errs.WithField("equity", equity.String()),
				errs.WithField("maintenanceMargin", p.MaintenanceMargin.String()))
		}
		p.IsolatedMargin = p.Margin
	} else {
		p.IsolatedMargin = decimal.Zero
	}
	p.MarginMode = mode
	p.UpdatedAt = time.Now()
	m.broadcastLocked(p)
	return m.copyLocked(p), nil
}

// ApplyLiquidation deducts quantity and proportional margin without the
// wallet reservation path; losses settle against the position's margin.
// The wallet only receives whatever margin survives the loss.
func (m *Manager) ApplyLiquidation(positionID string, qty, execPrice, fee decimal.Decimal) (ReduceOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return ReduceOutcome{}, errs.New(Component, errs.CodeNotFound,
			errs.WithMessage("position not found"),
			errs.WithField("positionId", positionID))
	}

	closed := decimal.Min(qty, p.Quantity)
	share := closed.Div(p.Quantity)
	realised := margin.UnrealisedPnl(p.Side, p.EntryPrice, execPrice, closed)
	freed := p.Margin.Mul(share)

	// survivors of the margin slice flow back to the user; the loss and fee
	// were already consumed out of locked margin
	returned := freed.Add(realised).Sub(fee)
	if _, err := m.wallets.Update(p.UserID, func(tx *wallet.Tx) error {
		if err := tx.Spend(CollateralAsset, freed); err != nil {
			return err
		}
		if returned.IsPositive() {
			tx.Credit(CollateralAsset, returned)
		}
		return nil
	}); err != nil {
		return ReduceOutcome{}, err
	}

	p.Quantity = p.Quantity.Sub(closed)
	p.Margin = p.Margin.Sub(freed)
	if p.MarginMode == schema.MarginIsolated {
		p.IsolatedMargin = p.IsolatedMargin.Sub(freed)
	}
	p.RealisedPnl = p.RealisedPnl.Add(realised)
	p.Fees = p.Fees.Add(fee)
	p.UpdatedAt = time.Now()

	out := ReduceOutcome{ClosedQty: closed, RealisedPnl: realised, MarginFreed: freed}
	if !p.Quantity.IsPositive() {
		m.closeLocked(p, schema.PositionLiquidated)
		out.Closed = true
	} else {
		p.Status = schema.PositionOpen
		m.reassessLocked(p, m.markOr(p.Symbol, execPrice))
		m.broadcastLocked(p)
	}
	out.Position = m.copyLocked(p)
	return out, nil
}

// SetStatus transitions the lifecycle flag, e.g. to liquidating while the
// processor works a position.
func (m *Manager) SetStatus(positionID string, status schema.PositionStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return false
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return true
}

// Get returns a copy of one position.
func (m *Manager) Get(positionID string) (*schema.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[positionID]
	if !ok {
		return nil, false
	}
	return m.copyLocked(p), true
}

// ForUser returns copies of a user's open positions.
func (m *Manager) ForUser(userID string) []*schema.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Position
	for _, p := range m.positions {
		if p.UserID == userID {
			out = append(out, m.copyLocked(p))
		}
	}
	return out
}

// OpenPositions returns copies of every open position.
func (m *Manager) OpenPositions() []*schema.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, m.copyLocked(p))
	}
	return out
}

// Lookup finds the user's position on a symbol.
func (m *Manager) Lookup(userID, symbol string) (*schema.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUserSym[key(userID, symbol)]
	if !ok {
		return nil, false
	}
	return m.copyLocked(m.positions[id]), true
}

// Start launches the periodic mark refresh loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshMarks()
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// refreshMarks revalues every open position at the latest mark and emits
// position updates for those whose risk picture changed.
func (m *Manager) refreshMarks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		mark, ok := m.marks.Mark(p.Symbol)
		if !ok {
			continue
		}
		prevPnl := p.UnrealisedPnl
		prevLevel := p.RiskLevel
		m.reassessLocked(p, mark)
		if !p.UnrealisedPnl.Equal(prevPnl) || p.RiskLevel != prevLevel {
			p.UpdatedAt = time.Now()
			m.broadcastLocked(p)
		}
	}
}

func (m *Manager) markOr(symbol string, fallback decimal.Decimal) decimal.Decimal {
	if m.marks != nil {
		if mark, ok := m.marks.Mark(symbol); ok {
			return mark
		}
	}
	return fallback
}

func (m *Manager) reassessLocked(p *schema.Position, mark decimal.Decimal) {
	p.MarkPrice = mark
	a := m.calc.Assess(p, mark)
	p.UnrealisedPnl = a.UnrealisedPnl
	p.MaintenanceMargin = a.MaintenanceMargin
	p.MarginRatio = a.MarginRatio
	p.RiskLevel = a.RiskLevel
	p.LiquidationPrice = a.LiquidationPrice
	p.BankruptcyPrice = a.BankruptcyPrice
}

func (m *Manager) copyLocked(p *schema.Position) *schema.Position {
	copied := *p
	return &copied
}

func (m *Manager) broadcastLocked(p *schema.Position) {
	if m.sink == nil {
		return
	}
	m.sink.Broadcast(schema.Event{
		Type:    schema.EventPositionUpdate,
		Symbol:  p.Symbol,
		UserID:  p.UserID,
		Ts:      time.Now(),
		Payload: m.copyLocked(p),
	})
}
