// Package liquidation watches margin ratios and force-reduces positions
// through the matching engine, settling against the insurance fund.
package liquidation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/matching"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/position"
	"github.com/helixtrade/helix/internal/schema"
	"github.com/helixtrade/helix/lib/async"
)

// Component is the error source identifier for this package.
const Component = "liquidation"

// Canceller withdraws a user's working orders before forced reduction.
type Canceller interface {
	CancelAllFor(ctx context.Context, symbol, userID string) int
}

// Reducer executes the forced market reduction and settles the resting
// counterparties it fills against. Liquidation orders bypass the balance
// reservation path on purpose: the margin backing them is already locked
// and is released by ApplyLiquidation, not the wallet.
type Reducer interface {
	ForceReduce(ctx context.Context, order *schema.Order) (*matching.Result, error)
}

// PositionBook is the position manager surface the engine drives.
type PositionBook interface {
	OpenPositions() []*schema.Position
	Get(positionID string) (*schema.Position, bool)
	SetStatus(positionID string, status schema.PositionStatus) bool
	ApplyLiquidation(positionID string, qty, execPrice, fee decimal.Decimal) (position.ReduceOutcome, error)
}

// Broadcaster receives liquidation and margin-call events.
type Broadcaster interface {
	Broadcast(event schema.Event)
}

// Engine runs the two liquidation loops: a monitor that grades every open
// position each second, and a processor that works the queue concurrently.
type Engine struct {
	cfg     config.LiquidationSettings
	fund    *Fund
	book    PositionBook
	reducer Reducer
	orders  Canceller
	sink    Broadcaster
	pool    *async.Pool

	mu       sync.Mutex
	queue    []string
	queued   map[string]struct{}
	inflight map[string]struct{}
	called   map[string]struct{}
	history  []schema.LiquidationEvent

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine wires the liquidation engine.
func NewEngine(cfg config.LiquidationSettings, fund *Fund, book PositionBook, reducer Reducer, orders Canceller, sink Broadcaster) (*Engine, error) {
	pool, err := async.NewPool(cfg.MaxConcurrent, cfg.MaxConcurrent*4)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		fund:     fund,
		book:     book,
		reducer:  reducer,
		orders:   orders,
		sink:     sink,
		pool:     pool,
		queued:   make(map[string]struct{}),
		inflight: make(map[string]struct{}),
		called:   make(map[string]struct{}),
	}, nil
}

// Fund exposes the insurance fund.
func (e *Engine) Fund() *Fund { return e.fund }

// Start launches the monitor and processor loops.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		monitor := time.NewTicker(e.cfg.MonitorInterval)
		defer monitor.Stop()
		processor := time.NewTicker(e.cfg.ProcessInterval)
		defer processor.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-monitor.C:
				e.Sweep()
			case <-processor.C:
				e.Process(ctx)
			}
		}
	}()
}

// Stop terminates the loops and drains in-flight liquidations.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return e.pool.Shutdown(ctx)
}

// Sweep grades every open position: enqueue for liquidation at the
// liquidation ratio, warn the owner at the margin-call ratio, and flag ADL
// candidates when the fund is thin.
func (e *Engine) Sweep() {
	lowFund := e.fund.Utilisation().LessThan(e.cfg.LowFundUtilisation)
	for _, p := range e.book.OpenPositions() {
		ratio := p.MarginRatio
		switch {
		case ratio.GreaterThanOrEqual(e.cfg.LiquidationRatio):
			e.enqueue(p.PositionID)
			if lowFund && ratio.GreaterThanOrEqual(e.cfg.ADLRatio) {
				e.alert(p, "adl_candidate", schema.SeverityCritical)
			}
		case ratio.GreaterThanOrEqual(e.cfg.MarginCallRatio):
			e.marginCall(p)
		default:
			e.mu.Lock()
			delete(e.called, p.PositionID)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) enqueue(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queued[positionID]; ok {
		return
	}
	if _, ok := e.inflight[positionID]; ok {
		return
	}
	e.queued[positionID] = struct{}{}
	e.queue = append(e.queue, positionID)
	observability.Telemetry().IncCounter("liquidation.enqueued", 1, nil)
}

// marginCall warns once per excursion above the margin-call ratio.
func (e *Engine) marginCall(p *schema.Position) {
	e.mu.Lock()
	if _, ok := e.called[p.PositionID]; ok {
		e.mu.Unlock()
		return
	}
	e.called[p.PositionID] = struct{}{}
	e.mu.Unlock()
	e.sink.Broadcast(schema.Event{
		Type:    schema.EventMarginCall,
		Symbol:  p.Symbol,
		UserID:  p.UserID,
		Ts:      time.Now(),
		Payload: p,
	})
}

func (e *Engine) alert(p *schema.Position, kind string, severity schema.AlertSeverity) {
	e.sink.Broadcast(schema.Event{
		Type:   schema.EventRiskAlert,
		Symbol: p.Symbol,
		Ts:     time.Now(),
		Payload: schema.RiskAlert{
			AlertID:  uuid.NewString(),
			Severity: severity,
			Kind:     kind,
			Message:  "position " + p.PositionID + " " + kind,
			Symbol:   p.Symbol,
			UserID:   p.UserID,
			Value:    p.MarginRatio,
			Limit:    e.cfg.LiquidationRatio,
			Ts:       time.Now(),
		},
	})
}

// Process drains the queue into the worker pool.
func (e *Engine) Process(ctx context.Context) {
	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	for _, id := range batch {
		delete(e.queued, id)
		e.inflight[id] = struct{}{}
	}
	e.mu.Unlock()

	for _, id := range batch {
		positionID := id
		err := e.pool.Submit(ctx, func(taskCtx context.Context) error {
			defer func() {
				e.mu.Lock()
				delete(e.inflight, positionID)
				e.mu.Unlock()
			}()
			return e.liquidate(taskCtx, positionID, false)
		})
		if err != nil {
			// pool saturated; the monitor re-enqueues on its next pass
			e.mu.Lock()
			delete(e.inflight, positionID)
			e.mu.Unlock()
			observability.Log().Warn("liquidation pool rejected task",
				observability.String("positionId", positionID), observability.Err(err))
		}
	}
}

// Force liquidates the full position immediately, regardless of its current
// margin ratio. Admin path.
func (e *Engine) Force(ctx context.Context, positionID string) error {
	e.mu.Lock()
	if _, busy := e.inflight[positionID]; busy {
		e.mu.Unlock()
		return errs.New(Component, errs.CodeConflict,
			errs.WithMessage("position already being liquidated"),
			errs.WithField("positionId", positionID))
	}
	e.inflight[positionID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, positionID)
		e.mu.Unlock()
	}()
	return e.liquidate(ctx, positionID, true)
}

// reductionFraction maps the margin ratio to the forced-reduction ladder.
// The zero fraction means cancel working orders only and re-grade next tick.
func (e *Engine) reductionFraction(ratio decimal.Decimal) (decimal.Decimal, int) {
	switch {
	case ratio.LessThan(decimal.NewFromFloat(0.80)):
		return decimal.Zero, 0
	case ratio.LessThan(decimal.NewFromFloat(0.85)):
		return decimal.NewFromFloat(0.25), 1
	case ratio.LessThan(decimal.NewFromFloat(0.90)):
		return decimal.NewFromFloat(0.50), 2
	default:
		return decimal.NewFromInt(1), 3
	}
}

func (e *Engine) liquidate(ctx context.Context, positionID string, forced bool) error {
	p, ok := e.book.Get(positionID)
	if !ok {
		return nil
	}

	fraction, level := e.reductionFraction(p.MarginRatio)
	if forced {
		fraction, level = decimal.NewFromInt(1), 3
	}

	e.book.SetStatus(positionID, schema.PositionLiquidating)
	e.orders.CancelAllFor(ctx, p.Symbol, p.UserID)

	if fraction.IsZero() {
		e.book.SetStatus(positionID, schema.PositionOpen)
		return nil
	}

	qty := p.Quantity.Mul(fraction)
	order := &schema.Order{
		OrderID:     uuid.NewString(),
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		Side:        p.ReducingSide(),
		Type:        schema.OrderTypeMarket,
		Quantity:    qty,
		Remaining:   qty,
		Status:      schema.OrderStatusPending,
		TimeInForce: schema.TIFImmediateOrCancel,
		Flags:       schema.OrderFlags{ReduceOnly: true},
		Leverage:    decimal.NewFromInt(1),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	result, err := e.reducer.ForceReduce(ctx, order)
	if err != nil {
		e.book.SetStatus(positionID, schema.PositionOpen)
		if matching.IsNoLiquidity(err) {
			// no liquidity this tick; the monitor re-enqueues
			observability.Telemetry().IncCounter("liquidation.no_liquidity", 1,
				map[string]string{"symbol": p.Symbol})
			return nil
		}
		return err
	}
	filled := result.Order.Filled
	if !filled.IsPositive() {
		e.book.SetStatus(positionID, schema.PositionOpen)
		return nil
	}
	execPrice := result.Order.AverageFillPrice
	fee := execPrice.Mul(filled).Mul(e.cfg.FeeRate)

	outcome, err := e.book.ApplyLiquidation(positionID, filled, execPrice, fee)
	if err != nil {
		return err
	}
	e.settle(p, outcome, execPrice, fee, level)
	return nil
}

// settle routes the fee or deficit through the insurance fund and records
// the liquidation.
func (e *Engine) settle(p *schema.Position, outcome position.ReduceOutcome, execPrice, fee decimal.Decimal, level int) {
	returned := outcome.MarginFreed.Add(outcome.RealisedPnl).Sub(fee)
	var fundDelta decimal.Decimal
	if returned.GreaterThanOrEqual(decimal.Zero) {
		e.fund.Deposit(fee)
		fundDelta = fee
	} else {
		deficit := returned.Neg()
		covered := e.fund.Withdraw(deficit)
		fundDelta = covered.Neg()
		if covered.LessThan(deficit) {
			e.alert(p, "insurance_fund_depleted", schema.SeverityCritical)
		}
	}

	record := schema.LiquidationEvent{
		PositionID:         p.PositionID,
		UserID:             p.UserID,
		Symbol:             p.Symbol,
		Side:               p.Side,
		Quantity:           outcome.ClosedQty,
		ExecPrice:          execPrice,
		MarkPrice:          p.MarkPrice,
		Loss:               outcome.RealisedPnl.Neg(),
		Fee:                fee,
		InsuranceFundDelta: fundDelta,
		Ts:                 time.Now(),
		Level:              level,
		Partial:            !outcome.Closed,
	}
	e.mu.Lock()
	e.history = append(e.history, record)
	e.mu.Unlock()

	e.sink.Broadcast(schema.Event{
		Type:    schema.EventLiquidation,
		Symbol:  p.Symbol,
		UserID:  p.UserID,
		Ts:      record.Ts,
		Payload: record,
	})
	observability.Telemetry().IncCounter("liquidation.executed", 1,
		map[string]string{"symbol": p.Symbol, "partial": partialTag(record.Partial)})
}

func partialTag(partial bool) string {
	if partial {
		return "true"
	}
	return "false"
}

// History returns a copy of the liquidation records, oldest first.
func (e *Engine) History() []schema.LiquidationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.LiquidationEvent, len(e.history))
	copy(out, e.history)
	return out
}

// QueueDepth reports how many positions await processing.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
