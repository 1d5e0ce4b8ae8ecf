// Package admin is the operational control surface over the trading engine:
// halting and resuming matching, flushing order books, forcing liquidations
// and adjusting leverage tiers at runtime.
package admin

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

// Component is the error source identifier for this package.
const Component = "admin"

// Matcher is the matching-engine surface the service drives.
type Matcher interface {
	Pause(ctx context.Context, symbol string) error
	Resume(ctx context.Context, symbol string) error
	PauseAll()
	ResumeAll()
	Halted() bool
}

// Orders withdraws working orders, releasing their reservations.
type Orders interface {
	CancelAllFor(ctx context.Context, symbol, userID string) int
}

// Liquidator force-closes a position regardless of its margin ratio.
type Liquidator interface {
	Force(ctx context.Context, positionID string) error
}

// Tiers installs leverage tier schedules at runtime.
type Tiers interface {
	SetTiers(symbol string, tiers []schema.LeverageTier) error
}

// Broadcaster receives maintenance and circuit-breaker notices.
type Broadcaster interface {
	Broadcast(event schema.Event)
}

// Service exposes the administrative operations. All methods are safe for
// concurrent use; the transport invoking them is out of scope here.
type Service struct {
	matcher Matcher
	orders  Orders
	liq     Liquidator
	tiers   Tiers
	sink    Broadcaster

	mu          sync.Mutex
	maintenance bool
	breakers    map[string]*time.Timer
}

// NewService wires the control surface. liq and tiers may be nil when the
// deployment runs without the corresponding subsystem.
func NewService(matcher Matcher, orders Orders, liq Liquidator, tiers Tiers, sink Broadcaster) *Service {
	return &Service{
		matcher:  matcher,
		orders:   orders,
		liq:      liq,
		tiers:    tiers,
		sink:     sink,
		breakers: make(map[string]*time.Timer),
	}
}

// PauseTrading halts matching for one symbol, or engine-wide when symbol is
// empty. Resting orders stay on the book.
func (s *Service) PauseTrading(ctx context.Context, symbol string) error {
	if symbol == "" {
		s.matcher.PauseAll()
		observability.Log().Warn("trading paused engine-wide")
		return nil
	}
	if err := s.matcher.Pause(ctx, symbol); err != nil {
		return err
	}
	observability.Log().Warn("trading paused", observability.String("symbol", symbol))
	return nil
}

// ResumeTrading lifts a halt for one symbol, or engine-wide when symbol is
// empty. A pending circuit-breaker timer for the symbol is cancelled.
func (s *Service) ResumeTrading(ctx context.Context, symbol string) error {
	if symbol == "" {
		s.matcher.ResumeAll()
		observability.Log().Info("trading resumed engine-wide")
		return nil
	}
	s.stopBreaker(symbol)
	if err := s.matcher.Resume(ctx, symbol); err != nil {
		return err
	}
	observability.Log().Info("trading resumed", observability.String("symbol", symbol))
	return nil
}

// CancelAll withdraws every live order matching the symbol/user filter;
// empty filter values match everything. Returns the number cancelled.
func (s *Service) CancelAll(ctx context.Context, symbol, userID string) int {
	count := s.orders.CancelAllFor(ctx, symbol, userID)
	observability.Log().Warn("orders cancelled by operator",
		observability.String("symbol", symbol),
		observability.String("user", userID),
		observability.Int("count", count))
	return count
}

// ForceLiquidate fully liquidates one position regardless of margin ratio.
func (s *Service) ForceLiquidate(ctx context.Context, positionID string) error {
	if s.liq == nil {
		return errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("liquidation engine not configured"))
	}
	observability.Log().Warn("operator forced liquidation",
		observability.String("position", positionID))
	return s.liq.Force(ctx, positionID)
}

// SetMaintenance toggles maintenance mode: matching halts engine-wide and
// every connected session is notified. Resting orders survive.
func (s *Service) SetMaintenance(enabled bool, message string) {
	s.mu.Lock()
	changed := s.maintenance != enabled
	s.maintenance = enabled
	s.mu.Unlock()
	if !changed {
		return
	}
	if enabled {
		s.matcher.PauseAll()
	} else {
		s.matcher.ResumeAll()
	}
	s.notify(schema.EventMaintenance, map[string]any{
		"enabled": enabled,
		"message": message,
	})
	observability.Log().Warn("maintenance mode",
		observability.String("message", message),
		observability.Int("enabled", boolInt(enabled)))
}

// Maintenance reports whether maintenance mode is active.
func (s *Service) Maintenance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintenance
}

// EmergencyHalt stops all matching, cancels every working order and notifies
// sessions. Positions are left open for the liquidation engine to manage.
// Returns the number of orders cancelled.
func (s *Service) EmergencyHalt(ctx context.Context, reason string) int {
	s.matcher.PauseAll()
	cancelled := s.orders.CancelAllFor(ctx, "", "")
	s.notify(schema.EventMaintenance, map[string]any{
		"enabled":   true,
		"emergency": true,
		"message":   reason,
	})
	observability.Log().Error("emergency halt",
		observability.String("reason", reason),
		observability.Int("cancelled", cancelled))
	return cancelled
}

// UpdateLeverageTiers replaces the leverage tier schedule for a symbol.
func (s *Service) UpdateLeverageTiers(symbol string, tiers []schema.LeverageTier) error {
	if s.tiers == nil {
		return errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("margin calculator not configured"))
	}
	if err := s.tiers.SetTiers(symbol, tiers); err != nil {
		return err
	}
	observability.Log().Info("leverage tiers updated",
		observability.String("symbol", symbol),
		observability.Int("tiers", len(tiers)))
	return nil
}

// TriggerCircuitBreaker pauses one symbol for the given duration and resumes
// it automatically. Re-triggering restarts the countdown.
func (s *Service) TriggerCircuitBreaker(ctx context.Context, symbol string, d time.Duration) error {
	if symbol == "" || d <= 0 {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("circuit breaker needs a symbol and a positive duration"))
	}
	if err := s.matcher.Pause(ctx, symbol); err != nil {
		return err
	}
	s.mu.Lock()
	if timer, ok := s.breakers[symbol]; ok {
		timer.Stop()
	}
	s.breakers[symbol] = time.AfterFunc(d, func() { s.breakerExpired(symbol) })
	s.mu.Unlock()

	s.notify(schema.EventRiskAlert, schema.RiskAlert{
		AlertID:  uuid.NewString(),
		Severity: schema.SeverityHigh,
		Kind:     "circuit_breaker",
		Message:  "trading paused by circuit breaker",
		Symbol:   symbol,
		Ts:       time.Now(),
	})
	observability.Log().Warn("circuit breaker tripped",
		observability.String("symbol", symbol),
		observability.String("duration", d.String()))
	return nil
}

func (s *Service) breakerExpired(symbol string) {
	s.mu.Lock()
	delete(s.breakers, symbol)
	s.mu.Unlock()
	if err := s.matcher.Resume(context.Background(), symbol); err != nil {
		observability.Log().Error("circuit breaker resume failed",
			observability.String("symbol", symbol), observability.Err(err))
		return
	}
	observability.Log().Info("circuit breaker expired",
		observability.String("symbol", symbol))
}

func (s *Service) stopBreaker(symbol string) {
	s.mu.Lock()
	if timer, ok := s.breakers[symbol]; ok {
		timer.Stop()
		delete(s.breakers, symbol)
	}
	s.mu.Unlock()
}

// Close stops pending circuit-breaker timers.
func (s *Service) Close() {
	s.mu.Lock()
	for symbol, timer := range s.breakers {
		timer.Stop()
		delete(s.breakers, symbol)
	}
	s.mu.Unlock()
}

func (s *Service) notify(t schema.EventType, payload any) {
	if s.sink == nil {
		return
	}
	s.sink.Broadcast(schema.Event{Type: t, Payload: payload, Ts: time.Now()})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
