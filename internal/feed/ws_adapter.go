package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

const (
	wsReadLimit           = 2 * 1024 * 1024
	wsControlInterval     = 250 * time.Millisecond
	wsControlWriteTimeout = 5 * time.Second
	wsConnectTimeout      = 10 * time.Second
)

// Codec describes one venue's websocket dialect: how to subscribe and how
// to turn raw frames into canonical ticks.
type Codec interface {
	// DialURL builds the connection URL for the configured endpoint.
	DialURL(base string) string
	// SubscribeFrames renders the control messages subscribing the given
	// venue identifiers. Frames are paced at the control interval.
	SubscribeFrames(ids []string) ([][]byte, error)
	// Parse converts one inbound frame into zero or more canonical ticks.
	// Non-data frames (acks, heartbeats) return an empty slice and no error.
	Parse(raw []byte, seq func() uint64) ([]schema.PriceTick, error)
	// PingFrame returns the venue keep-alive payload, if the venue wants
	// application-level pings.
	PingFrame() ([]byte, bool)
}

// WSAdapter maintains one upstream websocket session with reconnect,
// heartbeat, idle detection, and outlier filtering.
type WSAdapter struct {
	source   schema.Source
	priority int
	url      string
	codec    Codec
	sink     Sink

	symbolIDs func() []string // venue identifiers to subscribe, capped

	idleTimeout   time.Duration
	heartbeatEach time.Duration
	maxReconnects int
	maxBackoff    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	health  *healthTracker
	ring    *TickRing
	gate    *outlierGate
	seq     atomic.Uint64
	armed   atomic.Bool
	stopped atomic.Bool

	lastControlSend time.Time
	controlMu       sync.Mutex
}

// WSAdapterConfig collects construction parameters for a websocket adapter.
type WSAdapterConfig struct {
	Source           schema.Source
	Priority         int
	URL              string
	Codec            Codec
	Sink             Sink
	SymbolIDs        func() []string
	IdleTimeout      time.Duration
	Heartbeat        time.Duration
	MaxReconnects    int
	MaxBackoff       time.Duration
	OutlierThreshold float64
	RingCapacity     int
}

// NewWSAdapter constructs a websocket feed adapter.
func NewWSAdapter(cfg WSAdapterConfig) *WSAdapter {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	a := &WSAdapter{
		source:        cfg.Source,
		priority:      cfg.Priority,
		url:           cfg.URL,
		codec:         cfg.Codec,
		sink:          cfg.Sink,
		symbolIDs:     cfg.SymbolIDs,
		idleTimeout:   cfg.IdleTimeout,
		heartbeatEach: cfg.Heartbeat,
		maxReconnects: cfg.MaxReconnects,
		maxBackoff:    cfg.MaxBackoff,
		health:        newHealthTracker(cfg.Source),
		ring:          NewTickRing(cfg.RingCapacity),
		gate:          newOutlierGate(cfg.OutlierThreshold),
	}
	a.armed.Store(true)
	return a
}

// Source implements Adapter.
func (a *WSAdapter) Source() schema.Source { return a.source }

// Priority implements Adapter.
func (a *WSAdapter) Priority() int { return a.priority }

// Health implements Adapter.
func (a *WSAdapter) Health() schema.FeedHealth { return a.health.snapshot() }

// Recent implements Adapter.
func (a *WSAdapter) Recent(n int) []schema.PriceTick { return a.ring.Recent(n) }

// Rearm implements Adapter: re-enables the reconnect loop after max_reconnect.
func (a *WSAdapter) Rearm() { a.armed.Store(true) }

// Stop implements Adapter.
func (a *WSAdapter) Stop() {
	if a.stopped.Swap(true) {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.connMu.Lock()
	if a.conn != nil {
		_ = a.conn.Close(websocket.StatusNormalClosure, "shutdown")
		a.conn = nil
	}
	a.connMu.Unlock()
	a.health.setStatus(schema.FeedDisconnected)
}

// Start runs the session loop until ctx is cancelled or Stop is called.
func (a *WSAdapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	go a.run()
	return nil
}

// run dials, subscribes, and coordinates reader/pinger goroutines for each
// session; it backs off exponentially between attempts and parks after the
// adapter exhausts its reconnect budget until Rearm.
func (a *WSAdapter) run() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = a.maxBackoff
	failures := 0

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		if !a.armed.Load() {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		a.health.setStatus(schema.FeedConnecting)
		dialCtx, cancel := context.WithTimeout(a.ctx, wsConnectTimeout)
		conn, _, err := websocket.Dial(dialCtx, a.codec.DialURL(a.url), nil)
		cancel()
		if err != nil {
			a.health.recordError()
			failures++
			if failures >= a.maxReconnects {
				a.health.setStatus(schema.FeedError)
				a.armed.Store(false)
				failures = 0
				backoffCfg.Reset()
				a.sink.FeedEvent(a.source, schema.EventFeedDisconnected, "max_reconnect")
				observability.Log().Error("feed adapter exhausted reconnects",
					observability.String("source", string(a.source)))
				continue
			}
			a.health.setStatus(schema.FeedDisconnected)
			if !a.sleepBackoff(backoffCfg) {
				return
			}
			continue
		}

		conn.SetReadLimit(wsReadLimit)
		a.connMu.Lock()
		a.conn = conn
		a.connMu.Unlock()
		a.controlMu.Lock()
		a.lastControlSend = time.Time{}
		a.controlMu.Unlock()
		backoffCfg.Reset()
		failures = 0
		a.health.setStatus(schema.FeedConnected)
		a.health.recordReconnect()
		a.sink.FeedEvent(a.source, schema.EventFeedConnected, "connected")

		if err := a.subscribeAll(); err != nil {
			a.health.recordError()
			observability.Log().Warn("feed subscribe failed",
				observability.String("source", string(a.source)), observability.Err(err))
		}

		// Each connection instance runs isolated read and ping loops that can cancel one another.
		connCtx, connCancel := context.WithCancel(a.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- a.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- a.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		a.connMu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			a.health.recordError()
			a.sink.FeedEvent(a.source, schema.EventFeedDisconnected, firstErr.Error())
		}
		a.health.setStatus(schema.FeedDisconnected)

		if !a.sleepBackoff(backoffCfg) {
			return
		}
	}
}

func (a *WSAdapter) sleepBackoff(cfg *backoff.ExponentialBackOff) bool {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = a.maxBackoff
	}
	select {
	case <-a.ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

func (a *WSAdapter) subscribeAll() error {
	ids := a.symbolIDs()
	if len(ids) == 0 {
		return nil
	}
	frames, err := a.codec.SubscribeFrames(ids)
	if err != nil {
		return fmt.Errorf("render subscribe frames: %w", err)
	}
	for _, frame := range frames {
		if err := a.writeControl(frame); err != nil {
			return err
		}
	}
	return nil
}

// writeControl paces control frames so venues with strict control-message
// rate limits are not tripped.
func (a *WSAdapter) writeControl(frame []byte) error {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()

	if !a.lastControlSend.IsZero() {
		if wait := time.Until(a.lastControlSend.Add(wsControlInterval)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-a.ctx.Done():
				timer.Stop()
				return context.Canceled
			case <-timer.C:
			}
		}
	}

	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	if conn == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(a.ctx, wsControlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	a.lastControlSend = time.Now()
	return nil
}

// readLoop consumes frames until the idle timeout elapses with no inbound data.
func (a *WSAdapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, a.idleTimeout)
		_, raw, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("idle timeout after %s", a.idleTimeout)
			}
			return fmt.Errorf("read frame: %w", err)
		}

		ticks, err := a.codec.Parse(raw, func() uint64 { return a.seq.Add(1) })
		if err != nil {
			a.health.recordError()
			continue
		}
		if len(ticks) == 0 {
			a.health.recordHeartbeat()
			continue
		}
		a.health.recordMessage()
		for _, tick := range ticks {
			if err := tick.Validate(); err != nil {
				a.health.recordError()
				continue
			}
			if !a.gate.admit(tick) {
				a.health.recordError()
				observability.Log().Debug("feed outlier rejected",
					observability.String("source", string(a.source)),
					observability.String("symbol", tick.Symbol))
				continue
			}
			a.ring.Push(tick)
			a.sink.PushTick(tick)
		}
	}
}

// pingLoop sends venue keep-alives at the configured cadence.
func (a *WSAdapter) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	interval := a.heartbeatEach
	if interval <= 0 {
		<-ctx.Done()
		return context.Canceled
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if frame, ok := a.codec.PingFrame(); ok {
				writeCtx, cancel := context.WithTimeout(ctx, wsControlWriteTimeout)
				err := conn.Write(writeCtx, websocket.MessageText, frame)
				cancel()
				if err != nil {
					return fmt.Errorf("write ping: %w", err)
				}
			} else {
				pingCtx, cancel := context.WithTimeout(ctx, wsControlWriteTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					return fmt.Errorf("protocol ping: %w", err)
				}
			}
			a.health.recordHeartbeat()
		}
	}
}
