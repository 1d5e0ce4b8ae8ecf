package session

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/helixtrade/helix/internal/observability"
)

// inbound is a frame read from a client.
type inbound struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

// Client is one websocket session. Subscriptions live behind the client's
// own lock; frames queue on a bounded channel drained by the write pump.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	send    chan outbound
	limiter *rate.Limiter

	mu       sync.Mutex
	channels map[string]map[string]struct{} // channel -> symbol set; user channels key ""
	symbols  map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	limit := hub.cfg.InboundPerSecond
	if limit <= 0 {
		limit = 100
	}
	return &Client{
		hub:      hub,
		conn:     conn,
		userID:   userID,
		send:     make(chan outbound, hub.cfg.SendQueueHighWater),
		limiter:  rate.NewLimiter(rate.Limit(limit), limit),
		channels: make(map[string]map[string]struct{}),
		symbols:  make(map[string]struct{}),
		closed:   make(chan struct{}),
	}
}

// run serves the connection until either pump exits.
func (c *Client) run(ctx context.Context) {
	c.hub.register(c)
	defer c.hub.unregister(c)

	c.enqueue(outbound{Type: "welcome", Ts: time.Now()})

	go c.writePump(ctx)
	c.readPump(ctx)
	c.disconnect("")
}

func (c *Client) disconnect(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if reason != "" {
			observability.Log().Debug("session disconnect",
				observability.String("reason", reason))
		}
		_ = c.conn.Close(websocket.StatusPolicyViolation, reason)
	})
}

// enqueue queues a frame, disconnecting the client when its queue is at the
// high-water mark. A consumer that cannot keep up is cut, not buffered.
func (c *Client) enqueue(frame outbound) {
	select {
	case <-c.closed:
	case c.send <- frame:
	default:
		observability.Telemetry().IncCounter("session.slow_consumer", 1, nil)
		c.disconnect("send queue overflow")
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, c.hub.cfg.WriteTimeout)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.disconnect("write failed")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.disconnect("inbound rate limit exceeded")
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.handle(msg)
		select {
		case <-c.closed:
			return
		default:
		}
	}
}

func (c *Client) handle(msg inbound) {
	switch msg.Op {
	case "ping":
		c.enqueue(outbound{Type: "pong", Ts: time.Now()})
	case "subscribe":
		c.subscribe(msg.Channel, msg.Symbols)
	case "unsubscribe":
		c.unsubscribe(msg.Channel, msg.Symbols)
	default:
		c.sendError("unknown op")
	}
}

func (c *Client) subscribe(channel string, symbols []string) {
	switch {
	case userChannel(channel):
		if c.userID == "" {
			c.sendError("authentication required for " + channel)
			return
		}
		c.mu.Lock()
		if !c.withinChannelLimitLocked(1) {
			c.mu.Unlock()
			c.sendError("channel limit exceeded")
			return
		}
		if c.channels[channel] == nil {
			c.channels[channel] = map[string]struct{}{"": {}}
		}
		c.mu.Unlock()
		c.enqueue(outbound{Type: "subscribed", Channel: channel, Ts: time.Now()})
	case publicChannel(channel):
		if len(symbols) == 0 {
			c.sendError("symbols required for " + channel)
			return
		}
		c.mu.Lock()
		added := 0
		for _, sym := range symbols {
			if _, ok := c.symbols[sym]; !ok {
				added++
			}
		}
		if len(c.symbols)+added > c.hub.cfg.MaxSymbols {
			c.mu.Unlock()
			c.sendError("symbol limit exceeded")
			return
		}
		if !c.withinChannelLimitLocked(len(symbols)) {
			c.mu.Unlock()
			c.sendError("channel limit exceeded")
			return
		}
		if c.channels[channel] == nil {
			c.channels[channel] = make(map[string]struct{})
		}
		for _, sym := range symbols {
			c.channels[channel][sym] = struct{}{}
			c.symbols[sym] = struct{}{}
		}
		c.mu.Unlock()
		c.enqueue(outbound{Type: "subscribed", Channel: channel, Ts: time.Now()})
		if channel == ChannelTicker {
			c.sendSnapshot(symbols)
		}
	default:
		c.sendError("unknown channel " + channel)
	}
}

// withinChannelLimitLocked counts channel+symbol subscription entries.
func (c *Client) withinChannelLimitLocked(adding int) bool {
	total := 0
	for _, symbols := range c.channels {
		total += len(symbols)
	}
	return total+adding <= c.hub.cfg.MaxChannels
}

func (c *Client) unsubscribe(channel string, symbols []string) {
	c.mu.Lock()
	set, ok := c.channels[channel]
	if ok {
		if userChannel(channel) || len(symbols) == 0 {
			delete(c.channels, channel)
		} else {
			for _, sym := range symbols {
				delete(set, sym)
			}
			if len(set) == 0 {
				delete(c.channels, channel)
			}
		}
		c.rebuildSymbolsLocked()
	}
	c.mu.Unlock()
	c.enqueue(outbound{Type: "unsubscribed", Channel: channel, Ts: time.Now()})
}

func (c *Client) rebuildSymbolsLocked() {
	c.symbols = make(map[string]struct{})
	for channel, set := range c.channels {
		if !publicChannel(channel) {
			continue
		}
		for sym := range set {
			c.symbols[sym] = struct{}{}
		}
	}
}

// sendSnapshot delivers the warm price snapshot for newly subscribed
// symbols so the client renders immediately instead of waiting a flush.
func (c *Client) sendSnapshot(symbols []string) {
	if c.hub.snapshots == nil {
		return
	}
	wanted := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		wanted[sym] = struct{}{}
	}
	for _, update := range c.hub.snapshots.Snapshot() {
		if _, ok := wanted[update.Symbol]; !ok {
			continue
		}
		c.enqueue(outbound{
			Type:    "price_snapshot",
			Channel: ChannelTicker,
			Symbol:  update.Symbol,
			Payload: update,
			Ts:      time.Now(),
		})
	}
}

func (c *Client) sendError(message string) {
	c.enqueue(outbound{Type: "error", Message: message, Ts: time.Now()})
}

func (c *Client) subscribedSymbol(channel, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.channels[channel]
	if !ok {
		return false
	}
	_, ok = set[symbol]
	return ok
}

func (c *Client) subscribedUser(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}
