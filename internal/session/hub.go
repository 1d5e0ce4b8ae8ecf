// Package session fans engine events out to websocket subscribers. Public
// market channels are symbol-scoped; user channels require bearer auth.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/internal/observability"
	"github.com/helixtrade/helix/internal/schema"
)

// Component is the error source identifier for this package.
const Component = "session"

// Channel names clients subscribe to.
const (
	ChannelTicker    = "priceTicker"
	ChannelDepth     = "priceDepth"
	ChannelTrades    = "priceTrades"
	ChannelOrders    = "userOrders"
	ChannelPositions = "userPositions"
	ChannelWallet    = "userWallet"
	ChannelAlerts    = "userAlerts"
)

func userChannel(channel string) bool {
	switch channel {
	case ChannelOrders, ChannelPositions, ChannelWallet, ChannelAlerts:
		return true
	default:
		return false
	}
}

func publicChannel(channel string) bool {
	switch channel {
	case ChannelTicker, ChannelDepth, ChannelTrades:
		return true
	default:
		return false
	}
}

// channelFor maps an event type onto the subscription channel carrying it.
func channelFor(t schema.EventType) (string, bool) {
	switch t {
	case schema.EventPriceUpdate, schema.EventPriceSnapshot:
		return ChannelTicker, true
	case schema.EventDepth:
		return ChannelDepth, true
	case schema.EventTrade:
		return ChannelTrades, true
	case schema.EventOrderUpdate, schema.EventOrderRejected:
		return ChannelOrders, true
	case schema.EventPositionUpdate, schema.EventLiquidation:
		return ChannelPositions, true
	case schema.EventWalletUpdate:
		return ChannelWallet, true
	case schema.EventMarginCall, schema.EventRiskAlert:
		return ChannelAlerts, true
	default:
		return "", false
	}
}

// outbound is the frame written to clients.
type outbound struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Message string    `json:"message,omitempty"`
	Ts      time.Time `json:"ts"`
}

// SnapshotSource supplies the warm price snapshot sent on ticker subscribe.
type SnapshotSource interface {
	Snapshot() []schema.PriceUpdate
}

// Hub routes engine events to connected clients. Price updates coalesce
// per symbol and flush on the throttle window, last writer wins.
type Hub struct {
	cfg       config.SessionSettings
	snapshots SnapshotSource

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	coalesce map[string]schema.Event

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub constructs the fanout hub. snapshots may be nil.
func NewHub(cfg config.SessionSettings, snapshots SnapshotSource) *Hub {
	return &Hub{
		cfg:       cfg,
		snapshots: snapshots,
		clients:   make(map[*Client]struct{}),
		coalesce:  make(map[string]schema.Event),
	}
}

// Start launches the coalescing flush loop.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.cfg.ThrottleWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.flushCoalesced()
			}
		}
	}()
}

// Stop terminates the flush loop and disconnects every client.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.disconnect("server shutdown")
	}
}

// Broadcast routes one engine event. Implements the Broadcaster interface
// every producing component takes.
func (h *Hub) Broadcast(event schema.Event) {
	if event.Type == schema.EventTick {
		// raw ticks are internal plumbing
		return
	}
	if event.Type == schema.EventPriceUpdate {
		h.mu.Lock()
		h.coalesce[event.Symbol] = event
		h.mu.Unlock()
		return
	}
	if event.Type.System() {
		h.broadcastAll(event)
		return
	}
	channel, ok := channelFor(event.Type)
	if !ok {
		return
	}
	if event.UserID != "" {
		h.broadcastUser(channel, event)
		return
	}
	if userChannel(channel) {
		// engine-wide alerts carry no user id; every channel subscriber
		// gets them
		h.broadcastChannel(channel, event)
		return
	}
	h.broadcastSymbol(channel, event)
}

func (h *Hub) flushCoalesced() {
	h.mu.Lock()
	if len(h.coalesce) == 0 {
		h.mu.Unlock()
		return
	}
	batch := h.coalesce
	h.coalesce = make(map[string]schema.Event)
	h.mu.Unlock()
	for _, event := range batch {
		h.broadcastSymbol(ChannelTicker, event)
	}
}

func (h *Hub) frame(channel string, event schema.Event) outbound {
	return outbound{
		Type:    string(event.Type),
		Channel: channel,
		Symbol:  event.Symbol,
		Payload: event.Payload,
		Ts:      event.Ts,
	}
}

func (h *Hub) broadcastAll(event schema.Event) {
	frame := outbound{Type: string(event.Type), Symbol: event.Symbol,
		Payload: event.Payload, Ts: event.Ts}
	for _, c := range h.snapshotClients() {
		c.enqueue(frame)
	}
}

func (h *Hub) broadcastSymbol(channel string, event schema.Event) {
	frame := h.frame(channel, event)
	for _, c := range h.snapshotClients() {
		if c.subscribedSymbol(channel, event.Symbol) {
			c.enqueue(frame)
		}
	}
}

func (h *Hub) broadcastChannel(channel string, event schema.Event) {
	frame := h.frame(channel, event)
	for _, c := range h.snapshotClients() {
		if c.subscribedUser(channel) {
			c.enqueue(frame)
		}
	}
}

func (h *Hub) broadcastUser(channel string, event schema.Event) {
	frame := h.frame(channel, event)
	for _, c := range h.snapshotClients() {
		if c.userID == event.UserID && c.subscribedUser(channel) {
			c.enqueue(frame)
		}
	}
}

func (h *Hub) snapshotClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	observability.Telemetry().SetGauge("session.clients", float64(n), nil)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	observability.Telemetry().SetGauge("session.clients", float64(n), nil)
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
