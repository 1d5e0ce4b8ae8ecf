package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a push event category delivered to sessions.
type EventType string

const (
	// EventTick is an unthrottled raw tick, internal consumers only.
	EventTick EventType = "tick"
	// EventPriceUpdate is a throttled per-symbol price batch entry.
	EventPriceUpdate EventType = "price_update"
	// EventPriceSnapshot is the warm snapshot sent on subscribe.
	EventPriceSnapshot EventType = "price_snapshot"
	// EventDepth is an order book depth snapshot.
	EventDepth EventType = "price_depth"
	// EventTrade is a public trade print.
	EventTrade EventType = "price_trade"
	// EventOrderUpdate reports an order lifecycle change to its owner.
	EventOrderUpdate EventType = "order.update"
	// EventOrderRejected reports a rejected user operation.
	EventOrderRejected EventType = "order.rejected"
	// EventPositionUpdate reports a position change to its owner.
	EventPositionUpdate EventType = "position.update"
	// EventWalletUpdate reports a balance change to its owner.
	EventWalletUpdate EventType = "wallet.update"
	// EventMarginCall warns the owner about a deteriorating margin ratio.
	EventMarginCall EventType = "margin.call"
	// EventLiquidation reports a liquidation reduction to its owner.
	EventLiquidation EventType = "position.liquidation"
	// EventRiskAlert is a system risk alert.
	EventRiskAlert EventType = "system.risk_alert"
	// EventFailover reports a primary feed change for a symbol.
	EventFailover EventType = "system.failover"
	// EventFeedConnected reports an upstream feed gaining connectivity.
	EventFeedConnected EventType = "system.feed_connected"
	// EventFeedDisconnected reports an upstream feed losing connectivity.
	EventFeedDisconnected EventType = "system.feed_disconnected"
	// EventMaintenance reports an engine maintenance toggle.
	EventMaintenance EventType = "system.maintenance"
)

// System reports whether the event broadcasts to every session regardless
// of subscriptions.
func (t EventType) System() bool {
	switch t {
	case EventMaintenance, EventFeedConnected, EventFeedDisconnected, EventFailover:
		return true
	default:
		return false
	}
}

// Event is the envelope fanned out to sessions and internal subscribers.
// UserID is empty for public events; Symbol is empty for account-wide ones.
type Event struct {
	Type    EventType `json:"type"`
	Symbol  string    `json:"symbol,omitempty"`
	UserID  string    `json:"-"`
	Ts      time.Time `json:"ts"`
	Payload any       `json:"payload,omitempty"`
}

// PriceUpdate is the throttled per-symbol price payload.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Mark      decimal.Decimal `json:"mark"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume24h decimal.Decimal `json:"volume24h"`
	Source    Source          `json:"source"`
	Ts        time.Time       `json:"ts"`
}

// FailoverNotice reports the primary source change for a symbol.
type FailoverNotice struct {
	Symbol string `json:"symbol"`
	From   Source `json:"from"`
	To     Source `json:"to"`
	Reason string `json:"reason"`
}

// Rejection is the payload of an order.rejected event.
type Rejection struct {
	OrderID string            `json:"orderId,omitempty"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// AlertSeverity grades risk alerts.
type AlertSeverity string

const (
	// SeverityLow is informational.
	SeverityLow AlertSeverity = "low"
	// SeverityMedium needs operator attention.
	SeverityMedium AlertSeverity = "medium"
	// SeverityHigh needs prompt operator action.
	SeverityHigh AlertSeverity = "high"
	// SeverityCritical needs immediate operator action.
	SeverityCritical AlertSeverity = "critical"
)

// RiskAlert is the payload of a system.risk_alert event.
type RiskAlert struct {
	AlertID  string          `json:"alertId"`
	Severity AlertSeverity   `json:"severity"`
	Kind     string          `json:"kind"`
	Message  string          `json:"message"`
	Symbol   string          `json:"symbol,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Value    decimal.Decimal `json:"value"`
	Limit    decimal.Decimal `json:"limit"`
	Ts       time.Time       `json:"ts"`
}
