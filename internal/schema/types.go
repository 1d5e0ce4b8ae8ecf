// Package schema defines canonical domain types shared across the engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/errs"
)

// Source names an upstream price feed.
type Source string

// Symbol describes one tradable pair and its admission constraints.
type Symbol struct {
	Symbol         string          `json:"symbol"`
	Base           string          `json:"base"`
	Quote          string          `json:"quote"`
	TickSize       decimal.Decimal `json:"tickSize"`
	StepSize       decimal.Decimal `json:"stepSize"`
	MinNotional    decimal.Decimal `json:"minNotional"`
	EnabledSources []Source        `json:"enabledSources"`
	Rank           int             `json:"rank"`
	Enabled        bool            `json:"enabled"`
}

// SupportsSource reports whether the symbol is served by the given feed.
func (s Symbol) SupportsSource(source Source) bool {
	for _, enabled := range s.EnabledSources {
		if enabled == source {
			return true
		}
	}
	return false
}

// PriceTick is one canonical upstream quote.
type PriceTick struct {
	Symbol         string          `json:"symbol"`
	Last           decimal.Decimal `json:"last"`
	Bid            decimal.Decimal `json:"bid"`
	Ask            decimal.Decimal `json:"ask"`
	BidSize        decimal.Decimal `json:"bidSize"`
	AskSize        decimal.Decimal `json:"askSize"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	QuoteVolume24h decimal.Decimal `json:"quoteVolume24h"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         Source          `json:"source"`
	Sequence       uint64          `json:"sequence"`
}

// Validate enforces the tick invariants: bid>0, ask>0, bid<ask, last>0.
func (t PriceTick) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return errs.New("schema/tick", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return errs.New("schema/tick", errs.CodeInvalid,
			errs.WithMessage("bid and ask must be positive"), errs.WithField("symbol", t.Symbol))
	}
	if t.Bid.GreaterThanOrEqual(t.Ask) {
		return errs.New("schema/tick", errs.CodeInvalid,
			errs.WithMessage("bid must be below ask"), errs.WithField("symbol", t.Symbol))
	}
	if !t.Last.IsPositive() {
		return errs.New("schema/tick", errs.CodeInvalid,
			errs.WithMessage("last must be positive"), errs.WithField("symbol", t.Symbol))
	}
	return nil
}

// Mid returns the bid/ask midpoint.
func (t PriceTick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// FeedStatus describes the adapter connection state machine.
type FeedStatus string

const (
	// FeedDisconnected means no upstream session exists.
	FeedDisconnected FeedStatus = "disconnected"
	// FeedConnecting means a dial or resubscribe is in flight.
	FeedConnecting FeedStatus = "connecting"
	// FeedConnected means the session is live and flowing.
	FeedConnected FeedStatus = "connected"
	// FeedDegraded means the session is live but stale or error-prone.
	FeedDegraded FeedStatus = "degraded"
	// FeedError means the adapter gave up after exhausting reconnects.
	FeedError FeedStatus = "error"
)

// FeedHealth is the adapter health snapshot.
type FeedHealth struct {
	Source        Source        `json:"source"`
	Status        FeedStatus    `json:"status"`
	Connected     bool          `json:"connected"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	LastDataTs    time.Time     `json:"lastDataTs"`
	MsgsPerSec    float64       `json:"msgsPerSec"`
	Errors        uint64        `json:"errors"`
	Reconnects    uint64        `json:"reconnects"`
	Uptime        time.Duration `json:"uptime"`
	Quality       float64       `json:"quality"`
}

// Balance is one asset's wallet row for a user.
type Balance struct {
	UserID    string          `json:"userId"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}
