package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide identifies the direction of a leveraged position.
type PositionSide string

const (
	// PositionLong profits when the mark rises.
	PositionLong PositionSide = "long"
	// PositionShort profits when the mark falls.
	PositionShort PositionSide = "short"
)

// PositionStatus enumerates the position lifecycle.
type PositionStatus string

const (
	// PositionOpen carries live exposure.
	PositionOpen PositionStatus = "open"
	// PositionClosing is being reduced to zero by user action.
	PositionClosing PositionStatus = "closing"
	// PositionClosed carries no exposure.
	PositionClosed PositionStatus = "closed"
	// PositionLiquidating is being reduced by the liquidation engine.
	PositionLiquidating PositionStatus = "liquidating"
	// PositionLiquidated was closed by the liquidation engine.
	PositionLiquidated PositionStatus = "liquidated"
)

// RiskLevel buckets a position's margin ratio.
type RiskLevel string

const (
	// RiskSafe is margin ratio < 0.5.
	RiskSafe RiskLevel = "safe"
	// RiskWarning is margin ratio < 0.7.
	RiskWarning RiskLevel = "warning"
	// RiskDanger is margin ratio < 0.85.
	RiskDanger RiskLevel = "danger"
	// RiskCritical is margin ratio < 0.95.
	RiskCritical RiskLevel = "critical"
	// RiskLiquidation is margin ratio >= 0.95.
	RiskLiquidation RiskLevel = "liquidation"
)

// Position is the canonical leveraged position record, owned by the
// position manager.
type Position struct {
	PositionID        string          `json:"positionId"`
	UserID            string          `json:"userId"`
	Symbol            string          `json:"symbol"`
	Side              PositionSide    `json:"side"`
	Status            PositionStatus  `json:"status"`
	MarginMode        MarginMode      `json:"marginMode"`
	Quantity          decimal.Decimal `json:"quantity"`
	EntryPrice        decimal.Decimal `json:"entryPrice"`
	MarkPrice         decimal.Decimal `json:"markPrice"`
	LiquidationPrice  decimal.Decimal `json:"liquidationPrice"`
	BankruptcyPrice   decimal.Decimal `json:"bankruptcyPrice"`
	Leverage          decimal.Decimal `json:"leverage"`
	Margin            decimal.Decimal `json:"margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenanceMargin"`
	MarginRatio       decimal.Decimal `json:"marginRatio"`
	IsolatedMargin    decimal.Decimal `json:"isolatedMargin"`
	UnrealisedPnl     decimal.Decimal `json:"unrealisedPnl"`
	RealisedPnl       decimal.Decimal `json:"realisedPnl"`
	Fees              decimal.Decimal `json:"fees"`
	RiskLevel         RiskLevel       `json:"riskLevel"`
	OpenedAt          time.Time       `json:"openedAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	ClosedAt          *time.Time      `json:"closedAt,omitempty"`
}

// Notional returns quantity x entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// MarkNotional returns quantity x mark price.
func (p *Position) MarkNotional() decimal.Decimal {
	return p.Quantity.Mul(p.MarkPrice)
}

// Direction returns +1 for long and -1 for short.
func (p *Position) Direction() decimal.Decimal {
	if p.Side == PositionLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// ReducingSide returns the order side that shrinks this position.
func (p *Position) ReducingSide() Side {
	if p.Side == PositionLong {
		return SideSell
	}
	return SideBuy
}

// LiquidationEvent records one liquidation reduction, append-only.
type LiquidationEvent struct {
	PositionID         string          `json:"positionId"`
	UserID             string          `json:"userId"`
	Symbol             string          `json:"symbol"`
	Side               PositionSide    `json:"side"`
	Quantity           decimal.Decimal `json:"quantity"`
	ExecPrice          decimal.Decimal `json:"execPrice"`
	MarkPrice          decimal.Decimal `json:"markPrice"`
	Loss               decimal.Decimal `json:"loss"`
	Fee                decimal.Decimal `json:"fee"`
	InsuranceFundDelta decimal.Decimal `json:"insuranceFundDelta"`
	Ts                 time.Time       `json:"ts"`
	Level              int             `json:"level"`
	Partial            bool            `json:"partial"`
}

// InsuranceFundSnapshot is a point-in-time view of the singleton fund.
type InsuranceFundSnapshot struct {
	Balance       decimal.Decimal `json:"balance"`
	TargetBalance decimal.Decimal `json:"targetBalance"`
	Contributions decimal.Decimal `json:"contributions"`
	Payouts       decimal.Decimal `json:"payouts"`
	Utilisation   decimal.Decimal `json:"utilisation"`
	LastUpdate    time.Time       `json:"lastUpdate"`
}

// LeverageTier is one bracket of the piecewise margin table.
type LeverageTier struct {
	Tier            int             `json:"tier"`
	MinNotional     decimal.Decimal `json:"minNotional"`
	MaxNotional     decimal.Decimal `json:"maxNotional"`
	MaxLeverage     decimal.Decimal `json:"maxLeverage"`
	MaintenanceRate decimal.Decimal `json:"maintenanceRate"`
	MaintenanceFlat decimal.Decimal `json:"maintenanceFlat"`
}
