// Package margin is the pure calculator for tiered leverage: margin
// requirements, margin ratios, liquidation and bankruptcy prices. It holds
// no references to other engine components.
package margin

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/schema"
)

// Component is the error source identifier for this package.
const Component = "margin"

var one = decimal.NewFromInt(1)

// DefaultTiers is the bracket table applied to symbols without a dedicated
// table. Brackets are contiguous and ascending by notional.
func DefaultTiers() []schema.LeverageTier {
	t := func(tier int, minN, maxN, maxLev int64, rate float64, flat int64) schema.LeverageTier {
		return schema.LeverageTier{
			Tier:            tier,
			MinNotional:     decimal.NewFromInt(minN),
			MaxNotional:     decimal.NewFromInt(maxN),
			MaxLeverage:     decimal.NewFromInt(maxLev),
			MaintenanceRate: decimal.NewFromFloat(rate),
			MaintenanceFlat: decimal.NewFromInt(flat),
		}
	}
	return []schema.LeverageTier{
		t(1, 0, 50_000, 125, 0.004, 0),
		t(2, 50_000, 250_000, 100, 0.005, 50),
		t(3, 250_000, 1_000_000, 50, 0.01, 1_300),
		t(4, 1_000_000, 5_000_000, 20, 0.025, 16_300),
		t(5, 5_000_000, 20_000_000, 10, 0.05, 141_300),
		t(6, 20_000_000, 0, 5, 0.1, 1_141_300), // open-ended top bracket
	}
}

// Assessment is the derived margin state of one position at a mark price.
type Assessment struct {
	UnrealisedPnl     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	Equity            decimal.Decimal
	MarginRatio       decimal.Decimal
	RiskLevel         schema.RiskLevel
	LiquidationPrice  decimal.Decimal
	BankruptcyPrice   decimal.Decimal
}

// Calculator resolves leverage tiers per symbol. Safe for concurrent use.
type Calculator struct {
	liquidationFee decimal.Decimal

	mu    sync.RWMutex
	tiers map[string][]schema.LeverageTier
}

// NewCalculator builds a calculator with the given liquidation fee rate.
func NewCalculator(liquidationFee decimal.Decimal) *Calculator {
	return &Calculator{
		liquidationFee: liquidationFee,
		tiers:          make(map[string][]schema.LeverageTier),
	}
}

// SetTiers installs a per-symbol bracket table. Brackets must ascend and be
// contiguous; only the last bracket may be open-ended (MaxNotional zero).
func (c *Calculator) SetTiers(symbol string, tiers []schema.LeverageTier) error {
	if len(tiers) == 0 {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("tier table empty"), errs.WithField("symbol", symbol))
	}
	prev := decimal.Zero
	for i, tier := range tiers {
		if !tier.MinNotional.Equal(prev) {
			return errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("tier brackets must be contiguous"),
				errs.WithField("symbol", symbol),
				errs.WithField("tier", decimal.NewFromInt(int64(tier.Tier)).String()))
		}
		open := tier.MaxNotional.IsZero()
		if open && i != len(tiers)-1 {
			return errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("only the last tier may be open-ended"),
				errs.WithField("symbol", symbol))
		}
		if !open && tier.MaxNotional.LessThanOrEqual(tier.MinNotional) {
			return errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("tier bracket must be ascending"),
				errs.WithField("symbol", symbol))
		}
		if !tier.MaxLeverage.IsPositive() {
			return errs.New(Component, errs.CodeInvalid,
				errs.WithMessage("tier leverage must be positive"),
				errs.WithField("symbol", symbol))
		}
		prev = tier.MaxNotional
	}
	copied := make([]schema.LeverageTier, len(tiers))
	copy(copied, tiers)
	c.mu.Lock()
	c.tiers[symbol] = copied
	c.mu.Unlock()
	return nil
}

// Tier returns the bracket covering notional for symbol.
func (c *Calculator) Tier(symbol string, notional decimal.Decimal) schema.LeverageTier {
	c.mu.RLock()
	table, ok := c.tiers[symbol]
	c.mu.RUnlock()
	if !ok {
		table = DefaultTiers()
	}
	for _, tier := range table {
		if tier.MaxNotional.IsZero() || notional.LessThan(tier.MaxNotional) {
			return tier
		}
	}
	return table[len(table)-1]
}

// MaxLeverage returns the leverage cap for a notional size.
func (c *Calculator) MaxLeverage(symbol string, notional decimal.Decimal) decimal.Decimal {
	return c.Tier(symbol, notional).MaxLeverage
}

// InitialMargin is notional / leverage.
func InitialMargin(notional, leverage decimal.Decimal) decimal.Decimal {
	if !leverage.IsPositive() {
		return notional
	}
	return notional.Div(leverage)
}

// MaintenanceMargin is notional x rate + flat for the covering tier.
func (c *Calculator) MaintenanceMargin(symbol string, notional decimal.Decimal) decimal.Decimal {
	tier := c.Tier(symbol, notional)
	return notional.Mul(tier.MaintenanceRate).Add(tier.MaintenanceFlat)
}

// UnrealisedPnl is (mark-entry) x qty for longs, mirrored for shorts.
func UnrealisedPnl(side schema.PositionSide, entry, mark, qty decimal.Decimal) decimal.Decimal {
	if side == schema.PositionLong {
		return mark.Sub(entry).Mul(qty)
	}
	return entry.Sub(mark).Mul(qty)
}

// MarginRatio is maintenance / equity. A non-positive equity means the
// position is past bankruptcy and reports a ratio of 1.
func MarginRatio(maintenance, equity decimal.Decimal) decimal.Decimal {
	if !equity.IsPositive() {
		return one
	}
	return maintenance.Div(equity)
}

// LiquidationPrice is the mark at which the margin ratio reaches the
// liquidation threshold, inclusive of the liquidation fee.
func (c *Calculator) LiquidationPrice(symbol string, side schema.PositionSide, entry, leverage, notional decimal.Decimal) decimal.Decimal {
	if !leverage.IsPositive() || !entry.IsPositive() {
		return decimal.Zero
	}
	tier := c.Tier(symbol, notional)
	adj := one.Div(leverage).Sub(tier.MaintenanceRate).Sub(c.liquidationFee)
	if side == schema.PositionLong {
		price := entry.Mul(one.Sub(adj))
		if price.IsNegative() {
			return decimal.Zero
		}
		return price
	}
	return entry.Mul(one.Add(adj))
}

// BankruptcyPrice is the mark at which equity reaches zero.
func BankruptcyPrice(side schema.PositionSide, entry, leverage decimal.Decimal) decimal.Decimal {
	if !leverage.IsPositive() || !entry.IsPositive() {
		return decimal.Zero
	}
	if side == schema.PositionLong {
		return entry.Mul(one.Sub(one.Div(leverage)))
	}
	return entry.Mul(one.Add(one.Div(leverage)))
}

// RiskLevelFor buckets a margin ratio.
func RiskLevelFor(ratio decimal.Decimal) schema.RiskLevel {
	switch {
	case ratio.LessThan(decimal.NewFromFloat(0.5)):
		return schema.RiskSafe
	case ratio.LessThan(decimal.NewFromFloat(0.7)):
		return schema.RiskWarning
	case ratio.LessThan(decimal.NewFromFloat(0.85)):
		return schema.RiskDanger
	case ratio.LessThan(decimal.NewFromFloat(0.95)):
		return schema.RiskCritical
	default:
		return schema.RiskLiquidation
	}
}

// Assess derives the full margin state of a position at a mark price.
func (c *Calculator) Assess(p *schema.Position, mark decimal.Decimal) Assessment {
	notional := p.Quantity.Mul(mark)
	upnl := UnrealisedPnl(p.Side, p.EntryPrice, mark, p.Quantity)
	maintenance := c.MaintenanceMargin(p.Symbol, notional)
	equity := p.Margin.Add(upnl)
	ratio := MarginRatio(maintenance, equity)
	return Assessment{
		UnrealisedPnl:     upnl,
		MaintenanceMargin: maintenance,
		Equity:            equity,
		MarginRatio:       ratio,
		RiskLevel:         RiskLevelFor(ratio),
		LiquidationPrice:  c.LiquidationPrice(p.Symbol, p.Side, p.EntryPrice, p.Leverage, p.Notional()),
		BankruptcyPrice:   BankruptcyPrice(p.Side, p.EntryPrice, p.Leverage),
	}
}
