package margin

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/schema"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func calc() *Calculator { return NewCalculator(d(0.005)) }

func TestTierLookup(t *testing.T) {
	c := calc()
	require.Equal(t, 1, c.Tier("BTCUSDT", d(10_000)).Tier)
	require.Equal(t, 2, c.Tier("BTCUSDT", d(50_000)).Tier, "bracket bounds are half-open")
	require.Equal(t, 3, c.Tier("BTCUSDT", d(999_999)).Tier)
	require.Equal(t, 6, c.Tier("BTCUSDT", d(100_000_000)).Tier, "open-ended top bracket")
}

func TestSetTiersValidation(t *testing.T) {
	c := calc()

	err := c.SetTiers("BTCUSDT", nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	gap := []schema.LeverageTier{
		{Tier: 1, MinNotional: d(0), MaxNotional: d(100), MaxLeverage: d(10), MaintenanceRate: d(0.01)},
		{Tier: 2, MinNotional: d(200), MaxNotional: d(300), MaxLeverage: d(5), MaintenanceRate: d(0.02)},
	}
	err = c.SetTiers("BTCUSDT", gap)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "non-contiguous brackets rejected")

	good := []schema.LeverageTier{
		{Tier: 1, MinNotional: d(0), MaxNotional: d(100), MaxLeverage: d(10), MaintenanceRate: d(0.01)},
		{Tier: 2, MinNotional: d(100), MaxLeverage: d(5), MaintenanceRate: d(0.02)},
	}
	require.NoError(t, c.SetTiers("BTCUSDT", good))
	require.Equal(t, 2, c.Tier("BTCUSDT", d(500)).Tier)
	// other symbols keep the default table
	require.Equal(t, 1, c.Tier("ETHUSDT", d(500)).Tier)
}

func TestInitialMargin(t *testing.T) {
	require.True(t, InitialMargin(d(10_000), d(10)).Equal(d(1000)))
	require.True(t, InitialMargin(d(10_000), d(1)).Equal(d(10_000)))
}

func TestMaintenanceMargin(t *testing.T) {
	c := calc()
	// tier 1: rate 0.004, flat 0
	require.True(t, c.MaintenanceMargin("BTCUSDT", d(10_000)).Equal(d(40)))
	// tier 2: rate 0.005, flat 50
	got := c.MaintenanceMargin("BTCUSDT", d(100_000))
	require.True(t, got.Equal(d(550)), "got %s", got)
}

func TestUnrealisedPnl(t *testing.T) {
	require.True(t, UnrealisedPnl(schema.PositionLong, d(100), d(110), d(2)).Equal(d(20)))
	require.True(t, UnrealisedPnl(schema.PositionLong, d(100), d(90), d(2)).Equal(d(-20)))
	require.True(t, UnrealisedPnl(schema.PositionShort, d(100), d(90), d(2)).Equal(d(20)))
	require.True(t, UnrealisedPnl(schema.PositionShort, d(100), d(110), d(2)).Equal(d(-20)))
}

func TestMarginRatio(t *testing.T) {
	require.True(t, MarginRatio(d(40), d(1000)).Equal(d(0.04)))
	require.True(t, MarginRatio(d(40), d(0)).Equal(d(1)), "zero equity pins the ratio at 1")
	require.True(t, MarginRatio(d(40), d(-10)).Equal(d(1)))
}

func TestLiquidationAndBankruptcyPrices(t *testing.T) {
	c := calc()
	entry := d(100)
	lev := d(10)

	// long, tier 1: 100 * (1 - (1/10 - 0.004 - 0.005)) = 100 * 0.909 = 90.9
	liq := c.LiquidationPrice("BTCUSDT", schema.PositionLong, entry, lev, d(100))
	require.True(t, liq.Equal(d(90.9)), "long liq %s", liq)

	short := c.LiquidationPrice("BTCUSDT", schema.PositionShort, entry, lev, d(100))
	require.True(t, short.Equal(d(109.1)), "short liq %s", short)

	bankLong := BankruptcyPrice(schema.PositionLong, entry, lev)
	require.True(t, bankLong.Equal(d(90)))
	bankShort := BankruptcyPrice(schema.PositionShort, entry, lev)
	require.True(t, bankShort.Equal(d(110)))

	// bankruptcy is always worse than liquidation
	require.True(t, bankLong.LessThan(liq))
	require.True(t, bankShort.GreaterThan(short))
}

func TestRiskLevels(t *testing.T) {
	require.Equal(t, schema.RiskSafe, RiskLevelFor(d(0.1)))
	require.Equal(t, schema.RiskWarning, RiskLevelFor(d(0.6)))
	require.Equal(t, schema.RiskDanger, RiskLevelFor(d(0.8)))
	require.Equal(t, schema.RiskCritical, RiskLevelFor(d(0.9)))
	require.Equal(t, schema.RiskLiquidation, RiskLevelFor(d(0.95)))
	require.Equal(t, schema.RiskLiquidation, RiskLevelFor(d(2)))
}

func TestAssess(t *testing.T) {
	c := calc()
	p := &schema.Position{
		Symbol:     "BTCUSDT",
		Side:       schema.PositionLong,
		Quantity:   d(1),
		EntryPrice: d(100),
		Leverage:   d(10),
		Margin:     d(10),
	}

	a := c.Assess(p, d(110))
	require.True(t, a.UnrealisedPnl.Equal(d(10)))
	require.True(t, a.Equity.Equal(d(20)))
	require.Equal(t, schema.RiskSafe, a.RiskLevel)

	// mark near liquidation: equity shrinks, ratio climbs
	a = c.Assess(p, d(90.4))
	require.True(t, a.UnrealisedPnl.Equal(d(-9.6)))
	require.True(t, a.Equity.Equal(d(0.4)))
	require.True(t, a.MarginRatio.Equal(d(0.904)), "ratio %s", a.MarginRatio)
	require.Equal(t, schema.RiskCritical, a.RiskLevel)

	// past bankruptcy the ratio pins at 1
	a = c.Assess(p, d(80))
	require.True(t, a.MarginRatio.Equal(d(1)))
	require.Equal(t, schema.RiskLiquidation, a.RiskLevel)
}
