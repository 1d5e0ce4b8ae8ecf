package liquidation

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/internal/schema"
)

// Fund is the singleton insurance fund. Solvent liquidations pay their fee
// in; insolvent ones draw their deficit out.
type Fund struct {
	mu            sync.Mutex
	balance       decimal.Decimal
	target        decimal.Decimal
	contributions decimal.Decimal
	payouts       decimal.Decimal
	lastUpdate    time.Time
}

// NewFund seeds the fund with its initial balance and target size.
func NewFund(initial, target decimal.Decimal) *Fund {
	return &Fund{balance: initial, target: target, lastUpdate: time.Now()}
}

// Deposit adds a liquidation fee contribution.
func (f *Fund) Deposit(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = f.balance.Add(amount)
	f.contributions = f.contributions.Add(amount)
	f.lastUpdate = time.Now()
}

// Withdraw draws up to amount to cover an insolvency deficit and returns
// what the fund actually covered.
func (f *Fund) Withdraw(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	covered := decimal.Min(amount, f.balance)
	f.balance = f.balance.Sub(covered)
	f.payouts = f.payouts.Add(covered)
	f.lastUpdate = time.Now()
	return covered
}

// CanCover reports whether the fund holds at least amount.
func (f *Fund) CanCover(amount decimal.Decimal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance.GreaterThanOrEqual(amount)
}

// Utilisation returns balance / target, the fund's health gauge.
func (f *Fund) Utilisation() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utilisationLocked()
}

func (f *Fund) utilisationLocked() decimal.Decimal {
	if !f.target.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return f.balance.Div(f.target)
}

// Snapshot returns a point-in-time view of the fund.
func (f *Fund) Snapshot() schema.InsuranceFundSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return schema.InsuranceFundSnapshot{
		Balance:       f.balance,
		TargetBalance: f.target,
		Contributions: f.contributions,
		Payouts:       f.payouts,
		Utilisation:   f.utilisationLocked(),
		LastUpdate:    f.lastUpdate,
	}
}
