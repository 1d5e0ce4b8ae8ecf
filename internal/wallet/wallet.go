// Package wallet tracks per-user asset balances with reserve/settle
// semantics. All mutation runs inside a per-user unit of work, so
// concurrent order flow for different users never contends.
package wallet

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/schema"
)

// Component is the error source identifier for this package.
const Component = "wallet"

type account struct {
	mu       sync.Mutex
	balances map[string]*schema.Balance
}

// Store holds all user accounts in memory. Persistence is write-behind,
// driven by the snapshots a unit of work returns.
type Store struct {
	mu    sync.RWMutex
	users map[string]*account
}

// NewStore creates an empty wallet store.
func NewStore() *Store {
	return &Store{users: make(map[string]*account)}
}

func (s *Store) account(userID string) *account {
	s.mu.RLock()
	acct, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return acct
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok = s.users[userID]; ok {
		return acct
	}
	acct = &account{balances: make(map[string]*schema.Balance)}
	s.users[userID] = acct
	return acct
}

func (a *account) balance(userID, asset string) *schema.Balance {
	bal, ok := a.balances[asset]
	if !ok {
		bal = &schema.Balance{UserID: userID, Asset: asset}
		a.balances[asset] = bal
	}
	return bal
}

// Tx is one unit of work over a single user's balances. Every step records
// its inverse; a failed unit rolls back in reverse order.
type Tx struct {
	userID  string
	acct    *account
	undo    []func()
	touched map[string]struct{}
}

func (tx *Tx) touch(asset string) {
	tx.touched[asset] = struct{}{}
}

// Deposit credits available funds.
func (tx *Tx) Deposit(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("deposit must be positive"),
			errs.WithField("asset", asset))
	}
	bal := tx.acct.balance(tx.userID, asset)
	bal.Available = bal.Available.Add(amount)
	tx.undo = append(tx.undo, func() { bal.Available = bal.Available.Sub(amount) })
	tx.touch(asset)
	return nil
}

// Withdraw debits available funds.
func (tx *Tx) Withdraw(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("withdrawal must be positive"),
			errs.WithField("asset", asset))
	}
	bal := tx.acct.balance(tx.userID, asset)
	if bal.Available.LessThan(amount) {
		return errs.New(Component, errs.CodeInsufficientFunds,
			errs.WithMessage("available balance too low"),
			errs.WithField("asset", asset),
			errs.WithField("available", bal.Available.String()),
			errs.WithField("requested", amount.String()))
	}
	bal.Available = bal.Available.Sub(amount)
	tx.undo = append(tx.undo, func() { bal.Available = bal.Available.Add(amount) })
	tx.touch(asset)
	return nil
}

// Reserve moves funds from available to locked.
func (tx *Tx) Reserve(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("reservation must be positive"),
			errs.WithField("asset", asset))
	}
	bal := tx.acct.balance(tx.userID, asset)
	if bal.Available.LessThan(amount) {
		return errs.New(Component, errs.CodeInsufficientFunds,
			errs.WithMessage("available balance too low"),
			errs.WithField("asset", asset),
			errs.WithField("available", bal.Available.String()),
			errs.WithField("requested", amount.String()))
	}
	bal.Available = bal.Available.Sub(amount)
	bal.Locked = bal.Locked.Add(amount)
	tx.undo = append(tx.undo, func() {
		bal.Available = bal.Available.Add(amount)
		bal.Locked = bal.Locked.Sub(amount)
	})
	tx.touch(asset)
	return nil
}

// Release moves funds from locked back to available, clamped at the locked
// balance so repeated releases of the same reservation stay safe.
func (tx *Tx) Release(asset string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	bal := tx.acct.balance(tx.userID, asset)
	freed := decimal.Min(amount, bal.Locked)
	if !freed.IsPositive() {
		return
	}
	bal.Locked = bal.Locked.Sub(freed)
	bal.Available = bal.Available.Add(freed)
	tx.undo = append(tx.undo, func() {
		bal.Locked = bal.Locked.Add(freed)
		bal.Available = bal.Available.Sub(freed)
	})
	tx.touch(asset)
}

// Spend consumes locked funds, e.g. settling the quote leg of a fill.
func (tx *Tx) Spend(asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("spend must not be negative"),
			errs.WithField("asset", asset))
	}
	if amount.IsZero() {
		return nil
	}
	bal := tx.acct.balance(tx.userID, asset)
	if bal.Locked.LessThan(amount) {
		return errs.New(Component, errs.CodeInsufficientFunds,
			errs.WithMessage("locked balance too low"),
			errs.WithField("asset", asset),
			errs.WithField("locked", bal.Locked.String()),
			errs.WithField("requested", amount.String()))
	}
	bal.Locked = bal.Locked.Sub(amount)
	tx.undo = append(tx.undo, func() { bal.Locked = bal.Locked.Add(amount) })
	tx.touch(asset)
	return nil
}

// Credit adds settled funds to available, e.g. the received leg of a fill.
func (tx *Tx) Credit(asset string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	bal := tx.acct.balance(tx.userID, asset)
	bal.Available = bal.Available.Add(amount)
	tx.undo = append(tx.undo, func() { bal.Available = bal.Available.Sub(amount) })
	tx.touch(asset)
}

// Debit removes available funds even into negative territory; used for
// realised losses that bypass the reservation path.
func (tx *Tx) Debit(asset string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	bal := tx.acct.balance(tx.userID, asset)
	bal.Available = bal.Available.Sub(amount)
	tx.undo = append(tx.undo, func() { bal.Available = bal.Available.Add(amount) })
	tx.touch(asset)
}

// Balance reads one asset inside the unit of work.
func (tx *Tx) Balance(asset string) schema.Balance {
	return *tx.acct.balance(tx.userID, asset)
}

// Update runs fn as a unit of work over userID's account. On error every
// recorded step is rolled back in reverse and the touched snapshot is nil.
func (s *Store) Update(userID string, fn func(*Tx) error) ([]schema.Balance, error) {
	acct := s.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	tx := &Tx{userID: userID, acct: acct, touched: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return nil, err
	}

	now := time.Now()
	out := make([]schema.Balance, 0, len(tx.touched))
	for asset := range tx.touched {
		bal := acct.balance(userID, asset)
		bal.UpdatedAt = now
		out = append(out, *bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// Balance reads one asset outside a unit of work.
func (s *Store) Balance(userID, asset string) schema.Balance {
	acct := s.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return *acct.balance(userID, asset)
}

// Balances lists every asset a user holds, sorted by asset.
func (s *Store) Balances(userID string) []schema.Balance {
	acct := s.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := make([]schema.Balance, 0, len(acct.balances))
	for _, bal := range acct.balances {
		out = append(out, *bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Users lists every user id with an account.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Seed loads balances straight into the store, bypassing unit-of-work
// bookkeeping. Used at startup when hydrating from persistence.
func (s *Store) Seed(balances []schema.Balance) {
	for _, bal := range balances {
		acct := s.account(bal.UserID)
		acct.mu.Lock()
		copied := bal
		acct.balances[bal.Asset] = &copied
		acct.mu.Unlock()
	}
}
