// Package collateral is the sole authority over trader balances. Every
// movement between available and locked funds goes through the Ledger in
// response to an order-book or position event; nothing else touches the
// split. Amounts are integer quote units.
package collateral

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInsufficient is returned when available balance cannot cover a lock,
// withdrawal, or fee.
var ErrInsufficient = errors.New("insufficient collateral")

// Account tracks one trader's collateral. Invariant:
//
//	Available + Locked == Deposited + RealizedPnL − FeesPaid + Rebates + Covered
//
// Available never goes negative: losses beyond the account are absorbed by
// the insurance fund and recorded in Covered.
type Account struct {
	Address     common.Address
	Deposited   int64 // net deposits (deposits − withdrawals)
	Available   int64
	Locked      int64 // margin reserved for orders and positions
	RealizedPnL int64 // cumulative realized profit and loss
	FeesPaid    int64 // cumulative trading + liquidation fees
	Rebates     int64 // cumulative maker rebates
	Covered     int64 // losses absorbed by the insurance fund
}

func (a *Account) check() error {
	if a.Available < 0 {
		return fmt.Errorf("negative available balance: %d", a.Available)
	}
	if a.Locked < 0 {
		return fmt.Errorf("negative locked balance: %d", a.Locked)
	}
	if a.Available+a.Locked != a.Deposited+a.RealizedPnL-a.FeesPaid+a.Rebates+a.Covered {
		return fmt.Errorf("ledger conservation violated for %s", a.Address.Hex())
	}
	return nil
}

// Ledger is the collateral store for all traders plus the shared insurance
// fund that socializes liquidation shortfalls.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account

	// Insurance fund: receives liquidation fees and seized margin, absorbs
	// shortfalls. May go negative, meaning outstanding socialized loss.
	fund int64
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[common.Address]*Account)}
}

func (l *Ledger) getLocked(addr common.Address) *Account {
	acc, ok := l.accounts[addr]
	if !ok {
		acc = &Account{Address: addr}
		l.accounts[addr] = acc
	}
	return acc
}

// Deposit credits available balance. Creates the account on first use.
func (l *Ledger) Deposit(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.getLocked(addr)
	acc.Deposited += amount
	acc.Available += amount
	return nil
}

// Withdraw debits available balance.
func (l *Ledger) Withdraw(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.getLocked(addr)
	if acc.Available < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficient, acc.Available, amount)
	}
	acc.Deposited -= amount
	acc.Available -= amount
	return nil
}

// Lock reserves margin from available balance.
func (l *Ledger) Lock(addr common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("lock amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.getLocked(addr)
	if acc.Available < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficient, acc.Available, amount)
	}
	acc.Available -= amount
	acc.Locked += amount
	return nil
}

// Unlock releases reserved margin back to available balance.
func (l *Ledger) Unlock(addr common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("unlock amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.getLocked(addr)
	if acc.Locked < amount {
		return fmt.Errorf("cannot unlock %d, only %d locked", amount, acc.Locked)
	}
	acc.Locked -= amount
	acc.Available += amount
	return nil
}

// SettleFill applies every collateral leg of one fill side as a single
// movement under one lock acquisition: release unlock from locked balance,
// charge the fee (negative = rebate), then apply realized PnL with
// insurance-fund coverage. All checks run before any mutation, so a failure
// leaves the account untouched and no leg is ever applied without the
// others; a concurrent lock on another market cannot slip between the
// release and the fee. Returns any loss amount covered by the fund.
func (l *Ledger) SettleFill(addr common.Address, unlock, fee, realized int64) (covered int64, err error) {
	if unlock < 0 {
		return 0, fmt.Errorf("unlock amount cannot be negative: %d", unlock)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.getLocked(addr)
	if acc.Locked < unlock {
		return 0, fmt.Errorf("cannot unlock %d, only %d locked", unlock, acc.Locked)
	}
	if fee > 0 && acc.Available+unlock < fee {
		return 0, fmt.Errorf("%w: fee %d exceeds available %d", ErrInsufficient, fee, acc.Available+unlock)
	}

	acc.Locked -= unlock
	acc.Available += unlock
	if fee >= 0 {
		acc.Available -= fee
		acc.FeesPaid += fee
	} else {
		acc.Available += -fee
		acc.Rebates += -fee
	}
	if realized != 0 {
		acc.RealizedPnL += realized
		acc.Available += realized
		if acc.Available < 0 {
			covered = -acc.Available
			acc.Available = 0
			acc.Covered += covered
			l.fund -= covered
		}
	}
	return covered, nil
}

// SeizeLocked moves locked margin out of the account into the insurance
// fund. Used by liquidation to collect losses and fees; never exceeds what
// is locked.
func (l *Ledger) SeizeLocked(addr common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("seize amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.getLocked(addr)
	if acc.Locked < amount {
		return fmt.Errorf("cannot seize %d, only %d locked", amount, acc.Locked)
	}
	acc.Locked -= amount
	acc.RealizedPnL -= amount
	l.fund += amount
	return nil
}

// FundCredit adds to the insurance fund (liquidation fees).
func (l *Ledger) FundCredit(amount int64) {
	l.mu.Lock()
	l.fund += amount
	l.mu.Unlock()
}

// FundBalance returns the insurance fund balance; negative means socialized
// loss outstanding.
func (l *Ledger) FundBalance() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fund
}

// Get returns a copy of the account, or a zero account if none exists.
func (l *Ledger) Get(addr common.Address) Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acc, ok := l.accounts[addr]; ok {
		return *acc
	}
	return Account{Address: addr}
}

// Available returns the balance free for new margin locks.
func (l *Ledger) Available(addr common.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acc, ok := l.accounts[addr]; ok {
		return acc.Available
	}
	return 0
}

// List returns copies of every account, for persistence and API queries.
func (l *Ledger) List() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, *acc)
	}
	return out
}

// Restore installs an account loaded from disk. Only valid at boot.
func (l *Ledger) Restore(acc Account) error {
	if err := acc.check(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := acc
	l.accounts[acc.Address] = &cp
	return nil
}

// RestoreFund installs the insurance fund balance loaded from disk.
func (l *Ledger) RestoreFund(balance int64) {
	l.mu.Lock()
	l.fund = balance
	l.mu.Unlock()
}

// Validate re-checks the conservation invariant for one trader.
func (l *Ledger) Validate(addr common.Address) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return fmt.Errorf("account not found: %s", addr.Hex())
	}
	return acc.check()
}
