// Package token is an in-memory fungible token ledger with ERC-20 style
// balances and allowances. It backs the reward asset in the daemon, the
// scenario simulator and tests.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RewardLedger/internal/fixedpoint"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrZeroAddress           = errors.New("zero address")
)

// Hook runs after a transfer has been applied, outside the ledger lock.
// Returning an error reverts the transfer.
type Hook func(ctx context.Context, from, to common.Address, amount *uint256.Int) error

// Ledger holds balances and allowances for one token.
type Ledger struct {
	Symbol string

	mu         sync.Mutex
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	hook       Hook
	path       string
}

// NewLedger creates an empty ledger.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		Symbol:     symbol,
		supply:     fixedpoint.Zero(),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

// SetHook installs (or clears, with nil) the transfer hook.
func (l *Ledger) SetHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

// Mint creates amount new tokens for to.
func (l *Ledger) Mint(to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("mint: %w", ErrZeroAddress)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	supply, err := fixedpoint.Add(l.supply, amount)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	bal, err := fixedpoint.Add(l.balance(to), amount)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	l.supply = supply
	l.balances[to] = bal
	l.saveLocked()
	return nil
}

// Approve sets the amount spender may move out of owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setAllowance(owner, spender, amount.Clone())
	l.saveLocked()
}

// Allowance returns what spender may still move from owner.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowance(owner, spender).Clone()
}

// TotalSupply returns the sum of all balances.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply.Clone()
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(_ context.Context, account common.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(account).Clone(), nil
}

// Transfer moves amount from from to to.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	if err := l.move(from, to, amount); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("transfer: %w", err)
	}
	hook := l.hook
	l.mu.Unlock()

	err := l.runHook(ctx, hook, from, to, amount)
	l.mu.Lock()
	l.saveLocked()
	l.mu.Unlock()
	return err
}

// TransferFrom moves amount from from to to, spending spender's allowance.
func (l *Ledger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	allowed := l.allowance(from, spender)
	if allowed.Lt(amount) {
		l.mu.Unlock()
		return fmt.Errorf("transfer from %s: %w", from.Hex(), ErrInsufficientAllowance)
	}
	if err := l.move(from, to, amount); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("transfer from %s: %w", from.Hex(), err)
	}
	l.setAllowance(from, spender, new(uint256.Int).Sub(allowed, amount))
	hook := l.hook
	l.mu.Unlock()

	err := l.runHook(ctx, hook, from, to, amount)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.setAllowance(from, spender, new(uint256.Int).Add(l.allowance(from, spender), amount))
	}
	l.saveLocked()
	return err
}

func (l *Ledger) runHook(ctx context.Context, hook Hook, from, to common.Address, amount *uint256.Int) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, to, amount); err != nil {
		l.mu.Lock()
		// Reverse of a move that already succeeded; cannot fail unless
		// to spent the funds inside the hook.
		if rerr := l.move(to, from, amount); rerr != nil {
			err = errors.Join(err, fmt.Errorf("revert: %w", rerr))
		}
		l.mu.Unlock()
		return fmt.Errorf("transfer hook: %w", err)
	}
	return nil
}

func (l *Ledger) move(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBal, err := fixedpoint.Sub(l.balance(from), amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	l.balances[from] = fromBal
	toBal, err := fixedpoint.Add(l.balance(to), amount)
	if err != nil {
		l.balances[from] = new(uint256.Int).Add(fromBal, amount)
		return err
	}
	l.balances[to] = toBal
	return nil
}

func (l *Ledger) balance(account common.Address) *uint256.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return fixedpoint.Zero()
}

func (l *Ledger) allowance(owner, spender common.Address) *uint256.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return a
	}
	return fixedpoint.Zero()
}

func (l *Ledger) setAllowance(owner, spender common.Address, amount *uint256.Int) {
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	l.allowances[owner][spender] = amount
}
