// Package barn is an in-memory stake registry. It tracks each participant's
// stake and the total, and settles the participant in the accrual engine
// before every change to their stake.
package barn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RewardLedger/internal/accrual"
	"RewardLedger/internal/fixedpoint"
)

var ErrInsufficientStake = errors.New("insufficient stake")

// Settler is the part of the accrual engine the registry drives.
type Settler interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	RegisterUserAction(ctx context.Context, key *accrual.RegistryKey, user common.Address) error
}

// Vault holds the staked token. Optional: without one the barn only keeps
// accounting.
type Vault interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error
}

// Barn tracks stake per participant.
type Barn struct {
	Address common.Address

	mu     sync.RWMutex
	stakes map[common.Address]*uint256.Int
	total  *uint256.Int

	settler Settler
	key     *accrual.RegistryKey
	vault   Vault
	path    string
}

// New creates an empty Barn. vault may be nil.
func New(address common.Address, vault Vault) *Barn {
	return &Barn{
		Address: address,
		stakes:  make(map[common.Address]*uint256.Int),
		total:   fixedpoint.Zero(),
		vault:   vault,
	}
}

// Attach wires the barn to the engine that must be notified of stake changes.
func (b *Barn) Attach(settler Settler, key *accrual.RegistryKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settler = settler
	b.key = key
}

// Seed sets an opening stake without settling the user. Only allowed before
// Attach.
func (b *Barn) Seed(user common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settler != nil {
		return fmt.Errorf("seed %s: barn already attached", user.Hex())
	}
	stake := b.stakes[user]
	if stake == nil {
		stake = fixedpoint.Zero()
	}
	next, err := fixedpoint.Add(stake, amount)
	if err != nil {
		return fmt.Errorf("seed %s: %w", user.Hex(), err)
	}
	total, err := fixedpoint.Add(b.total, amount)
	if err != nil {
		return fmt.Errorf("seed %s: %w", user.Hex(), err)
	}
	b.stakes[user] = next
	b.total = total
	return nil
}

// StakeOf returns the stake of user.
func (b *Barn) StakeOf(_ context.Context, user common.Address) (*uint256.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.stakes[user]; ok {
		return s.Clone(), nil
	}
	return fixedpoint.Zero(), nil
}

// TotalStaked returns the sum of all stakes.
func (b *Barn) TotalStaked(_ context.Context) (*uint256.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total.Clone(), nil
}

// Deposit increases user's stake by amount.
func (b *Barn) Deposit(ctx context.Context, user common.Address, amount *uint256.Int) error {
	return b.change(ctx, user, func(ctx context.Context, stake, total *uint256.Int) (*uint256.Int, *uint256.Int, error) {
		if b.vault != nil {
			if err := b.vault.TransferFrom(ctx, b.Address, user, b.Address, amount); err != nil {
				return nil, nil, err
			}
		}
		next, err := fixedpoint.Add(stake, amount)
		if err != nil {
			return nil, nil, err
		}
		if total, err = fixedpoint.Add(total, amount); err != nil {
			return nil, nil, err
		}
		return next, total, nil
	})
}

// Withdraw decreases user's stake by amount.
func (b *Barn) Withdraw(ctx context.Context, user common.Address, amount *uint256.Int) error {
	return b.change(ctx, user, func(ctx context.Context, stake, total *uint256.Int) (*uint256.Int, *uint256.Int, error) {
		if stake.Lt(amount) {
			return nil, nil, ErrInsufficientStake
		}
		if b.vault != nil {
			if err := b.vault.Transfer(ctx, b.Address, user, amount); err != nil {
				return nil, nil, err
			}
		}
		return new(uint256.Int).Sub(stake, amount), new(uint256.Int).Sub(total, amount), nil
	})
}

type stakeUpdate func(ctx context.Context, stake, total *uint256.Int) (*uint256.Int, *uint256.Int, error)

// change settles user and applies update as one unit of work in the engine,
// so no multiplier growth can land between the settlement and the new stake.
func (b *Barn) change(ctx context.Context, user common.Address, update stakeUpdate) error {
	b.mu.RLock()
	settler, key := b.settler, b.key
	b.mu.RUnlock()
	if settler == nil {
		return fmt.Errorf("stake change for %s: barn not attached", user.Hex())
	}

	return settler.Atomic(ctx, func(ctx context.Context) error {
		if err := settler.RegisterUserAction(ctx, key, user); err != nil {
			return fmt.Errorf("stake change for %s: %w", user.Hex(), err)
		}
		b.mu.RLock()
		stake, total := b.stakes[user], b.total.Clone()
		b.mu.RUnlock()
		if stake == nil {
			stake = fixedpoint.Zero()
		}

		next, newTotal, err := update(ctx, stake.Clone(), total)
		if err != nil {
			return fmt.Errorf("stake change for %s: %w", user.Hex(), err)
		}

		b.mu.Lock()
		b.stakes[user] = next
		b.total = newTotal
		b.saveLocked()
		b.mu.Unlock()
		log.Printf("[INFO] stake of %s now %s (total %s)",
			user.Hex(), fixedpoint.FormatUnits(next), fixedpoint.FormatUnits(newTotal))
		return nil
	})
}
