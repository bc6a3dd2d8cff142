package accrual

import (
	"context"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
)

// Claim settles user and pays out everything they are owed.
//
// Owed is zeroed before the transfer, so a claim re-entering through the
// asset's transfer hook sees nothing to claim. The multiplier and
// balanceBefore cannot move while the payout is pending, so if it fails
// putting the user's record back undoes the whole claim.
func (e *Engine) Claim(ctx context.Context, user common.Address) (*uint256.Int, error) {
	ctx, release := e.enter(ctx)
	defer release()

	if err := e.maintain(ctx); err != nil {
		return nil, err
	}

	prev, existed := e.state.Users[user]
	if existed {
		prev = prev.Clone()
	}
	restore := func() {
		if existed {
			e.state.Users[user] = prev
		} else {
			delete(e.state.Users, user)
		}
	}

	if err := e.settleUser(ctx, user); err != nil {
		return nil, err
	}
	rec := e.state.Users[user]
	if rec.Owed.IsZero() {
		restore()
		return nil, fmt.Errorf("claim %s: %w", user.Hex(), ErrNothingToClaim)
	}

	amount := rec.Owed
	checkpoint := rec.Checkpoint
	rec.Owed = fixedpoint.Zero()

	err := e.transfer(func() error { return e.asset.Transfer(ctx, e.self, user, amount) })
	if err != nil {
		if cur := e.state.Users[user]; cur.Owed.IsZero() && cur.Checkpoint.Eq(checkpoint) {
			restore()
		} else {
			// Settled again while the transfer was in flight; hand the
			// amount back instead of rewinding the checkpoint.
			cur.Owed = new(uint256.Int).Add(cur.Owed, amount)
		}
		return nil, fmt.Errorf("claim %s: payout: %w", user.Hex(), err)
	}

	if e.journal != nil {
		// Paid out; a failing enclosing unit must not hand it back.
		delete(e.journal, user)
	}
	log.Printf("[INFO] %s claimed %s", user.Hex(), fixedpoint.FormatUnits(amount))
	if err := e.rec.RecordClaim(&model.ClaimEvent{
		ID:     uuid.New(),
		User:   user,
		Amount: amount.Clone(),
		At:     e.clock.Now(),
	}); err != nil {
		log.Printf("[ERROR] record claim: %v", err)
	}
	e.save()
	return amount, nil
}

// ClaimableReward returns what a claim by user would pay right now, without
// changing any state. It assumes any due pull succeeds.
func (e *Engine) ClaimableReward(ctx context.Context, user common.Address) (*uint256.Int, error) {
	ctx, release := e.enter(ctx)
	defer release()

	multiplier, err := e.previewMultiplier(ctx)
	if err != nil {
		return nil, fmt.Errorf("claimable %s: %w", user.Hex(), err)
	}
	if e.registry == nil {
		return nil, fmt.Errorf("claimable %s: %w", user.Hex(), ErrNoRegistry)
	}
	stake, err := e.registry.StakeOf(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("claimable %s: stake: %w", user.Hex(), err)
	}

	rec := e.record(user)
	pending, err := pendingReward(stake, multiplier, rec.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("claimable %s: %w", user.Hex(), err)
	}
	return fixedpoint.Add(rec.Owed, pending)
}
