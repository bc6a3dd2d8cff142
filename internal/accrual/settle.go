package accrual

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
)

// RegisterUserAction settles user at their current stake. The registry must
// call it before it changes that stake.
func (e *Engine) RegisterUserAction(ctx context.Context, key *RegistryKey, user common.Address) error {
	ctx, release := e.enter(ctx)
	defer release()

	if err := e.checkRegistry(key); err != nil {
		return fmt.Errorf("register user action: %w", err)
	}
	if err := e.maintain(ctx); err != nil {
		return err
	}
	if err := e.settleUser(ctx, user); err != nil {
		return err
	}
	e.save()
	return nil
}

// settleUser moves the reward accrued since the user's checkpoint into owed
// and advances the checkpoint. Callers run maintenance first.
func (e *Engine) settleUser(ctx context.Context, user common.Address) error {
	if e.registry == nil {
		return fmt.Errorf("settle %s: %w", user.Hex(), ErrNoRegistry)
	}
	stake, err := e.registry.StakeOf(ctx, user)
	if err != nil {
		return fmt.Errorf("settle %s: stake: %w", user.Hex(), err)
	}

	rec := e.record(user)
	pending, err := pendingReward(stake, e.state.Accrual.Multiplier, rec.Checkpoint)
	if err != nil {
		return fmt.Errorf("settle %s: %w", user.Hex(), err)
	}
	owed, err := fixedpoint.Add(rec.Owed, pending)
	if err != nil {
		return fmt.Errorf("settle %s: %w", user.Hex(), err)
	}

	e.journalUser(user)
	rec.Owed = owed
	rec.Checkpoint = e.state.Accrual.Multiplier.Clone()
	e.state.Users[user] = rec
	return nil
}

// record returns the user's record, or a fresh zero one that is not yet
// stored.
func (e *Engine) record(user common.Address) *model.UserRecord {
	if rec, ok := e.state.Users[user]; ok {
		return rec
	}
	return &model.UserRecord{Checkpoint: fixedpoint.Zero(), Owed: fixedpoint.Zero()}
}

// pendingReward is stake * (multiplier - checkpoint) / Scale.
func pendingReward(stake, multiplier, checkpoint *uint256.Int) (*uint256.Int, error) {
	delta, err := fixedpoint.Sub(multiplier, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("checkpoint ahead of multiplier: %w", err)
	}
	return fixedpoint.MulDiv(stake, delta, fixedpoint.Scale)
}
