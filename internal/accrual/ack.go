package accrual

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
)

// AckFunds folds any growth of the held balance into the multiplier.
// It does not run the pull scheduler, and it is refused while the engine is
// waiting on a transfer.
func (e *Engine) AckFunds(ctx context.Context) error {
	ctx, release := e.enter(ctx)
	defer release()

	if e.inFlight > 0 {
		return fmt.Errorf("ack funds: %w", ErrTransferInFlight)
	}
	if err := e.ackFunds(ctx); err != nil {
		return err
	}
	e.save()
	return nil
}

// ackFunds is the only writer of the multiplier.
func (e *Engine) ackFunds(ctx context.Context) error {
	balanceNow, err := e.asset.BalanceOf(ctx, e.self)
	if err != nil {
		return fmt.Errorf("ack funds: balance: %w", err)
	}

	st := &e.state.Accrual
	if balanceNow.IsZero() || !balanceNow.Gt(st.BalanceBefore) {
		if st.Deferred && balanceNow.Lt(st.BalanceBefore) {
			// Funds deferred for lack of stake are rebased away here.
			log.Printf("[WARN] balance fell to %s while funds were deferred; undistributed excess absorbed",
				fixedpoint.FormatUnits(balanceNow))
		}
		st.Deferred = false
		st.BalanceBefore = balanceNow
		return nil
	}

	if e.registry == nil {
		return fmt.Errorf("ack funds: %w", ErrNoRegistry)
	}
	totalStaked, err := e.registry.TotalStaked(ctx)
	if err != nil {
		return fmt.Errorf("ack funds: total staked: %w", err)
	}
	if totalStaked.IsZero() {
		if !st.Deferred {
			log.Printf("[WARN] no stake; deferring %s of new funds",
				fixedpoint.FormatUnits(new(uint256.Int).Sub(balanceNow, st.BalanceBefore)))
		}
		st.Deferred = true
		return nil
	}

	diff, err := fixedpoint.Sub(balanceNow, st.BalanceBefore)
	if err != nil {
		return fmt.Errorf("ack funds: %w", err)
	}
	inc, err := fixedpoint.MulDiv(diff, fixedpoint.Scale, totalStaked)
	if err != nil {
		return fmt.Errorf("ack funds: %w", err)
	}
	next, err := fixedpoint.Add(st.Multiplier, inc)
	if err != nil {
		return fmt.Errorf("ack funds: %w", err)
	}

	evt := &model.AckEvent{
		ID:               uuid.New(),
		BalanceBefore:    st.BalanceBefore,
		BalanceNow:       balanceNow.Clone(),
		TotalStaked:      totalStaked.Clone(),
		MultiplierBefore: st.Multiplier,
		MultiplierAfter:  next.Clone(),
		At:               e.clock.Now(),
	}
	st.Multiplier = next
	st.BalanceBefore = balanceNow
	st.Deferred = false

	log.Printf("[INFO] acknowledged %s over stake %s, multiplier %s",
		fixedpoint.FormatUnits(diff), fixedpoint.FormatUnits(totalStaked), next.Dec())
	if err := e.rec.RecordAck(evt); err != nil {
		log.Printf("[ERROR] record ack: %v", err)
	}
	return nil
}

// previewMultiplier returns the multiplier a maintenance step run now would
// produce, assuming the due pull succeeds. It writes nothing.
func (e *Engine) previewMultiplier(ctx context.Context) (*uint256.Int, error) {
	st := &e.state.Accrual

	balanceNow, err := e.asset.BalanceOf(ctx, e.self)
	if err != nil {
		return nil, fmt.Errorf("preview: balance: %w", err)
	}
	due, err := e.pullDue(e.clock.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}
	if due != nil {
		if balanceNow, err = fixedpoint.Add(balanceNow, due); err != nil {
			return nil, fmt.Errorf("preview: %w", err)
		}
	}

	if balanceNow.IsZero() || !balanceNow.Gt(st.BalanceBefore) {
		return st.Multiplier.Clone(), nil
	}
	if e.registry == nil {
		return nil, fmt.Errorf("preview: %w", ErrNoRegistry)
	}
	totalStaked, err := e.registry.TotalStaked(ctx)
	if err != nil {
		return nil, fmt.Errorf("preview: total staked: %w", err)
	}
	if totalStaked.IsZero() {
		return st.Multiplier.Clone(), nil
	}
	inc, err := fixedpoint.MulDiv(new(uint256.Int).Sub(balanceNow, st.BalanceBefore), fixedpoint.Scale, totalStaked)
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}
	return fixedpoint.Add(st.Multiplier, inc)
}
