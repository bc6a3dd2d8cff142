package accrual

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
)

// PullSetup configures the linear drip. A zero Source disables pulling.
type PullSetup struct {
	Source  common.Address
	StartAt time.Time
	EndAt   time.Time
	Amount  *uint256.Int
}

// SetupPull replaces the pull configuration. The pull clock restarts at
// StartAt. Nothing outstanding under the previous configuration is drawn.
func (e *Engine) SetupPull(ctx context.Context, key *AdminKey, setup PullSetup) error {
	_, release := e.enter(ctx)
	defer release()

	if err := e.checkAdmin(key); err != nil {
		return fmt.Errorf("setup pull: %w", err)
	}

	cfg := model.PullConfig{TotalAmount: fixedpoint.Zero()}
	if setup.Source != (common.Address{}) {
		start, end := setup.StartAt.Unix(), setup.EndAt.Unix()
		if end <= start {
			return fmt.Errorf("setup pull: end %d must be after start %d: %w", end, start, ErrInvalidConfig)
		}
		if setup.Amount == nil || setup.Amount.IsZero() {
			return fmt.Errorf("setup pull: amount must be positive: %w", ErrInvalidConfig)
		}
		cfg = model.PullConfig{
			Source:      setup.Source,
			StartAt:     start,
			EndAt:       end,
			Duration:    end - start,
			TotalAmount: setup.Amount.Clone(),
			LastPullTs:  start,
		}
	}
	e.state.Pull = cfg

	if cfg.Enabled() {
		log.Printf("[INFO] pull configured: source=%s window=[%d,%d] amount=%s",
			cfg.Source.Hex(), cfg.StartAt, cfg.EndAt, fixedpoint.FormatUnits(cfg.TotalAmount))
	} else {
		log.Println("[INFO] pull disabled")
	}
	if err := e.rec.RecordPullSetup(&model.PullSetupEvent{
		ID:      uuid.New(),
		Source:  cfg.Source,
		StartAt: cfg.StartAt,
		EndAt:   cfg.EndAt,
		Amount:  cfg.TotalAmount.Clone(),
		At:      e.clock.Now(),
	}); err != nil {
		log.Printf("[ERROR] record pull setup: %v", err)
	}
	e.save()
	return nil
}

// pullDue returns the amount unlocked since the last pull at time now.
// A nil amount means the pull is a no-op and the pull clock stays put.
func (e *Engine) pullDue(now int64) (*uint256.Int, error) {
	p := &e.state.Pull
	if !p.Enabled() || now < p.StartAt {
		return nil, nil
	}
	capTs := min(now, p.EndAt)
	if p.LastPullTs >= capTs {
		return nil, nil
	}

	elapsed := uint256.NewInt(uint64(capTs - p.LastPullTs))
	share, err := fixedpoint.MulDiv(elapsed, fixedpoint.Scale, uint256.NewInt(uint64(p.Duration)))
	if err != nil {
		return nil, fmt.Errorf("pull share: %w", err)
	}
	amount, err := fixedpoint.MulDiv(p.TotalAmount, share, fixedpoint.Scale)
	if err != nil {
		return nil, fmt.Errorf("pull amount: %w", err)
	}
	return amount, nil
}

// pull draws the unlocked amount from the source. The pull clock advances to
// now, not to the window end, so later calls past EndAt are no-ops.
func (e *Engine) pull(ctx context.Context) error {
	now := e.clock.Now()
	amount, err := e.pullDue(now.Unix())
	if err != nil || amount == nil {
		return err
	}

	p := &e.state.Pull
	from := p.LastPullTs
	p.LastPullTs = now.Unix()
	if amount.IsZero() {
		return nil
	}
	err = e.transfer(func() error { return e.asset.TransferFrom(ctx, e.self, p.Source, e.self, amount) })
	if err != nil {
		p.LastPullTs = from
		return fmt.Errorf("pull from %s: %w", p.Source.Hex(), err)
	}

	log.Printf("[INFO] pulled %s from %s (%d -> %d)",
		fixedpoint.FormatUnits(amount), p.Source.Hex(), from, p.LastPullTs)
	if err := e.rec.RecordPull(&model.PullEvent{
		ID:     uuid.New(),
		Source: p.Source,
		Amount: amount,
		From:   from,
		To:     p.LastPullTs,
		At:     now,
	}); err != nil {
		log.Printf("[ERROR] record pull: %v", err)
	}
	return nil
}
