package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccrualState is the global multiplier ledger.
type AccrualState struct {
	Multiplier    *uint256.Int `json:"multiplier"`
	BalanceBefore *uint256.Int `json:"balance_before"`

	// Deferred is set while a balance increase waits for stake to appear.
	Deferred bool `json:"deferred,omitempty"`
}

// PullConfig describes the linear drip from an external source.
// A zero Source means pulling is disabled.
type PullConfig struct {
	Source      common.Address `json:"source"`
	StartAt     int64          `json:"start_at"`
	EndAt       int64          `json:"end_at"`
	Duration    int64          `json:"duration"`
	TotalAmount *uint256.Int   `json:"total_amount"`
	LastPullTs  int64          `json:"last_pull_ts"`
}

// Enabled reports whether a pull source is configured.
func (p PullConfig) Enabled() bool {
	return p.Source != (common.Address{})
}

// UserRecord is a participant's settlement checkpoint.
type UserRecord struct {
	Checkpoint *uint256.Int `json:"checkpoint"`
	Owed       *uint256.Int `json:"owed"`
}

// Snapshot is the full engine state as persisted to disk.
type Snapshot struct {
	Accrual   AccrualState                   `json:"accrual"`
	Pull      PullConfig                     `json:"pull"`
	Users     map[common.Address]*UserRecord `json:"users"`
	UpdatedAt time.Time                      `json:"updated_at"`
}

// NewSnapshot returns an empty state with all amounts set to zero.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Accrual: AccrualState{
			Multiplier:    new(uint256.Int),
			BalanceBefore: new(uint256.Int),
		},
		Pull:  PullConfig{TotalAmount: new(uint256.Int)},
		Users: make(map[common.Address]*UserRecord),
	}
}

// Normalize fills nil amounts left by an older or hand-edited file.
func (s *Snapshot) Normalize() {
	if s.Accrual.Multiplier == nil {
		s.Accrual.Multiplier = new(uint256.Int)
	}
	if s.Accrual.BalanceBefore == nil {
		s.Accrual.BalanceBefore = new(uint256.Int)
	}
	if s.Pull.TotalAmount == nil {
		s.Pull.TotalAmount = new(uint256.Int)
	}
	if s.Users == nil {
		s.Users = make(map[common.Address]*UserRecord)
	}
	for _, u := range s.Users {
		if u.Checkpoint == nil {
			u.Checkpoint = new(uint256.Int)
		}
		if u.Owed == nil {
			u.Owed = new(uint256.Int)
		}
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Accrual: AccrualState{
			Multiplier:    s.Accrual.Multiplier.Clone(),
			BalanceBefore: s.Accrual.BalanceBefore.Clone(),
			Deferred:      s.Accrual.Deferred,
		},
		Pull:      s.Pull,
		Users:     make(map[common.Address]*UserRecord, len(s.Users)),
		UpdatedAt: s.UpdatedAt,
	}
	out.Pull.TotalAmount = s.Pull.TotalAmount.Clone()
	for addr, u := range s.Users {
		out.Users[addr] = u.Clone()
	}
	return out
}

// Clone returns a deep copy.
func (u *UserRecord) Clone() *UserRecord {
	return &UserRecord{Checkpoint: u.Checkpoint.Clone(), Owed: u.Owed.Clone()}
}
