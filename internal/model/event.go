package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ClaimEvent is emitted on every successful claim.
type ClaimEvent struct {
	ID     uuid.UUID
	User   common.Address
	Amount *uint256.Int
	At     time.Time
}

// AckEvent records a multiplier increase.
type AckEvent struct {
	ID               uuid.UUID
	BalanceBefore    *uint256.Int
	BalanceNow       *uint256.Int
	TotalStaked      *uint256.Int
	MultiplierBefore *uint256.Int
	MultiplierAfter  *uint256.Int
	At               time.Time
}

// PullEvent records a draw from the pull source.
type PullEvent struct {
	ID     uuid.UUID
	Source common.Address
	Amount *uint256.Int
	From   int64 // last pull timestamp before the draw
	To     int64 // timestamp the pull clock advanced to
	At     time.Time
}

// PullSetupEvent records a pull reconfiguration.
type PullSetupEvent struct {
	ID      uuid.UUID
	Source  common.Address
	StartAt int64
	EndAt   int64
	Amount  *uint256.Int
	At      time.Time
}
