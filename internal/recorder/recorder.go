package recorder

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RewardLedger/internal/model"
)

// Recorder persists ledger events for audit and analysis.
type Recorder interface {
	RecordClaim(evt *model.ClaimEvent) error
	RecordAck(evt *model.AckEvent) error
	RecordPull(evt *model.PullEvent) error
	RecordPullSetup(evt *model.PullSetupEvent) error
	Close() error
}

// ClaimHistory reads back recorded claims.
type ClaimHistory interface {
	// ListClaims returns the most recent claims of user, newest first.
	ListClaims(user common.Address, limit int) ([]model.ClaimEvent, error)
	TotalClaimed(user common.Address) (*uint256.Int, error)
}
