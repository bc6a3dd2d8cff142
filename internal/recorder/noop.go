package recorder

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RewardLedger/internal/model"
)

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordClaim(_ *model.ClaimEvent) error         { return nil }
func (n *NoopRecorder) RecordAck(_ *model.AckEvent) error             { return nil }
func (n *NoopRecorder) RecordPull(_ *model.PullEvent) error           { return nil }
func (n *NoopRecorder) RecordPullSetup(_ *model.PullSetupEvent) error { return nil }
func (n *NoopRecorder) Close() error                                  { return nil }

func (n *NoopRecorder) ListClaims(_ common.Address, _ int) ([]model.ClaimEvent, error) {
	return nil, nil
}

func (n *NoopRecorder) TotalClaimed(_ common.Address) (*uint256.Int, error) {
	return new(uint256.Int), nil
}
