package accrual

import "errors"

var (
	// ErrUnauthorized is returned when a capability is missing, forged or revoked.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNothingToClaim is returned by Claim when the user has no owed reward.
	ErrNothingToClaim = errors.New("nothing to claim")
	// ErrInvalidConfig is returned for rejected configuration changes.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoRegistry is returned when stake data is needed but no registry is set.
	ErrNoRegistry = errors.New("stake registry not set")
	// ErrTransferInFlight is returned by AckFunds and Maintain when called
	// back into the engine while one of its transfers is pending.
	ErrTransferInFlight = errors.New("transfer in flight")
)
