// Package accrual implements the lazy reward-accrual engine.
//
// Rewards held by the engine are distributed to stakers through a single
// cumulative multiplier (reward per unit of stake, scaled by 10^18). Each user
// keeps a checkpoint of the multiplier at their last settlement, so settling
// one user costs O(1) no matter how many users exist or how long ago they
// last interacted.
//
// Every state-changing operation first runs the maintenance step (Maintain):
// the pull scheduler draws the linearly unlocked part of the configured
// funding window, then the funds acknowledger folds any growth of the held
// balance into the multiplier.
package accrual

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RewardLedger/internal/model"
	"RewardLedger/internal/recorder"
)

// Asset is the reward token as seen by the engine.
type Asset interface {
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error
}

// StakeRegistry reports stake. The engine only reads from it.
type StakeRegistry interface {
	TotalStaked(ctx context.Context) (*uint256.Int, error)
	StakeOf(ctx context.Context, user common.Address) (*uint256.Int, error)
}

// Options configures an Engine.
type Options struct {
	// Self is the engine's own account in the Asset ledger.
	Self  common.Address
	Asset Asset
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Recorder defaults to a no-op recorder.
	Recorder recorder.Recorder
	// StateFile, when set, is loaded on start and rewritten after every
	// successful state change.
	StateFile string
}

// Engine owns the accrual state. All operations are serialized.
type Engine struct {
	mu sync.Mutex

	self        common.Address
	asset       Asset
	registry    StakeRegistry
	registryKey *RegistryKey
	admin       *AdminKey
	clock       clock.Clock
	rec         recorder.Recorder
	filePath    string

	// inFlight counts transfers of the asset the engine is waiting on.
	inFlight int
	// journal holds the records settled inside an Atomic unit as they were
	// before; a nil entry means the user had no record.
	journal map[common.Address]*model.UserRecord

	state *model.Snapshot
}

// New creates an Engine and returns it together with its admin key.
func New(opts Options) (*Engine, *AdminKey, error) {
	if opts.Asset == nil {
		return nil, nil, fmt.Errorf("new engine: asset is required: %w", ErrInvalidConfig)
	}
	if opts.Self == (common.Address{}) {
		return nil, nil, fmt.Errorf("new engine: self address is required: %w", ErrInvalidConfig)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.NewNoopRecorder()
	}

	state := model.NewSnapshot()
	if opts.StateFile != "" {
		loaded, err := LoadState(opts.StateFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load state: %w", err)
		}
		state = loaded
	}

	e := &Engine{
		self:     opts.Self,
		asset:    opts.Asset,
		admin:    &AdminKey{},
		clock:    opts.Clock,
		rec:      opts.Recorder,
		filePath: opts.StateFile,
		state:    state,
	}
	return e, e.admin, nil
}

// Self returns the engine's account address.
func (e *Engine) Self() common.Address { return e.self }

type lockOwner struct{}

// enter acquires the engine lock unless ctx already carries ownership of it,
// which is the case for calls made back into the engine by a collaborator
// while an operation is in flight. The returned context must not outlive the
// operation.
func (e *Engine) enter(ctx context.Context) (context.Context, func()) {
	if owner, _ := ctx.Value(lockOwner{}).(*Engine); owner == e {
		return ctx, func() {}
	}
	e.mu.Lock()
	return context.WithValue(ctx, lockOwner{}, e), e.mu.Unlock
}

// Atomic runs fn as one serialized unit of work. Engine methods called by fn
// with the context it receives join the same unit instead of re-locking.
// A stake registry uses it to settle a user and change their stake without
// a maintenance step slipping in between.
//
// If fn fails, user records settled inside the unit are put back. Pulls and
// acknowledgements it ran stand, as do claims it paid out.
func (e *Engine) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, release := e.enter(ctx)
	defer release()

	if e.journal != nil {
		return fn(ctx)
	}
	e.journal = make(map[common.Address]*model.UserRecord)
	defer func() { e.journal = nil }()

	if err := fn(ctx); err != nil {
		for user, prev := range e.journal {
			if prev == nil {
				delete(e.state.Users, user)
			} else {
				e.state.Users[user] = prev
			}
		}
		e.save()
		return err
	}
	return nil
}

// journalUser remembers user's record before its first change in the
// current Atomic unit.
func (e *Engine) journalUser(user common.Address) {
	if e.journal == nil {
		return
	}
	if _, ok := e.journal[user]; ok {
		return
	}
	var prev *model.UserRecord
	if rec, ok := e.state.Users[user]; ok {
		prev = rec.Clone()
	}
	e.journal[user] = prev
}

// SetRegistry replaces the stake registry and returns the key it must present
// to RegisterUserAction. Keys issued earlier stop working.
func (e *Engine) SetRegistry(ctx context.Context, key *AdminKey, registry StakeRegistry) (*RegistryKey, error) {
	_, release := e.enter(ctx)
	defer release()

	if err := e.checkAdmin(key); err != nil {
		return nil, fmt.Errorf("set registry: %w", err)
	}
	if registry == nil {
		return nil, fmt.Errorf("set registry: nil registry: %w", ErrInvalidConfig)
	}
	e.registry = registry
	e.registryKey = &RegistryKey{}
	log.Println("[INFO] stake registry replaced")
	return e.registryKey, nil
}

// Maintain runs the pull scheduler and then the funds acknowledger.
func (e *Engine) Maintain(ctx context.Context) error {
	ctx, release := e.enter(ctx)
	defer release()

	if e.inFlight > 0 {
		return fmt.Errorf("maintain: %w", ErrTransferInFlight)
	}
	if err := e.maintain(ctx); err != nil {
		return err
	}
	e.save()
	return nil
}

// maintain is skipped while a transfer is in flight: the held balance is not
// final until the transfer resolves, and a reverted transfer must leave the
// multiplier and balanceBefore as they were.
func (e *Engine) maintain(ctx context.Context) error {
	if e.inFlight > 0 {
		return nil
	}
	if err := e.pull(ctx); err != nil {
		return err
	}
	return e.ackFunds(ctx)
}

// transfer runs fn, a movement of the asset into or out of the engine, with
// the global accrual state frozen.
func (e *Engine) transfer(fn func() error) error {
	e.inFlight++
	defer func() { e.inFlight-- }()
	return fn()
}

// Multiplier returns the current global multiplier.
//
// Read views take the engine lock directly; do not call them from inside a
// collaborator callback.
func (e *Engine) Multiplier() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Accrual.Multiplier.Clone()
}

// BalanceBefore returns the last observed held balance.
func (e *Engine) BalanceBefore() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Accrual.BalanceBefore.Clone()
}

// PullConfig returns a copy of the active pull configuration.
func (e *Engine) PullConfig() model.PullConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.state.Pull
	p.TotalAmount = p.TotalAmount.Clone()
	return p
}

// User returns a copy of user's record; unknown users read as zero.
func (e *Engine) User(user common.Address) model.UserRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.state.Users[user]; ok {
		return *rec.Clone()
	}
	return model.UserRecord{Checkpoint: new(uint256.Int), Owed: new(uint256.Int)}
}

// Snapshot returns a deep copy of the whole state.
func (e *Engine) Snapshot() *model.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

func (e *Engine) save() {
	if e.filePath == "" {
		return
	}
	e.state.UpdatedAt = e.clock.Now()
	if err := SaveState(e.filePath, e.state); err != nil {
		log.Printf("[ERROR] failed to save ledger state: %v", err)
	}
}
