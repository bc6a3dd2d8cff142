package accrual_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RewardLedger/internal/accrual"
	"RewardLedger/internal/barn"
	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
	"RewardLedger/internal/token"
)

var (
	engineAddr = common.HexToAddress("0xe0")
	barnAddr   = common.HexToAddress("0xba")
	sourceAddr = common.HexToAddress("0x50")
	alice      = common.HexToAddress("0xa11ce")
	bob        = common.HexToAddress("0xb0b")
)

// fakeRegistry reports stakes without notifying the engine.
type fakeRegistry struct {
	stakes map[common.Address]*uint256.Int
	err    error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{stakes: make(map[common.Address]*uint256.Int)}
}

func (f *fakeRegistry) TotalStaked(context.Context) (*uint256.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	total := new(uint256.Int)
	for _, s := range f.stakes {
		total.Add(total, s)
	}
	return total, nil
}

func (f *fakeRegistry) StakeOf(_ context.Context, user common.Address) (*uint256.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.stakes[user]; ok {
		return s.Clone(), nil
	}
	return new(uint256.Int), nil
}

type world struct {
	ctx   context.Context
	clk   *clock.Mock
	tok   *token.Ledger
	eng   *accrual.Engine
	admin *accrual.AdminKey
	key   *accrual.RegistryKey
}

func newWorld(t *testing.T, registry accrual.StakeRegistry) *world {
	t.Helper()
	w := &world{ctx: context.Background(), clk: clock.NewMock(), tok: token.NewLedger("BOND")}
	var err error
	w.eng, w.admin, err = accrual.New(accrual.Options{Self: engineAddr, Asset: w.tok, Clock: w.clk})
	require.NoError(t, err)
	w.key, err = w.eng.SetRegistry(w.ctx, w.admin, registry)
	require.NoError(t, err)
	return w
}

// newBarnWorld wires a barn registry that settles users on stake changes.
func newBarnWorld(t *testing.T) (*world, *barn.Barn) {
	t.Helper()
	b := barn.New(barnAddr, nil)
	w := newWorld(t, b)
	b.Attach(w.eng, w.key)
	return w, b
}

func (w *world) fund(t *testing.T, amount *uint256.Int) {
	t.Helper()
	require.NoError(t, w.tok.Mint(engineAddr, amount))
}

func (w *world) balance(t *testing.T, a common.Address) *uint256.Int {
	t.Helper()
	b, err := w.tok.BalanceOf(w.ctx, a)
	require.NoError(t, err)
	return b
}

func (w *world) claimable(t *testing.T, user common.Address) *uint256.Int {
	t.Helper()
	c, err := w.eng.ClaimableReward(w.ctx, user)
	require.NoError(t, err)
	return c
}

func assertEq(t *testing.T, want, got *uint256.Int, msg ...any) {
	t.Helper()
	text := fmt.Sprintf("want %s got %s", want.Dec(), got.Dec())
	if len(msg) > 0 {
		text += ": " + fmt.Sprint(msg...)
	}
	assert.True(t, want.Eq(got), text)
}

// assertCovered checks the engine holds enough to pay every listed user
// what they could claim right now.
func assertCovered(t *testing.T, w *world, users ...common.Address) {
	t.Helper()
	sum := new(uint256.Int)
	for _, u := range users {
		sum.Add(sum, w.claimable(t, u))
	}
	held := w.balance(t, engineAddr)
	assert.False(t, sum.Gt(held), "claimable %s exceeds held %s", sum.Dec(), held.Dec())
}

func TestNew_RequiresAssetAndSelf(t *testing.T) {
	_, _, err := accrual.New(accrual.Options{Self: engineAddr})
	assert.ErrorIs(t, err, accrual.ErrInvalidConfig)
	_, _, err = accrual.New(accrual.Options{Asset: token.NewLedger("X")})
	assert.ErrorIs(t, err, accrual.ErrInvalidConfig)
}

func TestScenario_SingleUserScale(t *testing.T) {
	reg := newFakeRegistry()
	reg.stakes[alice] = fixedpoint.Units(100)
	w := newWorld(t, reg)

	w.fund(t, fixedpoint.Units(50))
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assert.Equal(t, "500000000000000000", w.eng.Multiplier().Dec())

	require.NoError(t, w.eng.RegisterUserAction(w.ctx, w.key, alice))
	assertEq(t, fixedpoint.Units(50), w.eng.User(alice).Owed)
	assertEq(t, w.eng.Multiplier(), w.eng.User(alice).Checkpoint)
}

func TestAckFunds_ZeroStakeDeferral(t *testing.T) {
	reg := newFakeRegistry()
	w := newWorld(t, reg)

	w.fund(t, fixedpoint.Units(10))
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assert.True(t, w.eng.Multiplier().IsZero())
	assert.True(t, w.eng.BalanceBefore().IsZero())

	// Funds are reflected once stake appears.
	reg.stakes[alice] = fixedpoint.Units(5)
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assertEq(t, fixedpoint.Units(2), w.eng.Multiplier())
	assertEq(t, fixedpoint.Units(10), w.eng.BalanceBefore())
	assertEq(t, fixedpoint.Units(10), w.claimable(t, alice))
}

func TestAckFunds_DeferredFundsAbsorbedOnDecrease(t *testing.T) {
	reg := newFakeRegistry()
	reg.stakes[alice] = fixedpoint.Units(1)
	w := newWorld(t, reg)

	w.fund(t, fixedpoint.Units(10))
	require.NoError(t, w.eng.AckFunds(w.ctx))
	m := w.eng.Multiplier()

	// New funds arrive while nobody is staked.
	delete(reg.stakes, alice)
	w.fund(t, fixedpoint.Units(5))
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assert.True(t, w.eng.Snapshot().Accrual.Deferred)
	assertEq(t, fixedpoint.Units(10), w.eng.BalanceBefore())

	// The balance then drops below the old baseline.
	require.NoError(t, w.tok.Transfer(w.ctx, engineAddr, bob, fixedpoint.Units(8)))
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assertEq(t, fixedpoint.Units(7), w.eng.BalanceBefore())
	assert.False(t, w.eng.Snapshot().Accrual.Deferred)

	reg.stakes[alice] = fixedpoint.Units(1)
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assertEq(t, m, w.eng.Multiplier())
}

func TestAckFunds_BalanceDecreaseOnlyRebases(t *testing.T) {
	reg := newFakeRegistry()
	reg.stakes[alice] = fixedpoint.Units(1)
	w := newWorld(t, reg)

	w.fund(t, fixedpoint.Units(8))
	require.NoError(t, w.eng.AckFunds(w.ctx))
	m := w.eng.Multiplier()

	require.NoError(t, w.tok.Transfer(w.ctx, engineAddr, bob, fixedpoint.Units(3)))
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assertEq(t, m, w.eng.Multiplier())
	assertEq(t, fixedpoint.Units(5), w.eng.BalanceBefore())

	// Flat balance changes nothing either.
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assertEq(t, m, w.eng.Multiplier())
}

func TestAckFunds_RequiresRegistry(t *testing.T) {
	tok := token.NewLedger("BOND")
	eng, _, err := accrual.New(accrual.Options{Self: engineAddr, Asset: tok})
	require.NoError(t, err)
	require.NoError(t, tok.Mint(engineAddr, uint256.NewInt(1)))
	assert.ErrorIs(t, eng.AckFunds(context.Background()), accrual.ErrNoRegistry)
}

func TestAckFunds_RegistryErrorLeavesState(t *testing.T) {
	reg := newFakeRegistry()
	w := newWorld(t, reg)
	w.fund(t, uint256.NewInt(10))

	boom := errors.New("registry down")
	reg.err = boom
	assert.ErrorIs(t, w.eng.AckFunds(w.ctx), boom)
	assert.True(t, w.eng.BalanceBefore().IsZero())
}

func setupLinearPull(t *testing.T, w *world) {
	t.Helper()
	require.NoError(t, w.tok.Mint(sourceAddr, uint256.NewInt(1000)))
	w.tok.Approve(sourceAddr, engineAddr, uint256.NewInt(1000))
	require.NoError(t, w.eng.SetupPull(w.ctx, w.admin, accrual.PullSetup{
		Source:  sourceAddr,
		StartAt: time.Unix(0, 0),
		EndAt:   time.Unix(100, 0),
		Amount:  uint256.NewInt(1000),
	}))
}

func TestPull_Linearity(t *testing.T) {
	w := newWorld(t, newFakeRegistry())
	setupLinearPull(t, w)

	w.clk.Set(time.Unix(50, 0))
	require.NoError(t, w.eng.Maintain(w.ctx))
	assert.Equal(t, uint64(500), w.balance(t, engineAddr).Uint64())
	assert.Equal(t, int64(50), w.eng.PullConfig().LastPullTs)

	w.clk.Set(time.Unix(150, 0))
	require.NoError(t, w.eng.Maintain(w.ctx))
	assert.Equal(t, uint64(1000), w.balance(t, engineAddr).Uint64())
	assert.Equal(t, int64(150), w.eng.PullConfig().LastPullTs)

	// Past the window further pulls are no-ops.
	w.clk.Set(time.Unix(400, 0))
	require.NoError(t, w.eng.Maintain(w.ctx))
	assert.Equal(t, uint64(1000), w.balance(t, engineAddr).Uint64())
	assert.Equal(t, int64(150), w.eng.PullConfig().LastPullTs)
	assert.True(t, w.balance(t, sourceAddr).IsZero())
}

func TestPull_NoopBeforeStartAndWhenDisabled(t *testing.T) {
	w := newWorld(t, newFakeRegistry())
	w.clk.Set(time.Unix(10, 0))
	require.NoError(t, w.tok.Mint(sourceAddr, uint256.NewInt(1000)))
	w.tok.Approve(sourceAddr, engineAddr, uint256.NewInt(1000))
	require.NoError(t, w.eng.SetupPull(w.ctx, w.admin, accrual.PullSetup{
		Source: sourceAddr, StartAt: time.Unix(20, 0), EndAt: time.Unix(120, 0), Amount: uint256.NewInt(1000),
	}))

	require.NoError(t, w.eng.Maintain(w.ctx))
	assert.True(t, w.balance(t, engineAddr).IsZero())
	assert.Equal(t, int64(20), w.eng.PullConfig().LastPullTs)

	require.NoError(t, w.eng.SetupPull(w.ctx, w.admin, accrual.PullSetup{}))
	assert.False(t, w.eng.PullConfig().Enabled())
	w.clk.Set(time.Unix(100, 0))
	require.NoError(t, w.eng.Maintain(w.ctx))
	assert.True(t, w.balance(t, engineAddr).IsZero())
}

func TestPull_ReconfigureResetsClock(t *testing.T) {
	w := newWorld(t, newFakeRegistry())
	setupLinearPull(t, w)
	w.clk.Set(time.Unix(30, 0))
	require.NoError(t, w.eng.Maintain(w.ctx))

	require.NoError(t, w.eng.SetupPull(w.ctx, w.admin, accrual.PullSetup{
		Source: sourceAddr, StartAt: time.Unix(30, 0), EndAt: time.Unix(60, 0), Amount: uint256.NewInt(300),
	}))
	cfg := w.eng.PullConfig()
	assert.Equal(t, int64(30), cfg.LastPullTs)
	assert.Equal(t, int64(30), cfg.Duration)
	assert.Equal(t, uint64(300), cfg.TotalAmount.Uint64())
}

func TestPull_TransferFailureRollsBackClock(t *testing.T) {
	w := newWorld(t, newFakeRegistry())
	require.NoError(t, w.eng.SetupPull(w.ctx, w.admin, accrual.PullSetup{
		Source: sourceAddr, StartAt: time.Unix(0, 0), EndAt: time.Unix(100, 0), Amount: uint256.NewInt(1000),
	}))

	w.clk.Set(time.Unix(50, 0))
	err := w.eng.Maintain(w.ctx)
	assert.ErrorIs(t, err, token.ErrInsufficientAllowance)
	assert.Equal(t, int64(0), w.eng.PullConfig().LastPullTs)

	// Once funded the whole elapsed share is drawn.
	require.NoError(t, w.tok.Mint(sourceAddr, uint256.NewInt(1000)))
	w.tok.Approve(sourceAddr, engineAddr, uint256.NewInt(1000))
	require.NoError(t, w.eng.Maintain(w.ctx))
	assert.Equal(t, uint64(500), w.balance(t, engineAddr).Uint64())
}

func TestPull_TransferFailureKeepsAccrualState(t *testing.T) {
	reg := newFakeRegistry()
	reg.stakes[alice] = uint256.NewInt(1)
	w := newWorld(t, reg)
	w.fund(t, uint256.NewInt(100))
	require.NoError(t, w.eng.AckFunds(w.ctx))
	setupLinearPull(t, w)
	m := w.eng.Multiplier()

	var ackErr error
	frozen := errors.New("source frozen")
	w.tok.SetHook(func(ctx context.Context, from, _ common.Address, _ *uint256.Int) error {
		if from == sourceAddr {
			ackErr = w.eng.AckFunds(ctx)
			return frozen
		}
		return nil
	})

	w.clk.Set(time.Unix(50, 0))
	assert.ErrorIs(t, w.eng.Maintain(w.ctx), frozen)
	assert.ErrorIs(t, ackErr, accrual.ErrTransferInFlight)
	assertEq(t, m, w.eng.Multiplier(), "multiplier moved for a reverted pull")
	assertEq(t, uint256.NewInt(100), w.eng.BalanceBefore())
	assertEq(t, uint256.NewInt(100), w.balance(t, engineAddr))
	assert.Equal(t, int64(0), w.eng.PullConfig().LastPullTs)

	w.tok.SetHook(nil)
	require.NoError(t, w.eng.Maintain(w.ctx))
	assertEq(t, uint256.NewInt(600), w.balance(t, engineAddr))
	assertEq(t, uint256.NewInt(600), w.claimable(t, alice))
	assertCovered(t, w, alice)
}

func TestSetupPull_Validation(t *testing.T) {
	w := newWorld(t, newFakeRegistry())

	err := w.eng.SetupPull(w.ctx, w.admin, accrual.PullSetup{
		Source: sourceAddr, StartAt: time.Unix(100, 0), EndAt: time.Unix(100, 0), Amount: uint256.NewInt(1),
	})
	assert.ErrorIs(t, err, accrual.ErrInvalidConfig)

	err = w.eng.SetupPull(w.ctx, w.admin, accrual.PullSetup{
		Source: sourceAddr, StartAt: time.Unix(0, 0), EndAt: time.Unix(100, 0),
	})
	assert.ErrorIs(t, err, accrual.ErrInvalidConfig)

	err = w.eng.SetupPull(w.ctx, &accrual.AdminKey{}, accrual.PullSetup{})
	assert.ErrorIs(t, err, accrual.ErrUnauthorized)
	err = w.eng.SetupPull(w.ctx, nil, accrual.PullSetup{})
	assert.ErrorIs(t, err, accrual.ErrUnauthorized)
}

func TestSetRegistry_RevokesPreviousKey(t *testing.T) {
	w := newWorld(t, newFakeRegistry())
	old := w.key

	_, err := w.eng.SetRegistry(w.ctx, &accrual.AdminKey{}, newFakeRegistry())
	assert.ErrorIs(t, err, accrual.ErrUnauthorized)
	_, err = w.eng.SetRegistry(w.ctx, w.admin, nil)
	assert.ErrorIs(t, err, accrual.ErrInvalidConfig)

	fresh, err := w.eng.SetRegistry(w.ctx, w.admin, newFakeRegistry())
	require.NoError(t, err)
	assert.ErrorIs(t, w.eng.RegisterUserAction(w.ctx, old, alice), accrual.ErrUnauthorized)
	assert.ErrorIs(t, w.eng.RegisterUserAction(w.ctx, nil, alice), accrual.ErrUnauthorized)
	assert.NoError(t, w.eng.RegisterUserAction(w.ctx, fresh, alice))
}

func TestClaim_PaysOwedPlusPending(t *testing.T) {
	w, b := newBarnWorld(t)
	require.NoError(t, b.Deposit(w.ctx, alice, fixedpoint.Units(100)))
	require.NoError(t, b.Deposit(w.ctx, bob, fixedpoint.Units(300)))

	w.fund(t, fixedpoint.Units(40))
	before := w.claimable(t, alice)
	assertEq(t, fixedpoint.Units(10), before)
	assertEq(t, fixedpoint.Units(30), w.claimable(t, bob))

	paid, err := w.eng.Claim(w.ctx, alice)
	require.NoError(t, err)
	assertEq(t, before, paid)
	assertEq(t, fixedpoint.Units(10), w.balance(t, alice))
	assert.True(t, w.eng.User(alice).Owed.IsZero())
	assert.True(t, w.claimable(t, alice).IsZero())

	// The payout lowered the held balance; acknowledging it moves nothing.
	m := w.eng.Multiplier()
	require.NoError(t, w.eng.AckFunds(w.ctx))
	assertEq(t, m, w.eng.Multiplier())
	assertEq(t, fixedpoint.Units(30), w.eng.BalanceBefore())
	assertEq(t, fixedpoint.Units(30), w.claimable(t, bob))
}

func TestClaim_NothingToClaim(t *testing.T) {
	w, b := newBarnWorld(t)
	require.NoError(t, b.Deposit(w.ctx, alice, fixedpoint.Units(1)))

	_, err := w.eng.Claim(w.ctx, alice)
	assert.ErrorIs(t, err, accrual.ErrNothingToClaim)

	_, err = w.eng.Claim(w.ctx, bob)
	assert.ErrorIs(t, err, accrual.ErrNothingToClaim)
	assert.NotContains(t, w.eng.Snapshot().Users, bob)
}

func TestClaim_StakeChangeSettlesAtOldStake(t *testing.T) {
	w, b := newBarnWorld(t)
	require.NoError(t, b.Deposit(w.ctx, alice, fixedpoint.Units(10)))
	w.fund(t, fixedpoint.Units(10))

	// Doubling the stake must not earn the earlier funds twice.
	require.NoError(t, b.Deposit(w.ctx, alice, fixedpoint.Units(10)))
	assertEq(t, fixedpoint.Units(10), w.eng.User(alice).Owed)

	require.NoError(t, b.Deposit(w.ctx, bob, fixedpoint.Units(20)))
	w.fund(t, fixedpoint.Units(40))
	assertEq(t, fixedpoint.Units(30), w.claimable(t, alice))
	assertEq(t, fixedpoint.Units(20), w.claimable(t, bob))

	require.NoError(t, b.Withdraw(w.ctx, alice, fixedpoint.Units(20)))
	assertEq(t, fixedpoint.Units(30), w.eng.User(alice).Owed)
	w.fund(t, fixedpoint.Units(5))
	assertEq(t, fixedpoint.Units(30), w.claimable(t, alice))
	assertEq(t, fixedpoint.Units(25), w.claimable(t, bob))

	assert.ErrorIs(t, b.Withdraw(w.ctx, alice, uint256.NewInt(1)), barn.ErrInsufficientStake)
}

func TestClaim_ReentrantClaimFails(t *testing.T) {
	w, b := newBarnWorld(t)
	require.NoError(t, b.Deposit(w.ctx, alice, fixedpoint.Units(1)))
	w.fund(t, fixedpoint.Units(7))

	var reentrant error
	calls := 0
	w.tok.SetHook(func(ctx context.Context, from, to common.Address, _ *uint256.Int) error {
		if from == engineAddr && to == alice {
			calls++
			_, reentrant = w.eng.Claim(ctx, alice)
		}
		return nil
	})

	paid, err := w.eng.Claim(w.ctx, alice)
	require.NoError(t, err)
	assertEq(t, fixedpoint.Units(7), paid)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, reentrant, accrual.ErrNothingToClaim)
	assertEq(t, fixedpoint.Units(7), w.balance(t, alice))
}

func TestClaim_PayoutFailureRestoresRecord(t *testing.T) {
	w, b := newBarnWorld(t)
	require.NoError(t, b.Deposit(w.ctx, alice, fixedpoint.Units(2)))
	w.fund(t, fixedpoint.Units(6))
	recBefore := w.eng.User(alice)
	want := w.claimable(t, alice)

	rejected := errors.New("recipient rejected")
	w.tok.SetHook(func(_ context.Context, _, to common.Address, _ *uint256.Int) error {
		if to == alice {
			return rejected
		}
		return nil
	})

	_, err := w.eng.Claim(w.ctx, alice)
	assert.ErrorIs(t, err, rejected)
	recAfter := w.eng.User(alice)
	assertEq(t, recBefore.Owed, recAfter.Owed)
	assertEq(t, recBefore.Checkpoint, recAfter.Checkpoint)
	assertEq(t, want, w.claimable(t, alice))
	assert.True(t, w.balance(t, alice).IsZero())

	w.tok.SetHook(nil)
	paid, err := w.eng.Claim(w.ctx, alice)
	require.NoError(t, err)
	assertEq(t, want, paid)
}

func TestClaim_PayoutFailureKeepsAccrualState(t *testing.T) {
	w, b := newBarnWorld(t)
	require.NoError(t, b.Deposit(w.ctx, alice, uint256.NewInt(1)))
	w.fund(t, uint256.NewInt(100))

	var ackErr, depositErr error
	rejected := errors.New("recipient rejected")
	w.tok.SetHook(func(ctx context.Context, from, to common.Address, _ *uint256.Int) error {
		if from == engineAddr && to == alice {
			// The held balance is already lower here.
			ackErr = w.eng.AckFunds(ctx)
			depositErr = b.Deposit(ctx, bob, uint256.NewInt(1))
			return rejected
		}
		return nil
	})

	_, err := w.eng.Claim(w.ctx, alice)
	assert.ErrorIs(t, err, rejected)
	assert.ErrorIs(t, ackErr, accrual.ErrTransferInFlight)
	require.NoError(t, depositErr)

	assertEq(t, uint256.NewInt(100), w.balance(t, engineAddr))
	assertEq(t, uint256.NewInt(100), w.eng.BalanceBefore())
	assertEq(t, uint256.NewInt(100), w.claimable(t, alice))
	assert.True(t, w.claimable(t, bob).IsZero())
	assertCovered(t, w, alice, bob)

	w.tok.SetHook(nil)
	paid, err := w.eng.Claim(w.ctx, alice)
	require.NoError(t, err)
	assertEq(t, uint256.NewInt(100), paid)
	assertCovered(t, w, alice, bob)
}

func TestMaintain_RefusedDuringPayout(t *testing.T) {
	w, b := newBarnWorld(t)
	require.NoError(t, b.Deposit(w.ctx, alice, uint256.NewInt(1)))
	w.fund(t, uint256.NewInt(10))

	var maintainErr error
	w.tok.SetHook(func(ctx context.Context, from, _ common.Address, _ *uint256.Int) error {
		if from == engineAddr {
			maintainErr = w.eng.Maintain(ctx)
		}
		return nil
	})

	_, err := w.eng.Claim(w.ctx, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, maintainErr, accrual.ErrTransferInFlight)

	// Outside a transfer it runs again.
	w.tok.SetHook(nil)
	require.NoError(t, w.eng.Maintain(w.ctx))
	assert.True(t, w.eng.BalanceBefore().IsZero())
}

func TestClaimable_IncludesDuePull(t *testing.T) {
	reg := newFakeRegistry()
	reg.stakes[alice] = uint256.NewInt(1)
	w := newWorld(t, reg)
	setupLinearPull(t, w)

	w.clk.Set(time.Unix(25, 0))
	want := w.claimable(t, alice)
	assert.Equal(t, uint64(250), want.Uint64())
	assert.True(t, w.balance(t, engineAddr).IsZero(), "preview must not pull")

	paid, err := w.eng.Claim(w.ctx, alice)
	require.NoError(t, err)
	assertEq(t, want, paid)
}

func TestSettle_CheckpointLeavesNothingPending(t *testing.T) {
	reg := newFakeRegistry()
	reg.stakes[alice] = fixedpoint.Units(3)
	reg.stakes[bob] = fixedpoint.Units(4)
	w := newWorld(t, reg)

	w.fund(t, fixedpoint.Units(11))
	require.NoError(t, w.eng.RegisterUserAction(w.ctx, w.key, alice))
	rec := w.eng.User(alice)
	assertEq(t, rec.Owed, w.claimable(t, alice))
	assertEq(t, w.eng.Multiplier(), rec.Checkpoint)
}

func TestConservation_BoundedRounding(t *testing.T) {
	reg := newFakeRegistry()
	stakes := map[common.Address]uint64{alice: 3, bob: 5, sourceAddr: 7}
	var total uint64
	for a, s := range stakes {
		reg.stakes[a] = uint256.NewInt(s)
		total += s
	}
	w := newWorld(t, reg)

	sum := func() *uint256.Int {
		out := new(uint256.Int)
		for a := range stakes {
			out.Add(out, w.claimable(t, a))
		}
		return out
	}

	before := sum()
	d := uint256.NewInt(1000)
	w.fund(t, d)
	require.NoError(t, w.eng.AckFunds(w.ctx))
	delta := new(uint256.Int).Sub(sum(), before)

	assert.False(t, delta.Gt(d), "distributed %s of %s", delta.Dec(), d.Dec())
	floor := new(uint256.Int).Sub(d, uint256.NewInt(total-1))
	assert.False(t, delta.Lt(floor), "distributed %s, floor %s", delta.Dec(), floor.Dec())
}

func TestMonotonicity_RandomOperations(t *testing.T) {
	w, b := newBarnWorld(t)
	users := []common.Address{alice, bob, common.HexToAddress("0xc0"), common.HexToAddress("0xd0")}
	rng := rand.New(rand.NewSource(7))

	funded := new(uint256.Int)
	paid := new(uint256.Int)
	last := w.eng.Multiplier()
	for i := 0; i < 300; i++ {
		u := users[rng.Intn(len(users))]
		amount := uint256.NewInt(uint64(rng.Intn(1_000_000) + 1))
		switch rng.Intn(4) {
		case 0:
			require.NoError(t, b.Deposit(w.ctx, u, amount))
		case 1:
			stake, err := b.StakeOf(w.ctx, u)
			require.NoError(t, err)
			if !stake.IsZero() {
				require.NoError(t, b.Withdraw(w.ctx, u, stake))
			}
		case 2:
			w.fund(t, amount)
			funded.Add(funded, amount)
		case 3:
			got, err := w.eng.Claim(w.ctx, u)
			if err != nil {
				require.ErrorIs(t, err, accrual.ErrNothingToClaim)
				continue
			}
			paid.Add(paid, got)
		}
		m := w.eng.Multiplier()
		require.False(t, m.Lt(last), "multiplier decreased at step %d", i)
		last = m
	}

	// Never pays out more than came in.
	outstanding := new(uint256.Int)
	for _, u := range users {
		outstanding.Add(outstanding, w.claimable(t, u))
	}
	assert.False(t, new(uint256.Int).Add(paid, outstanding).Gt(funded))
}

func TestStateFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.json")
	reg := newFakeRegistry()
	reg.stakes[alice] = fixedpoint.Units(4)

	tok := token.NewLedger("BOND")
	eng, admin, err := accrual.New(accrual.Options{Self: engineAddr, Asset: tok, StateFile: path})
	require.NoError(t, err)
	key, err := eng.SetRegistry(context.Background(), admin, reg)
	require.NoError(t, err)
	require.NoError(t, tok.Mint(engineAddr, fixedpoint.Units(2)))
	require.NoError(t, eng.RegisterUserAction(context.Background(), key, alice))

	reopened, _, err := accrual.New(accrual.Options{Self: engineAddr, Asset: tok, StateFile: path})
	require.NoError(t, err)
	assertEq(t, eng.Multiplier(), reopened.Multiplier())
	assertEq(t, eng.BalanceBefore(), reopened.BalanceBefore())
	assertEq(t, fixedpoint.Units(2), reopened.User(alice).Owed)
}

func TestSettle_CheckpointAheadFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	snap := model.NewSnapshot()
	snap.Users[alice] = &model.UserRecord{Checkpoint: uint256.NewInt(5), Owed: new(uint256.Int)}
	require.NoError(t, accrual.SaveState(path, snap))

	reg := newFakeRegistry()
	reg.stakes[alice] = uint256.NewInt(1)
	tok := token.NewLedger("BOND")
	eng, admin, err := accrual.New(accrual.Options{Self: engineAddr, Asset: tok, StateFile: path})
	require.NoError(t, err)
	key, err := eng.SetRegistry(context.Background(), admin, reg)
	require.NoError(t, err)

	err = eng.RegisterUserAction(context.Background(), key, alice)
	assert.ErrorIs(t, err, fixedpoint.ErrUnderflow)
	assertEq(t, uint256.NewInt(5), eng.User(alice).Checkpoint)
}
