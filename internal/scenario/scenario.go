// Package scenario replays scripted ledger histories on a mock clock. A
// scenario file lists steps (deposits, funding, pulls, claims) together with
// expectations on the resulting balances, and Run fails on the first step
// whose expectation does not hold.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"RewardLedger/internal/accrual"
	"RewardLedger/internal/barn"
	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
	"RewardLedger/internal/recorder"
	"RewardLedger/internal/token"
)

// ErrExpectation is returned when a step's expectation does not hold.
var ErrExpectation = errors.New("expectation failed")

// Step operations.
const (
	OpAdvance          = "advance"
	OpFund             = "fund"
	OpDeposit          = "deposit"
	OpWithdraw         = "withdraw"
	OpSetupPull        = "setup_pull"
	OpAck              = "ack"
	OpClaim            = "claim"
	OpExpectClaimable  = "expect_claimable"
	OpExpectOwed       = "expect_owed"
	OpExpectMultiplier = "expect_multiplier"
)

// Scenario is a scripted history.
type Scenario struct {
	Name   string `yaml:"name"`
	Symbol string `yaml:"symbol"`
	// Start is the RFC3339 time the mock clock starts at. Defaults to the
	// Unix epoch.
	Start string `yaml:"start"`
	Steps []Step `yaml:"steps"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`
	// User is a participant name or hex address.
	User string `yaml:"user"`
	// Amount is in whole token units, e.g. "12.5". For claim it is the
	// expected payout; for expect_multiplier it is the raw scaled value.
	Amount string `yaml:"amount"`
	// Seconds is the clock advance for advance steps.
	Seconds int64 `yaml:"seconds"`
	// Source, From and To describe a pull window for setup_pull. From and
	// To are seconds relative to the scenario start.
	Source string `yaml:"source"`
	From   int64  `yaml:"from"`
	To     int64  `yaml:"to"`
	// ExpectError names the error the step must fail with.
	ExpectError string `yaml:"expect_error"`
}

// StepResult is one line of the replay log.
type StepResult struct {
	Index  int
	Op     string
	Detail string
}

// Result is the outcome of a replay.
type Result struct {
	Name  string
	Steps []StepResult
	Final *model.Snapshot
}

var namedErrors = map[string]error{
	"nothing_to_claim":       accrual.ErrNothingToClaim,
	"unauthorized":           accrual.ErrUnauthorized,
	"invalid_config":         accrual.ErrInvalidConfig,
	"insufficient_stake":     barn.ErrInsufficientStake,
	"insufficient_balance":   token.ErrInsufficientBalance,
	"insufficient_allowance": token.ErrInsufficientAllowance,
	"overflow":               fixedpoint.ErrOverflow,
	"underflow":              fixedpoint.ErrUnderflow,
}

var (
	engineAddr = Address("ledger")
	barnAddr   = Address("barn")
)

// Address resolves a participant name to an account. Hex addresses are
// used as is; other names map to the tail of their Keccak-256 hash.
func Address(name string) common.Address {
	if common.IsHexAddress(name) {
		return common.HexToAddress(name)
	}
	return common.BytesToAddress(crypto.Keccak256([]byte(name))[12:])
}

// Load reads a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario and checks every step is well formed.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Symbol == "" {
		sc.Symbol = "BOND"
	}
	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	return &sc, nil
}

func (st Step) validate() error {
	needUser := func() error {
		if st.User == "" {
			return fmt.Errorf("user is required")
		}
		return nil
	}
	needAmount := func() error {
		if _, err := fixedpoint.ParseUnits(st.Amount); err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		return nil
	}
	if st.ExpectError != "" {
		if _, ok := namedErrors[st.ExpectError]; !ok {
			return fmt.Errorf("unknown expect_error %q", st.ExpectError)
		}
	}

	switch st.Op {
	case OpAdvance:
		if st.Seconds <= 0 {
			return fmt.Errorf("seconds must be positive")
		}
	case OpFund:
		return needAmount()
	case OpDeposit, OpWithdraw, OpExpectClaimable, OpExpectOwed:
		if err := needUser(); err != nil {
			return err
		}
		return needAmount()
	case OpClaim:
		if err := needUser(); err != nil {
			return err
		}
		if st.Amount != "" {
			return needAmount()
		}
	case OpSetupPull:
		if st.Source != "" {
			return needAmount()
		}
	case OpExpectMultiplier:
		if _, err := uint256.FromDecimal(st.Amount); err != nil {
			return fmt.Errorf("amount: %w", err)
		}
	case OpAck:
	default:
		return fmt.Errorf("unknown op")
	}
	return nil
}

// runner holds the in-memory world a scenario plays out in.
type runner struct {
	clk    *clock.Mock
	start  time.Time
	reward *token.Ledger
	stake  *token.Ledger
	engine *accrual.Engine
	admin  *accrual.AdminKey
	barn   *barn.Barn
	symbol string
}

// Run replays sc on a fresh engine. rec may be nil.
func Run(ctx context.Context, sc *Scenario, rec recorder.Recorder) (*Result, error) {
	start := time.Unix(0, 0).UTC()
	if sc.Start != "" {
		t, err := time.Parse(time.RFC3339, sc.Start)
		if err != nil {
			return nil, fmt.Errorf("scenario start: %w", err)
		}
		start = t
	}

	r := &runner{
		clk:    clock.NewMock(),
		start:  start,
		reward: token.NewLedger(sc.Symbol),
		stake:  token.NewLedger(sc.Symbol + "-STAKE"),
		symbol: sc.Symbol,
	}
	r.clk.Set(start)

	var err error
	r.engine, r.admin, err = accrual.New(accrual.Options{
		Self:     engineAddr,
		Asset:    r.reward,
		Clock:    r.clk,
		Recorder: rec,
	})
	if err != nil {
		return nil, err
	}
	r.barn = barn.New(barnAddr, r.stake)
	key, err := r.engine.SetRegistry(ctx, r.admin, r.barn)
	if err != nil {
		return nil, err
	}
	r.barn.Attach(r.engine, key)

	res := &Result{Name: sc.Name}
	for i, st := range sc.Steps {
		detail, err := r.step(ctx, st)
		if st.ExpectError != "" {
			want := namedErrors[st.ExpectError]
			if !errors.Is(err, want) {
				return res, fmt.Errorf("step %d (%s): want error %q, got %v: %w", i, st.Op, st.ExpectError, err, ErrExpectation)
			}
			detail, err = "failed as expected: "+st.ExpectError, nil
		}
		if err != nil {
			return res, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
		res.Steps = append(res.Steps, StepResult{Index: i, Op: st.Op, Detail: detail})
		log.Printf("[INFO] step %d %s: %s", i, st.Op, detail)
	}
	res.Final = r.engine.Snapshot()
	return res, nil
}

func (r *runner) step(ctx context.Context, st Step) (string, error) {
	user := Address(st.User)
	amount, _ := fixedpoint.ParseUnits(st.Amount)

	switch st.Op {
	case OpAdvance:
		r.clk.Add(time.Duration(st.Seconds) * time.Second)
		return fmt.Sprintf("t=%ds", r.clk.Now().Unix()-r.start.Unix()), nil

	case OpFund:
		if err := r.reward.Mint(engineAddr, amount); err != nil {
			return "", err
		}
		return fmt.Sprintf("ledger funded with %s %s", st.Amount, r.symbol), nil

	case OpDeposit:
		if err := r.stake.Mint(user, amount); err != nil {
			return "", err
		}
		r.stake.Approve(user, barnAddr, new(uint256.Int).Add(r.stake.Allowance(user, barnAddr), amount))
		if err := r.barn.Deposit(ctx, user, amount); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s staked %s", st.User, st.Amount), nil

	case OpWithdraw:
		if err := r.barn.Withdraw(ctx, user, amount); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s unstaked %s", st.User, st.Amount), nil

	case OpSetupPull:
		if st.Source == "" {
			if err := r.engine.SetupPull(ctx, r.admin, accrual.PullSetup{}); err != nil {
				return "", err
			}
			return "pull disabled", nil
		}
		source := Address(st.Source)
		if err := r.reward.Mint(source, amount); err != nil {
			return "", err
		}
		r.reward.Approve(source, engineAddr, amount)
		err := r.engine.SetupPull(ctx, r.admin, accrual.PullSetup{
			Source:  source,
			StartAt: r.start.Add(time.Duration(st.From) * time.Second),
			EndAt:   r.start.Add(time.Duration(st.To) * time.Second),
			Amount:  amount,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pull of %s from %s over [%d,%d]", st.Amount, st.Source, st.From, st.To), nil

	case OpAck:
		// Runs the pull as well, like the daemon's maintenance job.
		if err := r.engine.Maintain(ctx); err != nil {
			return "", err
		}
		return "multiplier " + r.engine.Multiplier().Dec(), nil

	case OpClaim:
		paid, err := r.engine.Claim(ctx, user)
		if err != nil {
			return "", err
		}
		if st.Amount != "" && !paid.Eq(amount) {
			return "", mismatch("payout", amount, paid)
		}
		return fmt.Sprintf("%s claimed %s", st.User, fixedpoint.FormatUnits(paid)), nil

	case OpExpectClaimable:
		got, err := r.engine.ClaimableReward(ctx, user)
		if err != nil {
			return "", err
		}
		if !got.Eq(amount) {
			return "", mismatch("claimable", amount, got)
		}
		return fmt.Sprintf("%s can claim %s", st.User, st.Amount), nil

	case OpExpectOwed:
		got := r.engine.User(user).Owed
		if !got.Eq(amount) {
			return "", mismatch("owed", amount, got)
		}
		return fmt.Sprintf("%s is owed %s", st.User, st.Amount), nil

	case OpExpectMultiplier:
		want, _ := uint256.FromDecimal(st.Amount)
		got := r.engine.Multiplier()
		if !got.Eq(want) {
			return "", fmt.Errorf("multiplier: want %s, got %s: %w", want.Dec(), got.Dec(), ErrExpectation)
		}
		return "multiplier " + got.Dec(), nil
	}
	return "", fmt.Errorf("unknown op %q", st.Op)
}

func mismatch(what string, want, got *uint256.Int) error {
	return fmt.Errorf("%s: want %s, got %s: %w", what, fixedpoint.FormatUnits(want), fixedpoint.FormatUnits(got), ErrExpectation)
}

// Format renders the replay log.
func (res *Result) Format() string {
	var b strings.Builder
	if res.Name != "" {
		b.WriteString(res.Name + "\n")
	}
	for _, s := range res.Steps {
		b.WriteString(fmt.Sprintf("%3d  %-18s %s\n", s.Index, s.Op, s.Detail))
	}
	return b.String()
}
