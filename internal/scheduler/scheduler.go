package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/robfig/cron/v3"

	"RewardLedger/internal/accrual"
	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/notifier"
	"RewardLedger/internal/recorder"
)

// Sender delivers operator messages.
type Sender interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

// Stakes is the stake registry as driven by operator commands.
type Stakes interface {
	accrual.StakeRegistry
	Deposit(ctx context.Context, user common.Address, amount *uint256.Int) error
	Withdraw(ctx context.Context, user common.Address, amount *uint256.Int) error
}

// Scheduler manages all cron tasks and answers operator commands.
type Scheduler struct {
	Cron     *cron.Cron
	Engine   *accrual.Engine
	Asset    accrual.Asset
	Registry Stakes
	History  recorder.ClaimHistory
	Notifier Sender
	Symbol   string
	Clock    clock.Clock
	Ctx      context.Context
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, eng *accrual.Engine, asset accrual.Asset, reg Stakes,
	history recorder.ClaimHistory, sender Sender, symbol string) *Scheduler {
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds()),
		Engine:   eng,
		Asset:    asset,
		Registry: reg,
		History:  history,
		Notifier: sender,
		Symbol:   symbol,
		Clock:    clock.New(),
		Ctx:      ctx,
	}
}

// RegisterAll registers the maintenance and status tasks.
func (s *Scheduler) RegisterAll(maintenanceCron, statusCron string) error {
	if _, err := s.Cron.AddFunc(maintenanceCron, s.maintenanceTask); err != nil {
		return fmt.Errorf("register maintenance task: %w", err)
	}
	if _, err := s.Cron.AddFunc(statusCron, s.statusTask); err != nil {
		return fmt.Errorf("register status task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("[INFO] scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("[INFO] scheduler stopped")
}

// RunMaintenanceNow executes the maintenance task immediately.
func (s *Scheduler) RunMaintenanceNow() {
	s.maintenanceTask()
}

func (s *Scheduler) maintenanceTask() {
	log.Println("[INFO] running maintenance")
	if err := s.Engine.Maintain(s.Ctx); err != nil {
		log.Printf("[ERROR] maintenance: %v", err)
		s.trySend(fmt.Sprintf("❌ Maintenance failed: %v", err))
	}
}

func (s *Scheduler) statusTask() {
	report, err := s.status(s.Ctx)
	if err != nil {
		log.Printf("[ERROR] status report: %v", err)
		return
	}
	s.trySend(report)
}

func (s *Scheduler) status(ctx context.Context) (string, error) {
	balance, err := s.Asset.BalanceOf(ctx, s.Engine.Self())
	if err != nil {
		return "", fmt.Errorf("balance: %w", err)
	}
	total, err := s.Registry.TotalStaked(ctx)
	if err != nil {
		return "", fmt.Errorf("total staked: %w", err)
	}
	return notifier.FormatStatus(notifier.Status{
		Snapshot:    s.Engine.Snapshot(),
		Balance:     balance,
		TotalStaked: total,
		Symbol:      s.Symbol,
		Now:         s.Clock.Now(),
	}), nil
}

// HandleCommand processes an operator command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return usage
	}
	switch fields[0] {
	case "/status":
		report, err := s.status(ctx)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return report
	case "/ack":
		if err := s.Engine.AckFunds(ctx); err != nil {
			return fmt.Sprintf("❌ Acknowledge failed: %v", err)
		}
		return fmt.Sprintf("✅ Funds acknowledged, multiplier %s", s.Engine.Multiplier().Dec())
	case "/claimable":
		user, ok := parseAddress(fields)
		if !ok {
			return "Usage: /claimable &lt;address&gt;"
		}
		amount, err := s.Engine.ClaimableReward(ctx, user)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return notifier.FormatClaimable(user, amount, s.Symbol)
	case "/claims":
		user, ok := parseAddress(fields)
		if !ok {
			return "Usage: /claims &lt;address&gt;"
		}
		claims, err := s.History.ListClaims(user, 10)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		total, err := s.History.TotalClaimed(user)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return notifier.FormatClaims(user, claims, total, s.Symbol)
	case "/claim":
		user, ok := parseAddress(fields)
		if !ok {
			return "Usage: /claim &lt;address&gt;"
		}
		paid, err := s.Engine.Claim(ctx, user)
		if err != nil {
			return fmt.Sprintf("❌ Claim failed: %v", err)
		}
		return fmt.Sprintf("✅ %s claimed %s %s", user.Hex(), fixedpoint.FormatUnits(paid), s.Symbol)
	case "/stake", "/unstake":
		user, amount, ok := parseStake(fields)
		if !ok {
			return fmt.Sprintf("Usage: %s &lt;address&gt; &lt;amount&gt;", fields[0])
		}
		change, verb := s.Registry.Deposit, "staked"
		if fields[0] == "/unstake" {
			change, verb = s.Registry.Withdraw, "unstaked"
		}
		if err := change(ctx, user, amount); err != nil {
			return fmt.Sprintf("❌ Stake change failed: %v", err)
		}
		stake, err := s.Registry.StakeOf(ctx, user)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return fmt.Sprintf("✅ %s %s %s, stake now %s",
			user.Hex(), verb, fixedpoint.FormatUnits(amount), fixedpoint.FormatUnits(stake))
	default:
		return usage
	}
}

const usage = "Available commands:\n• /status\n• /ack\n• /claimable &lt;address&gt;\n• /claims &lt;address&gt;\n" +
	"• /claim &lt;address&gt;\n• /stake &lt;address&gt; &lt;amount&gt;\n• /unstake &lt;address&gt; &lt;amount&gt;"

func parseAddress(fields []string) (common.Address, bool) {
	if len(fields) != 2 || !common.IsHexAddress(fields[1]) {
		return common.Address{}, false
	}
	return common.HexToAddress(fields[1]), true
}

func parseStake(fields []string) (common.Address, *uint256.Int, bool) {
	if len(fields) != 3 || !common.IsHexAddress(fields[1]) {
		return common.Address{}, nil, false
	}
	amount, err := fixedpoint.ParseUnits(fields[2])
	if err != nil || amount.IsZero() {
		return common.Address{}, nil, false
	}
	return common.HexToAddress(fields[1]), amount, true
}

func (s *Scheduler) trySend(text string) {
	if err := s.Notifier.SendWithRetry(s.Ctx, text, 3); err != nil {
		log.Printf("[ERROR] send notification: %v", err)
	}
}
