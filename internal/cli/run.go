package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"RewardLedger/internal/accrual"
	"RewardLedger/internal/barn"
	"RewardLedger/internal/config"
	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/notifier"
	"RewardLedger/internal/recorder"
	"RewardLedger/internal/scheduler"
	"RewardLedger/internal/token"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	RunOnStart bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ledger daemon",
		Long: `Run the ledger with scheduled maintenance, status reports and Telegram
operator commands until interrupted.

Environment:
  CONFIG_PATH   config file (overridden by --config)
  RUN_ON_START  "true" runs maintenance once at startup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts)
		},
	}

	defaultPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		defaultPath = v
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", defaultPath, "path to the YAML config")
	cmd.Flags().BoolVar(&opts.RunOnStart, "run-on-start", os.Getenv("RUN_ON_START") == "true", "run maintenance immediately")

	return cmd
}

// daemon is the wired set of long-lived components.
type daemon struct {
	engine   *accrual.Engine
	admin    *accrual.AdminKey
	asset    *token.Ledger
	barn     *barn.Barn
	rec      recorder.Recorder
	notifier *notifier.TelegramNotifier
	sched    *scheduler.Scheduler
}

func (d *daemon) Close() {
	if err := d.rec.Close(); err != nil {
		log.Printf("[ERROR] close recorder: %v", err)
	}
}

// history is the claim log backing the /claims command.
type history interface {
	recorder.Recorder
	recorder.ClaimHistory
}

// buildDaemon wires the engine and its collaborators from cfg.
func buildDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	var rec history = recorder.NewNoopRecorder()
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath)
		if err != nil {
			log.Printf("[WARN] init sqlite recorder failed, using noop: %v", err)
		} else {
			rec = sr
		}
	}

	d := &daemon{rec: rec, asset: token.NewLedger(cfg.Ledger.Symbol)}
	d.barn = barn.New(common.HexToAddress(cfg.Ledger.BarnAddress), nil)
	if err := restoreOrSeed(cfg, d.asset, d.barn); err != nil {
		d.Close()
		return nil, err
	}

	var err error
	d.engine, d.admin, err = accrual.New(accrual.Options{
		Self:      common.HexToAddress(cfg.Ledger.Address),
		Asset:     d.asset,
		Recorder:  rec,
		StateFile: cfg.Ledger.StateFile,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	key, err := d.engine.SetRegistry(ctx, d.admin, d.barn)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.barn.Attach(d.engine, key)

	window, err := cfg.PullWindow()
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := applyPull(ctx, d.engine, d.admin, window); err != nil {
		d.Close()
		return nil, err
	}

	d.notifier = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Proxy)
	d.sched = scheduler.NewScheduler(ctx, d.engine, d.asset, d.barn, rec, d.notifier, cfg.Ledger.Symbol)
	if err := d.sched.RegisterAll(cfg.Schedule.MaintenanceCron, cfg.Schedule.StatusCron); err != nil {
		d.Close()
		return nil, fmt.Errorf("register cron tasks: %w", err)
	}
	return d, nil
}

// restoreOrSeed reopens the token ledger and the barn from their state files.
// Genesis seeds whichever of the two has no file yet.
func restoreOrSeed(cfg *config.Config, asset *token.Ledger, b *barn.Barn) error {
	tokens, stakes := false, false
	if cfg.Ledger.TokenFile != "" {
		ok, err := asset.Open(cfg.Ledger.TokenFile)
		if err != nil {
			return err
		}
		tokens = ok
	}
	if cfg.Ledger.StakeFile != "" {
		ok, err := b.Open(cfg.Ledger.StakeFile)
		if err != nil {
			return err
		}
		stakes = ok
	}

	if !tokens {
		if err := seedTokens(cfg, asset); err != nil {
			return err
		}
		if cfg.Ledger.TokenFile != "" {
			if err := asset.Save(); err != nil {
				return fmt.Errorf("save token ledger: %w", err)
			}
		}
	}
	if !stakes {
		if err := seedStakes(cfg, b); err != nil {
			return err
		}
		if cfg.Ledger.StakeFile != "" {
			if err := b.Save(); err != nil {
				return fmt.Errorf("save stakes: %w", err)
			}
		}
	}
	log.Printf("[INFO] collaborators ready: tokens restored=%t, stakes restored=%t", tokens, stakes)
	return nil
}

// seedTokens loads opening balances and allowances.
func seedTokens(cfg *config.Config, asset *token.Ledger) error {
	for _, bal := range cfg.Genesis.Balances {
		amount, err := fixedpoint.ParseUnits(bal.Amount)
		if err != nil {
			return fmt.Errorf("genesis balance %s: %w", bal.Account, err)
		}
		if err := asset.Mint(common.HexToAddress(bal.Account), amount); err != nil {
			return fmt.Errorf("genesis balance %s: %w", bal.Account, err)
		}
	}
	for _, a := range cfg.Genesis.Allowances {
		amount, err := fixedpoint.ParseUnits(a.Amount)
		if err != nil {
			return fmt.Errorf("genesis allowance %s: %w", a.Owner, err)
		}
		asset.Approve(common.HexToAddress(a.Owner), common.HexToAddress(a.Spender), amount)
	}
	log.Printf("[INFO] genesis loaded: %d balances, %d allowances",
		len(cfg.Genesis.Balances), len(cfg.Genesis.Allowances))
	return nil
}

// seedStakes loads opening stakes. The barn must not be attached yet.
func seedStakes(cfg *config.Config, b *barn.Barn) error {
	for _, s := range cfg.Genesis.Stakes {
		amount, err := fixedpoint.ParseUnits(s.Amount)
		if err != nil {
			return fmt.Errorf("genesis stake %s: %w", s.Account, err)
		}
		if err := b.Seed(common.HexToAddress(s.Account), amount); err != nil {
			return err
		}
	}
	log.Printf("[INFO] genesis loaded: %d stakes", len(cfg.Genesis.Stakes))
	return nil
}

// applyPull installs the configured pull window unless the persisted state
// already runs the same one, so a restart does not rewind the pull clock.
func applyPull(ctx context.Context, eng *accrual.Engine, admin *accrual.AdminKey, w config.PullWindow) error {
	cur := eng.PullConfig()
	if w.Source == (common.Address{}) {
		if !cur.Enabled() {
			return nil
		}
		return eng.SetupPull(ctx, admin, accrual.PullSetup{})
	}
	if cur.Source == w.Source && cur.StartAt == w.Start.Unix() && cur.EndAt == w.End.Unix() &&
		cur.TotalAmount.Eq(w.Amount) {
		log.Printf("[INFO] keeping persisted pull, last pull at %d", cur.LastPullTs)
		return nil
	}
	return eng.SetupPull(ctx, admin, accrual.PullSetup{
		Source:  w.Source,
		StartAt: w.Start,
		EndAt:   w.End,
		Amount:  w.Amount,
	})
}

func runDaemon(opts *RunOptions) error {
	log.Println("[INFO] RewardLedger starting...")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	d.sched.Start()
	defer d.sched.Stop()

	go d.notifier.StartPolling(ctx, d.sched.HandleCommand)
	log.Println("[INFO] Telegram polling started")

	if opts.RunOnStart {
		log.Println("[INFO] run-on-start enabled, executing maintenance now")
		go d.sched.RunMaintenanceNow()
	}

	log.Println("[INFO] RewardLedger is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[INFO] shutdown signal received, stopping...")
	cancel()
	log.Println("[INFO] RewardLedger stopped")
	return nil
}
