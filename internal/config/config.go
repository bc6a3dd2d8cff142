package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"RewardLedger/internal/fixedpoint"
)

// Balance seeds an account in the token ledger.
type Balance struct {
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
}

// Allowance seeds an approval in the token ledger.
type Allowance struct {
	Owner   string `yaml:"owner"`
	Spender string `yaml:"spender"`
	Amount  string `yaml:"amount"`
}

// Config holds all application configuration.
type Config struct {
	Ledger struct {
		Address     string `yaml:"address"`
		BarnAddress string `yaml:"barn_address"`
		Symbol      string `yaml:"symbol"`
		StateFile   string `yaml:"state_file"`
		StakeFile   string `yaml:"stake_file"`
		TokenFile   string `yaml:"token_file"`
	} `yaml:"ledger"`
	Pull struct {
		Source string `yaml:"source"`
		Start  string `yaml:"start"`
		End    string `yaml:"end"`
		Amount string `yaml:"amount"`
	} `yaml:"pull"`
	Schedule struct {
		MaintenanceCron string `yaml:"maintenance_cron"`
		StatusCron      string `yaml:"status_cron"`
	} `yaml:"schedule"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
		APIBase  string `yaml:"api_base"`
	} `yaml:"telegram"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Genesis struct {
		Balances   []Balance   `yaml:"balances"`
		Allowances []Allowance `yaml:"allowances"`
		Stakes     []Balance   `yaml:"stakes"`
	} `yaml:"genesis"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("LEDGER_STATE_FILE"); v != "" {
		cfg.Ledger.StateFile = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("CRON_MAINTENANCE"); v != "" {
		cfg.Schedule.MaintenanceCron = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}

	// Defaults
	if cfg.Ledger.Symbol == "" {
		cfg.Ledger.Symbol = "BOND"
	}
	if cfg.Ledger.StateFile == "" {
		cfg.Ledger.StateFile = "data/ledger_state.json"
	}
	if cfg.Ledger.StakeFile == "" {
		cfg.Ledger.StakeFile = "data/barn_stakes.json"
	}
	if cfg.Ledger.TokenFile == "" {
		cfg.Ledger.TokenFile = "data/token_ledger.json"
	}
	if cfg.Schedule.MaintenanceCron == "" {
		cfg.Schedule.MaintenanceCron = "0 */5 * * * *"
	}
	if cfg.Schedule.StatusCron == "" {
		cfg.Schedule.StatusCron = "0 0 9 * * *"
	}
	if cfg.Telegram.APIBase == "" {
		cfg.Telegram.APIBase = "https://api.telegram.org"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/reward_ledger.db"
	}

	return cfg, nil
}

// Validate checks that all required fields are set and well formed.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Telegram.ChatID == "" {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if err := checkAddress("ledger.address", c.Ledger.Address); err != nil {
		return err
	}
	if err := checkAddress("ledger.barn_address", c.Ledger.BarnAddress); err != nil {
		return err
	}
	if common.HexToAddress(c.Ledger.Address) == common.HexToAddress(c.Ledger.BarnAddress) {
		return fmt.Errorf("ledger.address and ledger.barn_address must differ")
	}
	if c.Pull.Source != "" {
		if _, err := c.PullWindow(); err != nil {
			return err
		}
	}
	for i, b := range c.Genesis.Balances {
		if err := checkEntry(fmt.Sprintf("genesis.balances[%d]", i), b.Amount, b.Account); err != nil {
			return err
		}
	}
	for i, s := range c.Genesis.Stakes {
		if err := checkEntry(fmt.Sprintf("genesis.stakes[%d]", i), s.Amount, s.Account); err != nil {
			return err
		}
	}
	for i, a := range c.Genesis.Allowances {
		name := fmt.Sprintf("genesis.allowances[%d]", i)
		if err := checkEntry(name, a.Amount, a.Owner, a.Spender); err != nil {
			return err
		}
	}
	return nil
}

// PullWindow is the parsed pull section.
type PullWindow struct {
	Source common.Address
	Start  time.Time
	End    time.Time
	Amount *uint256.Int
}

// PullWindow parses the pull section. It reports an error if the window is
// malformed; an empty source yields a zero window that disables pulling.
func (c *Config) PullWindow() (PullWindow, error) {
	if c.Pull.Source == "" {
		return PullWindow{}, nil
	}
	if err := checkAddress("pull.source", c.Pull.Source); err != nil {
		return PullWindow{}, err
	}
	start, err := time.Parse(time.RFC3339, c.Pull.Start)
	if err != nil {
		return PullWindow{}, fmt.Errorf("pull.start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, c.Pull.End)
	if err != nil {
		return PullWindow{}, fmt.Errorf("pull.end: %w", err)
	}
	if !end.After(start) {
		return PullWindow{}, fmt.Errorf("pull.end must be after pull.start")
	}
	amount, err := fixedpoint.ParseUnits(c.Pull.Amount)
	if err != nil {
		return PullWindow{}, fmt.Errorf("pull.amount: %w", err)
	}
	return PullWindow{
		Source: common.HexToAddress(c.Pull.Source),
		Start:  start,
		End:    end,
		Amount: amount,
	}, nil
}

func checkAddress(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !common.IsHexAddress(v) {
		return fmt.Errorf("%s: %q is not a hex address", field, v)
	}
	if common.HexToAddress(v) == (common.Address{}) {
		return fmt.Errorf("%s must not be the zero address", field)
	}
	return nil
}

func checkEntry(name, amount string, addrs ...string) error {
	for _, a := range addrs {
		if err := checkAddress(name, a); err != nil {
			return err
		}
	}
	if _, err := fixedpoint.ParseUnits(amount); err != nil {
		return fmt.Errorf("%s.amount: %w", name, err)
	}
	return nil
}
