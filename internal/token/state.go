package token

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RewardLedger/internal/fixedpoint"
)

// State is the on-disk form of a Ledger.
type State struct {
	Balances   map[common.Address]*uint256.Int                    `json:"balances"`
	Allowances map[common.Address]map[common.Address]*uint256.Int `json:"allowances"`
}

// LoadState reads a ledger state file. ok is false if the file doesn't exist.
func LoadState(filePath string) (st *State, ok bool, err error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	st = &State{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// SaveState writes a ledger state file.
func SaveState(filePath string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(filePath, data, 0644)
}

// Open restores balances and allowances from filePath when the file exists,
// and rewrites the file after every later change. It reports whether a file
// was read.
func (l *Ledger) Open(filePath string) (bool, error) {
	st, ok, err := LoadState(filePath)
	if err != nil {
		return false, fmt.Errorf("open %s ledger: %w", l.Symbol, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = filePath
	if !ok {
		return false, nil
	}

	supply := fixedpoint.Zero()
	balances := make(map[common.Address]*uint256.Int, len(st.Balances))
	for a, b := range st.Balances {
		if b == nil {
			continue
		}
		if supply, err = fixedpoint.Add(supply, b); err != nil {
			return false, fmt.Errorf("open %s ledger: supply: %w", l.Symbol, err)
		}
		balances[a] = b
	}
	allowances := make(map[common.Address]map[common.Address]*uint256.Int, len(st.Allowances))
	for owner, m := range st.Allowances {
		for spender, amount := range m {
			if amount == nil {
				continue
			}
			if allowances[owner] == nil {
				allowances[owner] = make(map[common.Address]*uint256.Int)
			}
			allowances[owner][spender] = amount
		}
	}
	l.supply, l.balances, l.allowances = supply, balances, allowances
	return true, nil
}

// Save writes the ledger to the file given to Open.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return fmt.Errorf("save %s ledger: no state file", l.Symbol)
	}
	return SaveState(l.path, l.stateLocked())
}

// saveLocked rewrites the state file, if any. l.mu must be held.
func (l *Ledger) saveLocked() {
	if l.path == "" {
		return
	}
	if err := SaveState(l.path, l.stateLocked()); err != nil {
		log.Printf("[ERROR] failed to save %s ledger: %v", l.Symbol, err)
	}
}

func (l *Ledger) stateLocked() *State {
	st := &State{
		Balances:   make(map[common.Address]*uint256.Int, len(l.balances)),
		Allowances: make(map[common.Address]map[common.Address]*uint256.Int, len(l.allowances)),
	}
	for a, b := range l.balances {
		st.Balances[a] = b.Clone()
	}
	for owner, m := range l.allowances {
		st.Allowances[owner] = make(map[common.Address]*uint256.Int, len(m))
		for spender, amount := range m {
			st.Allowances[owner][spender] = amount.Clone()
		}
	}
	return st
}
