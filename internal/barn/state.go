package barn

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

// State is the on-disk form of a Barn.
type State struct {
	Stakes map[common.Address]*uint256.Int `json:"stakes"`
}

// LoadState reads a stake file. ok is false if the file doesn't exist.
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

// SaveState writes a stake file.
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

// Open restores stakes from filePath when the file exists, and rewrites the
// file after every later stake change. Like Seed it is only allowed before
// Attach. It reports whether a file was read.
func (b *Barn) Open(filePath string) (bool, error) {
	st, ok, err := LoadState(filePath)
	if err != nil {
		return false, fmt.Errorf("open stakes: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settler != nil {
		return false, fmt.Errorf("open stakes: barn already attached")
	}
	b.path = filePath
	if !ok {
		return false, nil
	}

	total := fixedpoint.Zero()
	stakes := make(map[common.Address]*uint256.Int, len(st.Stakes))
	for user, s := range st.Stakes {
		if s == nil || s.IsZero() {
			continue
		}
		if total, err = fixedpoint.Add(total, s); err != nil {
			return false, fmt.Errorf("open stakes: total: %w", err)
		}
		stakes[user] = s
	}
	b.stakes, b.total = stakes, total
	log.Printf("[INFO] restored %d stakes, total %s", len(stakes), fixedpoint.FormatUnits(total))
	return true, nil
}

// Save writes the stakes to the file given to Open.
func (b *Barn) Save() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.path == "" {
		return fmt.Errorf("save stakes: no state file")
	}
	return SaveState(b.path, b.stateLocked())
}

func (b *Barn) saveLocked() {
	if b.path == "" {
		return
	}
	if err := SaveState(b.path, b.stateLocked()); err != nil {
		log.Printf("[ERROR] failed to save stakes: %v", err)
	}
}

func (b *Barn) stateLocked() *State {
	st := &State{Stakes: make(map[common.Address]*uint256.Int, len(b.stakes))}
	for user, s := range b.stakes {
		if !s.IsZero() {
			st.Stakes[user] = s.Clone()
		}
	}
	return st
}
