package accrual

import (
	"encoding/json"
	"os"
	"path/filepath"

	"RewardLedger/internal/model"
)

// LoadState reads the ledger state from a JSON file. Returns a zero state if the file doesn't exist.
func LoadState(filePath string) (*model.Snapshot, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewSnapshot(), nil
		}
		return nil, err
	}
	var state model.Snapshot
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	state.Normalize()
	return &state, nil
}

// SaveState writes the ledger state to a JSON file.
func SaveState(filePath string, state *model.Snapshot) error {
	data, err := json.MarshalIndent(state, "", "  ")
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
