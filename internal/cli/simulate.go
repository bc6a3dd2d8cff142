package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/recorder"
	"RewardLedger/internal/scenario"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Database string
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Replay a scenario file on a fresh in-memory ledger",
		Long: `Replay a scripted scenario on a mock clock and check its expectations.

Examples:
  ledger simulate scenarios/single_user.yaml
  ledger simulate scenarios/linear_pull.yaml --db ./sim.db --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record events to this SQLite database")

	return cmd
}

type simulateOutput struct {
	Name       string            `json:"name"`
	Steps      []simulateStep    `json:"steps"`
	Multiplier string            `json:"multiplier"`
	Owed       map[string]string `json:"owed"`
}

type simulateStep struct {
	Index  int    `json:"index"`
	Op     string `json:"op"`
	Detail string `json:"detail"`
}

func runSimulate(cmd *cobra.Command, opts *SimulateOptions, path string) error {
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}

	var rec recorder.Recorder
	if opts.Database != "" {
		sr, err := recorder.NewSQLiteRecorder(opts.Database)
		if err != nil {
			return err
		}
		defer sr.Close()
		rec = sr
	}

	res, runErr := scenario.Run(cmd.Context(), sc, rec)
	if res == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		doc := simulateOutput{Name: res.Name, Owed: map[string]string{}}
		for _, s := range res.Steps {
			doc.Steps = append(doc.Steps, simulateStep{Index: s.Index, Op: s.Op, Detail: s.Detail})
		}
		if res.Final != nil {
			doc.Multiplier = res.Final.Accrual.Multiplier.Dec()
			for addr, u := range res.Final.Users {
				doc.Owed[addr.Hex()] = fixedpoint.FormatUnits(u.Owed)
			}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, res.Format())
		if res.Final != nil {
			fmt.Fprintf(out, "final multiplier: %s\n", res.Final.Accrual.Multiplier.Dec())
		}
	}
	return runErr
}
