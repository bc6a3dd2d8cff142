package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"RewardLedger/internal/accrual"
	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
	"RewardLedger/internal/recorder"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	StateFile string
	Database  string
	User      string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a persisted ledger snapshot",
		Long: `Print the ledger state file written by the daemon.

Examples:
  ledger status --state data/ledger_state.json
  ledger status --state data/ledger_state.json --user 0xabc... --db data/reward_ledger.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.StateFile, "state", "data/ledger_state.json", "path to the ledger state file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite event log for claim history")
	cmd.Flags().StringVar(&opts.User, "user", "", "only show this participant")

	return cmd
}

func runStatus(out io.Writer, opts *StatusOptions) error {
	snap, err := accrual.LoadState(opts.StateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	var filter *common.Address
	if opts.User != "" {
		if !common.IsHexAddress(opts.User) {
			return fmt.Errorf("invalid --user %q", opts.User)
		}
		u := common.HexToAddress(opts.User)
		filter = &u
		if rec, ok := snap.Users[u]; ok {
			snap.Users = map[common.Address]*model.UserRecord{u: rec}
		} else {
			snap.Users = map[common.Address]*model.UserRecord{}
		}
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "multiplier\t%s\n", snap.Accrual.Multiplier.Dec())
	fmt.Fprintf(w, "acknowledged balance\t%s\n", fixedpoint.FormatUnits(snap.Accrual.BalanceBefore))
	if snap.Accrual.Deferred {
		fmt.Fprintf(w, "deferred\tyes\n")
	}
	if snap.Pull.Enabled() {
		fmt.Fprintf(w, "pull source\t%s\n", snap.Pull.Source.Hex())
		fmt.Fprintf(w, "pull window\t%s .. %s\n", unix(snap.Pull.StartAt), unix(snap.Pull.EndAt))
		fmt.Fprintf(w, "pull amount\t%s\n", fixedpoint.FormatUnits(snap.Pull.TotalAmount))
		fmt.Fprintf(w, "last pull\t%s\n", unix(snap.Pull.LastPullTs))
	} else {
		fmt.Fprintf(w, "pull\tdisabled\n")
	}
	if !snap.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "updated\t%s\n", snap.UpdatedAt.UTC().Format(time.RFC3339))
	}

	addrs := make([]common.Address, 0, len(snap.Users))
	for a := range snap.Users {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	fmt.Fprintf(w, "\nparticipant\towed\tcheckpoint\n")
	for _, a := range addrs {
		u := snap.Users[a]
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Hex(), fixedpoint.FormatUnits(u.Owed), u.Checkpoint.Dec())
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if filter != nil && opts.Database != "" {
		return printClaims(out, opts.Database, *filter)
	}
	return nil
}

func printClaims(out io.Writer, dbPath string, user common.Address) error {
	rec, err := recorder.NewSQLiteRecorder(dbPath)
	if err != nil {
		return err
	}
	defer rec.Close()

	claims, err := rec.ListClaims(user, 0)
	if err != nil {
		return err
	}
	total, err := rec.TotalClaimed(user)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nclaims (total %s)\n", fixedpoint.FormatUnits(total))
	for _, c := range claims {
		fmt.Fprintf(out, "  %s  %s\n", c.At.UTC().Format(time.RFC3339), fixedpoint.FormatUnits(c.Amount))
	}
	return nil
}

func unix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
