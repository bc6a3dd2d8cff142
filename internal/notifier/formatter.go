package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
)

// Status is what FormatStatus renders.
type Status struct {
	Snapshot    *model.Snapshot
	Balance     *uint256.Int
	TotalStaked *uint256.Int
	Symbol      string
	Now         time.Time
}

// FormatStatus formats the ledger state for display.
func FormatStatus(s Status) string {
	var b strings.Builder
	snap := s.Snapshot

	b.WriteString(fmt.Sprintf("📦 <b>Reward ledger</b> | %s\n\n", s.Now.Format("2006-01-02 15:04")))
	b.WriteString(fmt.Sprintf("Held balance: %s %s\n", fixedpoint.FormatUnits(s.Balance), s.Symbol))
	b.WriteString(fmt.Sprintf("Acknowledged: %s %s\n", fixedpoint.FormatUnits(snap.Accrual.BalanceBefore), s.Symbol))
	b.WriteString(fmt.Sprintf("Total staked: %s\n", fixedpoint.FormatUnits(s.TotalStaked)))
	b.WriteString(fmt.Sprintf("Multiplier: %s\n", snap.Accrual.Multiplier.Dec()))
	b.WriteString(fmt.Sprintf("Participants: %d\n", len(snap.Users)))
	if snap.Accrual.Deferred {
		b.WriteString("⚠️ New funds deferred: nothing staked\n")
	}

	p := snap.Pull
	if p.Enabled() {
		start, end := time.Unix(p.StartAt, 0).UTC(), time.Unix(p.EndAt, 0).UTC()
		b.WriteString("\n🚰 <b>Pull</b>\n")
		b.WriteString(fmt.Sprintf("Source: <code>%s</code>\n", p.Source.Hex()))
		b.WriteString(fmt.Sprintf("Window: %s → %s\n", start.Format(time.RFC3339), end.Format(time.RFC3339)))
		b.WriteString(fmt.Sprintf("Total: %s %s\n", fixedpoint.FormatUnits(p.TotalAmount), s.Symbol))
		b.WriteString(fmt.Sprintf("Last pull: %s\n", time.Unix(p.LastPullTs, 0).UTC().Format(time.RFC3339)))
	} else {
		b.WriteString("\nPull: disabled\n")
	}
	return b.String()
}

// FormatClaimable formats a claimable reward preview.
func FormatClaimable(user common.Address, amount *uint256.Int, symbol string) string {
	return fmt.Sprintf("💰 <code>%s</code> can claim %s %s", user.Hex(), fixedpoint.FormatUnits(amount), symbol)
}

// FormatClaims formats a user's claim history.
func FormatClaims(user common.Address, claims []model.ClaimEvent, total *uint256.Int, symbol string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🧾 <b>Claims</b> | <code>%s</code>\n\n", user.Hex()))
	if len(claims) == 0 {
		b.WriteString("No claims yet.\n")
		return b.String()
	}
	for _, c := range claims {
		b.WriteString(fmt.Sprintf("%s  %s %s\n", c.At.UTC().Format("2006-01-02 15:04"), fixedpoint.FormatUnits(c.Amount), symbol))
	}
	b.WriteString(fmt.Sprintf("\nTotal claimed: %s %s\n", fixedpoint.FormatUnits(total), symbol))
	return b.String()
}
