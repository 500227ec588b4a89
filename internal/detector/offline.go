package detector

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/pkg/models"
)

// ClaimGrouping selects how a wallet's claim activity in one epoch window
// is counted. Both are legitimate signals with different meanings, so both
// are exposed and the caller chooses.
type ClaimGrouping int

const (
	// GroupByRowCount counts raw claim rows. A wallet claiming the same
	// prior round in several transactions trips this.
	GroupByRowCount ClaimGrouping = iota
	// GroupByDistinctBetEpoch counts distinct claimed rounds. This
	// specifically flags a wallet sweeping many prior rounds in one window;
	// the graceful-restart integrity check uses this variant.
	GroupByDistinctBetEpoch
)

// GroupClaims runs the offline pass over a closed epoch's claim set and
// returns a finding for every wallet whose count exceeds threshold. The
// result is sorted by wallet for deterministic persistence order.
func GroupClaims(epoch int64, claims []models.Claim, threshold int, grouping ClaimGrouping) []models.MultiClaim {
	type agg struct {
		rows      int
		betEpochs map[int64]struct{}
		total     decimal.Decimal
	}
	byWallet := make(map[string]*agg)

	for _, c := range claims {
		a, ok := byWallet[c.WalletAddress]
		if !ok {
			a = &agg{betEpochs: make(map[int64]struct{}), total: decimal.Zero}
			byWallet[c.WalletAddress] = a
		}
		a.rows++
		a.betEpochs[c.BetEpoch] = struct{}{}
		a.total = a.total.Add(c.ClaimAmount)
	}

	findings := make([]models.MultiClaim, 0)
	for wallet, a := range byWallet {
		count := a.rows
		if grouping == GroupByDistinctBetEpoch {
			count = len(a.betEpochs)
		}
		if count > threshold {
			findings = append(findings, models.MultiClaim{
				Epoch:         epoch,
				WalletAddress: wallet,
				ClaimCount:    count,
				TotalAmount:   a.total,
			})
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		return findings[i].WalletAddress < findings[j].WalletAddress
	})
	return findings
}
