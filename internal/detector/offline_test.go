package detector

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/pkg/models"
)

func claim(wallet string, betEpoch int64, amount string) models.Claim {
	amt, _ := decimal.NewFromString(amount)
	return models.Claim{
		Epoch:         500,
		WalletAddress: wallet,
		BetEpoch:      betEpoch,
		ClaimAmount:   amt,
	}
}

func TestGroupClaims_MultiClaimWallet(t *testing.T) {
	claims := []models.Claim{
		claim("0xddd", 490, "1.5"),
		claim("0xddd", 491, "2.0"),
		claim("0xddd", 492, "0.5"),
		claim("0xddd", 493, "1.0"),
		claim("0xaaa", 499, "3.0"),
	}

	findings := GroupClaims(500, claims, 3, GroupByRowCount)
	if len(findings) != 1 {
		t.Fatalf("expected exactly one finding, got %d", len(findings))
	}
	f := findings[0]
	if f.WalletAddress != "0xddd" || f.Epoch != 500 {
		t.Errorf("unexpected finding key: %+v", f)
	}
	if f.ClaimCount != 4 {
		t.Errorf("expected claim_count 4, got %d", f.ClaimCount)
	}
	if !f.TotalAmount.Equal(decimal.RequireFromString("5.0")) {
		t.Errorf("expected total 5.0, got %s", f.TotalAmount)
	}
}

func TestGroupClaims_AtThresholdIsClean(t *testing.T) {
	claims := []models.Claim{
		claim("0xbbb", 490, "1"),
		claim("0xbbb", 491, "1"),
		claim("0xbbb", 492, "1"),
	}
	if got := GroupClaims(500, claims, 3, GroupByRowCount); len(got) != 0 {
		t.Errorf("count == threshold must not flag, got %v", got)
	}
}

func TestGroupClaims_DistinctBetEpochVariant(t *testing.T) {
	// Five rows but only two distinct prior rounds claimed.
	claims := []models.Claim{
		claim("0xccc", 490, "1"),
		claim("0xccc", 490, "1"),
		claim("0xccc", 490, "1"),
		claim("0xccc", 491, "1"),
		claim("0xccc", 491, "1"),
	}

	if got := GroupClaims(500, claims, 3, GroupByRowCount); len(got) != 1 {
		t.Errorf("row-count variant must flag 5 rows, got %v", got)
	}
	if got := GroupClaims(500, claims, 3, GroupByDistinctBetEpoch); len(got) != 0 {
		t.Errorf("distinct variant must see only 2 rounds, got %v", got)
	}
}

func TestGroupClaims_DeterministicOrder(t *testing.T) {
	claims := []models.Claim{
		claim("0xzz", 1, "1"), claim("0xzz", 2, "1"), claim("0xzz", 3, "1"), claim("0xzz", 4, "1"),
		claim("0xaa", 5, "1"), claim("0xaa", 6, "1"), claim("0xaa", 7, "1"), claim("0xaa", 8, "1"),
	}
	findings := GroupClaims(500, claims, 3, GroupByRowCount)
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	if findings[0].WalletAddress != "0xaa" || findings[1].WalletAddress != "0xzz" {
		t.Errorf("findings must be wallet-sorted, got %s then %s",
			findings[0].WalletAddress, findings[1].WalletAddress)
	}
}

func TestGroupClaims_Empty(t *testing.T) {
	if got := GroupClaims(500, nil, 3, GroupByRowCount); len(got) != 0 {
		t.Errorf("empty claim set must produce no findings, got %v", got)
	}
}
