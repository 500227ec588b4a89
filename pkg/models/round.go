package models

import "github.com/shopspring/decimal"

// Direction is a bet side. The on-chain ABI calls these bull and bear;
// everything past the chain facade speaks UP/DOWN.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Valid reports whether d is a member of the closed direction set.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// BetResult is the settled outcome of a historical bet. Empty means the
// round drew or the outcome is unknown.
type BetResult string

const (
	BetResultWin  BetResult = "WIN"
	BetResultLoss BetResult = "LOSS"
	BetResultNone BetResult = ""
)

// Round is the per-epoch aggregated state, stored once the epoch has closed.
// Result is empty for a draw (lockPrice == closePrice).
type Round struct {
	Epoch       int64           `json:"epoch"`
	StartTS     string          `json:"startTs"`
	LockTS      string          `json:"lockTs"`
	CloseTS     string          `json:"closeTs"`
	LockPrice   decimal.Decimal `json:"lockPrice"`
	ClosePrice  decimal.Decimal `json:"closePrice"`
	Result      Direction       `json:"result,omitempty"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	UpAmount    decimal.Decimal `json:"upAmount"`
	DownAmount  decimal.Decimal `json:"downAmount"`
	UpPayout    decimal.Decimal `json:"upPayout"`
	DownPayout  decimal.Decimal `json:"downPayout"`
}

// HisBet is one on-chain bet event inside a closed epoch. TxHash is the
// natural key; (epoch, wallet) may legitimately repeat across hashes.
type HisBet struct {
	Epoch         int64           `json:"epoch"`
	BetTS         string          `json:"betTs"`
	WalletAddress string          `json:"walletAddress"`
	Direction     Direction       `json:"betDirection"`
	Amount        decimal.Decimal `json:"amount"`
	Result        BetResult       `json:"result,omitempty"`
	TxHash        string          `json:"txHash"`
}

// Claim is one payout event. Epoch is the epoch in which the payout
// transaction landed (the crawler's processing epoch); BetEpoch is the epoch
// the reward is for. The two differ when a winner claims late, and both are
// preserved on purpose: one is temporal, the other provenance.
type Claim struct {
	Epoch         int64           `json:"epoch"`
	ClaimTS       string          `json:"claimTs"`
	WalletAddress string          `json:"walletAddress"`
	ClaimAmount   decimal.Decimal `json:"claimAmount"`
	BetEpoch      int64           `json:"betEpoch"`
	TxHash        string          `json:"txHash"`
}

// RealBet is a live bet in the short-lived hot table. No tx hash, no result;
// rows exist only for the most recent three epochs.
type RealBet struct {
	Epoch         int64           `json:"epoch"`
	BetTS         string          `json:"betTs"`
	WalletAddress string          `json:"walletAddress"`
	Direction     Direction       `json:"betDirection"`
	Amount        decimal.Decimal `json:"amount"`
}

// MultiClaim is an offline abuse finding: a wallet whose claim activity in
// one epoch window exceeded the configured threshold.
type MultiClaim struct {
	Epoch         int64           `json:"epoch"`
	WalletAddress string          `json:"walletAddress"`
	ClaimCount    int             `json:"claimCount"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}
