package models

// Fan-out message types. All messages are text-framed JSON with a "type"
// discriminator. Live bets are broadcast before they are persisted to the hot
// table, so a client's message history can briefly run ahead of the realbet
// rows; clients must treat the stream as best-effort.

const (
	MsgWelcome            = "welcome"
	MsgNewBet             = "new_bet"
	MsgRoundUpdate        = "round_update"
	MsgRoundLock          = "round_lock"
	MsgConnectionStatus   = "connection_status"
	MsgSuspiciousActivity = "suspicious_activity"
	MsgPing               = "ping"
	MsgPong               = "pong"
)

// Round lifecycle status for RoundUpdateMsg, derived from which on-chain
// fields are populated.
const (
	RoundStatusPending = "pending"
	RoundStatusBetting = "betting"
	RoundStatusLocked  = "locked"
	RoundStatusEnded   = "ended"
)

type WelcomeMsg struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	ClientCount int    `json:"clientCount"`
}

type NewBetMsg struct {
	Type       string   `json:"type"`
	Wallet     string   `json:"wallet"`
	Epoch      int64    `json:"epoch"`
	Direction  string   `json:"direction"`
	Amount     string   `json:"amount"`
	Timestamp  string   `json:"timestamp"`
	Suspicious bool     `json:"suspicious"`
	Flags      []string `json:"flags,omitempty"`
}

type RoundUpdateMsg struct {
	Type           string `json:"type"`
	Epoch          int64  `json:"epoch"`
	Status         string `json:"status"`
	StartTimestamp int64  `json:"startTimestamp"`
	LockTimestamp  int64  `json:"lockTimestamp"`
	CloseTimestamp int64  `json:"closeTimestamp"`
	LockPrice      string `json:"lockPrice"`
	ClosePrice     string `json:"closePrice"`
	TotalAmount    string `json:"totalAmount"`
	BullAmount     string `json:"bullAmount"`
	BearAmount     string `json:"bearAmount"`
	Timestamp      string `json:"timestamp"`
}

type RoundLockMsg struct {
	Type      string `json:"type"`
	Epoch     int64  `json:"epoch"`
	Timestamp string `json:"timestamp"`
}

type ConnectionStatusMsg struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Timestamp string `json:"timestamp"`
}

type SuspiciousActivityMsg struct {
	Type        string   `json:"type"`
	Wallet      string   `json:"wallet"`
	Epoch       int64    `json:"epoch"`
	Direction   string   `json:"direction"`
	Amount      string   `json:"amount"`
	Flags       []string `json:"flags"`
	TotalBets   int64    `json:"totalBets"`
	TotalAmount string   `json:"totalAmount"`
	Timestamp   string   `json:"timestamp"`
}

type PongMsg struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}
