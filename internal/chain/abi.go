package chain

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// predictionABI carries only the slice of the prediction contract the engine
// touches: the two view functions and the five events.
const predictionABI = `[
	{"inputs":[],"name":"currentEpoch","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"","type":"uint256"}],"name":"rounds","outputs":[
		{"name":"epoch","type":"uint256"},
		{"name":"startTimestamp","type":"uint256"},
		{"name":"lockTimestamp","type":"uint256"},
		{"name":"closeTimestamp","type":"uint256"},
		{"name":"lockPrice","type":"int256"},
		{"name":"closePrice","type":"int256"},
		{"name":"lockOracleId","type":"uint256"},
		{"name":"closeOracleId","type":"uint256"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"bullAmount","type":"uint256"},
		{"name":"bearAmount","type":"uint256"},
		{"name":"rewardBaseCalAmount","type":"uint256"},
		{"name":"rewardAmount","type":"uint256"},
		{"name":"oracleCalled","type":"bool"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"BetBull","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"BetBear","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Claim","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"epoch","type":"uint256"}],"name":"StartRound","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":true,"name":"roundId","type":"uint256"},{"indexed":false,"name":"price","type":"uint256"}],"name":"LockRound","type":"event"}
]`

var (
	abiOnce   sync.Once
	parsedABI abi.ABI
	abiErr    error
)

// contractABI parses the embedded ABI once. A parse failure is a programming
// error and is fatal at startup.
func contractABI() (abi.ABI, error) {
	abiOnce.Do(func() {
		parsedABI, abiErr = abi.JSON(strings.NewReader(predictionABI))
	})
	return parsedABI, abiErr
}

// RoundView mirrors the on-chain rounds(epoch) struct. Timestamps are Unix
// seconds; zero means "not reached yet". Prices carry 8 decimals, amounts 18.
type RoundView struct {
	Epoch          int64
	StartTimestamp int64
	LockTimestamp  int64
	CloseTimestamp int64
	LockPrice      *big.Int
	ClosePrice     *big.Int
	TotalAmount    *big.Int
	BullAmount     *big.Int
	BearAmount     *big.Int
	OracleCalled   bool
}

// Closed reports whether the round's outcome has been resolved on-chain.
// The timestamps are scheduled when the round starts, so the oracle flag is
// the authoritative signal.
func (r RoundView) Closed() bool { return r.OracleCalled && r.CloseTimestamp != 0 }

// LogEvent is one decoded BetBull, BetBear, or Claim log.
type LogEvent struct {
	Epoch       int64
	Sender      string // lowercased hex
	Amount      *big.Int
	TxHash      string
	BlockNumber uint64
}

// EpochEvents groups the three event streams fetched for a block range.
type EpochEvents struct {
	BetBull []LogEvent
	BetBear []LogEvent
	Claims  []LogEvent
}

// decodeRoundView unpacks the raw return data of a rounds(epoch) call.
func decodeRoundView(cabi abi.ABI, data []byte) (RoundView, error) {
	out, err := cabi.Unpack("rounds", data)
	if err != nil {
		return RoundView{}, fmt.Errorf("unpack rounds: %w", err)
	}
	if len(out) < 14 {
		return RoundView{}, fmt.Errorf("unpack rounds: short output (%d fields)", len(out))
	}
	return RoundView{
		Epoch:          out[0].(*big.Int).Int64(),
		StartTimestamp: out[1].(*big.Int).Int64(),
		LockTimestamp:  out[2].(*big.Int).Int64(),
		CloseTimestamp: out[3].(*big.Int).Int64(),
		LockPrice:      out[4].(*big.Int),
		ClosePrice:     out[5].(*big.Int),
		TotalAmount:    out[8].(*big.Int),
		BullAmount:     out[9].(*big.Int),
		BearAmount:     out[10].(*big.Int),
		OracleCalled:   out[13].(bool),
	}, nil
}

// decodeLogEvent extracts the shared {sender, epoch, amount} shape of the
// three money events. Sender and epoch are indexed topics; amount is data.
func decodeLogEvent(cabi abi.ABI, name string, lg types.Log) (LogEvent, error) {
	if len(lg.Topics) < 3 {
		return LogEvent{}, fmt.Errorf("decode %s: missing topics in log %s", name, lg.TxHash.Hex())
	}
	vals, err := cabi.Unpack(name, lg.Data)
	if err != nil {
		return LogEvent{}, fmt.Errorf("decode %s: %w", name, err)
	}
	if len(vals) < 1 {
		return LogEvent{}, fmt.Errorf("decode %s: empty data in log %s", name, lg.TxHash.Hex())
	}
	sender := common.BytesToAddress(lg.Topics[1].Bytes())
	epoch := new(big.Int).SetBytes(lg.Topics[2].Bytes())
	return LogEvent{
		Epoch:       epoch.Int64(),
		Sender:      strings.ToLower(sender.Hex()),
		Amount:      vals[0].(*big.Int),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}, nil
}

// topicEpoch reads the epoch from an indexed uint256 topic of a round
// lifecycle event (StartRound, LockRound).
func topicEpoch(lg types.Log) (int64, bool) {
	if len(lg.Topics) < 2 {
		return 0, false
	}
	return new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64(), true
}
