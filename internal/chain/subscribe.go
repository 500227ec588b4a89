package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/betwatch/prediction-engine/pkg/models"
)

// EventKind discriminates the push-surface stream variants.
type EventKind int

const (
	EventBet EventKind = iota
	EventStartRound
	EventLockRound
	EventConnectionStatus
)

// Event is one item of the live stream. Exactly the fields for its Kind are
// populated.
type Event struct {
	Kind      EventKind
	Bet       *LiveBet // EventBet
	Epoch     int64    // EventStartRound, EventLockRound
	Connected bool     // EventConnectionStatus
}

// LiveBet is a decoded BetBull/BetBear log from the live subscription.
type LiveBet struct {
	Epoch     int64
	Sender    string // lowercased hex
	Amount    *big.Int
	Direction models.Direction
	TxHash    string
}

const (
	reconnectBase     = 10 * time.Second
	reconnectCap      = 80 * time.Second
	reconnectAttempts = 5 // counted attempts before settling at the cap
)

// Subscriber is the push surface: it owns a websocket log subscription on
// the prediction contract and re-dials after a bounded delay when the socket
// drops. Connection transitions are emitted in-band as
// EventConnectionStatus; bets missed during an outage are recovered by the
// historical pipeline once the epoch closes.
type Subscriber struct {
	wsURL    string
	contract common.Address
	logger   zerolog.Logger
}

func NewSubscriber(wsURL, contractAddr string, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		wsURL:    wsURL,
		contract: common.HexToAddress(contractAddr),
		logger:   logger.With().Str("component", "chain-sub").Logger(),
	}
}

// Run connects and streams events until ctx is cancelled. The returned
// channel is closed on cancellation; it is never closed on a socket drop.
func (s *Subscriber) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}
			err := s.streamOnce(ctx, out)
			if ctx.Err() != nil {
				return
			}
			attempt++
			s.emit(ctx, out, Event{Kind: EventConnectionStatus, Connected: false})

			delay := backoffDelay(attempt)
			if attempt == reconnectAttempts {
				s.logger.Error().Err(err).Msg("subscription lost, retry budget exhausted, continuing at cap interval")
			} else {
				s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("subscription lost, scheduling reconnect")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
	return out
}

// backoffDelay doubles from the base up to the cap; past the counted
// attempts it stays pinned at the cap.
func backoffDelay(attempt int) time.Duration {
	d := reconnectBase
	for i := 1; i < attempt && d < reconnectCap; i++ {
		d *= 2
	}
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}

// streamOnce dials, subscribes, and pumps decoded events until the
// subscription errors or ctx is cancelled.
func (s *Subscriber) streamOnce(ctx context.Context, out chan<- Event) error {
	eth, err := ethclient.DialContext(ctx, s.wsURL)
	if err != nil {
		return err
	}
	defer eth.Close()

	logs := make(chan types.Log, 256)
	sub, err := eth.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{s.contract},
	}, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	s.logger.Info().Str("ws", s.wsURL).Msg("live subscription active")
	s.emit(ctx, out, Event{Kind: EventConnectionStatus, Connected: true})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-logs:
			if ev, ok := s.decode(lg); ok {
				s.emit(ctx, out, ev)
			}
		}
	}
}

func (s *Subscriber) decode(lg types.Log) (Event, bool) {
	cabi, err := contractABI()
	if err != nil || len(lg.Topics) == 0 {
		return Event{}, false
	}

	switch lg.Topics[0] {
	case cabi.Events["BetBull"].ID, cabi.Events["BetBear"].ID:
		name := "BetBull"
		dir := models.DirectionUp
		if lg.Topics[0] == cabi.Events["BetBear"].ID {
			name, dir = "BetBear", models.DirectionDown
		}
		decoded, err := decodeLogEvent(cabi, name, lg)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable live bet log")
			return Event{}, false
		}
		return Event{Kind: EventBet, Bet: &LiveBet{
			Epoch:     decoded.Epoch,
			Sender:    strings.ToLower(decoded.Sender),
			Amount:    decoded.Amount,
			Direction: dir,
			TxHash:    decoded.TxHash,
		}}, true

	case cabi.Events["StartRound"].ID:
		epoch, ok := topicEpoch(lg)
		if !ok {
			return Event{}, false
		}
		return Event{Kind: EventStartRound, Epoch: epoch}, true

	case cabi.Events["LockRound"].ID:
		epoch, ok := topicEpoch(lg)
		if !ok {
			return Event{}, false
		}
		return Event{Kind: EventLockRound, Epoch: epoch}, true
	}
	return Event{}, false
}

func (s *Subscriber) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
