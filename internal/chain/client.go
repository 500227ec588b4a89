// Package chain is the engine's facade over the prediction contract. The
// pull surface (Client) is rate-limited and retrying; the push surface
// (Subscriber) owns a websocket log subscription with reconnect.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	retryAttempts = 3
	retryBackoff  = 2 * time.Second // linear: attempt * retryBackoff
)

// ErrChainRequestFailed marks a pull-surface call that failed after all
// retry attempts.
var ErrChainRequestFailed = errors.New("chain request failed")

// Client is the pull surface. All RPC calls pass through a shared token
// bucket (RATE_LIMIT_RPS) and a three-attempt linear-backoff retry loop.
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewClient dials the HTTP RPC endpoint and verifies connectivity with a
// single block-number call. An ABI parse failure is fatal.
func NewClient(ctx context.Context, rpcURL, contractAddr string, rps int, logger zerolog.Logger) (*Client, error) {
	if rps <= 0 {
		rps = 1
	}
	if _, err := contractABI(); err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}

	c := &Client{
		eth:      eth,
		contract: common.HexToAddress(contractAddr),
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		logger:   logger.With().Str("component", "chain").Logger(),
	}

	head, err := c.BlockNumber(ctx)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.logger.Info().Uint64("head", head).Str("contract", contractAddr).Msg("connected to chain rpc")
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// do serializes a call through the rate limiter and retries transient
// failures with linear backoff (2s, 4s, 6s).
func (c *Client) do(ctx context.Context, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == retryAttempts {
			break
		}
		c.logger.Warn().Err(lastErr).Str("call", name).Int("attempt", attempt).Msg("rpc call failed, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return fmt.Errorf("%s: %w: %v", name, ErrChainRequestFailed, lastErr)
}

// CurrentEpoch reads the contract's live epoch counter.
func (c *Client) CurrentEpoch(ctx context.Context) (int64, error) {
	cabi, _ := contractABI()
	data, err := cabi.Pack("currentEpoch")
	if err != nil {
		return 0, fmt.Errorf("pack currentEpoch: %w", err)
	}
	var raw []byte
	err = c.do(ctx, "currentEpoch", func() error {
		var callErr error
		raw, callErr = c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return 0, err
	}
	out, err := cabi.Unpack("currentEpoch", raw)
	if err != nil {
		return 0, fmt.Errorf("unpack currentEpoch: %w", err)
	}
	return out[0].(*big.Int).Int64(), nil
}

// Round reads the rounds(epoch) view.
func (c *Client) Round(ctx context.Context, epoch int64) (RoundView, error) {
	cabi, _ := contractABI()
	data, err := cabi.Pack("rounds", big.NewInt(epoch))
	if err != nil {
		return RoundView{}, fmt.Errorf("pack rounds(%d): %w", epoch, err)
	}
	var raw []byte
	err = c.do(ctx, "rounds", func() error {
		var callErr error
		raw, callErr = c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return RoundView{}, err
	}
	return decodeRoundView(cabi, raw)
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "blockNumber", func() error {
		var callErr error
		n, callErr = c.eth.BlockNumber(ctx)
		return callErr
	})
	return n, err
}

// BlockTime returns the timestamp of block n.
func (c *Client) BlockTime(ctx context.Context, n uint64) (uint64, error) {
	var ts uint64
	err := c.do(ctx, "headerByNumber", func() error {
		header, callErr := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if callErr != nil {
			return callErr
		}
		ts = header.Time
		return nil
	})
	return ts, err
}

// Events fetches the BetBull, BetBear, and Claim streams for [from, to] in
// parallel. Each stream is its own topic-filtered log query so a failure in
// one names the stream that broke.
func (c *Client) Events(ctx context.Context, from, to uint64) (EpochEvents, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstEr error
		events  EpochEvents
	)

	fetch := func(name string, dst *[]LogEvent) {
		defer wg.Done()
		got, err := c.fetchEventStream(ctx, name, from, to)
		mu.Lock()
		defer mu.Unlock()
		if err != nil && firstEr == nil {
			firstEr = err
			return
		}
		*dst = got
	}

	wg.Add(3)
	go fetch("BetBull", &events.BetBull)
	go fetch("BetBear", &events.BetBear)
	go fetch("Claim", &events.Claims)
	wg.Wait()

	if firstEr != nil {
		return EpochEvents{}, firstEr
	}
	return events, nil
}

func (c *Client) fetchEventStream(ctx context.Context, name string, from, to uint64) ([]LogEvent, error) {
	cabi, _ := contractABI()
	ev, ok := cabi.Events[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", name)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{ev.ID}},
	}

	var logs []types.Log
	err := c.do(ctx, "filterLogs/"+name, func() error {
		got, callErr := c.eth.FilterLogs(ctx, query)
		if callErr != nil {
			return callErr
		}
		logs = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]LogEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		decoded, err := decodeLogEvent(cabi, name, lg)
		if err != nil {
			c.logger.Warn().Err(err).Str("event", name).Msg("skipping undecodable log")
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}
