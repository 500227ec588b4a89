package chain

import (
	"context"
	"errors"
)

// ErrRangeOutOfBounds is returned when the chain has no block to bisect
// over (empty chain or an unreachable target range).
var ErrRangeOutOfBounds = errors.New("block search: range out of bounds")

// blockTimeFn reports the timestamp of block n. The production
// implementation is Client.BlockTime; tests substitute a table.
type blockTimeFn func(ctx context.Context, n uint64) (uint64, error)

// FindBlockByTime returns the number of the block whose timestamp is closest
// to target, bisecting over [1, head]. Each step costs one rate-limited
// header fetch, so the search is O(log head) RPC calls. On equal distance
// the earlier block wins.
func (c *Client) FindBlockByTime(ctx context.Context, target uint64) (uint64, error) {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return searchClosestBlock(ctx, head, target, c.BlockTime)
}

func searchClosestBlock(ctx context.Context, head, target uint64, at blockTimeFn) (uint64, error) {
	if head == 0 {
		return 0, ErrRangeOutOfBounds
	}

	var (
		lo, hi   uint64 = 1, head
		best     uint64
		bestDiff uint64
		haveBest bool
	)

	for lo <= hi {
		mid := lo + (hi-lo)/2
		ts, err := at(ctx, mid)
		if err != nil {
			return 0, err
		}

		diff := absDiff(ts, target)
		// Earlier block wins ties, which keeps the search deterministic for
		// chains with repeated (second-granularity) timestamps.
		if !haveBest || diff < bestDiff || (diff == bestDiff && mid < best) {
			best, bestDiff, haveBest = mid, diff, true
		}

		if ts == target {
			return mid, nil
		}
		if ts < target {
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	if !haveBest {
		return 0, ErrRangeOutOfBounds
	}
	return best, nil
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
