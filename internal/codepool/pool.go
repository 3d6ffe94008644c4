// Package codepool hands out short numeric session codes from a fixed pool.
//
// A code is either available (queued in FIFO order) or active (held by a live
// session). Every operation preserves available + active == size.
package codepool

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	DefaultSize   = 1000
	DefaultLength = 4
)

// Pool is implemented by MemoryPool and RedisPool.
type Pool interface {
	// Acquire removes the oldest available code and marks it active.
	Acquire(ctx context.Context) (string, error)

	// Release returns an active code to the tail of the queue. Unknown or
	// already released codes are ignored.
	Release(ctx context.Context, code string)

	// Reserve marks code active if it is currently available. It reports
	// whether code ends up active.
	Reserve(ctx context.Context, code string) bool

	Stats(ctx context.Context) (Stats, error)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int `json:"size"`
	Available int `json:"available"`
	Active    int `json:"active"`
}

func validate(size, length int) error {
	if size <= 0 {
		return ErrInvalidSize
	}
	if length <= 0 || length > 18 {
		return ErrInvalidLength
	}
	if big.NewInt(int64(size)).Cmp(space(length)) > 0 {
		return ErrPoolTooLarge
	}
	return nil
}

func space(length int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
}

// generateCodes returns size distinct zero-padded numeric codes in random order.
func generateCodes(size, length int) ([]string, error) {
	if err := validate(size, length); err != nil {
		return nil, err
	}

	limit := space(length)
	format := fmt.Sprintf("%%0%dd", length)

	// Dense pools are drawn from a shuffled enumeration so generation never
	// spins on collisions.
	if limit.IsInt64() && limit.Int64() <= int64(size)*2 {
		all := make([]string, limit.Int64())
		for i := range all {
			all[i] = fmt.Sprintf(format, i)
		}
		if err := shuffle(all); err != nil {
			return nil, err
		}
		return all[:size], nil
	}

	seen := make(map[string]struct{}, size)
	codes := make([]string, 0, size)
	for len(codes) < size {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}
		code := fmt.Sprintf(format, n)
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func shuffle(s []string) error {
	for i := len(s) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("failed to shuffle codes: %w", err)
		}
		s[i], s[j.Int64()] = s[j.Int64()], s[i]
	}
	return nil
}
