package codepool

import "errors"

var (
	ErrPoolExhausted  = errors.New("no session codes available")
	ErrInvalidSize    = errors.New("pool size must be positive")
	ErrInvalidLength  = errors.New("code length must be between 1 and 18")
	ErrPoolTooLarge   = errors.New("pool size exceeds the number of distinct codes of this length")
	ErrNilRedisClient = errors.New("redis client is required")
)
