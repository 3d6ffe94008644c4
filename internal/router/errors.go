package router

import "errors"

var ErrRateLimited = errors.New("device exceeded message rate limit")
