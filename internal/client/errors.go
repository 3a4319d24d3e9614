package client

import "errors"

var (
	ErrNotFound    = errors.New("stream not found")
	ErrRejected    = errors.New("request rejected")
	ErrUnavailable = errors.New("stream unavailable")
	ErrRateLimited = errors.New("rate limited by server")
)
