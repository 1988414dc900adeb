package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrLockHeld         = errors.New("lock already held")
	ErrMalformedMessage = errors.New("malformed message")
	ErrStaleMessage     = errors.New("stale message")
	ErrUnknownReference = errors.New("unknown reference")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrDegraded         = errors.New("degraded")
	ErrTrackingDisabled = errors.New("order tracking disabled")
)
