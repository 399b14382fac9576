package relay

import (
	"errors"
	"fmt"
	"time"
)

// Rejection causes returned by Controller.Send. Each becomes a system notice
// for the sender only.
var (
	ErrValidation         = errors.New("relay: invalid input")
	ErrRateLimited        = errors.New("relay: rate limited")
	ErrModerationRejected = errors.New("relay: rejected by moderation")
	ErrPersistence        = errors.New("relay: persistence failure")
	ErrNotIdentified      = errors.New("relay: connection not identified")
	ErrMuted              = errors.New("relay: sender muted")
)

// RateLimitError carries the time left before the sender may send again.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("relay: rate limited, retry in %s", e.Wait)
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// MutedError carries the time left on a moderator-issued mute.
type MutedError struct {
	Wait time.Duration
}

func (e *MutedError) Error() string {
	return fmt.Sprintf("relay: muted, retry in %s", e.Wait)
}

// Unwrap lets errors.Is match ErrMuted.
func (e *MutedError) Unwrap() error {
	return ErrMuted
}
