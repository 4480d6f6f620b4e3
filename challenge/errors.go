package challenge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionUnavailable indicates there is no session to hold challenge state
	// and one could not be started.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrInvalidToken indicates the submitted token is missing or does not match
	// the key derived from the session's live challenge.
	ErrInvalidToken = errors.New("please enable JavaScript to submit this form")
	// ErrSubmittedTooSoon indicates the minimum submit delay has not elapsed.
	ErrSubmittedTooSoon = errors.New("form submitted too soon")
	// ErrNoChallenge indicates the session has no live challenge for the namespace.
	ErrNoChallenge = errors.New("no challenge issued")
	// ErrInvalidConfig indicates the challenge configuration is unusable.
	ErrInvalidConfig = errors.New("invalid challenge config")
)

// TooSoonError is returned by Validate when the delay policy rejects a
// submission. Remaining is how long the client must wait from now.
type TooSoonError struct {
	Remaining time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("%s: wait %s before submitting again", ErrSubmittedTooSoon, e.Remaining.Round(time.Millisecond))
}

func (e *TooSoonError) Is(target error) bool {
	return target == ErrSubmittedTooSoon
}
