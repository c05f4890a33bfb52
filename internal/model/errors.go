package model

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared across the backend. Wrap with fmt.Errorf("...: %w", err)
// and match with errors.Is; the HTTP layer maps these onto response codes.
var (
	// ErrNotFound means a session record or document is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means an operation was attempted against a session in
	// the wrong lifecycle state, e.g. a turn sent after the session ended.
	ErrInvalidState = errors.New("invalid session state")

	// ErrUpstreamUnavailable means a storage, embedding, or summarization
	// call failed because the upstream could not be reached or errored.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTimeout means an upstream call exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// WrapUpstream classifies a provider error into the taxonomy. Deadline
// overruns become ErrTimeout, everything else ErrUpstreamUnavailable.
// Caller cancellation and already-classified errors pass through unchanged.
func WrapUpstream(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
}
