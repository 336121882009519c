// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRetriesExhausted is returned once a chain query has failed on
	// every configured attempt. The failure is retryable from the
	// caller's perspective: a later sync pass may succeed.
	ErrRetriesExhausted = errors.New("chain query retries exhausted")
)

// retryBaseDelay is the delay before the second attempt of a failed query.
// Subsequent attempts double it.
const retryBaseDelay = 250 * time.Millisecond

// RetryError wraps the final failure of a chain query along with the number
// of attempts that were made. It unwraps to both ErrRetriesExhausted and the
// underlying cause.
type RetryError struct {
	// Op names the failed query, e.g. "address history".
	Op string

	// Attempts is the number of attempts that were made.
	Attempts uint8

	// Last is the error from the final attempt.
	Last error
}

// Error returns a human readable description of the failure.
func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op,
		e.Attempts, e.Last)
}

// Unwrap allows errors.Is checks against ErrRetriesExhausted and the
// underlying cause.
func (e *RetryError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// Retrier applies a bounded retry count and per-attempt timeout to chain
// queries on behalf of the sync engine.
type Retrier struct {
	params SyncParams
}

// NewRetrier creates a Retrier for the given parameters. Zero-valued fields
// take the package defaults.
func NewRetrier(params SyncParams) *Retrier {
	return &Retrier{params: params.Normalize()}
}

// Do invokes f until it succeeds or the configured attempt count is
// exhausted. Each attempt runs under its own timeout. Context cancellation
// aborts immediately and is returned as-is so callers can distinguish a
// cancelled sync from a dead backend.
func (r *Retrier) Do(ctx context.Context, op string,
	f func(ctx context.Context) error) error {

	var last error
	for attempt := uint8(1); attempt <= r.params.Retries; attempt++ {
		// An already cancelled context never reaches the backend.
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.params.Timeout)
		err := f(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}

		// A cancelled parent context is not a backend failure; stop
		// retrying and surface it directly.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		last = err

		log.Debugf("Chain query %q attempt %d/%d failed: %v", op,
			attempt, r.params.Retries, err)

		if attempt == r.params.Retries {
			break
		}

		// Back off before the next attempt, doubling the delay each
		// time.
		delay := retryBaseDelay << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &RetryError{Op: op, Attempts: r.params.Retries, Last: last}
}
