// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRetrierSucceedsAfterFailure asserts that a query succeeding within the
// configured attempt budget reports no error.
func TestRetrierSucceedsAfterFailure(t *testing.T) {
	t.Parallel()

	r := NewRetrier(SyncParams{Retries: 3, Timeout: time.Second})

	calls := 0
	err := r.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}

		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

// TestRetrierExhaustsAttempts asserts that a persistently failing query
// surfaces ErrRetriesExhausted with the attempt count and the final cause.
func TestRetrierExhaustsAttempts(t *testing.T) {
	t.Parallel()

	r := NewRetrier(SyncParams{Retries: 2, Timeout: time.Second})

	cause := errors.New("connection refused")
	calls := 0
	err := r.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return cause
	})

	require.Equal(t, 2, calls)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, cause)

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	require.Equal(t, uint8(2), retryErr.Attempts)
	require.Equal(t, "test", retryErr.Op)
}

// TestRetrierPreCancelled asserts that an already cancelled context never
// reaches the backend, even when the query itself ignores its context.
func TestRetrierPreCancelled(t *testing.T) {
	t.Parallel()

	r := NewRetrier(SyncParams{Retries: 3, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Do(ctx, "test", func(context.Context) error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, calls)
}

// TestRetrierCancellation asserts that cancelling the parent context aborts
// the retry loop immediately instead of burning remaining attempts.
func TestRetrierCancellation(t *testing.T) {
	t.Parallel()

	r := NewRetrier(SyncParams{Retries: 5, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
