// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSyncParamsDefaults asserts that zero-valued parameters are filled with
// the package defaults.
func TestSyncParamsDefaults(t *testing.T) {
	t.Parallel()

	params := SyncParams{}.Normalize()

	require.Equal(t, uint32(DefaultStopGap), params.StopGap)
	require.Equal(t, uint8(DefaultRetries), params.Retries)
	require.Equal(t, DefaultTimeout, params.Timeout)
	require.Equal(t, uint8(DefaultConcurrency), params.Concurrency)
}

// TestElectrumSyncParams asserts that the Electrum configuration propagates
// its fields and pins concurrency to one.
func TestElectrumSyncParams(t *testing.T) {
	t.Parallel()

	cfg := &ElectrumConfig{
		URL:     "ssl://electrum.example.org:50002",
		Retry:   5,
		Timeout: 10 * time.Second,
		StopGap: 50,
	}
	require.NoError(t, cfg.Validate())

	params := cfg.SyncParams()
	require.Equal(t, uint32(50), params.StopGap)
	require.Equal(t, uint8(5), params.Retries)
	require.Equal(t, 10*time.Second, params.Timeout)

	// Electrum connections are single-stream.
	require.Equal(t, uint8(1), params.Concurrency)
}

// TestEsploraSyncParams asserts that the Esplora configuration propagates
// its fields and defaults the rest.
func TestEsploraSyncParams(t *testing.T) {
	t.Parallel()

	cfg := &EsploraConfig{
		BaseURL:     "https://blockstream.info/api",
		Concurrency: 8,
		StopGap:     10,
	}
	require.NoError(t, cfg.Validate())

	params := cfg.SyncParams()
	require.Equal(t, uint32(10), params.StopGap)
	require.Equal(t, uint8(8), params.Concurrency)
	require.Equal(t, uint8(DefaultRetries), params.Retries)
	require.Equal(t, DefaultTimeout, params.Timeout)
}

// TestConfigValidateMissingEndpoint asserts that an empty endpoint is
// rejected for both backends.
func TestConfigValidateMissingEndpoint(t *testing.T) {
	t.Parallel()

	configs := []Config{
		&ElectrumConfig{},
		&EsploraConfig{},
	}
	for _, cfg := range configs {
		require.ErrorIs(t, cfg.Validate(), ErrMissingEndpoint)
	}
}
