// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrMissingEndpoint is returned when a chain configuration is
	// created without a server endpoint.
	ErrMissingEndpoint = errors.New("chain endpoint cannot be empty")

	// ErrInvalidEndpoint is returned when a chain configuration carries
	// an endpoint that cannot be parsed as a URL.
	ErrInvalidEndpoint = errors.New("invalid chain endpoint")

	// ErrUnsupportedConfig is returned when a Config implementation
	// outside this package is encountered.
	ErrUnsupportedConfig = errors.New("unsupported chain config type")
)

const (
	// DefaultStopGap is the number of consecutive unused addresses after
	// which an address scan for a keychain stops, matching the gap limit
	// commonly used by deterministic wallets.
	DefaultStopGap = 20

	// DefaultRetries is the number of attempts made for a single chain
	// query before the failure is surfaced to the caller.
	DefaultRetries = 3

	// DefaultTimeout bounds a single chain query attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultConcurrency is the number of address queries the sync
	// engine issues in parallel when the configuration does not specify
	// one.
	DefaultConcurrency = 4
)

// SyncParams bundles the scanning parameters a chain configuration hands to
// the sync engine.
type SyncParams struct {
	// StopGap is the gap limit: the scan for a keychain stops once this
	// many consecutively derived addresses show no history.
	StopGap uint32

	// Retries is the number of attempts per chain query.
	Retries uint8

	// Timeout bounds a single query attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	// Concurrency caps the number of in-flight address queries.
	Concurrency uint8
}

// Normalize fills zero fields with package defaults.
func (p SyncParams) Normalize() SyncParams {
	if p.StopGap == 0 {
		p.StopGap = DefaultStopGap
	}
	if p.Retries == 0 {
		p.Retries = DefaultRetries
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultConcurrency
	}

	return p
}

// Config is a sealed interface over the supported chain-data service
// configurations. The sealed interface pattern mirrors the closed set of
// backends: a value is either an ElectrumConfig or an EsploraConfig,
// matched exhaustively where it is consumed.
type Config interface {
	// isChainConfig is the sealed-interface marker.
	isChainConfig()

	// SyncParams returns the scanning parameters for the sync engine,
	// with defaults applied.
	SyncParams() SyncParams

	// Validate checks the configuration for structural problems before
	// any connection is attempted.
	Validate() error
}

// ElectrumConfig selects an Electrum-protocol chain-data service.
type ElectrumConfig struct {
	// URL is the server endpoint, e.g. "ssl://electrum.example.org:50002".
	URL string

	// Socks5 is an optional SOCKS5 proxy address.
	Socks5 string

	// Retry is the number of attempts per query.
	Retry uint8

	// Timeout bounds a single query attempt. Zero applies the default.
	Timeout time.Duration

	// StopGap is the scan gap limit.
	StopGap uint32
}

func (*ElectrumConfig) isChainConfig() {}

// SyncParams returns the scanning parameters for the sync engine.
func (c *ElectrumConfig) SyncParams() SyncParams {
	return SyncParams{
		StopGap: c.StopGap,
		Retries: c.Retry,
		Timeout: c.Timeout,

		// The Electrum protocol is a single multiplexed connection;
		// requests are pipelined rather than parallel.
		Concurrency: 1,
	}.Normalize()
}

// Validate checks the configuration for structural problems.
func (c *ElectrumConfig) Validate() error {
	return validateEndpoint(c.URL)
}

// EsploraConfig selects an Esplora-style HTTP chain-data service.
type EsploraConfig struct {
	// BaseURL is the REST base, e.g. "https://blockstream.info/api".
	BaseURL string

	// Proxy is an optional proxy address.
	Proxy string

	// Concurrency caps parallel address queries against the server.
	Concurrency uint8

	// StopGap is the scan gap limit.
	StopGap uint32

	// Timeout bounds a single query attempt. Zero applies the default.
	Timeout time.Duration
}

func (*EsploraConfig) isChainConfig() {}

// SyncParams returns the scanning parameters for the sync engine.
func (c *EsploraConfig) SyncParams() SyncParams {
	return SyncParams{
		StopGap:     c.StopGap,
		Timeout:     c.Timeout,
		Concurrency: c.Concurrency,
	}.Normalize()
}

// Validate checks the configuration for structural problems.
func (c *EsploraConfig) Validate() error {
	return validateEndpoint(c.BaseURL)
}

// Compile-time assertions that both configurations satisfy Config.
var _ Config = (*ElectrumConfig)(nil)
var _ Config = (*EsploraConfig)(nil)

// validateEndpoint ensures the endpoint is present and parses as a URL.
func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return ErrMissingEndpoint
	}

	_, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, endpoint,
			err)
	}

	return nil
}
