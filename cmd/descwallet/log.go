// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/jrick/logrotate/rotator"
)

const (
	logFileSizeKB = 10 * 1024
	logMaxRolls   = 3
)

// setupLogging wires the per-package loggers to stderr and, when a log
// file is given, to a size-rotated file as well. The returned function
// flushes and closes the rotator.
func setupLogging(logFile, level string) (func(), error) {
	writer := io.Writer(os.Stderr)
	shutdown := func() {}

	if logFile != "" {
		err := os.MkdirAll(filepath.Dir(logFile), 0700)
		if err != nil {
			return nil, fmt.Errorf("create log directory: %w",
				err)
		}

		r, err := rotator.New(logFile, logFileSizeKB, false,
			logMaxRolls)
		if err != nil {
			return nil, fmt.Errorf("create log rotator: %w", err)
		}

		writer = io.MultiWriter(os.Stderr, r)
		shutdown = func() { r.Close() }
	}

	backend := btclog.NewBackend(writer)

	walletLog := backend.Logger("WLLT")
	chainLog := backend.Logger("CHIO")

	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	walletLog.SetLevel(lvl)
	chainLog.SetLevel(lvl)

	wallet.UseLogger(walletLog)
	chain.UseLogger(chainLog)

	return shutdown, nil
}
