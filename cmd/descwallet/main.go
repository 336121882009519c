// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/jessevdk/go-flags"
)

var datadir = btcutil.AppDataDir("descwallet", false)

// Flags.
var opts = struct {
	TestNet3 bool `long:"testnet" description:"Use the test bitcoin network (version 3)"`
	Signet   bool `long:"signet" description:"Use the signet bitcoin network"`
	RegTest  bool `long:"regtest" description:"Use the regression test bitcoin network"`

	External string `long:"external" description:"External (receive) keychain descriptor"`
	Internal string `long:"internal" description:"Internal (change) keychain descriptor; defaults to the external one"`

	DbType string `long:"dbtype" description:"Ledger database backend (bolt, sqlite, memory)"`
	DbPath string `long:"db" description:"Path to the ledger database"`

	Address    bool `long:"address" description:"Reveal a fresh receive address"`
	LastUnused bool `long:"lastunused" description:"Reveal the last unused receive address"`
	Balance    bool `long:"balance" description:"Print the wallet balance"`
	ListTx     bool `long:"listtx" description:"Print known transactions"`

	LogLevel string `long:"loglevel" description:"Logging level (trace, debug, info, warn, error, critical)"`
	LogFile  string `long:"logfile" description:"Write logs to this file with rotation"`
}{
	DbType:   "bolt",
	LogLevel: "info",
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func activeNet() *chaincfg.Params {
	set := 0
	for _, b := range []bool{opts.TestNet3, opts.Signet, opts.RegTest} {
		if b {
			set++
		}
	}
	if set > 1 {
		fatalf("Multiple bitcoin networks may not be used " +
			"simultaneously")
	}

	switch {
	case opts.TestNet3:
		return &chaincfg.TestNet3Params
	case opts.Signet:
		return &chaincfg.SigNetParams
	case opts.RegTest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func databaseConfig(params *chaincfg.Params) wallet.DatabaseConfig {
	path := opts.DbPath
	if path == "" {
		name := "wallet.db"
		if opts.DbType == "sqlite" {
			name = "wallet.sqlite"
		}
		path = filepath.Join(datadir, params.Name, name)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fatalf("Unable to create data directory: %v", err)
	}

	switch opts.DbType {
	case "bolt":
		return &wallet.DatabaseBolt{Path: path}
	case "sqlite":
		return &wallet.DatabaseSqlite{Path: path}
	case "memory":
		return &wallet.DatabaseMemory{}
	default:
		fatalf("Unknown database backend %q", opts.DbType)
		return nil
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	_, err := flags.Parse(&opts)
	if err != nil {
		return 1
	}

	if opts.External == "" {
		fatalf("An external descriptor is required (--external)")
	}

	shutdownLogging, err := setupLogging(opts.LogFile, opts.LogLevel)
	if err != nil {
		fatalf("Unable to set up logging: %v", err)
	}
	defer shutdownLogging()

	params := activeNet()

	w, err := wallet.New(wallet.Config{
		ExternalDescriptor: opts.External,
		InternalDescriptor: opts.Internal,
		ChainParams:        params,
		Database:           databaseConfig(params),
	})
	if err != nil {
		fatalf("Unable to open wallet: %v", err)
	}
	defer w.Close()

	if opts.Address || opts.LastUnused {
		strategy := wallet.AddressNew
		if opts.LastUnused {
			strategy = wallet.AddressLastUnused
		}

		info, err := w.NewAddress(wallet.KeychainExternal, strategy)
		if err != nil {
			fatalf("Unable to derive address: %v", err)
		}

		fmt.Printf("%s (index %d)\n", info.Address, info.Index)
	}

	if opts.Balance {
		fmt.Printf("Balance: %v\n", w.Balance())
	}

	if opts.ListTx {
		for _, details := range w.ListTransactions() {
			line := fmt.Sprintf("%v sent=%v received=%v",
				details.TxID, details.Sent, details.Received)

			details.Fee.WhenSome(func(fee btcutil.Amount) {
				line += fmt.Sprintf(" fee=%v", fee)
			})
			details.Confirmation.WhenSome(
				func(bt wallet.BlockTime) {
					line += fmt.Sprintf(" height=%d",
						bt.Height)
				},
			)

			fmt.Println(line)
		}
	}

	return 0
}
