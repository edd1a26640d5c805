package main

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/lightninglabs/lnd-reputation/reputation"
)

// initLogRotator initializes a rotating file logger at logFile and wires it
// up as the reputation package's logger, matching real lnd's own log setup
// (rotating file handle behind a btclog.Logger backend).
func initLogRotator(logFile string, level btclog.Level) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return err
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return err
	}

	backend := btclog.NewBackend(r)
	logger := backend.Logger("REPC")
	logger.SetLevel(level)

	reputation.UseLogger(logger)
	return nil
}
