package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	"github.com/meshnet-tools/meshagent/counter"
	"github.com/meshnet-tools/meshagent/dashboard"
	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/discovery"
	"github.com/meshnet-tools/meshagent/internal/healthcheck"
	"github.com/meshnet-tools/meshagent/kernel"
	"github.com/meshnet-tools/meshagent/payment"
	"github.com/meshnet-tools/meshagent/traffic"
	"github.com/meshnet-tools/meshagent/tunnel"
)

// logWriter implements io.Writer and sends the received data to both
// standard out and the log rotator, if one has been initialized.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if w.rotator != nil {
		w.rotator.Write(p)
	}
	return len(p), nil
}

var (
	lw         = &logWriter{}
	backendLog = btclog.NewBackend(lw)

	mainLog = backendLog.Logger("MAIN")
	discLog = backendLog.Logger("DISC")
	tunnLog = backendLog.Logger("TUNN")
	cntrLog = backendLog.Logger("CNTR")
	trafLog = backendLog.Logger("TRAF")
	debtLog = backendLog.Logger("DEBT")
	paymLog = backendLog.Logger("PAYM")
	dashLog = backendLog.Logger("DASH")
	krnlLog = backendLog.Logger("KRNL")
	hlthLog = backendLog.Logger("HLTH")
)

// initLogRotator opens a rotating file under logFile, in addition to
// the always-on stdout writer, matching the jrick/logrotate usage the
// teacher's config.go would have driven (no source for it survived
// retrieval; the rotator.New call shape here is the one lnd/btcd use).
func initLogRotator(logFile string, maxSizeKB, maxFiles int) error {
	r, err := rotator.New(logFile, int64(maxSizeKB)*1024, false, maxFiles)
	if err != nil {
		return fmt.Errorf("log: failed to create rotator: %w", err)
	}
	lw.rotator = r
	return nil
}

// setLogLevels parses level (one of btclog's level names) and applies
// it to every subsystem logger.
func setLogLevels(level string) error {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("log: unknown log level %q", level)
	}
	for _, l := range []btclog.Logger{
		mainLog, discLog, tunnLog, cntrLog, trafLog, debtLog, paymLog, dashLog, krnlLog, hlthLog,
	} {
		l.SetLevel(lvl)
	}
	return nil
}

// useLoggers wires every package's subsystem logger, mirroring the
// per-package UseLogger convention each component already exposes.
func useLoggers() {
	discovery.UseLogger(discLog)
	tunnel.UseLogger(tunnLog)
	counter.UseLogger(cntrLog)
	traffic.UseLogger(trafLog)
	debt.UseLogger(debtLog)
	payment.UseLogger(paymLog)
	dashboard.UseLogger(dashLog)
	kernel.UseLogger(krnlLog)
	healthcheck.UseLogger(hlthLog)
}
