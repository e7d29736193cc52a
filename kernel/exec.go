package kernel

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/btcsuite/btclog"
)

var log = btclog.Disabled

// UseLogger assigns the subsystem logger used by this package.
func UseLogger(l btclog.Logger) {
	log = l
}

// ExecRunner runs commands via os/exec, the production Runner
// implementation.
type ExecRunner struct {
	// Timeout bounds each invocation; spec.md §5 allows kernel commands
	// up to 5s.
	Timeout time.Duration
}

// NewExecRunner builds an ExecRunner with the default 5s timeout.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Timeout: 5 * time.Second}
}

// Run executes cmd and classifies its duration per spec.md §5.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	execCmd := exec.CommandContext(runCtx, cmd.Program, cmd.Args...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	elapsed := time.Since(start)

	switch {
	case elapsed >= ErrorThreshold:
		log.Errorf("kernel command %s %v took %s", cmd.Program, cmd.Args,
			ClassifyDuration(elapsed))
	case elapsed >= WarnThreshold:
		log.Warnf("kernel command %s %v took %s", cmd.Program, cmd.Args,
			ClassifyDuration(elapsed))
	}

	exitStatus := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitStatus = exitErr.ExitCode()
		} else {
			return Result{}, err
		}
	}

	res := Result{
		ExitStatus: exitStatus,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}
	if exitStatus != 0 {
		return res, &CommandError{Command: cmd, Result: res}
	}
	return res, nil
}

// Capabilities probes for wg/ip/iptables on PATH.
func (r *ExecRunner) Capabilities(ctx context.Context) (CapabilitySet, error) {
	return CapabilitySet{
		HasWireguard: binaryExists("wg"),
		HasIP:        binaryExists("ip"),
		HasIPTables:  binaryExists("iptables"),
	}, nil
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// CommandError is returned when a kernel command exits non-zero; this is
// the Transient I/O case of spec.md §7 ("kernel command exit ≠ 0").
type CommandError struct {
	Command Command
	Result  Result
}

func (e *CommandError) Error() string {
	return "kernel command " + e.Command.Program + " exited " +
		strconv.Itoa(e.Result.ExitStatus) + ": " + e.Result.Stderr
}
