// Package kernel is the sole system-call boundary for the core: every
// invocation of wg/ip/iptables goes through a Runner, matching spec.md
// §5 ("Process-wide state: the kernel command runner (singleton)") and
// §6 ("Kernel command runner (consumed)"). It is grounded on
// lnwallet.BlockChainIO's real-backend/mock-backend split and on
// original_source/althea_kernel_interface/src/lib.rs's KernelInterface
// trait.
package kernel

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one command invocation.
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Command is a single program invocation, e.g. {"wg", []string{"set",
// "wg3", "private-key", ...}}.
type Command struct {
	Program string
	Args    []string
}

// Runner executes kernel commands. There is exactly one implementation
// used in production (ExecRunner) and one used in tests (MockRunner);
// spec.md §5 forbids any other system call path for the core.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)

	// Capabilities reports which required binaries are present on the
	// host. It is probed at startup (spec.md §6 exit code 65: "kernel
	// capability missing") and re-checked periodically by the health
	// monitor.
	Capabilities(ctx context.Context) (CapabilitySet, error)
}

// CapabilitySet records whether each binary the core depends on was
// found, mirroring althea_kernel_interface's startup capability probe.
type CapabilitySet struct {
	HasWireguard bool
	HasIP        bool
	HasIPTables  bool
}

// Missing reports the names of any required binaries that were not
// found.
func (c CapabilitySet) Missing() []string {
	var missing []string
	if !c.HasWireguard {
		missing = append(missing, "wg")
	}
	if !c.HasIP {
		missing = append(missing, "ip")
	}
	if !c.HasIPTables {
		missing = append(missing, "iptables")
	}
	return missing
}

// OK reports whether every required binary was found.
func (c CapabilitySet) OK() bool {
	return len(c.Missing()) == 0
}

// WarnThreshold and ErrorThreshold classify how long a single kernel
// command invocation took, per spec.md §5 ("operations exceeding 1s log
// a warning, exceeding 5s log an error").
const (
	WarnThreshold  = 1 * time.Second
	ErrorThreshold = 5 * time.Second
)

// ClassifyDuration returns a human string for a command's elapsed time
// bucket, used by Runner implementations when logging slow commands.
func ClassifyDuration(d time.Duration) string {
	switch {
	case d >= ErrorThreshold:
		return fmt.Sprintf("slow(error): %s", d)
	case d >= WarnThreshold:
		return fmt.Sprintf("slow(warn): %s", d)
	default:
		return d.String()
	}
}
