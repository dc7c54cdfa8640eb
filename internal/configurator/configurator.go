// Package configurator contains the bridge to the external configurator
// program: the helper that actually applies, removes, or probes network
// configuration on behalf of the client.  The bridge assembles the child
// environment from lease data, forks the program, waits for it
// synchronously, and interprets its exit status.
package configurator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/validate"
)

// Reason is the reason string of a configurator invocation.
type Reason string

// Reason values, one per binding transition.
const (
	ReasonPreinit Reason = "PREINIT"
	ReasonMedium  Reason = "MEDIUM"
	ReasonBound   Reason = "BOUND"
	ReasonRenew   Reason = "RENEW"
	ReasonRebind  Reason = "REBIND"
	ReasonReboot  Reason = "REBOOT"
	ReasonExpire  Reason = "EXPIRE"
	ReasonFail    Reason = "FAIL"
	ReasonRelease Reason = "RELEASE"
	ReasonStop    Reason = "STOP"
	ReasonTimeout Reason = "TIMEOUT"
	ReasonNBI     Reason = "NBI"
)

// Invocation is a single run of the configurator program.
type Invocation struct {
	// Env are additional operator-supplied variables of this invocation,
	// exported after the global ones.
	Env map[string]string

	// New is the tentative or newly bound lease, exported with the "new_"
	// prefix.
	New *leasedb.Lease

	// Old is the previously active lease, exported with the "old_" prefix.
	Old *leasedb.Lease

	// Alias is the static alias lease, exported with the "alias_" prefix.
	Alias *leasedb.Lease

	// Reason is the reason string.  It must not be empty.
	Reason Reason

	// Interface is the name of the interface the transition happened on.
	// It may be empty for the NBI reason.
	Interface string

	// Medium is the current media setup string, if any.
	Medium string

	// RequestedOptions are the parameter-request-list codes of the current
	// exchange, exported as "requested_<name>=1".
	RequestedOptions []uint8
}

// Config is the configurator bridge configuration.
type Config struct {
	// Logger is used to log invocations.  It must not be nil.
	Logger *slog.Logger

	// ScriptPath is the path of the configurator executable.  It must not
	// be empty.
	ScriptPath string

	// Env are operator-supplied variables, exported before the derived
	// ones.
	Env map[string]string
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.NotNil("Logger", conf.Logger),
		validate.NotEmpty("ScriptPath", conf.ScriptPath),
	)
}

// Configurator invokes the external program.  It runs at most one child at a
// time: the caller is the single-threaded dispatch loop, and the wait is
// deliberately synchronous.
type Configurator struct {
	logger     *slog.Logger
	env        map[string]string
	scriptPath string
}

// New creates a new configurator bridge.
func New(conf *Config) (c *Configurator, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("configurator config: %w", err)
	}

	return &Configurator{
		logger:     conf.Logger,
		env:        conf.Env,
		scriptPath: conf.ScriptPath,
	}, nil
}

// Run invokes the configurator program once and waits for it.  The returned
// status is the child's exit code, or the negated signal number when the
// child died on a signal.  err is only set when the child could not be run
// at all.
func (c *Configurator) Run(ctx context.Context, inv *Invocation) (status int, err error) {
	defer func() { err = errors.Annotate(err, "running configurator: %w") }()

	cmd := exec.CommandContext(ctx, c.scriptPath)
	cmd.Env = c.buildEnv(ctx, inv)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	c.logger.DebugContext(
		ctx,
		"invoking configurator",
		"reason", inv.Reason,
		"interface", inv.Interface,
	)

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}

	exitErr := &exec.ExitError{}
	if !errors.As(err, &exitErr) {
		return 0, err
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status = -int(ws.Signal())
	} else {
		status = exitErr.ExitCode()
	}

	c.logger.InfoContext(
		ctx,
		"configurator finished",
		"reason", inv.Reason,
		"status", status,
		slogutil.KeyError, err,
	)

	return status, nil
}
