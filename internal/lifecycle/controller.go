// Package lifecycle drives the load-generation worker on a node between the
// enabled and disabled states over a remote command channel.
//
// Planning is pure: Plan validates the node and produces the command steps.
// Execute performs them and returns the status the caller must persist. The
// controller never writes to the node registry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kirychukyurii/loadgen-manager/internal/metrics"
	"github.com/kirychukyurii/loadgen-manager/internal/model"
	"github.com/kirychukyurii/loadgen-manager/internal/remote"
)

var checksumRe = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)

// Config holds controller timing and credential settings
type Config struct {
	// CommandTimeout bounds each remote round trip
	CommandTimeout time.Duration

	// SettleInterval is waited between the two kill commands of a disable
	SettleInterval time.Duration

	// StartWait is how long the start command polls the worker output for the marker
	StartWait time.Duration

	// InsecureDefaultPassword replaces an empty node password when set
	InsecureDefaultPassword string
}

// Step is one remote command of a plan
type Step struct {
	Command remote.Command

	// BestEffort steps never fail the plan
	BestEffort bool

	// SettleAfter is waited after the step completes
	SettleAfter time.Duration
}

// Plan is the validated sequence of commands that moves a node to Target
type Plan struct {
	NodeID   int64
	NodeName string
	From     model.Status
	Target   model.Status
	Remote   remote.Target
	Steps    []Step
}

// Controller executes lifecycle transitions through a remote.Executor
type Controller struct {
	exec   remote.Executor
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// NewController creates a lifecycle controller
func NewController(exec remote.Executor, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		exec:   exec,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Transition moves node toward target and returns the status to persist.
// On failure the returned status is model.StatusError, except for
// AlreadyActive which returns the node's current status unchanged.
func (c *Controller) Transition(ctx context.Context, node *model.Node, target model.Status) (model.Status, error) {
	plan, err := c.Plan(node, target)
	if err != nil {
		metrics.Transitions.WithLabelValues(string(target), string(KindOf(err))).Inc()
		if KindOf(err) == KindAlreadyActive {
			return node.Status, err
		}
		return model.StatusError, err
	}
	return c.Execute(ctx, plan)
}

// Plan validates node for a transition to target and builds the command sequence.
// It performs no I/O.
func (c *Controller) Plan(node *model.Node, target model.Status) (*Plan, error) {
	invalid := func(format string, args ...any) error {
		return newError(KindInvalidConfiguration, node.ID, "validate", fmt.Errorf(format, args...))
	}

	if target != model.StatusEnabled && target != model.StatusDisabled {
		return nil, invalid("unsupported target status %q", target)
	}
	// checked before the node fields so a misconfigured running node keeps its status
	if target == model.StatusEnabled && node.Status == model.StatusEnabled {
		return nil, newError(KindAlreadyActive, node.ID, "validate",
			fmt.Errorf("%s is already running, refusing to start it twice", node.Name))
	}

	host := strings.TrimSpace(node.IP)
	if host == "" {
		return nil, invalid("ip is required")
	}
	if err := remote.ValidateHost(host); err != nil {
		return nil, invalid("%v", err)
	}
	if node.HomeDir == "" {
		return nil, invalid("home directory is required")
	}
	if err := remote.ValidatePath(node.HomeDir); err != nil {
		return nil, invalid("%v", err)
	}
	if node.SSHPort < 1 || node.SSHPort > 65535 {
		return nil, invalid("ssh port %d out of range", node.SSHPort)
	}
	if node.Username == "" {
		return nil, invalid("username is required")
	}

	password := node.Password
	if password == "" {
		if c.cfg.InsecureDefaultPassword == "" {
			return nil, invalid("password is empty and no insecure default password is configured")
		}
		password = c.cfg.InsecureDefaultPassword
	}

	plan := &Plan{
		NodeID:   node.ID,
		NodeName: node.Name,
		From:     node.Status,
		Target:   target,
		Remote: remote.Target{
			Host:     host,
			Port:     node.SSHPort,
			Username: node.Username,
			Password: password,
		},
	}

	if target == model.StatusDisabled {
		// the second kill covers a worker respawning between signal and scan
		kill := remote.KillCommand()
		plan.Steps = []Step{
			{Command: kill, BestEffort: true, SettleAfter: c.cfg.SettleInterval},
			{Command: kill, BestEffort: true},
		}
		return plan, nil
	}

	checksum, err := remote.ChecksumCommand(node.HomeDir)
	if err != nil {
		return nil, invalid("%v", err)
	}
	mkdir, err := remote.MkdirCommand(node.HomeDir)
	if err != nil {
		return nil, invalid("%v", err)
	}
	start, err := remote.StartCommand(node.HomeDir, host, c.cfg.StartWait)
	if err != nil {
		return nil, invalid("%v", err)
	}
	plan.Steps = []Step{{Command: checksum}, {Command: mkdir}, {Command: start}}
	return plan, nil
}

// Execute runs the plan over a single remote session and returns the resulting status
func (c *Controller) Execute(ctx context.Context, plan *Plan) (status model.Status, err error) {
	started := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(KindOf(err))
		}
		metrics.Transitions.WithLabelValues(string(plan.Target), result).Inc()
		metrics.TransitionDuration.WithLabelValues(string(plan.Target)).Observe(time.Since(started).Seconds())
	}()

	logger := c.logger.With(
		slog.Int64("node_id", plan.NodeID),
		slog.String("target", string(plan.Target)),
	)

	sess, err := c.exec.Connect(ctx, plan.Remote)
	if err != nil {
		if plan.Target == model.StatusDisabled {
			logger.WarnContext(ctx, "could not reach node to stop worker, treating as stopped",
				slog.String("error", err.Error()),
			)
			return model.StatusDisabled, nil
		}
		return model.StatusError, newError(KindRemoteUnreachable, plan.NodeID, "connect", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Debug("failed to close remote session", slog.String("error", cerr.Error()))
		}
	}()

	for _, step := range plan.Steps {
		out, runErr := c.run(ctx, sess, step.Command)

		if step.BestEffort {
			if runErr != nil {
				logger.WarnContext(ctx, "best-effort remote command failed",
					slog.String("command", step.Command.Name),
					slog.String("error", runErr.Error()),
				)
			}
			c.sleep(ctx, step.SettleAfter)
			continue
		}

		if err := classify(plan.NodeID, step.Command.Name, out, runErr); err != nil {
			logger.ErrorContext(ctx, "remote step failed",
				slog.String("command", step.Command.Name),
				slog.String("error_kind", string(KindOf(err))),
				slog.String("error", err.Error()),
			)
			return model.StatusError, err
		}
		c.sleep(ctx, step.SettleAfter)
	}

	logger.InfoContext(ctx, "node transition completed",
		slog.String("from", string(plan.From)),
		slog.Duration("took", time.Since(started)),
	)
	return plan.Target, nil
}

func (c *Controller) run(ctx context.Context, sess remote.Session, cmd remote.Command) (string, error) {
	timeout := c.cfg.CommandTimeout
	if cmd.Name == "start" {
		timeout += c.cfg.StartWait
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := sess.Run(runCtx, cmd)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RemoteCommands.WithLabelValues(cmd.Name, result).Inc()
	return out, err
}

// classify maps a step outcome to a lifecycle error, nil on success
func classify(nodeID int64, op, out string, err error) error {
	var cmdErr *remote.CommandError
	isCmdErr := errors.As(err, &cmdErr)

	switch op {
	case "checksum":
		if err != nil {
			if isCmdErr {
				return newError(KindExecutableMissing, nodeID, op, err)
			}
			return newError(KindRemoteUnreachable, nodeID, op, err)
		}
		sum := strings.TrimSpace(out)
		if !checksumRe.MatchString(sum) {
			return newError(KindExecutableMissing, nodeID, op,
				fmt.Errorf("no checksum for %s, got %q", remote.ExecutableRelPath, truncate(sum, 64)))
		}
		return nil

	case "mkdir":
		if err != nil {
			if isCmdErr {
				return newError(KindStartFailed, nodeID, op, err)
			}
			return newError(KindRemoteUnreachable, nodeID, op, err)
		}
		return nil

	case "start":
		if err != nil {
			if isCmdErr || errors.Is(err, remote.ErrTimeout) {
				return newError(KindStartFailed, nodeID, op, err)
			}
			return newError(KindRemoteUnreachable, nodeID, op, err)
		}
		if !strings.Contains(out, remote.StartMarker) {
			return newError(KindStartFailed, nodeID, op,
				fmt.Errorf("output lacks %q marker, try starting the worker on the node by hand", remote.StartMarker))
		}
		return nil
	}

	if err != nil {
		return newError(KindRemoteUnreachable, nodeID, op, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
