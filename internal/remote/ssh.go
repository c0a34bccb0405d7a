package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures the SSH executor
type SSHConfig struct {
	DialTimeout           time.Duration
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
}

// SSHExecutor implements Executor over SSH with password authentication
type SSHExecutor struct {
	dialTimeout     time.Duration
	hostKeyCallback ssh.HostKeyCallback
	logger          *slog.Logger
}

// NewSSHExecutor creates an SSH executor. Host keys are verified against
// cfg.KnownHostsFile unless cfg.InsecureIgnoreHostKey is set.
func NewSSHExecutor(cfg SSHConfig, logger *slog.Logger) (*SSHExecutor, error) {
	var callback ssh.HostKeyCallback
	if cfg.InsecureIgnoreHostKey {
		logger.Warn("ssh host key verification is disabled")
		callback = ssh.InsecureIgnoreHostKey()
	} else {
		var err error
		callback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
	}

	return &SSHExecutor{
		dialTimeout:     cfg.DialTimeout,
		hostKeyCallback: callback,
		logger:          logger,
	}, nil
}

// Connect dials the target and completes the SSH handshake within the dial timeout
func (e *SSHExecutor) Connect(ctx context.Context, target Target) (Session, error) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}

	// bound the handshake, then clear the deadline for the session lifetime
	if err := conn.SetDeadline(time.Now().Add(e.dialTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: set deadline %s: %v", ErrTransport, addr, err)
	}

	clientCfg := &ssh.ClientConfig{
		User: target.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = target.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: e.hostKeyCallback,
		Timeout:         e.dialTimeout,
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %v", ErrTransport, target, err)
	}
	_ = conn.SetDeadline(time.Time{})

	e.logger.Debug("ssh session opened", "target", target.String())

	return &sshSession{
		client: ssh.NewClient(c, chans, reqs),
		target: target,
		logger: e.logger,
	}, nil
}

type sshSession struct {
	client *ssh.Client
	target Target
	logger *slog.Logger
}

type runResult struct {
	out []byte
	err error
}

// Run executes cmd in a fresh channel. The context deadline bounds the whole round trip.
func (s *sshSession) Run(ctx context.Context, cmd Command) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open channel on %s: %v", ErrTransport, s.target, err)
	}
	defer sess.Close()

	done := make(chan runResult, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd.Text)
		done <- runResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return classifyRun(cmd, res)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s on %s", ErrTimeout, cmd.Name, s.target)
		}
		return "", fmt.Errorf("%w: %s on %s: %v", ErrTransport, cmd.Name, s.target, ctx.Err())
	}
}

func classifyRun(cmd Command, res runResult) (string, error) {
	out := string(res.out)
	if res.err == nil {
		return out, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(res.err, &exitErr) {
		return out, &CommandError{
			Command:    cmd.Name,
			ExitStatus: exitErr.ExitStatus(),
			Output:     out,
		}
	}
	return out, fmt.Errorf("%w: %s: %v", ErrTransport, cmd.Name, res.err)
}

// Close releases the connection
func (s *sshSession) Close() error {
	s.logger.Debug("ssh session closed", "target", s.target.String())
	return s.client.Close()
}
