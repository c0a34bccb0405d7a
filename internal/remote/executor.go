// Package remote runs shell commands on load-generation nodes.
//
// Command text is only produced by the builders in commands.go; callers never
// concatenate node fields into shell input themselves.
package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport means the command could not be delivered or its result could
	// not be read: dial, handshake, authentication or channel failures.
	ErrTransport = errors.New("remote transport failure")

	// ErrTimeout means the command did not finish within its deadline
	ErrTimeout = errors.New("remote command timed out")
)

// Target identifies a host and the credentials used to reach it
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
}

// String returns user@host:port, never the password
func (t Target) String() string {
	return fmt.Sprintf("%s@%s:%d", t.Username, t.Host, t.Port)
}

// Command is a named shell payload
type Command struct {
	Name string // checksum | mkdir | start | kill
	Text string
}

// CommandError is returned when the command ran but exited non-zero
type CommandError struct {
	Command    string
	ExitStatus int
	Output     string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s exited with status %d", e.Command, e.ExitStatus)
}

// Executor opens command sessions to remote hosts
type Executor interface {
	Connect(ctx context.Context, target Target) (Session, error)
}

// Session runs commands on one connected host. Close must always be called.
type Session interface {
	Run(ctx context.Context, cmd Command) (string, error)
	Close() error
}
