// Package remotetest provides a scripted remote.Executor for tests.
package remotetest

import (
	"context"
	"sync"

	"github.com/kirychukyurii/loadgen-manager/internal/remote"
)

// Response is the scripted result of a command
type Response struct {
	Output string
	Err    error
}

// Call records one command run against a host
type Call struct {
	Host    string
	Command string
}

// Executor answers commands from a script keyed by command name and records every call
type Executor struct {
	mu          sync.Mutex
	responses   map[string]Response
	hostResp    map[string]map[string]Response
	connectErrs map[string]error
	calls       []Call
	connects    []string
	closes      int

	// Hook runs before each command is answered; it may block on ctx
	Hook func(ctx context.Context, host string, cmd remote.Command)
}

// NewExecutor returns an executor that answers every command with empty output
func NewExecutor() *Executor {
	return &Executor{
		responses:   make(map[string]Response),
		hostResp:    make(map[string]map[string]Response),
		connectErrs: make(map[string]error),
	}
}

// Respond scripts the result of the named command on every host
func (e *Executor) Respond(name, output string, err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[name] = Response{Output: output, Err: err}
	return e
}

// RespondOn scripts the result of the named command on one host
func (e *Executor) RespondOn(host, name, output string, err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hostResp[host] == nil {
		e.hostResp[host] = make(map[string]Response)
	}
	e.hostResp[host][name] = Response{Output: output, Err: err}
	return e
}

// FailConnect makes Connect to host fail with err
func (e *Executor) FailConnect(host string, err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErrs[host] = err
	return e
}

// Calls returns every command run so far in order
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Commands returns the command names run against host in order
func (e *Executor) Commands(host string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for _, c := range e.calls {
		if c.Host == host {
			names = append(names, c.Command)
		}
	}
	return names
}

// Connects returns the hosts Connect was called for, including failed attempts
func (e *Executor) Connects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.connects...)
}

// Closes returns how many sessions were closed
func (e *Executor) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// Connect implements remote.Executor
func (e *Executor) Connect(ctx context.Context, target remote.Target) (remote.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects = append(e.connects, target.Host)
	if err := e.connectErrs[target.Host]; err != nil {
		return nil, err
	}
	return &session{exec: e, host: target.Host}, nil
}

type session struct {
	exec *Executor
	host string
}

func (s *session) Run(ctx context.Context, cmd remote.Command) (string, error) {
	if hook := s.exec.Hook; hook != nil {
		hook(ctx, s.host, cmd)
	}

	s.exec.mu.Lock()
	defer s.exec.mu.Unlock()
	s.exec.calls = append(s.exec.calls, Call{Host: s.host, Command: cmd.Name})

	if resp, ok := s.exec.hostResp[s.host][cmd.Name]; ok {
		return resp.Output, resp.Err
	}
	resp := s.exec.responses[cmd.Name]
	return resp.Output, resp.Err
}

func (s *session) Close() error {
	s.exec.mu.Lock()
	defer s.exec.mu.Unlock()
	s.exec.closes++
	return nil
}
