package model

import (
	"net"
	"strings"
	"time"
)

// Status is the lifecycle status of a load-generation node
type Status string

// Node lifecycle statuses
const (
	StatusDisabled   Status = "disabled"
	StatusEnabled    Status = "enabled"
	StatusInProgress Status = "in_progress"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusDisabled, StatusEnabled, StatusInProgress, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s is a status a finished operation may leave behind
func (s Status) Terminal() bool {
	return s == StatusDisabled || s == StatusEnabled || s == StatusError
}

// DefaultSSHPort is used when a node is registered without a port
const DefaultSSHPort = 22

// Node represents a remote host running the load-generation worker
type Node struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name" validate:"max=128"`
	IP        string    `json:"ip" validate:"required,ip|hostname_rfc1123"`
	Username  string    `json:"username" validate:"required,username"`
	Password  string    `json:"password,omitempty"`
	SSHPort   int       `json:"ssh_port" validate:"min=1,max=65535"`
	HomeDir   string    `json:"home_dir" validate:"required,safepath"`
	Status    Status    `json:"status" validate:"status"`
	Weight    int       `json:"weight" validate:"min=0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLoopback returns true if the node points at the local machine.
// Local nodes are never driven over the remote channel.
func (n *Node) IsLoopback() bool {
	host := strings.TrimSpace(n.IP)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Redacted returns a copy of the node safe to log or print
func (n Node) Redacted() Node {
	if n.Password != "" {
		n.Password = "******"
	}
	return n
}

// NodeFilter selects nodes in list queries. Zero fields match everything.
type NodeFilter struct {
	Name   string
	IP     string
	Status Status
}

// Match reports whether n satisfies the filter
func (f NodeFilter) Match(n *Node) bool {
	if f.Name != "" && !strings.Contains(n.Name, f.Name) {
		return false
	}
	if f.IP != "" && strings.TrimSpace(n.IP) != f.IP {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	return true
}

// NodeResult is the outcome of a batch operation for a single node
type NodeResult struct {
	ID        int64  `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    Status `json:"status,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`     // why the node was skipped
	ErrorKind string `json:"error_kind,omitempty"` // lifecycle error kind
	Retryable bool   `json:"retryable,omitempty"`  // repeating the operation may succeed
	Error     string `json:"error,omitempty"`
}

// BatchResult represents the result of applying a status change to a set of nodes
type BatchResult struct {
	Operation string       `json:"operation"` // restart | update | force
	Target    Status       `json:"target,omitempty"`
	Nodes     []NodeResult `json:"nodes"`
}

// Failed returns the per-node results that ended with an error
func (r *BatchResult) Failed() []NodeResult {
	var failed []NodeResult
	for _, n := range r.Nodes {
		if n.Error != "" {
			failed = append(failed, n)
		}
	}
	return failed
}
