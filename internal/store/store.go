// Package store persists nodes, executions, and log lines, and exposes
// the operations the master coordinator calls. A single transactional
// SQLite-backed implementation is provided; Store is an interface so
// the coordinator can be tested against an in-memory fake.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id or name finds no row.
var ErrNotFound = errors.New("store: not found")

// Node mirrors the Node entity of the data model (spec §3).
type Node struct {
	ID            string
	Name          string
	IP            string
	Status        string
	CPUPercent    float64
	MemPercent    float64
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// Execution mirrors the Execution entity (spec §3).
type Execution struct {
	ID         string
	NodeID     string
	Command    string
	Status     string // running, success, failed
	ExitCode   *int
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Execution statuses.
const (
	ExecutionRunning = "running"
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)

// LogLine mirrors the LogLine entity (spec §3).
type LogLine struct {
	Seq       int64
	ExecID    string
	Stream    string
	Line      string
	Timestamp float64
}

// Store is the transactional persistence surface the coordinator depends on.
type Store interface {
	// GetNode returns a node by id, or ErrNotFound.
	GetNode(ctx context.Context, id string) (*Node, error)
	// GetNodeByName returns a node by its human name, or ErrNotFound.
	GetNodeByName(ctx context.Context, name string) (*Node, error)
	// ListNodes returns every node, newest-registered first.
	ListNodes(ctx context.Context) ([]*Node, error)
	// UpsertNodeByName reuses the row for name if one exists (same
	// identity), otherwise inserts a new node with a freshly generated
	// identity. It returns the resulting row.
	UpsertNodeByName(ctx context.Context, name, ip string, now time.Time) (*Node, error)
	// UpdateHeartbeat sets status, cpu/mem percent, and last_heartbeat
	// for the node identified by id.
	UpdateHeartbeat(ctx context.Context, id, status string, cpuPercent, memPercent float64, at time.Time) error
	// SetNodeStatus updates only the status field.
	SetNodeStatus(ctx context.Context, id, status string) error
	// ScanStaleNodes returns nodes whose status is not already offline
	// and whose last_heartbeat is older than cutoff.
	ScanStaleNodes(ctx context.Context, cutoff time.Time) ([]*Node, error)

	// InsertExecution creates a new running execution and returns its
	// generated identity.
	InsertExecution(ctx context.Context, nodeID, command string, createdAt time.Time) (string, error)
	// GetExecution returns an execution by id, or ErrNotFound.
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// CompleteExecution sets the terminal state of an execution. It is
	// a no-op (not an error) if the execution is already terminal, so
	// that duplicate cmd_done deliveries are idempotent.
	CompleteExecution(ctx context.Context, id string, exitCode int, finishedAt time.Time) error
	// FailRunningExecutionForNode marks one running execution owned by
	// nodeID (if any) as failed with the given sentinel exit code, used
	// by the liveness sweeper's offline-transition policy. When several
	// executions of the node are running, only one of them is changed.
	FailRunningExecutionForNode(ctx context.Context, nodeID string, exitCode int, finishedAt time.Time) (execID string, found bool, err error)
	// ListExecutions returns executions for nodeID (or every node, if
	// nodeID is empty), newest-created first, capped at limit.
	ListExecutions(ctx context.Context, nodeID string, limit int) ([]*Execution, error)

	// InsertLogLine appends a log line and returns its assigned
	// sequence number.
	InsertLogLine(ctx context.Context, line LogLine) (int64, error)
	// ListLogLines returns the lines of execID in ingest order.
	ListLogLines(ctx context.Context, execID string) ([]LogLine, error)

	// Close releases the underlying connection.
	Close() error
}
