// Package types provides shared types for the orchestrator service.
package types

import (
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"

	// RunStatusCancelled is written by RunStore.CancelRun. When a scheduler
	// owns the run, a caller sees it only briefly: the scheduler overwrites
	// it with RunStatusFailed on its next run-loop iteration (see
	// internal/scheduler). Kept distinct so a store that has no scheduler
	// attached (e.g. in isolated store tests) still has a way to record
	// "cancel requested."
	RunStatusCancelled RunStatus = "cancelled"
)

// NodeStatus represents the current state of a node within a run.
type NodeStatus string

const (
	NodeStatusQueued    NodeStatus = "queued"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
)

// Run represents a single execution of a plan.
type Run struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Status     RunStatus         `json:"status"`
	Plan       *Plan             `json:"plan,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing and the
// GET /api/v1/runs/{run_id} projection.
type RunMeta struct {
	ID         string                `json:"id"`
	Name       string                `json:"name,omitempty"`
	Status     RunStatus             `json:"status"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Error      string                `json:"error,omitempty"`
	Nodes      map[string]*NodeState `json:"nodes,omitempty"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Plan describes the execution plan for a run: a directed acyclic graph of
// NodeSpecs connected by EdgeSpecs.
type Plan struct {
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges,omitempty"`
}

// NodeSpec describes a single node in the execution plan.
//
// Agent names a preset recognised by the command resolver (e.g. "echo",
// "python"); Params is an opaque map interpreted by that resolver
// (params.cmd, params.args, params.code). See internal/scheduler's
// ResolveCommand for the resolution rules.
type NodeSpec struct {
	ID             string                 `json:"id"`
	Agent          string                 `json:"agent"`
	Params         map[string]interface{} `json:"params,omitempty"`
	MaxRetries     int                    `json:"max_retries"`
	BackoffSeconds int                    `json:"backoff_seconds"`
	TimeoutMs      int64                  `json:"timeout_ms,omitempty"`

	// Env is merged into the child process environment, caller-supplied
	// overrides winning on conflict with driver passthrough.
	Env map[string]string `json:"env,omitempty"`
}

// EdgeSpec describes a data flow edge between nodes. Endpoints are
// "<node_id>.<pin_name>" strings; only the node id prefix is significant
// to the scheduler, which derives it with FromNodeID() and ToNodeID().
type EdgeSpec struct {
	From string `json:"from_node"`
	To   string `json:"to_node"`
}

// nodeIDOf strips any ".<pin_name>" suffix from an edge endpoint.
func nodeIDOf(endpoint string) string {
	for i := 0; i < len(endpoint); i++ {
		if endpoint[i] == '.' {
			return endpoint[:i]
		}
	}
	return endpoint
}

// FromNodeID returns the node id of the edge's source endpoint.
func (e EdgeSpec) FromNodeID() string { return nodeIDOf(e.From) }

// ToNodeID returns the node id of the edge's destination endpoint.
func (e EdgeSpec) ToNodeID() string { return nodeIDOf(e.To) }

// NodeState tracks the runtime state of a node within a run.
type NodeState struct {
	NodeID              string     `json:"node_id"`
	Status              NodeStatus `json:"status"`
	Attempts            int        `json:"attempts"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	DurationMs          *int64     `json:"duration_ms,omitempty"`
	Error               string     `json:"error,omitempty"`
	LastExitCode        *int       `json:"last_exit_code,omitempty"`
	NextEarliestStartAt *time.Time `json:"next_earliest_start_at,omitempty"`
}
