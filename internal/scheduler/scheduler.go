// Package scheduler provides DAG execution for orchestrator runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// CommandResolver resolves a NodeSpec to a command line to execute. It
// returns an error for an unrecognized agent so the scheduler can fail the
// node instead of silently skipping it.
type CommandResolver func(node *types.NodeSpec) ([]string, error)

// runContext holds the runtime state for a single run.
type runContext struct {
	runID          string
	name           string
	nodeSpecs      map[string]*types.NodeSpec
	dependents     map[string]map[string]bool // node_id -> set of downstream ids
	remainingPreds map[string]int             // node_id -> count of predecessors not yet succeeded
	predsMu        sync.Mutex
	tasks          map[string]context.CancelFunc
	tasksMu        sync.Mutex
	done           chan struct{}
	cancelled      bool
	cancelledMu    sync.Mutex
}

// Scheduler manages DAG execution for runs.
type Scheduler struct {
	store              runstore.RunStore
	driver             driver.Driver
	resolveCmd         CommandResolver
	runs               map[string]*runContext
	runsMu             sync.Mutex
	sem                chan struct{} // Parallelism limiter
	defaultMaxRetries  int
	defaultBackoffSecs int
}

// Config holds scheduler configuration.
type Config struct {
	// MaxParallelism limits concurrent node executions (0 = unlimited)
	MaxParallelism int

	// DefaultMaxRetries is the default retry count for nodes (0 = no retries)
	DefaultMaxRetries int

	// DefaultBackoffSecs is the initial backoff duration in seconds, used
	// when a node's plan doesn't set its own backoff_seconds.
	DefaultBackoffSecs int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelism:     0,
		DefaultMaxRetries:  0,
		DefaultBackoffSecs: 2,
	}
}

// New creates a new scheduler.
func New(store runstore.RunStore, drv driver.Driver, resolveCmd CommandResolver, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var sem chan struct{}
	if cfg.MaxParallelism > 0 {
		sem = make(chan struct{}, cfg.MaxParallelism)
	}

	return &Scheduler{
		store:              store,
		driver:             drv,
		resolveCmd:         resolveCmd,
		runs:               make(map[string]*runContext),
		sem:                sem,
		defaultMaxRetries:  cfg.DefaultMaxRetries,
		defaultBackoffSecs: cfg.DefaultBackoffSecs,
	}
}

// EnqueueRun registers a run with the scheduler. The run must already exist in the RunStore.
func (s *Scheduler) EnqueueRun(ctx context.Context, runID, name string, plan *types.Plan) error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	if _, exists := s.runs[runID]; exists {
		return nil // Already enqueued
	}

	// Build node specs map, applying scheduler-wide defaults where a node
	// doesn't set its own retry/backoff.
	nodeSpecs := make(map[string]*types.NodeSpec)
	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		if node.MaxRetries == 0 {
			node.MaxRetries = s.defaultMaxRetries
		}
		if node.BackoffSeconds == 0 {
			node.BackoffSeconds = s.defaultBackoffSecs
		}
		nodeSpecs[node.ID] = node
	}

	// Build dependency graph
	dependents := make(map[string]map[string]bool)
	remainingPreds := make(map[string]int)
	for id := range nodeSpecs {
		dependents[id] = make(map[string]bool)
		remainingPreds[id] = 0
	}

	for _, edge := range plan.Edges {
		from, to := edge.FromNodeID(), edge.ToNodeID()
		if _, ok := nodeSpecs[from]; !ok {
			continue
		}
		if _, ok := nodeSpecs[to]; !ok {
			continue
		}
		if dependents[from][to] {
			continue // already counted
		}
		dependents[from][to] = true
		remainingPreds[to]++
	}

	rctx := &runContext{
		runID:          runID,
		name:           name,
		nodeSpecs:      nodeSpecs,
		dependents:     dependents,
		remainingPreds: remainingPreds,
		tasks:          make(map[string]context.CancelFunc),
		done:           make(chan struct{}),
	}
	s.runs[runID] = rctx

	for nodeID := range nodeSpecs {
		s.emitNodeStatus(ctx, runID, nodeID, "queued", nil)
	}
	s.emitRunStatus(ctx, runID, "queued")

	return nil
}

// StartRun transitions the run to running and begins execution.
func (s *Scheduler) StartRun(ctx context.Context, runID string) error {
	s.runsMu.Lock()
	rctx, exists := s.runs[runID]
	s.runsMu.Unlock()

	if !exists {
		return fmt.Errorf("run %s not enqueued", runID)
	}

	startedAt := time.Now().UTC()
	if err := s.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &startedAt, nil); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	s.emitEvent(ctx, runID, "hello", map[string]interface{}{"runId": runID}, "", "")
	s.emitRunStatus(ctx, runID, "running")

	// The run loop outlives the caller's context: for an HTTP caller that
	// context ends as soon as the handler has responded.
	go s.runLoop(context.WithoutCancel(ctx), rctx)

	return nil
}

// CancelRun cancels a running run. Cancellation is always surfaced to
// callers as a RunStatusFailed transition: RunStatusCancelled only ever
// exists as a marker written inside the store, never as an externally
// visible terminal state.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	// Cancelling a run that already reached a terminal state is a no-op.
	if meta, err := s.store.GetRunMeta(ctx, runID); err == nil &&
		(meta.Status == types.RunStatusSucceeded || meta.Status == types.RunStatusFailed) {
		return nil
	}

	s.runsMu.Lock()
	rctx, exists := s.runs[runID]
	s.runsMu.Unlock()

	if err := s.store.CancelRun(ctx, runID); err != nil && err != runstore.ErrRunNotFound {
		slog.Error("cancel run store error", slog.String("run_id", runID), slog.Any("error", err))
	}

	if exists {
		rctx.cancelledMu.Lock()
		rctx.cancelled = true
		rctx.cancelledMu.Unlock()

		rctx.tasksMu.Lock()
		for _, cancel := range rctx.tasks {
			cancel()
		}
		rctx.tasksMu.Unlock()
	}

	if !exists {
		// Nothing running locally to wait on (e.g. a different process
		// owns the run loop); reflect the terminal status immediately.
		finishedAt := time.Now().UTC()
		if err := s.store.UpdateRunStatus(ctx, runID, types.RunStatusFailed, nil, &finishedAt); err != nil {
			slog.Error("update run status error", slog.String("run_id", runID), slog.Any("error", err))
		}
		s.emitRunStatus(ctx, runID, "failed")
	}

	return nil
}

// runLoop is the main execution loop for a run.
func (s *Scheduler) runLoop(ctx context.Context, rctx *runContext) {
	defer close(rctx.done)

	s.maybeScheduleReady(ctx, rctx)

	for {
		rctx.cancelledMu.Lock()
		cancelled := rctx.cancelled
		rctx.cancelledMu.Unlock()

		rctx.tasksMu.Lock()
		activeTasks := len(rctx.tasks)
		rctx.tasksMu.Unlock()

		if cancelled && activeTasks == 0 {
			s.checkRunCompletion(ctx, rctx)
			return
		}

		if s.checkRunCompletion(ctx, rctx) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
			s.maybeScheduleReady(ctx, rctx)
		}
	}
}

// maybeScheduleReady finds nodes ready to execute and starts them. A node is
// ready when it has no remaining predecessors, is queued, and (if it is a
// retry) its next_earliest_start_at has passed.
func (s *Scheduler) maybeScheduleReady(ctx context.Context, rctx *runContext) bool {
	rctx.cancelledMu.Lock()
	cancelled := rctx.cancelled
	rctx.cancelledMu.Unlock()
	if cancelled {
		return false
	}

	scheduled := false
	now := time.Now().UTC()

	for nodeID, spec := range rctx.nodeSpecs {
		rctx.tasksMu.Lock()
		_, isRunning := rctx.tasks[nodeID]
		rctx.tasksMu.Unlock()
		if isRunning {
			continue
		}

		rctx.predsMu.Lock()
		preds := rctx.remainingPreds[nodeID]
		rctx.predsMu.Unlock()
		if preds > 0 {
			continue
		}

		state, err := s.store.GetNodeState(ctx, rctx.runID, nodeID)
		if err != nil {
			state = &types.NodeState{NodeID: nodeID, Status: types.NodeStatusQueued}
		}

		if state.Status != types.NodeStatusQueued {
			continue
		}

		if state.NextEarliestStartAt != nil && now.Before(*state.NextEarliestStartAt) {
			continue
		}

		scheduled = true
		s.scheduleNode(ctx, rctx, nodeID, spec, state.Attempts, now)
	}

	return scheduled
}

// scheduleNode starts execution of a single node.
func (s *Scheduler) scheduleNode(ctx context.Context, rctx *runContext, nodeID string, spec *types.NodeSpec, attempts int, startTime time.Time) {
	nodeCtx, cancel := context.WithCancel(ctx)

	rctx.tasksMu.Lock()
	rctx.tasks[nodeID] = cancel
	rctx.tasksMu.Unlock()

	// attempts is the number of attempts completed so far (0 before the
	// node has ever run); this attempt in progress counts as attempts+1,
	// matching the scheduler's "attempts += 1 at schedule time" contract.
	currentAttempt := attempts + 1

	startedAt := startTime
	state := &types.NodeState{
		NodeID:    nodeID,
		Status:    types.NodeStatusRunning,
		StartedAt: &startedAt,
		Attempts:  currentAttempt,
	}
	if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, state); err != nil {
		slog.Error("update node state error", slog.String("run_id", rctx.runID), slog.String("node_id", nodeID), slog.Any("error", err))
	}
	s.emitNodeStatus(ctx, rctx.runID, nodeID, "running", map[string]interface{}{"attempts": currentAttempt})

	go func() {
		defer func() {
			rctx.tasksMu.Lock()
			delete(rctx.tasks, nodeID)
			rctx.tasksMu.Unlock()
		}()

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-nodeCtx.Done():
				s.onNodeFinished(ctx, rctx, nodeID, 130, nodeCtx.Err())
				return
			}
		}

		cmd, err := s.resolveCmd(spec)
		if err != nil {
			slog.Error("resolve command failed", slog.String("node_id", nodeID), slog.Any("error", err))
			s.onNodeFinished(ctx, rctx, nodeID, 1, err)
			return
		}

		env := make(map[string]string, len(spec.Env)+2)
		for k, v := range spec.Env {
			env[k] = v
		}
		env["ATTEMPT"] = fmt.Sprintf("%d", currentAttempt)

		timeout := 0.0
		if spec.TimeoutMs > 0 {
			timeout = float64(spec.TimeoutMs) / 1000.0
		}

		exitCode, err := s.driver.RunNode(nodeCtx, rctx.runID, nodeID, cmd, env, timeout)
		if err != nil && exitCode == 0 {
			exitCode = 1
		}

		s.onNodeFinished(ctx, rctx, nodeID, exitCode, err)
	}()
}

// onNodeFinished handles node completion - success, failure, or retry. A
// node whose run was cancelled is skipped entirely: the driver already
// emitted node_status(failed, reason=cancelled) for it, and the run's
// terminal status(failed) (emitted by checkRunCompletion once all tasks
// have unwound) must be the last event for the run - no further
// node_status transition or NodeState write may follow it.
func (s *Scheduler) onNodeFinished(ctx context.Context, rctx *runContext, nodeID string, exitCode int, runErr error) {
	rctx.cancelledMu.Lock()
	cancelled := rctx.cancelled
	rctx.cancelledMu.Unlock()
	if cancelled || errors.Is(runErr, context.Canceled) {
		return
	}

	spec := rctx.nodeSpecs[nodeID]
	finishedAt := time.Now().UTC()

	// attempts was already incremented to account for this attempt when
	// scheduleNode persisted the running state, so it's used as-is here.
	state, _ := s.store.GetNodeState(ctx, rctx.runID, nodeID)
	attempts := 1
	var startedAt *time.Time
	if state != nil {
		attempts = state.Attempts
		startedAt = state.StartedAt
	}
	var durationMs *int64
	if startedAt != nil {
		d := finishedAt.Sub(*startedAt).Milliseconds()
		durationMs = &d
	}

	if exitCode == 0 {
		newState := &types.NodeState{
			NodeID:       nodeID,
			Status:       types.NodeStatusSucceeded,
			StartedAt:    startedAt,
			FinishedAt:   &finishedAt,
			DurationMs:   durationMs,
			LastExitCode: &exitCode,
			Attempts:     attempts,
		}
		if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, newState); err != nil {
			slog.Error("update node state error", slog.String("node_id", nodeID), slog.Any("error", err))
		}
		s.emitNodeStatus(ctx, rctx.runID, nodeID, "succeeded", map[string]interface{}{
			"exitCode": exitCode,
			"attempts": attempts,
		})

		rctx.predsMu.Lock()
		for downstream := range rctx.dependents[nodeID] {
			rctx.remainingPreds[downstream]--
		}
		rctx.predsMu.Unlock()
		return
	}

	errMsg := fmt.Sprintf("exit_code=%d", exitCode)
	if runErr != nil {
		errMsg = runErr.Error()
	}

	if attempts <= spec.MaxRetries {
		backoffSecs := spec.BackoffSeconds
		if backoffSecs <= 0 {
			backoffSecs = s.defaultBackoffSecs
		}
		delay := float64(backoffSecs) * math.Pow(2, float64(attempts-1))
		if delay > 60 {
			delay = 60
		}
		nextStart := finishedAt.Add(time.Duration(delay * float64(time.Second)))

		newState := &types.NodeState{
			NodeID:              nodeID,
			Status:              types.NodeStatusQueued,
			StartedAt:           startedAt,
			FinishedAt:          &finishedAt,
			DurationMs:          durationMs,
			LastExitCode:        &exitCode,
			Attempts:            attempts,
			Error:               errMsg,
			NextEarliestStartAt: &nextStart,
		}
		if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, newState); err != nil {
			slog.Error("update node state error", slog.String("node_id", nodeID), slog.Any("error", err))
		}
		s.emitNodeStatus(ctx, rctx.runID, nodeID, "queued", map[string]interface{}{
			"attempts": attempts,
			"retryAt":  nextStart.Format(time.RFC3339),
			"reason":   errMsg,
		})
		return
	}

	newState := &types.NodeState{
		NodeID:       nodeID,
		Status:       types.NodeStatusFailed,
		StartedAt:    startedAt,
		FinishedAt:   &finishedAt,
		DurationMs:   durationMs,
		LastExitCode: &exitCode,
		Attempts:     attempts,
		Error:        errMsg,
	}
	if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, newState); err != nil {
		slog.Error("update node state error", slog.String("node_id", nodeID), slog.Any("error", err))
	}
	s.emitNodeStatus(ctx, rctx.runID, nodeID, "failed", map[string]interface{}{
		"exitCode": exitCode,
		"attempts": attempts,
		"error":    errMsg,
	})
}

// checkRunCompletion determines if the run is complete and emits final status.
func (s *Scheduler) checkRunCompletion(ctx context.Context, rctx *runContext) bool {
	rctx.cancelledMu.Lock()
	cancelled := rctx.cancelled
	rctx.cancelledMu.Unlock()

	rctx.tasksMu.Lock()
	activeTasks := len(rctx.tasks)
	rctx.tasksMu.Unlock()

	if cancelled && activeTasks == 0 {
		finishedAt := time.Now().UTC()
		s.store.UpdateRunStatus(ctx, rctx.runID, types.RunStatusFailed, nil, &finishedAt)
		s.emitRunStatus(ctx, rctx.runID, "failed")
		return true
	}
	if cancelled {
		return false
	}

	var running, queued, failed, succeeded int
	for nodeID := range rctx.nodeSpecs {
		state, err := s.store.GetNodeState(ctx, rctx.runID, nodeID)
		if err != nil {
			queued++
			continue
		}
		switch state.Status {
		case types.NodeStatusRunning:
			running++
		case types.NodeStatusQueued:
			queued++
		case types.NodeStatusFailed:
			failed++
		case types.NodeStatusSucceeded:
			succeeded++
		}
	}

	total := len(rctx.nodeSpecs)

	if succeeded == total {
		finishedAt := time.Now().UTC()
		s.store.UpdateRunStatus(ctx, rctx.runID, types.RunStatusSucceeded, nil, &finishedAt)
		s.emitRunStatus(ctx, rctx.runID, "succeeded")
		return true
	}

	if failed > 0 && running == 0 && queued == 0 {
		finishedAt := time.Now().UTC()
		s.store.UpdateRunStatus(ctx, rctx.runID, types.RunStatusFailed, nil, &finishedAt)
		s.emitRunStatus(ctx, rctx.runID, "failed")
		return true
	}

	return false
}

// Event emission helpers
func (s *Scheduler) emitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) {
	input := &types.EventInput{
		Type:   eventType,
		NodeID: nodeID,
		Level:  types.LogLevel(level),
		Data:   data,
	}
	if _, err := s.store.AppendEvent(ctx, runID, input); err != nil {
		slog.Error("emit event error", slog.String("run_id", runID), slog.String("event_type", eventType), slog.Any("error", err))
	}
}

func (s *Scheduler) emitRunStatus(ctx context.Context, runID, status string) {
	s.emitEvent(ctx, runID, "status", map[string]interface{}{
		"runId":  runID,
		"status": status,
	}, "", "")
}

func (s *Scheduler) emitNodeStatus(ctx context.Context, runID, nodeID, status string, extra map[string]interface{}) {
	data := map[string]interface{}{
		"runId":  runID,
		"nodeId": nodeID,
		"status": status,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.emitEvent(ctx, runID, "node_status", data, nodeID, "")
}
