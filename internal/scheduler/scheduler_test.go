package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func waitForRunStatus(t *testing.T, store runstore.RunStore, runID string, want types.RunStatus, timeout time.Duration) *types.RunMeta {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		meta, err := store.GetRunMeta(context.Background(), runID)
		if err == nil && meta.Status == want {
			return meta
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %s within %s", runID, want, timeout)
	return nil
}

func TestScheduler_LinearRunSucceeds(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	defer store.Close()
	emitter := driver.NewRunStoreEmitter(store)
	drv := driver.NewLocalSubprocessDriver(emitter, nil)

	resolve := func(node *types.NodeSpec) ([]string, error) {
		return []string{"true"}, nil
	}

	sched := New(store, drv, resolve, &Config{DefaultMaxRetries: 0})

	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}},
	}
	runID, err := store.CreateRun(ctx, "linear", plan)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := sched.EnqueueRun(ctx, runID, "linear", plan); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if err := sched.StartRun(ctx, runID); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	waitForRunStatus(t, store, runID, types.RunStatusSucceeded, 5*time.Second)
}

func TestScheduler_FailingNodeFailsRun(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	defer store.Close()
	emitter := driver.NewRunStoreEmitter(store)
	drv := driver.NewLocalSubprocessDriver(emitter, nil)

	resolve := func(node *types.NodeSpec) ([]string, error) {
		return []string{"false"}, nil
	}

	sched := New(store, drv, resolve, &Config{DefaultMaxRetries: 0})

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "a"}}}
	runID, err := store.CreateRun(ctx, "failing", plan)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := sched.EnqueueRun(ctx, runID, "failing", plan); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if err := sched.StartRun(ctx, runID); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	waitForRunStatus(t, store, runID, types.RunStatusFailed, 5*time.Second)
}

func TestScheduler_CancelRunMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	defer store.Close()
	emitter := driver.NewRunStoreEmitter(store)
	drv := driver.NewLocalSubprocessDriver(emitter, nil)

	resolve := func(node *types.NodeSpec) ([]string, error) {
		return []string{"sleep", "10"}, nil
	}

	sched := New(store, drv, resolve, DefaultConfig())

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "a"}}}
	runID, err := store.CreateRun(ctx, "cancel-me", plan)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := sched.EnqueueRun(ctx, runID, "cancel-me", plan); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if err := sched.StartRun(ctx, runID); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if err := sched.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	waitForRunStatus(t, store, runID, types.RunStatusFailed, 5*time.Second)
}

func TestScheduler_UnresolvableCommandFailsNode(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	defer store.Close()
	emitter := driver.NewRunStoreEmitter(store)
	drv := driver.NewLocalSubprocessDriver(emitter, nil)

	resolve := func(node *types.NodeSpec) ([]string, error) {
		return nil, errUnknownAgent(node.Agent)
	}

	sched := New(store, drv, resolve, &Config{DefaultMaxRetries: 0})

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "a", Agent: "nonexistent"}}}
	runID, err := store.CreateRun(ctx, "bad-agent", plan)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := sched.EnqueueRun(ctx, runID, "bad-agent", plan); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if err := sched.StartRun(ctx, runID); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	waitForRunStatus(t, store, runID, types.RunStatusFailed, 5*time.Second)
}

type errUnknownAgent string

func (e errUnknownAgent) Error() string { return "unknown agent: " + string(e) }
