package runstore

import (
	"context"
	"testing"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func TestMemoryStore_AppendAndGetEventsSince(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(&Config{EventMaxLen: 5000})

	runID, err := store.CreateRun(ctx, "test", &types.Plan{Nodes: []types.NodeSpec{{ID: "a"}}})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		evt, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: "log", Level: types.LogLevelInfo})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		ids = append(ids, evt.ID)
	}

	all, err := store.GetEventsSince(ctx, runID, "")
	if err != nil {
		t.Fatalf("GetEventsSince(\"\"): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events for empty cursor, got %d", len(all))
	}

	since, err := store.GetEventsSince(ctx, runID, ids[0])
	if err != nil {
		t.Fatalf("GetEventsSince(%q): %v", ids[0], err)
	}
	if len(since) != 2 {
		t.Fatalf("expected 2 events after first id, got %d", len(since))
	}

	// An unparseable cursor is treated the same as an absent one: the full
	// retained set is returned rather than nothing.
	garbage, err := store.GetEventsSince(ctx, runID, "not-a-number")
	if err != nil {
		t.Fatalf("GetEventsSince(garbage): %v", err)
	}
	if len(garbage) != 3 {
		t.Fatalf("expected 3 events for unparseable cursor, got %d", len(garbage))
	}

	// A well-formed but never-issued (e.g. evicted) cursor is resolved
	// numerically rather than by exact match, so events are not lost.
	stale, err := store.GetEventsSince(ctx, runID, "0")
	if err != nil {
		t.Fatalf("GetEventsSince(stale): %v", err)
	}
	if len(stale) != 3 {
		t.Fatalf("expected 3 events for seq-0 cursor, got %d", len(stale))
	}
}

func TestMemoryStore_CancelRunDoesNotCloseSubscribers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	runID, err := store.CreateRun(ctx, "test", &types.Plan{Nodes: []types.NodeSpec{{ID: "a"}}})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	ch, cleanup, err := store.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	if err := store.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	cancelled, err := store.IsCancelled(ctx, runID)
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Fatalf("expected run to be marked cancelled")
	}

	// The scheduler still needs to deliver terminal node_status/status
	// events after a cancel; the subscriber channel must still be open and
	// able to receive them.
	evt, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: "status", Level: types.LogLevelInfo})
	if err != nil {
		t.Fatalf("AppendEvent after cancel: %v", err)
	}
	select {
	case got := <-ch:
		if got.ID != evt.ID {
			t.Fatalf("got event %s, want %s", got.ID, evt.ID)
		}
	default:
		t.Fatalf("expected event on subscriber channel after cancel, channel was empty/closed")
	}
}
