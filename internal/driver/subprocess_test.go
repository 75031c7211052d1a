package driver

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	eventType string
	data      map[string]interface{}
	nodeID    string
	level     string
}

func (r *recordingEmitter) EmitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{eventType: eventType, data: data, nodeID: nodeID, level: level})
	return nil
}

func (r *recordingEmitter) statuses(nodeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.eventType == "node_status" && e.nodeID == nodeID {
			if s, ok := e.data["status"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func TestLocalSubprocessDriver_SucceedsAndEmitsStatus(t *testing.T) {
	emitter := &recordingEmitter{}
	d := NewLocalSubprocessDriver(emitter, nil)

	code, err := d.RunNode(context.Background(), "run-1", "node-a", []string{"true"}, nil, 0)
	if err != nil {
		t.Fatalf("RunNode: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}

	statuses := emitter.statuses("node-a")
	if len(statuses) < 2 || statuses[0] != "running" || statuses[len(statuses)-1] != "succeeded" {
		t.Fatalf("expected running...succeeded sequence, got %v", statuses)
	}
}

func TestLocalSubprocessDriver_NonZeroExit(t *testing.T) {
	emitter := &recordingEmitter{}
	d := NewLocalSubprocessDriver(emitter, nil)

	code, err := d.RunNode(context.Background(), "run-1", "node-b", []string{"false"}, nil, 0)
	if err != nil {
		t.Fatalf("RunNode: %v", err)
	}
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	statuses := emitter.statuses("node-b")
	if len(statuses) == 0 || statuses[len(statuses)-1] != "failed" {
		t.Fatalf("expected terminal status failed, got %v", statuses)
	}
}

func TestLocalSubprocessDriver_EmptyCommand(t *testing.T) {
	d := NewLocalSubprocessDriver(&recordingEmitter{}, nil)
	if _, err := d.RunNode(context.Background(), "run-1", "node-c", nil, nil, 0); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestLocalSubprocessDriver_Timeout(t *testing.T) {
	emitter := &recordingEmitter{}
	d := NewLocalSubprocessDriver(emitter, nil)

	code, err := d.RunNode(context.Background(), "run-1", "node-d", []string{"sleep", "5"}, nil, 0.2)
	if err != nil {
		t.Fatalf("RunNode: %v", err)
	}
	if code != 124 {
		t.Fatalf("expected timeout exit code 124, got %d", code)
	}
}

func TestLocalSubprocessDriver_ContextCancellation(t *testing.T) {
	emitter := &recordingEmitter{}
	d := NewLocalSubprocessDriver(emitter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	code, err := d.RunNode(ctx, "run-1", "node-e", []string{"sleep", "5"}, nil, 0)
	if err == nil {
		t.Fatalf("expected context cancellation error")
	}
	if code != 130 {
		t.Fatalf("expected interrupt exit code 130, got %d", code)
	}
}
