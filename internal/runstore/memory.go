package runstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	id          string
	name        string
	plan        *types.Plan
	status      types.RunStatus
	startedAt   *time.Time
	finishedAt  *time.Time
	error       string
	nodes       map[string]*types.NodeState
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	cancelled   bool
	subscribers map[chan *types.Event]struct{}
	createdAt   time.Time
	updatedAt   time.Time
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func generateRunID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *MemoryStore) CreateRun(ctx context.Context, name string, plan *types.Plan) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := generateRunID()
	now := time.Now().UTC()

	// Initialize node states from plan
	nodes := make(map[string]*types.NodeState)
	if plan != nil {
		for _, node := range plan.Nodes {
			nodes[node.ID] = &types.NodeState{
				NodeID: node.ID,
				Status: types.NodeStatusQueued,
			}
		}
	}

	s.runs[runID] = &memoryRun{
		id:          runID,
		name:        name,
		plan:        plan,
		status:      types.RunStatusQueued,
		nodes:       nodes,
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}

	return runID, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	nodes := make(map[string]*types.NodeState, len(run.nodes))
	for id, state := range run.nodes {
		nodes[id] = state
	}

	return &types.RunMeta{
		ID:         run.id,
		Name:       run.name,
		Status:     run.status,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Error:      run.error,
		Nodes:      nodes,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return &types.Run{
		ID:         run.id,
		Name:       run.name,
		Status:     run.status,
		Plan:       run.plan,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Error:      run.error,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time) error {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.status = status
	run.updatedAt = time.Now().UTC()

	if startedAt != nil {
		run.startedAt = startedAt
	}
	if finishedAt != nil {
		run.finishedAt = finishedAt
	}

	return nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) error {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	run.cancelled = true
	run.status = types.RunStatusCancelled
	run.updatedAt = time.Now().UTC()
	run.mu.Unlock()

	// Terminal status/finishedAt and channel teardown are left to the
	// scheduler via UpdateRunStatus once it has stopped running nodes and
	// emitted the final node_status/status events; closing subscriber
	// channels here would cut the SSE stream before those events arrive.
	return nil
}

func (s *MemoryStore) UpdateNodeState(ctx context.Context, runID, nodeID string, state *types.NodeState) error {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.nodes[nodeID] = state
	run.updatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	state, ok := run.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s not found in run %s", nodeID, runID)
	}

	return state, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.Lock()

	// Create the event
	eventID := fmt.Sprintf("%d", run.nextSeq)
	run.nextSeq++

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		run.mu.Unlock()
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Level:     input.Level,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}

	// Append to ring buffer
	if int64(len(run.events)) >= run.maxEvents {
		// Remove oldest event
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.updatedAt = time.Now().UTC()

	// Copy subscribers to notify outside lock
	subs := make([]chan *types.Event, 0, len(run.subscribers))
	for ch := range run.subscribers {
		subs = append(subs, ch)
	}
	run.mu.Unlock()

	// Notify subscribers (non-blocking). A subscriber whose queue is full
	// cannot "catch up" later without skipping ids, which §4.1 forbids, so
	// it is dropped outright: its channel is closed so the SSE handler's
	// range/receive observes closure and ends the stream, and the client
	// reconnects and backfills via get_events_since/Last-Event-ID.
	var overflowed []chan *types.Event
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			overflowed = append(overflowed, ch)
		}
	}
	if len(overflowed) > 0 {
		run.mu.Lock()
		for _, ch := range overflowed {
			if _, ok := run.subscribers[ch]; ok {
				delete(run.subscribers, ch)
				close(ch)
			}
		}
		run.mu.Unlock()
	}

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	// An absent or unparseable last_event_id means the caller has no usable
	// cursor into the stream, so the full retained set is returned. Since
	// event IDs are monotonically increasing decimal sequence numbers, a
	// numeric comparison is also used for IDs evicted from the ring by
	// retention: any retained event with a higher sequence is still new to
	// the caller even though the exact ID they last saw is gone.
	if lastEventID == "" {
		result := make([]*types.Event, len(run.events))
		copy(result, run.events)
		return result, nil
	}

	lastSeq, err := strconv.ParseInt(lastEventID, 10, 64)
	if err != nil {
		result := make([]*types.Event, len(run.events))
		copy(result, run.events)
		return result, nil
	}

	var result []*types.Event
	for _, evt := range run.events {
		seq, err := strconv.ParseInt(evt.ID, 10, 64)
		if err != nil || seq > lastSeq {
			result = append(result, evt)
		}
	}

	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrRunNotFound
	}

	// Create buffered channel for subscriber
	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	// Cleanup function
	cleanup := func() {
		run.mu.Lock()
		delete(run.subscribers, ch)
		run.mu.Unlock()
		// Don't close the channel here - let the sender handle that
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return false, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return run.cancelled, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Close all subscriber channels
	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = nil
		run.mu.Unlock()
	}

	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
