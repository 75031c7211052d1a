package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeHello      EventType = "hello"
	EventTypeStatus     EventType = "status"
	EventTypeNodeStatus EventType = "node_status"
	EventTypeLog        EventType = "log"
	EventTypeCheckpoint EventType = "checkpoint"
	EventTypeStreamEnd  EventType = "stream_end"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event represents a single event in a run's event stream. Type is left as
// a plain string rather than EventType because a node's NDJSON stdout may
// supply any custom type value, passed through opaquely.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Level     LogLevel        `json:"level,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   string      `json:"type"`
	NodeID string      `json:"node_id,omitempty"`
	Level  LogLevel    `json:"level,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// LogEvent represents the data payload for plain (non-NDJSON) log events.
type LogEvent struct {
	RunID   string `json:"runId"`
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// CheckpointEvent represents the data payload for checkpoint events.
type CheckpointEvent struct {
	Label       string                 `json:"label"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NodeStatusEvent represents the data payload for node status change events.
type NodeStatusEvent struct {
	RunID    string     `json:"runId"`
	NodeID   string     `json:"nodeId"`
	Status   NodeStatus `json:"status"`
	ExitCode *int       `json:"exitCode,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
	RetryAt  string     `json:"retryAt,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// RunStatusEvent represents the data payload for run status change events.
type RunStatusEvent struct {
	RunID  string    `json:"runId"`
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ToSSE formats the event for the Server-Sent Events protocol:
//
//	id: <id>
//	event: <type>
//	data: <compact json of event.data>
//	<blank line>
//
// Only event.Data is sent as the data field; the envelope (id/ts/run_id/
// node_id/level) is conveyed by the id/event SSE fields and the data
// payload itself, per the wire contract.
func (e *Event) ToSSE() []byte {
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data))
}

// ParseNDJSON attempts to parse a line of NDJSON from an agent's stdout.
// Returns the event type and parsed data, or an error. Only a single JSON
// object at the top level is accepted; arrays and scalars are rejected so
// callers fall back to plain-log semantics.
func ParseNDJSON(line []byte) (*EventInput, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	eventType := string(EventTypeLog)
	if t, ok := raw["type"].(string); ok && t != "" {
		eventType = t
	}

	level := LogLevel("")
	if l, ok := raw["level"].(string); ok {
		level = LogLevel(l)
	}

	return &EventInput{
		Type:  eventType,
		Level: level,
		Data:  raw,
	}, nil
}
