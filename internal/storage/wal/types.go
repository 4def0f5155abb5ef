package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/mint-forge/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the task journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate   EventType = "CREATE"   // Task record inserted
	EventUpdate   EventType = "UPDATE"   // Partial update merged
	EventComplete EventType = "COMPLETE" // Task completed
	EventFail     EventType = "FAIL"     // Task failed
	EventTimeout  EventType = "TIMEOUT"  // Lazy timeout observed on read
	EventCompact  EventType = "COMPACT"  // Record re-written by journal compaction
)

// Event represents a WAL event record.
// Record carries the full task state after the mutation, so replay is last-writer-wins per TaskID.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	TaskID    types.TaskID    `json:"task_id"`   // Task ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Record    json.RawMessage `json:"record"`    // Serialized types.Task
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Task decodes the record carried by the event
func (e Event) Task() (types.Task, error) {
	var t types.Task
	if err := json.Unmarshal(e.Record, &t); err != nil {
		return types.Task{}, err
	}
	return t, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
