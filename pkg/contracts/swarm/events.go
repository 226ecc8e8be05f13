package swarm

import (
	"time"
)

// ExecutionFillEvent is the payload for "evt.execution.fill.v1.<venue>"
type ExecutionFillEvent struct {
	// CommandID matches the originating ExecutionPlaceCommand.ID
	CommandID string `json:"command_id"`
	// Success indicates whether the fill completed
	Success bool `json:"success"`
	// FilledQuantity and FillPrice describe the resulting position delta
	FilledQuantity float64 `json:"filled_quantity"`
	FillPrice      float64 `json:"fill_price"`
	// Error contains details if Success is false
	Error string `json:"error,omitempty"`
	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`
}

// AuditOperatorEvent is the payload for "evt.audit.operator.v1", mirroring
// every hash-chained audit entry onto the bus.
type AuditOperatorEvent struct {
	EntryID   string    `json:"entry_id"`
	Sequence  uint64    `json:"sequence"`
	EntryType string    `json:"entry_type"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	// SubjectExecutionFill is the NATS subject where fill events are published
	SubjectExecutionFill = "evt.execution.fill.v1"
	// SubjectAuditOperator is the NATS subject audit entries are mirrored to
	SubjectAuditOperator = "evt.audit.operator.v1"
)
