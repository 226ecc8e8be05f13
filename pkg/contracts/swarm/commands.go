// Package swarm holds the wire-stable NATS subject names and payloads
// shared between the operator control plane and the execution venues it
// commands.
package swarm

import (
	"time"
)

// ExecutionPlaceCommand is the payload for "cmd.execution.place.v1.<venue>.<account>.<symbol>"
type ExecutionPlaceCommand struct {
	// ID is the unique correlation ID for this command (UUID)
	ID string `json:"id"`
	// IntentID is the intent that produced this command
	IntentID string `json:"intent_id"`
	// Venue is the execution venue this command targets
	Venue string `json:"venue"`
	// Symbol and Quantity describe the order
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	// ReplyTo is the NATS subject to publish the result to (optional)
	ReplyTo string `json:"reply_to,omitempty"`
	// StateHash is the world state revision this command was authorized against
	StateHash string `json:"state_hash"`
	// Timestamp is when the command was issued
	Timestamp time.Time `json:"timestamp"`
}

const (
	// SubjectExecutionPlace is the NATS subject prefix for placing an order;
	// publishers append ".<venue>.<account>.<symbol>"
	SubjectExecutionPlace = "cmd.execution.place.v1"
	// SubjectSysHalt is the NATS subject for the system-wide halt command
	SubjectSysHalt = "cmd.sys.halt.v1"
)
