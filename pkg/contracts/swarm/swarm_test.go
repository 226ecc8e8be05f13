package swarm_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vireo-systems/opctl/pkg/contracts/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExecutionPlaceCommand_Contract verifies the ExecutionPlaceCommand JSON contract.
// Invariant: Fields must match the specified JSON tags for inter-service comms.
func TestExecutionPlaceCommand_Contract(t *testing.T) {
	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	cmd := swarm.ExecutionPlaceCommand{
		ID:        "cmd_uuid_1",
		IntentID:  "intent_uuid_1",
		Venue:     "venue-a",
		Symbol:    "BTC-USD",
		Quantity:  1.5,
		StateHash: "hash_abc",
		Timestamp: ts,
	}

	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	jsonStr := string(data)
	assert.Contains(t, jsonStr, "intent_id")
	assert.Contains(t, jsonStr, "state_hash")
	assert.Contains(t, jsonStr, "timestamp")

	var decoded swarm.ExecutionPlaceCommand
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	// Time round-trip check (ensure zone/precision doesn't break equality check)
	assert.Equal(t, cmd.ID, decoded.ID)
	assert.Equal(t, cmd.Timestamp.Unix(), decoded.Timestamp.Unix())
}

// TestConstants verifies critical NATS subject constants.
// Invariant: Subject names must not change without version bump.
func TestConstants(t *testing.T) {
	assert.Equal(t, "cmd.execution.place.v1", swarm.SubjectExecutionPlace)
	assert.Equal(t, "cmd.sys.halt.v1", swarm.SubjectSysHalt)
	assert.Equal(t, "evt.execution.fill.v1", swarm.SubjectExecutionFill)
	assert.Equal(t, "evt.audit.operator.v1", swarm.SubjectAuditOperator)
}
