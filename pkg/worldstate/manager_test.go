package worldstate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/worldstate"
)

func TestNewManager_ComputesInitialHash(t *testing.T) {
	m, err := worldstate.NewManager(contracts.WorldState{Mode: "paper"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.StateHash())
}

func TestSetArmed_ChangesHashAndNotifies(t *testing.T) {
	m, err := worldstate.NewManager(contracts.WorldState{})
	require.NoError(t, err)
	before := m.StateHash()

	require.NoError(t, m.SetArmed(true))
	after := m.StateHash()
	assert.NotEqual(t, before, after)

	select {
	case notif := <-m.Notifications():
		assert.True(t, notif.State.Armed)
	case <-time.After(time.Second):
		t.Fatal("expected a notification after mutation")
	}
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	m, err := worldstate.NewManager(contracts.WorldState{
		Positions: []contracts.Position{{Venue: "v1", Symbol: "BTC-USD", Quantity: 1}},
	})
	require.NoError(t, err)

	snap := m.Snapshot()
	snap.Positions[0].Quantity = 999

	fresh := m.Snapshot()
	assert.Equal(t, 1.0, fresh.Positions[0].Quantity, "mutating a snapshot must not affect live state")
}

func TestSetRiskState_UpdatesPostureAndHash(t *testing.T) {
	m, err := worldstate.NewManager(contracts.WorldState{RiskState: contracts.RiskNormal})
	require.NoError(t, err)

	require.NoError(t, m.SetRiskState(contracts.RiskDefensive))
	snap := m.Snapshot()
	assert.Equal(t, contracts.RiskDefensive, snap.RiskState)
	assert.Equal(t, contracts.PostureDefensive, snap.Posture)
}

func TestSetBreakerState_StoresPerLayer(t *testing.T) {
	m, err := worldstate.NewManager(contracts.WorldState{})
	require.NoError(t, err)

	require.NoError(t, m.SetBreakerState(contracts.LayerReflex, contracts.BreakerLayerState{
		Layer: contracts.LayerReflex, Tripped: true, Reason: "heartbeat loss",
	}))

	snap := m.Snapshot()
	state, ok := snap.BreakerStates[contracts.LayerReflex]
	require.True(t, ok)
	assert.True(t, state.Tripped)
}

func TestMutations_NeverBlockOnFullNotifyChannel(t *testing.T) {
	m, err := worldstate.NewManager(contracts.WorldState{})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.SetEquity(float64(i)))
	}
	// The notify channel has a small fixed buffer; this only passes if
	// sends are non-blocking once it fills up.
	assert.Equal(t, 99.0, m.Snapshot().Equity)
}
