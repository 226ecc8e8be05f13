package breaker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/opctl/pkg/breaker"
	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/store"
)

type mockAudit struct {
	entries []store.EntryType
}

func (m *mockAudit) Record(ctx context.Context, entryType store.EntryType, subject, action string, payload interface{}) error {
	m.entries = append(m.entries, entryType)
	return nil
}

func testConditions() []breaker.TripCondition {
	return []breaker.TripCondition{
		{
			Layer:  contracts.LayerTransactional,
			Name:   "reject_rate",
			Expr:   `metrics.reject_rate > 0.2`,
			Reason: "order reject rate exceeded",
		},
		{
			Layer:  contracts.LayerStrategic,
			Name:   "drawdown",
			Expr:   `metrics.daily_drawdown_bps > 500.0`,
			Reason: "daily drawdown exceeded",
		},
		{
			Layer:  contracts.LayerReflex,
			Name:   "heartbeat_loss",
			Expr:   `metrics.heartbeat_age_ms > 5000.0`,
			Reason: "heartbeat loss",
		},
	}
}

func TestEvaluate_TransactionalTripRaisesToCautious(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)

	tripped, err := tree.Evaluate(context.Background(), contracts.LayerTransactional, map[string]any{"reject_rate": 0.5})
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, contracts.RiskCautious, tree.RiskState())
	assert.True(t, tree.CanTrade())
	assert.True(t, tree.CanOpenNewPositions())
}

func TestEvaluate_NoMatchDoesNotTrip(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)

	tripped, err := tree.Evaluate(context.Background(), contracts.LayerTransactional, map[string]any{"reject_rate": 0.01})
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Equal(t, contracts.RiskNormal, tree.RiskState())
}

func TestEvaluate_StrategicTripRaisesToDefensive(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)

	_, err = tree.Evaluate(context.Background(), contracts.LayerStrategic, map[string]any{"daily_drawdown_bps": 800.0})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskDefensive, tree.RiskState())
	assert.False(t, tree.CanOpenNewPositions())
	assert.True(t, tree.CanTrade())
}

func TestEvaluate_ReflexTripForcesEmergencyAndHalt(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)

	_, err = tree.Evaluate(context.Background(), contracts.LayerReflex, map[string]any{"heartbeat_age_ms": 9000.0})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskEmergency, tree.RiskState())
	assert.False(t, tree.CanTrade())
	assert.False(t, tree.CanOpenNewPositions())
}

func TestRiskState_NeverAutoDowngrades(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)

	_, _ = tree.Evaluate(context.Background(), contracts.LayerStrategic, map[string]any{"daily_drawdown_bps": 800.0})
	require.Equal(t, contracts.RiskDefensive, tree.RiskState())

	// A subsequent transactional trip would only raise to CAUTIOUS, which is
	// less severe than the current DEFENSIVE state, so it must not move.
	_, _ = tree.Evaluate(context.Background(), contracts.LayerTransactional, map[string]any{"reject_rate": 0.9})
	assert.Equal(t, contracts.RiskDefensive, tree.RiskState())
}

func TestResume_ClearsAllLayersAndReturnsToNormal(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)
	audit := &mockAudit{}
	tree.WithAudit(audit)

	_, _ = tree.Evaluate(context.Background(), contracts.LayerReflex, map[string]any{"heartbeat_age_ms": 9000.0})
	require.Equal(t, contracts.RiskEmergency, tree.RiskState())

	tree.Resume(context.Background(), "op-1")
	assert.Equal(t, contracts.RiskNormal, tree.RiskState())
	assert.True(t, tree.CanTrade())
	assert.Contains(t, audit.entries, store.EntryTypeResume)
}

func TestResetBreaker_SingleLayerLeavesOthersIntact(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)

	_, _ = tree.Evaluate(context.Background(), contracts.LayerStrategic, map[string]any{"daily_drawdown_bps": 800.0})
	_, _ = tree.Evaluate(context.Background(), contracts.LayerTransactional, map[string]any{"reject_rate": 0.9})
	require.Equal(t, contracts.RiskDefensive, tree.RiskState())

	err = tree.ResetBreaker(context.Background(), contracts.LayerStrategic, "op-1")
	require.NoError(t, err)
	// Transactional is still tripped, so risk settles at CAUTIOUS, not NORMAL.
	assert.Equal(t, contracts.RiskCautious, tree.RiskState())

	err = tree.ResetBreaker(context.Background(), contracts.LayerTransactional, "op-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskNormal, tree.RiskState())
}

func TestResetBreaker_UnknownLayer(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)
	err = tree.ResetBreaker(context.Background(), contracts.BreakerLayer("BOGUS"), "op-1")
	assert.Error(t, err)
}

func TestTrip_EmitsAuditForBothTripAndEscalation(t *testing.T) {
	tree, err := breaker.NewTree(testConditions())
	require.NoError(t, err)
	audit := &mockAudit{}
	tree.WithAudit(audit)

	tree.Trip(context.Background(), contracts.LayerTransactional, "manual trip")
	assert.Contains(t, audit.entries, store.EntryTypeBreakerTrip)
	assert.Contains(t, audit.entries, store.EntryTypeRiskEscalation)
}
