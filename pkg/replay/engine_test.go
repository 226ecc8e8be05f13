package replay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/opctl/pkg/audit"
	"github.com/vireo-systems/opctl/pkg/authz"
	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/crypto"
	"github.com/vireo-systems/opctl/pkg/intent"
	"github.com/vireo-systems/opctl/pkg/replay"
	"github.com/vireo-systems/opctl/pkg/store"
	"github.com/vireo-systems/opctl/pkg/worldstate"
)

type fixedSnapshotSource struct {
	snapshots []*replay.Snapshot
}

func (f *fixedSnapshotSource) NearestBefore(ctx context.Context, timestamp time.Time) (*replay.Snapshot, error) {
	var best *replay.Snapshot
	for _, s := range f.snapshots {
		if s.Timestamp.After(timestamp) {
			continue
		}
		if best == nil || s.Timestamp.After(best.Timestamp) {
			best = s
		}
	}
	return best, nil
}

type fixedFillSource struct {
	fills []replay.FillEvent
}

func (f *fixedFillSource) FillsBetween(ctx context.Context, since, until time.Time) ([]replay.FillEvent, error) {
	var out []replay.FillEvent
	for _, fill := range f.fills {
		if fill.Timestamp.After(since) && !fill.Timestamp.After(until) {
			out = append(out, fill)
		}
	}
	return out, nil
}

func baseTime() time.Time {
	return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
}

func TestReconstructStateAt_UsesNearestSnapshotAndReplaysAudit(t *testing.T) {
	// Audit entries are stamped with the wall clock at Append, so the
	// snapshot must precede now for the entry to fall inside the window.
	t0 := time.Now().UTC().Add(-time.Minute)
	snapshots := &fixedSnapshotSource{snapshots: []*replay.Snapshot{
		{Sequence: 1, Timestamp: t0, State: contracts.WorldState{Mode: "paper", Armed: false}},
	}}
	audit := store.NewAuditStore()
	_, err := audit.Append(store.EntryTypeHalt, "world", "halt", map[string]string{"reason": "test"}, nil)
	require.NoError(t, err)

	engine := replay.NewEngine(snapshots, audit, nil)
	view, err := engine.ReconstructStateAt(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), view.SnapshotSequence)
	assert.True(t, view.State.Halted)
	assert.Equal(t, 1, view.EntriesApplied)
}

func TestReconstructStateAt_NoSnapshotReturnsError(t *testing.T) {
	snapshots := &fixedSnapshotSource{}
	audit := store.NewAuditStore()
	engine := replay.NewEngine(snapshots, audit, nil)

	_, err := engine.ReconstructStateAt(context.Background(), baseTime())
	require.ErrorIs(t, err, replay.ErrNoSnapshot)
}

func TestReconstructStateAt_PicksNearestOfSeveralSnapshots(t *testing.T) {
	t0 := baseTime()
	snapshots := &fixedSnapshotSource{snapshots: []*replay.Snapshot{
		{Sequence: 1, Timestamp: t0, State: contracts.WorldState{Mode: "paper"}},
		{Sequence: 2, Timestamp: t0.Add(time.Hour), State: contracts.WorldState{Mode: "live"}},
		{Sequence: 3, Timestamp: t0.Add(3 * time.Hour), State: contracts.WorldState{Mode: "shadow"}},
	}}
	audit := store.NewAuditStore()
	engine := replay.NewEngine(snapshots, audit, nil)

	view, err := engine.ReconstructStateAt(context.Background(), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), view.SnapshotSequence)
	assert.Equal(t, "live", view.State.Mode)
}

func TestReconstructStateAt_AppliesFillsIntoPositions(t *testing.T) {
	t0 := baseTime()
	snapshots := &fixedSnapshotSource{snapshots: []*replay.Snapshot{
		{Sequence: 1, Timestamp: t0, State: contracts.WorldState{}},
	}}
	audit := store.NewAuditStore()
	fills := &fixedFillSource{fills: []replay.FillEvent{
		{Sequence: 1, Timestamp: t0.Add(time.Minute), Venue: "coinbase", Symbol: "BTC-USD", Quantity: 1.5, Price: 60000},
		{Sequence: 2, Timestamp: t0.Add(2 * time.Minute), Venue: "coinbase", Symbol: "BTC-USD", Quantity: 0.5, Price: 61000},
	}}

	engine := replay.NewEngine(snapshots, audit, fills)
	view, err := engine.ReconstructStateAt(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)

	require.Len(t, view.State.Positions, 1)
	assert.Equal(t, 2.0, view.State.Positions[0].Quantity)
	assert.Equal(t, 2, view.FillsApplied)
}

func TestReconstructStateAt_ExcludesEventsAfterCutoff(t *testing.T) {
	t0 := baseTime()
	snapshots := &fixedSnapshotSource{snapshots: []*replay.Snapshot{
		{Sequence: 1, Timestamp: t0, State: contracts.WorldState{}},
	}}
	audit := store.NewAuditStore()
	fills := &fixedFillSource{fills: []replay.FillEvent{
		{Sequence: 1, Timestamp: t0.Add(time.Minute), Venue: "coinbase", Symbol: "BTC-USD", Quantity: 1, Price: 60000},
		{Sequence: 2, Timestamp: t0.Add(time.Hour * 5), Venue: "coinbase", Symbol: "BTC-USD", Quantity: 9, Price: 70000},
	}}

	engine := replay.NewEngine(snapshots, audit, fills)
	cutoff := t0.Add(time.Minute * 30)
	view, err := engine.ReconstructStateAt(context.Background(), cutoff)
	require.NoError(t, err)

	require.Len(t, view.State.Positions, 1)
	assert.Equal(t, 1.0, view.State.Positions[0].Quantity)
}

// TestReconstructStateAt_AppliesResolvedIntentWorldState runs a real ARM
// intent through pkg/intent.Service's actual pipeline — schema/signature/
// RBAC, execution, audit recording — rather than injecting an audit entry
// by hand, so the EntryTypeIntentResolved reconstruction path is exercised
// against the envelope pkg/audit.StoreLogger really produces.
func TestReconstructStateAt_AppliesResolvedIntentWorldState(t *testing.T) {
	world, err := worldstate.NewManager(contracts.WorldState{Mode: "paper", Armed: false})
	require.NoError(t, err)

	auditStore := store.NewAuditStore()
	auditLogger := audit.NewStoreLogger(auditStore)

	kr, err := crypto.NewKeyring([]byte("replay-reconstruction-test-secret-0123456789"))
	require.NoError(t, err)

	armExecutor := func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		prior := world.Snapshot()
		if err := world.SetArmed(true); err != nil {
			return nil, err
		}
		next := world.Snapshot()
		priorJSON, err := json.Marshal(prior)
		require.NoError(t, err)
		newJSON, err := json.Marshal(next)
		require.NoError(t, err)
		return &contracts.IntentReceipt{Effect: "armed", PriorState: priorJSON, NewState: newJSON}, nil
	}

	rbac := authz.NewRBACTable()
	rbac.Grant("trader", contracts.IntentArm)
	svc := intent.NewService(intent.Options{
		Keyring:   kr,
		RBAC:      rbac,
		Executors: map[contracts.IntentType]intent.Executor{contracts.IntentArm: armExecutor},
	}, store.NewMemoryIntentStore(), auditLogger, nil)

	paramsJSON, err := json.Marshal(map[string]any{})
	require.NoError(t, err)
	in := &contracts.Intent{
		ID:             uuid.New().String(),
		IdempotencyKey: "idem-replay-arm-1",
		Type:           contracts.IntentArm,
		Params:         paramsJSON,
		OperatorID:     "op-1",
		TTLSeconds:     60,
	}
	signer, err := kr.DeriveForOperator("op-1")
	require.NoError(t, err)
	require.NoError(t, signer.SignIntent(in))

	before := time.Now().UTC().Add(-time.Minute)
	ctx := intent.WithOperatorRole(context.Background(), "trader")
	result, err := svc.SubmitIntent(ctx, in, false)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeAccepted, result.Outcome)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, e := range auditStore.Query(store.QueryFilter{}) {
			if e.EntryType == store.EntryTypeIntentResolved {
				found = true
				break
			}
		}
		if found {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	snapshots := &fixedSnapshotSource{snapshots: []*replay.Snapshot{
		{Sequence: 1, Timestamp: before, State: contracts.WorldState{Mode: "paper", Armed: false}},
	}}
	engine := replay.NewEngine(snapshots, auditStore, nil)
	view, err := engine.ReconstructStateAt(context.Background(), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, view.State.Armed, "a resolved ARM intent must be reflected in reconstructed world state")
}

func TestReconstructStateAt_DeterministicAcrossCalls(t *testing.T) {
	t0 := baseTime()
	snapshots := &fixedSnapshotSource{snapshots: []*replay.Snapshot{
		{Sequence: 1, Timestamp: t0, State: contracts.WorldState{Mode: "paper"}},
	}}
	audit := store.NewAuditStore()
	_, err := audit.Append(store.EntryTypeHalt, "world", "halt", nil, nil)
	require.NoError(t, err)

	engine := replay.NewEngine(snapshots, audit, nil)
	timestamp := t0.Add(time.Hour)

	first, err := engine.ReconstructStateAt(context.Background(), timestamp)
	require.NoError(t, err)
	second, err := engine.ReconstructStateAt(context.Background(), timestamp)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
