// Package replay implements event replay (C10): reconstructing the
// canonical world state as of any historical timestamp from the nearest
// periodic snapshot plus the audit log and fill stream recorded since.
// Generalized from the teacher's deterministic-reconstruction replay
// engine (same snapshot + deterministic-step-application shape) applied
// to world-state reconstruction instead of run-event re-execution.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/store"
)

// Snapshot is a periodic serialization of C6's world state, keyed by a
// monotonic sequence number so snapshots themselves can be ordered
// without relying on wall-clock precision.
type Snapshot struct {
	Sequence  uint64              `json:"sequence"`
	Timestamp time.Time           `json:"timestamp"`
	State     contracts.WorldState `json:"state"`
}

// SnapshotSource supplies the nearest snapshot at or before a timestamp.
type SnapshotSource interface {
	NearestBefore(ctx context.Context, timestamp time.Time) (*Snapshot, error)
}

// FillEvent is one execution fill applied during replay.
type FillEvent struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
}

// FillSource supplies fills recorded in (since, until] for replay.
type FillSource interface {
	FillsBetween(ctx context.Context, since, until time.Time) ([]FillEvent, error)
}

// WorldStateView is the immutable result of a reconstruction. Two calls
// for the same timestamp, against unchanged evidence, must be
// byte-identical: no field here may depend on wall-clock time at replay.
type WorldStateView struct {
	Timestamp        time.Time            `json:"timestamp"`
	State            contracts.WorldState `json:"state"`
	SnapshotSequence uint64               `json:"snapshot_sequence"`
	EntriesApplied   int                  `json:"entries_applied"`
	FillsApplied     int                  `json:"fills_applied"`
}

var (
	ErrNoSnapshot = fmt.Errorf("replay: no snapshot at or before requested timestamp")
)

// Engine reconstructs historical world state from snapshots, the audit
// log, and the fill stream.
type Engine struct {
	mu         sync.Mutex
	snapshots  SnapshotSource
	audit      *store.AuditStore
	fills      FillSource
	cache      map[time.Time]*WorldStateView
}

// NewEngine wires an Engine. audit is the live hash-chained audit store
// (read-only from this package's perspective); its Query method already
// orders entries by append sequence.
func NewEngine(snapshots SnapshotSource, audit *store.AuditStore, fills FillSource) *Engine {
	return &Engine{snapshots: snapshots, audit: audit, fills: fills, cache: make(map[time.Time]*WorldStateView)}
}

// ReconstructStateAt implements the three-step algorithm: nearest
// snapshot, replay audit+fill stream up to timestamp, return an
// immutable view. Results are memoized per exact timestamp so repeated
// calls are trivially byte-identical rather than merely logically so.
func (e *Engine) ReconstructStateAt(ctx context.Context, timestamp time.Time) (*WorldStateView, error) {
	e.mu.Lock()
	if cached, ok := e.cache[timestamp]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	snapshot, err := e.snapshots.NearestBefore(ctx, timestamp)
	if err != nil {
		return nil, fmt.Errorf("replay: find snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, ErrNoSnapshot
	}

	entries := e.audit.Query(store.QueryFilter{
		StartTime: &snapshot.Timestamp,
		EndTime:   &timestamp,
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	var fills []FillEvent
	if e.fills != nil {
		fills, err = e.fills.FillsBetween(ctx, snapshot.Timestamp, timestamp)
		if err != nil {
			return nil, fmt.Errorf("replay: fetch fills: %w", err)
		}
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].Sequence < fills[j].Sequence })

	state := snapshot.State
	applied := applyAuditEntries(&state, entries, timestamp)
	filled := applyFills(&state, fills, timestamp)

	view := &WorldStateView{
		Timestamp:        timestamp,
		State:            state,
		SnapshotSequence: snapshot.Sequence,
		EntriesApplied:   applied,
		FillsApplied:     filled,
	}

	e.mu.Lock()
	e.cache[timestamp] = view
	e.mu.Unlock()
	return view, nil
}

// applyAuditEntries folds every audit entry at or before cutoff into
// state, mutating the fields each entry type is known to affect.
func applyAuditEntries(state *contracts.WorldState, entries []*store.AuditEntry, cutoff time.Time) int {
	applied := 0
	for _, entry := range entries {
		if entry.Timestamp.After(cutoff) {
			continue
		}
		switch entry.EntryType {
		case store.EntryTypeHalt:
			state.Halted = true
		case store.EntryTypeResume:
			state.Halted = false
		case store.EntryTypeIntentResolved:
			applyIntentResolved(state, entry)
		case store.EntryTypeBreakerTrip, store.EntryTypeRiskEscalation:
			// Risk state itself is carried in C6 snapshots/transactional
			// setters; the audit entry here only corroborates the trip,
			// it is not replay's own source of truth for RiskState.
		}
		applied++
	}
	return applied
}

// auditEntryEnvelope mirrors the wire shape pkg/audit.StoreLogger wraps
// every recorded payload in: {Event fields..., "payload": <the real value>}.
type auditEntryEnvelope struct {
	Payload contracts.Intent `json:"payload"`
}

// worldMutatingIntentTypes lists the intent types whose receipt carries a
// full post-execution contracts.WorldState in NewState, as produced by
// cmd/operator/executors.go's receiptFor helper. APPLY_PROPOSAL,
// ROLLBACK_CONFIG, and RUN_RECONCILE carry unrelated payloads there
// (preset results, rollback receipts, raw snapshots) and must never be
// decoded as world state.
var worldMutatingIntentTypes = map[contracts.IntentType]bool{
	contracts.IntentArm:           true,
	contracts.IntentDisarm:        true,
	contracts.IntentSetMode:       true,
	contracts.IntentThrottlePhase: true,
	contracts.IntentFlatten:       true,
	contracts.IntentOverrideRisk:  true,
	contracts.IntentHalt:          true,
	contracts.IntentResume:        true,
}

// applyIntentResolved folds a resolved intent's post-execution world state
// into state, the same way C6's transactional setters mutate the live
// manager when the intent originally executed.
func applyIntentResolved(state *contracts.WorldState, entry *store.AuditEntry) {
	var envelope auditEntryEnvelope
	if err := json.Unmarshal(entry.Payload, &envelope); err != nil {
		return
	}
	in := envelope.Payload
	if !worldMutatingIntentTypes[in.Type] || in.Receipt == nil || len(in.Receipt.NewState) == 0 {
		return
	}
	var next contracts.WorldState
	if err := json.Unmarshal(in.Receipt.NewState, &next); err != nil {
		return
	}
	state.Armed = next.Armed
	state.Mode = next.Mode
	state.Halted = next.Halted
	state.Posture = next.Posture
	state.Positions = next.Positions
	state.Allocation = next.Allocation
	state.RiskState = next.RiskState
	state.BreakerStates = next.BreakerStates
	state.Equity = next.Equity
}

// applyFills replays fills into the position list, cutoff-inclusive.
func applyFills(state *contracts.WorldState, fills []FillEvent, cutoff time.Time) int {
	applied := 0
	index := make(map[string]int, len(state.Positions))
	for i, p := range state.Positions {
		index[p.Venue+"|"+p.Symbol] = i
	}
	for _, f := range fills {
		if f.Timestamp.After(cutoff) {
			continue
		}
		key := f.Venue + "|" + f.Symbol
		if i, ok := index[key]; ok {
			state.Positions[i].Quantity += f.Quantity
			state.Positions[i].EntryPx = f.Price
		} else {
			index[key] = len(state.Positions)
			state.Positions = append(state.Positions, contracts.Position{
				Venue: f.Venue, Symbol: f.Symbol, Quantity: f.Quantity, EntryPx: f.Price,
			})
		}
		applied++
	}
	return applied
}
