// Package worldstate implements the state manager (C6): the canonical,
// hashable world state, mutated only through transactional setters
// consumed by C5 and C7, notifying C8 of every change. Generalized from
// the teacher's canonical hashing (pkg/canonicalize.CanonicalHash) applied
// to a domain world-state snapshot instead of a deployment artifact.
package worldstate

import (
	"sync"

	"github.com/vireo-systems/opctl/pkg/canonicalize"
	"github.com/vireo-systems/opctl/pkg/contracts"
)

// Notification is sent to C8 after every successful mutation.
type Notification struct {
	State *contracts.WorldState
}

// Manager holds the canonical world state under a single writer lock.
// Reads take a point-in-time clone; only the transactional setters below
// may mutate the live state.
type Manager struct {
	mu    sync.RWMutex
	state contracts.WorldState

	notify chan Notification
}

// NewManager builds a Manager seeded with an initial state. state_hash is
// computed immediately so the very first read already has a valid hash.
func NewManager(initial contracts.WorldState) (*Manager, error) {
	m := &Manager{state: initial, notify: make(chan Notification, 16)}
	if err := m.rehash(); err != nil {
		return nil, err
	}
	return m, nil
}

// Notifications returns the channel C8 should drain. Sends are
// non-blocking: a slow or absent consumer never stalls a mutation.
func (m *Manager) Notifications() <-chan Notification {
	return m.notify
}

// Snapshot returns a deep-enough copy of the current state for readers.
func (m *Manager) Snapshot() contracts.WorldState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cloneLocked()
}

// StateHash returns just the current hash, the cheap path used by C7's
// optimistic-concurrency check.
func (m *Manager) StateHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.StateHash
}

func (m *Manager) cloneLocked() contracts.WorldState {
	clone := m.state
	clone.Positions = append([]contracts.Position(nil), m.state.Positions...)
	clone.BreakerStates = make(map[contracts.BreakerLayer]contracts.BreakerLayerState, len(m.state.BreakerStates))
	for k, v := range m.state.BreakerStates {
		clone.BreakerStates[k] = v
	}
	return clone
}

// rehash recomputes state_hash over every field except the hash itself.
// Must be called with mu held for writing.
func (m *Manager) rehash() error {
	unhashed := m.state
	unhashed.StateHash = ""
	hash, err := canonicalize.CanonicalHash(unhashed)
	if err != nil {
		return err
	}
	m.state.StateHash = hash
	return nil
}

func (m *Manager) mutateLocked(fn func(*contracts.WorldState)) error {
	fn(&m.state)
	m.state.Posture = contracts.ComputePosture(m.state.Armed, m.state.Halted, m.state.RiskState)
	if err := m.rehash(); err != nil {
		return err
	}
	snapshot := m.cloneLocked()
	select {
	case m.notify <- Notification{State: &snapshot}:
	default:
	}
	return nil
}

// SetArmed transactionally toggles armed, consumed by C7's ARM/DISARM intents.
func (m *Manager) SetArmed(armed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(func(s *contracts.WorldState) { s.Armed = armed })
}

// SetMode transactionally changes the operating mode (e.g. live/paper/dry_run).
func (m *Manager) SetMode(mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(func(s *contracts.WorldState) { s.Mode = mode })
}

// SetHalted is the transactional setter C5 uses on a REFLEX trip.
func (m *Manager) SetHalted(halted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(func(s *contracts.WorldState) { s.Halted = halted })
}

// SetRiskState is the transactional setter C5 uses on every trip and
// resume/reset. Callers are responsible for enforcing escalation-only.
func (m *Manager) SetRiskState(risk contracts.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(func(s *contracts.WorldState) {
		s.RiskState = risk
	})
}

// SetBreakerState records one layer's current trip state.
func (m *Manager) SetBreakerState(layer contracts.BreakerLayer, state contracts.BreakerLayerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(func(s *contracts.WorldState) {
		if s.BreakerStates == nil {
			s.BreakerStates = make(map[contracts.BreakerLayer]contracts.BreakerLayerState)
		}
		s.BreakerStates[layer] = state
	})
}

// SetAllocation is the transactional setter C7's THROTTLE_PHASE intent uses.
func (m *Manager) SetAllocation(alloc contracts.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(func(s *contracts.WorldState) { s.Allocation = alloc })
}

// SetPositions replaces the tracked position list, used by C7's FLATTEN
// intent and by fill-event ingestion.
func (m *Manager) SetPositions(positions []contracts.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(func(s *contracts.WorldState) {
		s.Positions = append([]contracts.Position(nil), positions...)
	})
}

// SetEquity updates the tracked equity figure.
func (m *Manager) SetEquity(equity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(func(s *contracts.WorldState) { s.Equity = equity })
}
