package replay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vireo-systems/opctl/pkg/contracts"
)

// MemorySnapshotStore retains periodic world-state snapshots in process
// memory, bounded by a retention count. The operator process appends to
// it on a fixed interval; reconstructStateAt reads from it.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	retention int
	sequence  uint64
	snapshots []*Snapshot
}

// NewMemorySnapshotStore builds a store retaining up to `retention`
// snapshots (oldest dropped first). retention <= 0 means unbounded.
func NewMemorySnapshotStore(retention int) *MemorySnapshotStore {
	return &MemorySnapshotStore{retention: retention}
}

// Append records a new snapshot of state taken at timestamp.
func (s *MemorySnapshotStore) Append(timestamp time.Time, state contracts.WorldState) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	snap := &Snapshot{Sequence: s.sequence, Timestamp: timestamp, State: state}
	s.snapshots = append(s.snapshots, snap)

	if s.retention > 0 && len(s.snapshots) > s.retention {
		s.snapshots = s.snapshots[len(s.snapshots)-s.retention:]
	}
	return snap
}

// NearestBefore implements SnapshotSource.
func (s *MemorySnapshotStore) NearestBefore(ctx context.Context, timestamp time.Time) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := sort.Search(len(s.snapshots), func(i int) bool {
		return s.snapshots[i].Timestamp.After(timestamp)
	})
	if idx == 0 {
		return nil, nil
	}
	return s.snapshots[idx-1], nil
}
