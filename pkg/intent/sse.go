package intent

import (
	"sync"
	"time"

	"github.com/vireo-systems/opctl/pkg/contracts"
)

// EventKind names the SSE event type sent over the wire.
type EventKind string

const (
	EventIntentAccepted  EventKind = "intent_accepted"
	EventIntentExecuting EventKind = "intent_executing"
	EventIntentResolved  EventKind = "intent_resolved"
	// EventCatchup wraps a replayed event during Last-Event-ID catchup.
	EventCatchup EventKind = "intent_catchup"
)

// StreamEvent is one entry on the wire: a monotonic ID, a kind, and the
// intent snapshot at the time of publication.
type StreamEvent struct {
	ID        uint64      `json:"id"`
	Kind      EventKind   `json:"kind"`
	Intent    *contracts.Intent `json:"intent"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stream is an in-memory, bounded-retention SSE broadcaster with
// monotonically increasing event IDs and Last-Event-ID catchup.
type Stream struct {
	mu        sync.RWMutex
	nextID    uint64
	retention int
	buffer    []StreamEvent // ring in append order; buffer[0] is the oldest retained
	subs      map[chan StreamEvent]struct{}
}

// NewStream builds a Stream retaining at most `retention` events.
func NewStream(retention int) *Stream {
	if retention <= 0 {
		retention = 1000
	}
	return &Stream{retention: retention, subs: make(map[chan StreamEvent]struct{})}
}

// Publish appends a new event with the next monotonic ID and fans it out
// to every live subscriber. Slow subscribers never block publication:
// an event dropped on a full channel is still in the retained buffer for
// that subscriber to pick up via catchup on reconnect.
func (s *Stream) Publish(kind EventKind, in *contracts.Intent) StreamEvent {
	s.mu.Lock()
	s.nextID++
	evt := StreamEvent{ID: s.nextID, Kind: kind, Intent: in, Timestamp: time.Now().UTC()}
	s.buffer = append(s.buffer, evt)
	if len(s.buffer) > s.retention {
		s.buffer = s.buffer[len(s.buffer)-s.retention:]
	}
	subs := make([]chan StreamEvent, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// Subscribe registers a new live listener and returns the channel plus an
// unsubscribe func. Call Catchup first if the caller supplied a
// Last-Event-ID, to avoid a race between catchup and live events.
func (s *Stream) Subscribe() (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		close(ch)
	}
}

// Catchup returns every retained event with ID > lastEventID, plus
// complete=false if the buffer's lower bound has already passed
// lastEventID (the client must fall back to REST to resync).
func (s *Stream) Catchup(lastEventID uint64) (events []StreamEvent, complete bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.buffer) == 0 {
		return nil, true
	}
	oldest := s.buffer[0].ID
	if lastEventID > 0 && oldest > lastEventID {
		return nil, false
	}
	out := make([]StreamEvent, 0, len(s.buffer))
	for _, evt := range s.buffer {
		if evt.ID > lastEventID {
			out = append(out, evt)
		}
	}
	return out, true
}
