package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vireo-systems/opctl/pkg/auth"
	"github.com/vireo-systems/opctl/pkg/contracts/swarm"
	"github.com/vireo-systems/opctl/pkg/store"
)

// Publisher mirrors audit entries onto the event bus. It is satisfied by
// pkg/bus.Client; kept as a narrow local interface so pkg/audit never
// imports pkg/bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// auditSubject is where every appended entry is mirrored, a wire-stable
// subject shared with the execution venues via pkg/contracts/swarm.
const auditSubject = swarm.SubjectAuditOperator

// StoreLogger is the hash-chained audit log (C3). Every state-changing
// operator action appends one entry; rejected actions never reach it.
type StoreLogger struct {
	store     *store.AuditStore
	publisher Publisher
}

func NewStoreLogger(s *store.AuditStore) *StoreLogger {
	l := &StoreLogger{store: s}
	if s != nil {
		s.AddHandler(l.mirrorToBus)
	}
	return l
}

// WithPublisher attaches a bus client so every appended entry is mirrored
// to evt.audit.operator.v1. Safe to call with nil to disable mirroring.
func (l *StoreLogger) WithPublisher(p Publisher) *StoreLogger {
	l.publisher = p
	return l
}

// Record appends a state-changing action to the hash-chained ledger.
// entryType identifies which kind of transition occurred (intent
// submission, config override, breaker trip, ...); subject identifies
// the affected entity (an intent ID, a config key, a breaker layer).
func (l *StoreLogger) Record(ctx context.Context, entryType store.EntryType, subject, action string, payload interface{}) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}

	operatorID := "system"
	if id, err := auth.GetOperatorID(ctx); err == nil {
		operatorID = id
	}

	evt := Event{
		ID:         uuid.New().String(),
		OperatorID: operatorID,
		Type:       EventMutation,
		Action:     action,
		Resource:   subject,
		Timestamp:  time.Now().UTC(),
		Metadata:   nil,
	}

	_, err := l.store.Append(entryType, subject, action, struct {
		Event
		Payload interface{} `json:"payload,omitempty"`
	}{Event: evt, Payload: payload}, map[string]string{
		"operator_id": operatorID,
		"event_id":    evt.ID,
		"entry_type":  string(entryType),
	})
	return err
}

// mirrorToBus is the AuditStore.EntryHandler that publishes every appended
// entry to evt.audit.operator.v1. Publish errors are swallowed: the ledger itself
// already has the entry, and a downed bus must never roll back a committed
// audit write.
func (l *StoreLogger) mirrorToBus(entry *store.AuditEntry) {
	if l.publisher == nil {
		return
	}
	payload, err := entryPayload(entry)
	if err != nil {
		return
	}
	_ = l.publisher.Publish(context.Background(), auditSubject, payload)
}

func entryPayload(entry *store.AuditEntry) ([]byte, error) {
	return json.Marshal(entry)
}
