package bus

import (
	"context"
	"errors"
	"sync"
)

// MemoryClient is an in-process stand-in for Client, used in tests and by
// components that only need the Publisher/Subscriber shape without a live
// NATS deployment.
type MemoryClient struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	dlq      []DeadLetter
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{handlers: make(map[string][]Handler)}
}

func (m *MemoryClient) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return ErrEmptySubject
	}
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers[subject]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, subject, payload); err != nil {
			var pp *PoisonPillError
			if errors.As(err, &pp) {
				m.mu.Lock()
				m.dlq = append(m.dlq, DeadLetter{OriginalSubject: subject, Payload: payload, Error: err.Error()})
				m.mu.Unlock()
			}
			return err
		}
	}
	return nil
}

func (m *MemoryClient) Subscribe(subjectPattern, durableName string, handler Handler) error {
	if subjectPattern == "" {
		return ErrEmptySubject
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[subjectPattern] = append(m.handlers[subjectPattern], handler)
	return nil
}

// DeadLetters returns everything routed to the DLQ so far, for assertions.
func (m *MemoryClient) DeadLetters() []DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DeadLetter(nil), m.dlq...)
}
