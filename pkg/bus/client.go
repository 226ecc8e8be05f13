// Package bus is the event bus client (C1): at-least-once publish/subscribe
// over named NATS subjects, with durable consumer groups and a dead-letter
// subject for payloads that fail schema validation.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	ErrNotConnected  = errors.New("bus: client not connected")
	ErrEmptySubject  = errors.New("bus: subject must not be empty")
	ErrPublishFailed = errors.New("bus: publish did not reach durable acceptance")
)

// dlqPrefix is where malformed payloads are routed, keyed by the component
// that rejected them: dlq.<component>.
const dlqPrefix = "dlq."

// Handler processes one message. Returning an error that satisfies
// PoisonPill causes the message to be Term()'d and forwarded to the DLQ
// instead of being redelivered.
type Handler func(ctx context.Context, subject string, payload []byte) error

// Client wraps a JetStream-backed NATS connection.
type Client struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	component string
}

// Connect dials the NATS cluster and binds a JetStream context. component
// names this process for DLQ routing (dlq.<component>).
func Connect(url, component string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}
	return &Client{nc: nc, js: js, component: component}, nil
}

// Close drains and closes the underlying connection.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// Publish returns only after the broker has durably accepted the message.
func (c *Client) Publish(ctx context.Context, subject string, payload []byte) error {
	if c == nil || c.js == nil {
		return ErrNotConnected
	}
	if subject == "" {
		return ErrEmptySubject
	}
	_, err := c.js.Publish(subject, payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, subject, err)
	}
	return nil
}

// Subscribe registers handler against subjectPattern. When durableName is
// non-empty the subscription is a named consumer group member with explicit
// ack; otherwise it is an ephemeral subscription. Handlers for a given
// durable group are invoked one at a time, preserving per-subject ordering.
func (c *Client) Subscribe(subjectPattern, durableName string, handler Handler) error {
	if c == nil || c.js == nil {
		return ErrNotConnected
	}
	if subjectPattern == "" {
		return ErrEmptySubject
	}

	msgHandler := func(msg *nats.Msg) {
		ctx := context.Background()
		err := handler(ctx, msg.Subject, msg.Data)
		if err == nil {
			_ = msg.Ack()
			return
		}

		var pp *PoisonPillError
		if errors.As(err, &pp) {
			c.routeToDLQ(ctx, msg.Subject, msg.Data, err)
			_ = msg.Term()
			return
		}
		_ = msg.Nak()
	}

	if durableName == "" {
		_, err := c.js.Subscribe(subjectPattern, msgHandler)
		if err != nil {
			return fmt.Errorf("bus: subscribe %s: %w", subjectPattern, err)
		}
		return nil
	}

	_, err := c.js.QueueSubscribe(subjectPattern, durableName, msgHandler,
		nats.Durable(durableName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("bus: queue subscribe %s/%s: %w", subjectPattern, durableName, err)
	}
	return nil
}

// routeToDLQ forwards an unprocessable payload to dlq.<component> alongside
// the original subject and the decode error, never blocking the caller on
// failure to do so.
func (c *Client) routeToDLQ(ctx context.Context, originalSubject string, payload []byte, cause error) {
	envelope := DeadLetter{
		OriginalSubject: originalSubject,
		Payload:         payload,
		Error:           cause.Error(),
		Timestamp:       time.Now().UTC(),
	}
	data, err := marshalDeadLetter(envelope)
	if err != nil {
		return
	}
	_ = c.Publish(ctx, dlqPrefix+c.component, data)
}

// PoisonPillError marks a message as structurally unrecoverable: schema
// violations and malformed payloads that redelivery cannot fix.
type PoisonPillError struct {
	Subject string
	Cause   error
}

func (e *PoisonPillError) Error() string {
	return fmt.Sprintf("bus: poison pill on %s: %v", e.Subject, e.Cause)
}

func (e *PoisonPillError) Unwrap() error { return e.Cause }

// NewPoisonPillError wraps cause so Subscribe routes the message to the DLQ.
func NewPoisonPillError(subject string, cause error) error {
	return &PoisonPillError{Subject: subject, Cause: cause}
}

// DeadLetter is the envelope published to dlq.<component>.
type DeadLetter struct {
	OriginalSubject string    `json:"original_subject"`
	Payload         []byte    `json:"payload"`
	Error           string    `json:"error"`
	Timestamp       time.Time `json:"timestamp"`
}

func marshalDeadLetter(d DeadLetter) ([]byte, error) {
	return json.Marshal(d)
}
