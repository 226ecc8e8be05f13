package bus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vireo-systems/opctl/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_PublishSubscribe(t *testing.T) {
	client := bus.NewMemoryClient()
	var received string

	require.NoError(t, client.Subscribe("audit.operator", "", func(ctx context.Context, subject string, payload []byte) error {
		received = string(payload)
		return nil
	}))

	require.NoError(t, client.Publish(context.Background(), "audit.operator", []byte("hello")))
	assert.Equal(t, "hello", received)
}

func TestMemoryClient_PoisonPillRoutesToDLQ(t *testing.T) {
	client := bus.NewMemoryClient()

	require.NoError(t, client.Subscribe("cmd.execution.place.v1", "consumer-a", func(ctx context.Context, subject string, payload []byte) error {
		return bus.NewPoisonPillError(subject, errors.New("schema violation"))
	}))

	err := client.Publish(context.Background(), "cmd.execution.place.v1", []byte("bad"))
	require.Error(t, err)

	dlq := client.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, "cmd.execution.place.v1", dlq[0].OriginalSubject)
}

func TestMemoryClient_EmptySubjectRejected(t *testing.T) {
	client := bus.NewMemoryClient()
	err := client.Publish(context.Background(), "", []byte("x"))
	assert.ErrorIs(t, err, bus.ErrEmptySubject)
}
