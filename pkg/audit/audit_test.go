package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/vireo-systems/opctl/pkg/audit"
	"github.com/vireo-systems/opctl/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventAccess, "login", "/api/v1/auth", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	// Parse the JSON part
	jsonPart := strings.TrimPrefix(output, "AUDIT: ")
	jsonPart = strings.TrimSpace(jsonPart)

	var event audit.Event
	err = json.Unmarshal([]byte(jsonPart), &event)
	require.NoError(t, err)

	assert.Equal(t, audit.EventAccess, event.Type)
	assert.Equal(t, "login", event.Action)
	assert.Equal(t, "/api/v1/auth", event.Resource)
	assert.Equal(t, "system", event.OperatorID)
	assert.NotEmpty(t, event.ID)
	// UUID format: 8-4-4-4-12
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_WithMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	meta := map[string]interface{}{"ip": "10.0.0.1", "user_agent": "test"}
	err := logger.Record(context.Background(), audit.EventMutation, "halt", "/operator/halt", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	assert.Equal(t, "10.0.0.1", event.Metadata["ip"])
}

func TestStoreLogger_Record_AppendsAndMirrors(t *testing.T) {
	audStore := store.NewAuditStore()
	var mirrored []byte
	logger := audit.NewStoreLogger(audStore).WithPublisher(publisherFunc(func(ctx context.Context, subject string, payload []byte) error {
		assert.Equal(t, "evt.audit.operator.v1", subject)
		mirrored = payload
		return nil
	}))

	err := logger.Record(context.Background(), store.EntryTypeIntentSubmitted, "intent-1", "submitted", map[string]string{"type": "ARM"})
	require.NoError(t, err)

	assert.Equal(t, 1, audStore.Size())
	assert.NotEmpty(t, mirrored)
}

func TestStoreLogger_Record_FailClosedWithoutStore(t *testing.T) {
	logger := audit.NewStoreLogger(nil)
	err := logger.Record(context.Background(), store.EntryTypeIntentSubmitted, "intent-1", "submitted", nil)
	assert.Error(t, err)
}

func TestExporter_GeneratePack_Success(t *testing.T) {
	audStore := store.NewAuditStore()
	_, _ = audStore.Append(store.EntryTypeIntentSubmitted, "intent-1", "submitted", nil, map[string]string{"operator_id": "op-1"})
	exporter := audit.NewExporter(audStore)
	req := audit.ExportRequest{
		OperatorID: "op-1",
		StartTime:  time.Now().Add(-24 * time.Hour),
		EndTime:    time.Now(),
	}

	zipBytes, checksum, downloadURL, err := exporter.GeneratePack(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, zipBytes)
	assert.Len(t, checksum, 64) // sha256 hex
	assert.Empty(t, downloadURL, "no sink attached")
}

type fakeArchiveSink struct {
	uploadedKey string
}

func (f *fakeArchiveSink) Upload(ctx context.Context, key string, data []byte) (string, error) {
	f.uploadedKey = key
	return "fake://" + key, nil
}

func TestExporter_GeneratePack_UploadsToSink(t *testing.T) {
	audStore := store.NewAuditStore()
	_, _ = audStore.Append(store.EntryTypeIntentSubmitted, "intent-1", "submitted", nil, map[string]string{"operator_id": "op-1"})
	sink := &fakeArchiveSink{}
	exporter := audit.NewExporter(audStore).WithSink(sink)
	req := audit.ExportRequest{OperatorID: "op-1"}

	_, _, downloadURL, err := exporter.GeneratePack(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fake://"+sink.uploadedKey, downloadURL)
	assert.NotEmpty(t, sink.uploadedKey)
}

func TestExporter_GeneratePack_InvalidTimeRange(t *testing.T) {
	audStore := store.NewAuditStore()
	exporter := audit.NewExporter(audStore)
	req := audit.ExportRequest{
		OperatorID: "op-1",
		StartTime:  time.Now(),
		EndTime:    time.Now().Add(-1 * time.Hour),
	}

	_, _, _, err := exporter.GeneratePack(context.Background(), req)
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}

func TestExporter_GeneratePack_FailClosedWithoutStore(t *testing.T) {
	exporter := audit.NewExporter(nil)
	req := audit.ExportRequest{
		OperatorID: "op-1",
	}

	_, _, _, err := exporter.GeneratePack(context.Background(), req)
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}

type publisherFunc func(ctx context.Context, subject string, payload []byte) error

func (f publisherFunc) Publish(ctx context.Context, subject string, payload []byte) error {
	return f(ctx, subject, payload)
}
