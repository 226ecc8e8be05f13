package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vireo-systems/opctl/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when audit export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest defines what to export. OperatorID narrows the export to a
// single operator's actions; empty means every operator.
type ExportRequest struct {
	OperatorID string    `json:"operator_id,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// AuditEvidencePack represents the exported bundle.
type AuditEvidencePack struct {
	OperatorID  string    `json:"operator_id,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Checksum    string    `json:"checksum"`
	DownloadURL string    `json:"download_url,omitempty"` // If stored in bucket
	Events      []Event   `json:"events"`
}

// Exporter handles the creation of evidence packs.
type Exporter struct {
	store *store.AuditStore
	sink  ArchiveSink
}

func NewExporter(s *store.AuditStore) *Exporter {
	return &Exporter{store: s}
}

// WithSink attaches an ArchiveSink so GeneratePack's output is also pushed
// to durable object storage, not just returned in-process.
func (e *Exporter) WithSink(sink ArchiveSink) *Exporter {
	e.sink = sink
	return e
}

// GeneratePack creates a zip file containing the audit logs and a manifest
// with checksums. When a sink is attached, the pack is also archived to
// object storage and its reference returned as downloadURL; downloadURL is
// empty when no sink is configured or the upload itself fails (the pack is
// still returned so the caller isn't blocked on archival).
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (zipBytes []byte, checksum, downloadURL string, err error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", "", ErrStoreNotConfigured
	}

	var filter store.QueryFilter
	if !req.StartTime.IsZero() {
		filter.StartTime = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.EndTime = &req.EndTime
	}
	entries := e.store.Query(filter)
	if req.OperatorID != "" {
		entries = filterByOperator(entries, req.OperatorID)
	}

	// 2. Serialize Events
	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", "", err
	}

	// 3. Create Manifest
	manifest := map[string]interface{}{
		"operator_id":  req.OperatorID,
		"generated_at": time.Now(),
		"event_count":  len(entries),
		"chain_head":   e.store.GetChainHead(),
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	// 4. Create Zip
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	// Add events.json
	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", "", err
	}
	_, _ = f.Write(eventsJSON)

	// Add manifest.json
	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", "", err
	}
	_, _ = f.Write(manifestJSON)

	// Add README
	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", "", err
	}
	scope := req.OperatorID
	if scope == "" {
		scope = "all operators"
	}
	_, _ = fmt.Fprintf(f, "Evidence Pack for %s\nGenerated at %s\n", scope, time.Now())

	if err := w.Close(); err != nil {
		return nil, "", "", err
	}

	// 5. Calculate Checksum of the Zip
	zipBytes = buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	checksum = hex.EncodeToString(hash[:])

	if e.sink != nil {
		key := fmt.Sprintf("%s-%s.zip", scope, checksum[:12])
		if url, uploadErr := e.sink.Upload(ctx, key, zipBytes); uploadErr == nil {
			downloadURL = url
		}
	}

	return zipBytes, checksum, downloadURL, nil
}

// filterByOperator narrows entries to those whose metadata records the
// given operator_id. AuditStore.QueryFilter has no operator dimension
// since Subject identifies the affected entity, not the actor.
func filterByOperator(entries []*store.AuditEntry, operatorID string) []*store.AuditEntry {
	filtered := make([]*store.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if e.Metadata["operator_id"] == operatorID {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
