// Package operatorapi implements the operator controller (C9): the HTTP
// surface that fronts the intent pipeline, config registry, breaker
// tree, world state, and event replay. Generalized from the teacher's
// pkg/console/operator_api.go (handler-per-route, writeJSON/writeError,
// path-segment routing) applied to the intent/config/state surface
// instead of the intent/plan/approve/run console loop.
package operatorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vireo-systems/opctl/pkg/api"
	"github.com/vireo-systems/opctl/pkg/audit"
	"github.com/vireo-systems/opctl/pkg/auth"
	"github.com/vireo-systems/opctl/pkg/breaker"
	"github.com/vireo-systems/opctl/pkg/configreg"
	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/intent"
	"github.com/vireo-systems/opctl/pkg/projection"
	"github.com/vireo-systems/opctl/pkg/replay"
	"github.com/vireo-systems/opctl/pkg/store"
	"github.com/vireo-systems/opctl/pkg/worldstate"
)

// Server wires every control-plane component behind the HTTP surface
// described in the external interfaces section: intent submission and
// streaming, unified state, historical reconstruction, and config
// override/rollback/preset.
type Server struct {
	intents    *intent.Service
	intentDB   store.IntentStore
	config     *configreg.Registry
	breakers   *breaker.Tree
	world      *worldstate.Manager
	projector  *projection.Projection
	replayEng  *replay.Engine
	auditStore *store.AuditStore
	auditExp   *audit.Exporter
}

// New builds a Server from already-constructed components. Any of
// replayEng/auditStore/auditExp may be nil; the corresponding routes
// respond 503 rather than panic.
func New(intents *intent.Service, intentDB store.IntentStore, config *configreg.Registry, breakers *breaker.Tree, world *worldstate.Manager, projector *projection.Projection, replayEng *replay.Engine, auditStore *store.AuditStore, auditExp *audit.Exporter) *Server {
	return &Server{
		intents:    intents,
		intentDB:   intentDB,
		config:     config,
		breakers:   breakers,
		world:      world,
		projector:  projector,
		replayEng:  replayEng,
		auditStore: auditStore,
		auditExp:   auditExp,
	}
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/operator/intents", s.handleIntentsRoot)
	mux.HandleFunc("/operator/intents/stream", s.handleIntentStream)
	mux.HandleFunc("/operator/state", s.handleState)
	mux.HandleFunc("/operator/history/state", s.handleHistoryState)
	mux.HandleFunc("/operator/config/override", s.handleConfigOverride)
	mux.HandleFunc("/operator/config/rollback", s.handleConfigRollback)
	mux.HandleFunc("/operator/config/preset", s.handleConfigPreset)
	mux.HandleFunc("/operator/audit/export", s.handleAuditExport)
	mux.HandleFunc("/operator/audit/verify", s.handleAuditVerify)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError responds with an RFC 7807 Problem Detail, carrying the
// internal error code as the detail's machine-readable prefix so
// existing clients keyed on it keep working.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	api.WriteError(w, status, code, msg)
}

// operatorRoleHeader carries the caller's RBAC role out of band from the
// signed intent payload. It is only consulted when no authenticated
// Principal is present on the request context, e.g. when auth.NewMiddleware
// is not mounted in front of this server (tests, internal tooling).
const operatorRoleHeader = "X-Operator-Role"

func contextWithRole(r *http.Request) context.Context {
	if principal, err := auth.GetPrincipal(r.Context()); err == nil {
		roles := principal.GetRoles()
		role := "operator"
		if len(roles) > 0 {
			role = roles[0]
		}
		return intent.WithOperatorRole(r.Context(), role)
	}

	role := r.Header.Get(operatorRoleHeader)
	if role == "" {
		role = "operator"
	}
	return intent.WithOperatorRole(r.Context(), role)
}

// ---------------------------------------------------------------------
// POST/GET /operator/intents
// ---------------------------------------------------------------------

func (s *Server) handleIntentsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitIntent(w, r)
	case http.MethodGet:
		s.handleListIntents(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET or POST")
	}
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var in contracts.Intent
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "malformed intent payload: "+err.Error())
		return
	}

	preview := r.URL.Query().Get("preview") == "true"
	ctx := contextWithRole(r)

	result, err := s.intents.SubmitIntent(ctx, &in, preview)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	switch result.Outcome {
	case intent.OutcomeAccepted, intent.OutcomeIdempotentHit:
		writeJSON(w, http.StatusOK, map[string]any{"status": result.Outcome, "intent": result.Intent})
	case intent.OutcomeValidationFailed:
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": result.Outcome, "reasons": result.Reasons})
	case intent.OutcomeSignatureInvalid:
		writeJSON(w, http.StatusForbidden, map[string]any{"status": result.Outcome})
	case intent.OutcomeInsufficientPermission:
		writeJSON(w, http.StatusForbidden, map[string]any{"status": result.Outcome, "missing_permission": result.MissingKey})
	case intent.OutcomeStateConflict:
		writeJSON(w, http.StatusConflict, map[string]any{"status": result.Outcome})
	case intent.OutcomePreview:
		if result.Preview != nil && !result.Preview.Clean {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": "BLOCKED_BY_CAP", "preview": result.Preview})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": result.Outcome, "preview": result.Preview})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	if s.intentDB == nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_SATURATED", "intent store unavailable")
		return
	}
	q := r.URL.Query()
	filter := store.IntentFilter{
		Type:   contracts.IntentType(q.Get("type")),
		Status: contracts.IntentStatus(q.Get("status")),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	items, err := s.intentDB.FindFiltered(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": items, "total": len(items)})
}

// ---------------------------------------------------------------------
// GET /operator/intents/stream — SSE
// ---------------------------------------------------------------------

func (s *Server) handleIntentStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stream := s.intents.Stream()

	reconnected := false
	if lastIDHeader := r.Header.Get("Last-Event-ID"); lastIDHeader != "" {
		reconnected = true
		lastID, err := strconv.ParseUint(lastIDHeader, 10, 64)
		if err == nil {
			events, complete := stream.Catchup(lastID)
			for _, evt := range events {
				writeSSEFrame(w, string(intent.EventCatchup), evt.ID, evt.Intent)
			}
			if !complete {
				fmt.Fprintf(w, "event: catchup_incomplete\nid: %d\ndata: {}\n\n", lastID)
			}
			flusher.Flush()
		}
	}

	// Subscribe only after catchup has drained, per Stream.Subscribe's
	// ordering contract: subscribing first would open a window where an
	// event lands after catchup reads but before the live channel exists,
	// silently dropping it.
	ch, unsubscribe := stream.Subscribe()
	defer unsubscribe()

	fmt.Fprintf(w, "event: connected\nid: 0\ndata: {\"reconnected\": %t}\n\n", reconnected)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			writeSSEFrame(w, string(evt.Kind), evt.ID, evt.Intent)
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, event string, id uint64, in *contracts.Intent) {
	payload, err := json.Marshal(in)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, id, payload)
}

// ---------------------------------------------------------------------
// GET /operator/state
// ---------------------------------------------------------------------

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view, err := s.projector.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":             view.WorldState.Mode,
		"posture":          view.WorldState.Posture,
		"armed":            view.WorldState.Armed,
		"halted":           view.WorldState.Halted,
		"allocation":       view.WorldState.Allocation,
		"breaker":          view.BreakerLayers,
		"risk_state":       view.RiskState,
		"active_incidents": activeIncidents(view.BreakerLayers),
		"last_intents":     view.RecentIntents,
		"config":           view.Config,
		"state_hash":       view.StateHash,
		"last_updated":     view.ComposedAt,
	})
}

func activeIncidents(layers []contracts.BreakerLayerState) []contracts.BreakerLayerState {
	out := make([]contracts.BreakerLayerState, 0)
	for _, l := range layers {
		if l.Tripped {
			out = append(out, l)
		}
	}
	return out
}

// ---------------------------------------------------------------------
// GET /operator/history/state?timestamp=
// ---------------------------------------------------------------------

func (s *Server) handleHistoryState(w http.ResponseWriter, r *http.Request) {
	if s.replayEng == nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_SATURATED", "replay engine unavailable")
		return
	}
	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "timestamp query parameter is required")
		return
	}
	timestamp, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "timestamp must be RFC3339")
		return
	}

	view, err := s.replayEng.ReconstructStateAt(r.Context(), timestamp)
	if err != nil {
		if errors.Is(err, replay.ErrNoSnapshot) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ---------------------------------------------------------------------
// POST /operator/config/override | /rollback | /preset
// ---------------------------------------------------------------------

type configOverrideRequest struct {
	Key        string `json:"key"`
	Value      any    `json:"value"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleConfigOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	var req configOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "malformed request: "+err.Error())
		return
	}

	receipt, err := s.config.CreateOverride(r.Context(), req.Key, req.Value, req.OperatorID, req.Reason)
	writeConfigResult(w, receipt, err)
}

func (s *Server) handleConfigRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	var req configOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "malformed request: "+err.Error())
		return
	}

	receipt, err := s.config.Rollback(r.Context(), req.Key, req.OperatorID)
	writeConfigResult(w, receipt, err)
}

func writeConfigResult(w http.ResponseWriter, receipt *contracts.OverrideReceipt, err error) {
	if err != nil {
		switch {
		case errors.Is(err, configreg.ErrUnknownKey):
			writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		case errors.Is(err, configreg.ErrImmutable),
			errors.Is(err, configreg.ErrTightenViolation),
			errors.Is(err, configreg.ErrRaiseViolation),
			errors.Is(err, configreg.ErrTypeMismatch),
			errors.Is(err, configreg.ErrOutOfBounds),
			errors.Is(err, configreg.ErrNotInEnum),
			errors.Is(err, configreg.ErrSchemaViolation),
			errors.Is(err, configreg.ErrNoPriorLayer):
			writeJSON(w, http.StatusUnprocessableEntity, receipt)
		case errors.Is(err, configreg.ErrSignerRequired):
			writeError(w, http.StatusServiceUnavailable, "QUEUE_SATURATED", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type configPresetRequest struct {
	Name       string         `json:"name"`
	Values     map[string]any `json:"values"`
	OperatorID string         `json:"operator_id"`
	Reason     string         `json:"reason"`
}

func (s *Server) handleConfigPreset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	var req configPresetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "malformed request: "+err.Error())
		return
	}

	result := s.config.ApplyPreset(r.Context(), req.Name, req.Values, req.OperatorID, req.Reason)
	writeJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------
// GET /operator/audit/export | /operator/audit/verify
// ---------------------------------------------------------------------

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.auditExp == nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_SATURATED", "audit export unavailable")
		return
	}
	q := r.URL.Query()
	req := audit.ExportRequest{OperatorID: q.Get("operator_id")}
	if start := q.Get("start_time"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			req.StartTime = t
		}
	}
	if end := q.Get("end_time"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			req.EndTime = t
		}
	}

	pack, checksum, downloadURL, err := s.auditExp.GeneratePack(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Evidence-Checksum", checksum)
	if downloadURL != "" {
		w.Header().Set("X-Evidence-Archive-URL", downloadURL)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="audit-evidence.zip"`)
	_, _ = bytes.NewReader(pack).WriteTo(w)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_SATURATED", "audit store unavailable")
		return
	}
	if err := s.auditStore.VerifyChain(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"chain_head": s.auditStore.GetChainHead(),
		"size":       s.auditStore.Size(),
	})
}
