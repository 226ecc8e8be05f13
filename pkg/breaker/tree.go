// Package breaker implements the circuit breaker tree (C5): three
// escalation layers whose trip conditions are CEL predicates evaluated
// against a metrics snapshot, each layer only ever escalating the shared
// risk state. Generalized from the teacher's CEL policy evaluator
// (pkg/governance/policy_evaluator_cel.go) — same compile-cache-eval
// shape, applied to breaker trip conditions instead of module admission
// policy.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/store"
)

var escalation = map[contracts.BreakerLayer]contracts.RiskState{
	contracts.LayerTransactional: contracts.RiskCautious,
	contracts.LayerStrategic:     contracts.RiskDefensive,
	contracts.LayerReflex:        contracts.RiskEmergency,
}

// TripCondition is one CEL predicate guarding a layer. Expr evaluates
// against a "metrics" map input and must yield a bool; true means trip.
type TripCondition struct {
	Layer  contracts.BreakerLayer
	Name   string
	Expr   string
	Reason string
}

// AuditRecorder appends breaker trips and risk escalations to the ledger.
type AuditRecorder interface {
	Record(ctx context.Context, entryType store.EntryType, subject, action string, payload interface{}) error
}

// Publisher emits breaker.tripped / risk.escalated onto the event bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

const (
	subjectBreakerTripped = "breaker.tripped"
	subjectRiskEscalated  = "risk.escalated"
)

type layerState struct {
	tripped   bool
	reason    string
	trippedAt *time.Time
	tripCount int
}

// Tree holds the three breaker layers and the shared risk state.
type Tree struct {
	mu         sync.RWMutex
	layers     map[contracts.BreakerLayer]*layerState
	conditions []TripCondition
	risk       contracts.RiskState
	halted     bool

	env      *cel.Env
	prgCache map[string]cel.Program
	prgMu    sync.RWMutex

	audit     AuditRecorder
	publisher Publisher
}

// NewTree builds a breaker tree with the given trip conditions. Risk
// starts at NORMAL, nothing tripped, not halted.
func NewTree(conditions []TripCondition) (*Tree, error) {
	env, err := cel.NewEnv(
		cel.Variable("metrics", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("breaker: create cel env: %w", err)
	}

	t := &Tree{
		layers: map[contracts.BreakerLayer]*layerState{
			contracts.LayerTransactional: {},
			contracts.LayerStrategic:     {},
			contracts.LayerReflex:        {},
		},
		conditions: conditions,
		risk:       contracts.RiskNormal,
		env:        env,
		prgCache:   make(map[string]cel.Program),
	}
	return t, nil
}

// WithAudit attaches the audit recorder used for every trip/escalation.
func (t *Tree) WithAudit(a AuditRecorder) *Tree {
	t.audit = a
	return t
}

// WithPublisher attaches the bus client used to emit breaker events.
func (t *Tree) WithPublisher(p Publisher) *Tree {
	t.publisher = p
	return t
}

// Evaluate runs every trip condition registered for layer against metrics
// and trips the layer on the first predicate that evaluates true.
func (t *Tree) Evaluate(ctx context.Context, layer contracts.BreakerLayer, metrics map[string]any) (bool, error) {
	for _, cond := range t.conditions {
		if cond.Layer != layer {
			continue
		}
		matched, err := t.evalExpr(cond.Expr, metrics)
		if err != nil {
			return false, fmt.Errorf("breaker: evaluate %s: %w", cond.Name, err)
		}
		if matched {
			reason := cond.Reason
			if reason == "" {
				reason = cond.Name
			}
			t.Trip(ctx, layer, reason)
			return true, nil
		}
	}
	return false, nil
}

func (t *Tree) evalExpr(expr string, metrics map[string]any) (bool, error) {
	t.prgMu.RLock()
	prg, hit := t.prgCache[expr]
	t.prgMu.RUnlock()

	if !hit {
		t.prgMu.Lock()
		if prg, hit = t.prgCache[expr]; !hit {
			ast, issues := t.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				t.prgMu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := t.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				t.prgMu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			t.prgCache[expr] = p
			prg = p
		}
		t.prgMu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"metrics": metrics})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return matched, nil
}

// Trip unconditionally trips layer with reason, escalating risk state per
// the layer table. Risk state only ever moves toward more severe.
func (t *Tree) Trip(ctx context.Context, layer contracts.BreakerLayer, reason string) {
	t.mu.Lock()
	now := time.Now().UTC()
	ls := t.layers[layer]
	ls.tripped = true
	ls.reason = reason
	ls.trippedAt = &now
	ls.tripCount++

	target := escalation[layer]
	riskChanged := false
	if target.MoreSevereThan(t.risk) {
		t.risk = target
		riskChanged = true
	}
	if layer == contracts.LayerReflex {
		t.halted = true
	}
	risk := t.risk
	halted := t.halted
	t.mu.Unlock()

	if t.audit != nil {
		_ = t.audit.Record(ctx, store.EntryTypeBreakerTrip, string(layer), "breaker_trip", map[string]any{
			"layer": layer, "reason": reason, "risk_state": risk, "halted": halted,
		})
	}
	if t.publisher != nil {
		if data, err := marshalTripEvent(layer, reason, risk, halted, now); err == nil {
			_ = t.publisher.Publish(ctx, subjectBreakerTripped, data)
		}
	}
	if riskChanged {
		if t.audit != nil {
			_ = t.audit.Record(ctx, store.EntryTypeRiskEscalation, string(layer), "risk_escalation", map[string]any{
				"layer": layer, "new_risk_state": risk,
			})
		}
		if t.publisher != nil {
			if data, err := marshalRiskEvent(risk, layer); err == nil {
				_ = t.publisher.Publish(ctx, subjectRiskEscalated, data)
			}
		}
	}
}

// Resume clears every layer's tripped state, un-halts, and returns risk to
// NORMAL. The only path back down the severity order.
func (t *Tree) Resume(ctx context.Context, operatorID string) {
	t.mu.Lock()
	for _, ls := range t.layers {
		ls.tripped = false
		ls.reason = ""
	}
	t.risk = contracts.RiskNormal
	t.halted = false
	t.mu.Unlock()

	if t.audit != nil {
		_ = t.audit.Record(ctx, store.EntryTypeResume, "breaker", "resume", map[string]any{"operator_id": operatorID})
	}
}

// ResetBreaker clears one layer's tripped state. If no layer remains
// tripped, risk also returns to NORMAL; otherwise risk stays at whatever
// the remaining tripped layers imply, since it is escalation-only.
func (t *Tree) ResetBreaker(ctx context.Context, layer contracts.BreakerLayer, operatorID string) error {
	t.mu.Lock()
	ls, ok := t.layers[layer]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("breaker: unknown layer %q", layer)
	}
	ls.tripped = false
	ls.reason = ""
	if layer == contracts.LayerReflex {
		t.halted = false
	}

	maxRisk := contracts.RiskNormal
	for l, other := range t.layers {
		if other.tripped && escalation[l].MoreSevereThan(maxRisk) {
			maxRisk = escalation[l]
		}
	}
	t.risk = maxRisk
	t.mu.Unlock()

	if t.audit != nil {
		_ = t.audit.Record(ctx, store.EntryTypeResume, string(layer), "reset_breaker", map[string]any{"operator_id": operatorID})
	}
	return nil
}

// CanTrade reports whether any trading action is permitted at all.
func (t *Tree) CanTrade() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.halted && t.risk != contracts.RiskEmergency
}

// CanOpenNewPositions is stricter than CanTrade: new exposure is blocked
// once risk reaches DEFENSIVE or worse, even if existing positions may
// still be managed.
func (t *Tree) CanOpenNewPositions() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.halted {
		return false
	}
	return t.risk == contracts.RiskNormal || t.risk == contracts.RiskCautious
}

// RiskState returns the current shared posture.
func (t *Tree) RiskState() contracts.RiskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.risk
}

// LayerState returns a read-only snapshot of one layer's trip state.
func (t *Tree) LayerState(layer contracts.BreakerLayer) contracts.BreakerLayerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ls, ok := t.layers[layer]
	if !ok {
		return contracts.BreakerLayerState{Layer: layer}
	}
	return contracts.BreakerLayerState{
		Layer:       layer,
		Tripped:     ls.tripped,
		TripCount:   ls.tripCount,
		Reason:      ls.reason,
		TrippedAt:   ls.trippedAt,
		ResultState: t.risk,
	}
}

// AllLayerStates returns a snapshot of all three layers, for introspection.
func (t *Tree) AllLayerStates() []contracts.BreakerLayerState {
	layers := []contracts.BreakerLayer{contracts.LayerReflex, contracts.LayerTransactional, contracts.LayerStrategic}
	states := make([]contracts.BreakerLayerState, 0, len(layers))
	for _, l := range layers {
		states = append(states, t.LayerState(l))
	}
	return states
}
