package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vireo-systems/opctl/pkg/authz"
	"github.com/vireo-systems/opctl/pkg/breaker"
	"github.com/vireo-systems/opctl/pkg/configreg"
	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/contracts/swarm"
	"github.com/vireo-systems/opctl/pkg/intent"
	"github.com/vireo-systems/opctl/pkg/worldstate"
)

// commandPublisher mirrors executor-triggered venue commands onto the bus.
// Satisfied by both *bus.Client and *bus.MemoryClient.
type commandPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// buildExecutors gives effect to every operator intent type by mutating
// C6 (world state), C5 (breaker tree), and C4 (config registry).
func buildExecutors(world *worldstate.Manager, breakers *breaker.Tree, config *configreg.Registry, publisher commandPublisher, venueAuthz *authz.Engine, islandVenues map[string]bool) map[contracts.IntentType]intent.Executor {
	return map[contracts.IntentType]intent.Executor{
		contracts.IntentArm:            armExecutor(world),
		contracts.IntentDisarm:         disarmExecutor(world),
		contracts.IntentSetMode:        setModeExecutor(world),
		contracts.IntentThrottlePhase:  throttlePhaseExecutor(world),
		contracts.IntentFlatten:        flattenExecutor(world, publisher, venueAuthz, islandVenues),
		contracts.IntentOverrideRisk:   overrideRiskExecutor(world),
		contracts.IntentApplyProposal:  applyProposalExecutor(config),
		contracts.IntentRollbackConfig: rollbackConfigExecutor(config),
		contracts.IntentRunReconcile:   runReconcileExecutor(world),
		contracts.IntentHalt:           haltExecutor(world, publisher),
		contracts.IntentResume:         resumeExecutor(world, breakers),
	}
}

func receiptFor(prior, next contracts.WorldState, effect string) (*contracts.IntentReceipt, error) {
	priorJSON, err := json.Marshal(prior)
	if err != nil {
		return nil, fmt.Errorf("operator: marshal prior state: %w", err)
	}
	newJSON, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("operator: marshal new state: %w", err)
	}
	return &contracts.IntentReceipt{Effect: effect, PriorState: priorJSON, NewState: newJSON}, nil
}

func armExecutor(world *worldstate.Manager) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		prior := world.Snapshot()
		if err := world.SetArmed(true); err != nil {
			return nil, fmt.Errorf("operator: arm: %w", err)
		}
		return receiptFor(prior, world.Snapshot(), "armed")
	}
}

func disarmExecutor(world *worldstate.Manager) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		prior := world.Snapshot()
		if err := world.SetArmed(false); err != nil {
			return nil, fmt.Errorf("operator: disarm: %w", err)
		}
		return receiptFor(prior, world.Snapshot(), "disarmed")
	}
}

type setModeParams struct {
	Mode string `json:"mode"`
}

func setModeExecutor(world *worldstate.Manager) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		var p setModeParams
		if err := json.Unmarshal(in.Params, &p); err != nil {
			return nil, fmt.Errorf("operator: set_mode params: %w", err)
		}
		prior := world.Snapshot()
		if err := world.SetMode(p.Mode); err != nil {
			return nil, fmt.Errorf("operator: set_mode: %w", err)
		}
		return receiptFor(prior, world.Snapshot(), "mode set to "+p.Mode)
	}
}

type throttlePhaseParams struct {
	Allocation contracts.Allocation `json:"allocation"`
}

func throttlePhaseExecutor(world *worldstate.Manager) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		var p throttlePhaseParams
		if err := json.Unmarshal(in.Params, &p); err != nil {
			return nil, fmt.Errorf("operator: throttle_phase params: %w", err)
		}
		prior := world.Snapshot()
		if err := world.SetAllocation(p.Allocation); err != nil {
			return nil, fmt.Errorf("operator: throttle_phase: %w", err)
		}
		return receiptFor(prior, world.Snapshot(), "allocation throttled")
	}
}

func flattenExecutor(world *worldstate.Manager, publisher commandPublisher, venueAuthz *authz.Engine, islandVenues map[string]bool) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		prior := world.Snapshot()
		stateHash := world.StateHash()
		if err := world.SetPositions(nil); err != nil {
			return nil, fmt.Errorf("operator: flatten: %w", err)
		}
		var skipped []string
		for _, pos := range prior.Positions {
			if venueAuthz != nil && !operatorCanReachVenue(ctx, venueAuthz, in.OperatorID, pos.Venue, islandVenues[pos.Venue]) {
				skipped = append(skipped, pos.Venue)
				continue
			}
			publishExecutionPlace(ctx, publisher, in.ID, pos, stateHash)
		}
		effect := "positions flattened"
		if len(skipped) > 0 {
			effect = fmt.Sprintf("positions flattened; close order suppressed for unauthorized venues: %v", skipped)
		}
		return receiptFor(prior, world.Snapshot(), effect)
	}
}

// operatorCanReachVenue consults the venue delegation graph (C9's ReBAC
// layer on top of flat RBAC): an operator may flatten world state even
// when a specific venue hasn't delegated "operate" to them, but the
// resulting close order is suppressed rather than sent to a venue they
// aren't authorized to command directly. A venue profile in island mode
// never falls back to the blanket venue:* grant: reaching it requires
// an explicit per-venue delegation tuple, full stop.
func operatorCanReachVenue(ctx context.Context, venueAuthz *authz.Engine, operatorID, venue string, isIsland bool) bool {
	allowed, err := venueAuthz.Check(ctx, "venue:"+venue, "operate", "user:"+operatorID)
	if err != nil {
		return false
	}
	if allowed {
		return true
	}
	if isIsland {
		return false
	}
	allowed, err = venueAuthz.Check(ctx, "venue:*", "operate", "user:"+operatorID)
	return err == nil && allowed
}

// publishExecutionPlace emits the venue-facing close order for one
// flattened position. Publish errors are swallowed: the world state
// mutation is the system of record, and a downed bus must never block
// an operator-ordered flatten.
func publishExecutionPlace(ctx context.Context, publisher commandPublisher, intentID string, pos contracts.Position, stateHash string) {
	if publisher == nil {
		return
	}
	cmd := swarm.ExecutionPlaceCommand{
		ID:        uuid.New().String(),
		IntentID:  intentID,
		Venue:     pos.Venue,
		Symbol:    pos.Symbol,
		Quantity:  -pos.Quantity,
		StateHash: stateHash,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	subject := swarm.SubjectExecutionPlace + "." + pos.Venue + "." + pos.Account + "." + pos.Symbol
	_ = publisher.Publish(ctx, subject, payload)
}

type overrideRiskParams struct {
	RiskState contracts.RiskState `json:"risk_state"`
}

func overrideRiskExecutor(world *worldstate.Manager) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		var p overrideRiskParams
		if err := json.Unmarshal(in.Params, &p); err != nil {
			return nil, fmt.Errorf("operator: override_risk params: %w", err)
		}
		prior := world.Snapshot()
		if err := world.SetRiskState(p.RiskState); err != nil {
			return nil, fmt.Errorf("operator: override_risk: %w", err)
		}
		return receiptFor(prior, world.Snapshot(), "risk state overridden to "+string(p.RiskState))
	}
}

type applyProposalParams struct {
	Name   string         `json:"name"`
	Values map[string]any `json:"values"`
}

func applyProposalExecutor(config *configreg.Registry) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		var p applyProposalParams
		if err := json.Unmarshal(in.Params, &p); err != nil {
			return nil, fmt.Errorf("operator: apply_proposal params: %w", err)
		}
		result := config.ApplyPreset(ctx, p.Name, p.Values, in.OperatorID, in.Reason)
		newState, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("operator: marshal preset result: %w", err)
		}
		effect := fmt.Sprintf("preset %s applied: %d ok, %d skipped", p.Name, len(result.Applied), len(result.Skipped))
		return &contracts.IntentReceipt{Effect: effect, NewState: newState}, nil
	}
}

type rollbackConfigParams struct {
	Key string `json:"key"`
}

func rollbackConfigExecutor(config *configreg.Registry) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		var p rollbackConfigParams
		if err := json.Unmarshal(in.Params, &p); err != nil {
			return nil, fmt.Errorf("operator: rollback_config params: %w", err)
		}
		receipt, err := config.Rollback(ctx, p.Key, in.OperatorID)
		if err != nil {
			return nil, fmt.Errorf("operator: rollback_config: %w", err)
		}
		newState, err := json.Marshal(receipt)
		if err != nil {
			return nil, fmt.Errorf("operator: marshal rollback receipt: %w", err)
		}
		return &contracts.IntentReceipt{Effect: "config key " + p.Key + " rolled back", NewState: newState}, nil
	}
}

func runReconcileExecutor(world *worldstate.Manager) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		snap := world.Snapshot()
		newState, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("operator: marshal reconcile snapshot: %w", err)
		}
		return &contracts.IntentReceipt{Effect: "reconcile executed against current snapshot", NewState: newState}, nil
	}
}

func haltExecutor(world *worldstate.Manager, publisher commandPublisher) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		prior := world.Snapshot()
		if err := world.SetHalted(true); err != nil {
			return nil, fmt.Errorf("operator: halt: %w", err)
		}
		if publisher != nil {
			_ = publisher.Publish(ctx, swarm.SubjectSysHalt, []byte(`{"intent_id":"`+in.ID+`"}`))
		}
		return receiptFor(prior, world.Snapshot(), "trading halted")
	}
}

func resumeExecutor(world *worldstate.Manager, breakers *breaker.Tree) intent.Executor {
	return func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error) {
		prior := world.Snapshot()
		breakers.Resume(ctx, in.OperatorID)
		if err := world.SetHalted(false); err != nil {
			return nil, fmt.Errorf("operator: resume: %w", err)
		}
		if err := world.SetRiskState(breakers.RiskState()); err != nil {
			return nil, fmt.Errorf("operator: resume: sync risk state: %w", err)
		}
		return receiptFor(prior, world.Snapshot(), "trading resumed")
	}
}
