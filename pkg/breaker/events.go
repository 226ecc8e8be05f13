package breaker

import (
	"encoding/json"
	"time"

	"github.com/vireo-systems/opctl/pkg/contracts"
)

// tripEvent is the payload published to breaker.tripped.
type tripEvent struct {
	Layer     contracts.BreakerLayer `json:"layer"`
	Reason    string                 `json:"reason"`
	RiskState contracts.RiskState    `json:"risk_state"`
	Halted    bool                   `json:"halted"`
	Timestamp time.Time              `json:"timestamp"`
}

// riskEvent is the payload published to risk.escalated.
type riskEvent struct {
	RiskState contracts.RiskState    `json:"risk_state"`
	Cause     contracts.BreakerLayer `json:"cause_layer"`
}

func marshalTripEvent(layer contracts.BreakerLayer, reason string, risk contracts.RiskState, halted bool, ts time.Time) ([]byte, error) {
	return json.Marshal(tripEvent{Layer: layer, Reason: reason, RiskState: risk, Halted: halted, Timestamp: ts})
}

func marshalRiskEvent(risk contracts.RiskState, cause contracts.BreakerLayer) ([]byte, error) {
	return json.Marshal(riskEvent{RiskState: risk, Cause: cause})
}
