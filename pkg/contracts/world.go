package contracts

// Position is one open position tracked in world state.
type Position struct {
	Venue    string  `json:"venue"`
	Account  string  `json:"account"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	EntryPx  float64 `json:"entry_px,omitempty"`
}

// Allocation is the three-way capital split between bio-mimetic phenotype
// weights. Fields are named to match spec.md's world-state field list.
type Allocation struct {
	W1 float64 `json:"w1"`
	W2 float64 `json:"w2"`
	W3 float64 `json:"w3"`
}

// WorldState is the canonical, hashable snapshot of the system the
// operator reasons about. Only C6 (pkg/worldstate) may mutate it; every
// other component reads through C8's projection.
type WorldState struct {
	Armed          bool                         `json:"armed"`
	Mode           string                       `json:"mode"`
	Halted         bool                         `json:"halted"`
	Posture        Posture                      `json:"posture"`
	Positions      []Position                   `json:"positions"`
	Allocation     Allocation                   `json:"allocation"`
	RiskState      RiskState                    `json:"risk_state"`
	BreakerStates  map[BreakerLayer]BreakerLayerState `json:"breaker_states"`
	Equity         float64                      `json:"equity"`
	StateHash      string                       `json:"state_hash"`
}
