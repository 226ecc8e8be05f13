// Package projection implements the state projection (C8): a read-only
// view composed from C4, C5, C6, and C7, cached with a short TTL and
// invalidated on mutation. Generalized from the teacher's short-TTL
// caching pattern used in front of its per-tenant profile lookups
// (pkg/config/profile_loader.go), applied here to a composed
// cross-component snapshot instead of a single YAML profile.
package projection

import (
	"context"
	"sync"
	"time"

	"github.com/vireo-systems/opctl/pkg/contracts"
)

// DefaultTTL is the cache lifetime spec calls out: "~250 ms".
const DefaultTTL = 250 * time.Millisecond

// WorldStateSource supplies the current canonical world state.
type WorldStateSource interface {
	Snapshot() contracts.WorldState
}

// BreakerSource supplies breaker layer and risk-state introspection.
type BreakerSource interface {
	AllLayerStates() []contracts.BreakerLayerState
	RiskState() contracts.RiskState
}

// IntentSource supplies the last N intents, most recent first.
type IntentSource interface {
	FindRecent(ctx context.Context, limit int, intentType contracts.IntentType) ([]*contracts.Intent, error)
}

// ConfigSource supplies the top-of-provenance value for every catalog key.
type ConfigSource interface {
	AllEffective() []*contracts.ConfigItem
}

// View is the composed, read-only snapshot C9 serves to operators.
type View struct {
	WorldState    contracts.WorldState          `json:"world_state"`
	BreakerLayers []contracts.BreakerLayerState `json:"breaker_layers"`
	RiskState     contracts.RiskState           `json:"risk_state"`
	RecentIntents []*contracts.Intent           `json:"recent_intents"`
	Config        []*contracts.ConfigItem       `json:"config"`
	StateHash     string                        `json:"state_hash"`
	ComposedAt    time.Time                     `json:"composed_at"`
}

// Projection composes and caches the View. Safe for concurrent use.
type Projection struct {
	world    WorldStateSource
	breakers BreakerSource
	intents  IntentSource
	config   ConfigSource

	recentN int
	ttl     time.Duration

	mu     sync.Mutex
	cached *View
}

// New builds a Projection. recentN bounds how many intents are pulled
// into each composed view; ttl defaults to DefaultTTL when <= 0.
func New(world WorldStateSource, breakers BreakerSource, intents IntentSource, config ConfigSource, recentN int, ttl time.Duration) *Projection {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if recentN <= 0 {
		recentN = 50
	}
	return &Projection{world: world, breakers: breakers, intents: intents, config: config, recentN: recentN, ttl: ttl}
}

// Get returns the cached View if it is still fresh, otherwise recomposes.
func (p *Projection) Get(ctx context.Context) (*View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.cached.ComposedAt) < p.ttl {
		return p.cached, nil
	}
	return p.composeLocked(ctx)
}

// Invalidate drops the cache immediately, forcing the next Get to
// recompose regardless of TTL. Callers wire this to C6's notification
// channel and to config.changed / breaker.tripped bus events.
func (p *Projection) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

func (p *Projection) composeLocked(ctx context.Context) (*View, error) {
	world := p.world.Snapshot()

	recent, err := p.intents.FindRecent(ctx, p.recentN, "")
	if err != nil {
		return nil, err
	}

	view := &View{
		WorldState:    world,
		BreakerLayers: p.breakers.AllLayerStates(),
		RiskState:     p.breakers.RiskState(),
		RecentIntents: recent,
		Config:        p.config.AllEffective(),
		StateHash:     world.StateHash,
		ComposedAt:    time.Now().UTC(),
	}
	p.cached = view
	return view, nil
}
