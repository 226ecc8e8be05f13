// Package configreg is the config registry (C4): a static catalog of
// tunables plus a mutable override/receipt layer, each override validated
// against its safety class and schema, signed, and appended to the audit
// log. Generalized from the teacher's regional-profile YAML catalog
// (pkg/config/profile_loader.go) and its fail-closed budget enforcement
// (pkg/budget/enforcer.go), from safety limits specific to one domain to
// the four general safety classes of the config registry.
package configreg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/crypto"
	"github.com/vireo-systems/opctl/pkg/store"
)

var (
	ErrUnknownKey       = errors.New("configreg: unknown key")
	ErrImmutable        = errors.New("configreg: key is immutable")
	ErrTightenViolation = errors.New("configreg: new value does not tighten the existing bound")
	ErrRaiseViolation   = errors.New("configreg: new value does not raise the existing bound")
	ErrTypeMismatch     = errors.New("configreg: value type does not match catalog entry")
	ErrOutOfBounds      = errors.New("configreg: value is outside the allowed bounds")
	ErrNotInEnum        = errors.New("configreg: value is not one of the allowed enum values")
	ErrNoPriorLayer     = errors.New("configreg: no prior provenance layer to roll back to")
	ErrSignerRequired   = errors.New("configreg: signer not configured (fail-closed)")
	ErrCatalogTooOld    = errors.New("configreg: deployed catalog version does not satisfy the key's minimum")
	ErrSchemaViolation  = errors.New("configreg: value violates the key's declared json schema")
)

// ValueType constrains what Go type a CatalogEntry's value must be.
type ValueType string

const (
	TypeNumber ValueType = "number"
	TypeBool   ValueType = "bool"
	TypeString ValueType = "string"
	TypeEnum   ValueType = "enum"
)

// CatalogEntry is one static, load-time-fixed definition in the registry.
// LowerIsRiskier decides which direction counts as "tighter" for
// tighten_only keys: true means a higher value is safer (e.g. a minimum
// margin ratio), false means a lower value is safer (e.g. a position cap).
type CatalogEntry struct {
	Key            string
	Type           ValueType
	SafetyClass    contracts.SafetyClass
	LowerIsRiskier bool
	Min            *float64
	Max            *float64
	EnumValues     []string
	Default        any
	Description    string
	// Schema is an optional JSON Schema (draft 2020-12) string validated
	// with github.com/santhosh-tekuri/jsonschema/v5. When it compiles, it is
	// checked in place of the hand-rolled Type/Min/Max/EnumValues checks.
	// Entries without one use those checks alone; a Schema that fails to
	// compile is skipped silently at registry construction, and the entry
	// falls back to the hand-rolled checks.
	Schema string
	// MinCatalogVersion is a semver constraint (e.g. ">=1.2.0") gating
	// this key behind a minimum deployed catalog version. Empty means
	// the key has been overridable since the catalog's first version.
	MinCatalogVersion string
}

// Publisher mirrors config.changed onto the event bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// AuditRecorder appends an override/rollback to the hash-chained audit log.
// Satisfied by pkg/audit.StoreLogger.
type AuditRecorder interface {
	Record(ctx context.Context, entryType store.EntryType, subject, action string, payload interface{}) error
}

const configChangedSubject = "config.changed"

// provenanceLayer is one entry in a key's provenance chain: where the
// current effective value came from, in append order.
type provenanceLayer struct {
	source string // "default" | "file" | "env" | "override"
	value  any
	// receipt is non-nil only for "override" layers, so rollback can
	// reference the override it is reversing.
	receipt *contracts.OverrideReceipt
}

// Registry is the config registry. Catalog is fixed at construction;
// provenance chains and active overrides are mutable thereafter.
type Registry struct {
	mu              sync.RWMutex
	catalog         map[string]CatalogEntry
	provenance      map[string][]provenanceLayer
	signer          *crypto.Signer
	audit           AuditRecorder
	publisher       Publisher
	catalogVersion  *semver.Version
	compiledSchemas map[string]*jsonschema.Schema
}

// defaultCatalogVersion is used when NewRegistry is given an unparseable
// or empty version string, so a malformed OPCTL_CATALOG_VERSION never
// prevents the registry from booting.
var defaultCatalogVersion = semver.MustParse("1.0.0")

// NewRegistry builds a registry from a static catalog plus the file- and
// env-layer values discovered at load. Every catalog key starts with at
// least a "default" provenance layer. catalogVersion is the semver
// version of the deployed catalog, checked against any entry's
// MinCatalogVersion constraint before accepting an override.
func NewRegistry(catalog []CatalogEntry, fileValues, envValues map[string]any, signer *crypto.Signer, catalogVersion string) *Registry {
	version, err := semver.NewVersion(catalogVersion)
	if err != nil {
		version = defaultCatalogVersion
	}
	r := &Registry{
		catalog:         make(map[string]CatalogEntry, len(catalog)),
		provenance:      make(map[string][]provenanceLayer, len(catalog)),
		signer:          signer,
		catalogVersion:  version,
		compiledSchemas: make(map[string]*jsonschema.Schema),
	}
	for _, entry := range catalog {
		r.catalog[entry.Key] = entry
		chain := []provenanceLayer{{source: "default", value: entry.Default}}
		if v, ok := fileValues[entry.Key]; ok {
			chain = append(chain, provenanceLayer{source: "file", value: v})
		}
		if v, ok := envValues[entry.Key]; ok {
			chain = append(chain, provenanceLayer{source: "env", value: v})
		}
		r.provenance[entry.Key] = chain

		if entry.Schema == "" {
			continue
		}
		compiled, err := compileEntrySchema(entry.Key, entry.Schema)
		if err != nil {
			// A malformed catalog Schema string must never block startup;
			// the entry simply falls back to its hand-rolled Type/Min/Max
			// checks in validateSchema.
			continue
		}
		r.compiledSchemas[entry.Key] = compiled
	}
	return r
}

// compileEntrySchema compiles a catalog entry's declared JSON Schema,
// mirroring pkg/intent.SchemaSet.Register's compilation pattern.
func compileEntrySchema(key, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://opctl.internal/schemas/config/%s.json", key)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("configreg: load schema for %s: %w", key, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("configreg: compile schema for %s: %w", key, err)
	}
	return compiled, nil
}

// WithAudit attaches the audit recorder used for every override/rollback.
func (r *Registry) WithAudit(a AuditRecorder) *Registry {
	r.audit = a
	return r
}

// WithPublisher attaches the bus client used to emit config.changed.
func (r *Registry) WithPublisher(p Publisher) *Registry {
	r.publisher = p
	return r
}

// GetEffective returns the current value and provenance chain for a key.
func (r *Registry) GetEffective(key string) (*contracts.ConfigItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.effectiveLocked(key)
}

// AllEffective returns the effective item for every catalog key, for C8's
// projection view.
func (r *Registry) AllEffective() []*contracts.ConfigItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*contracts.ConfigItem, 0, len(r.catalog))
	for key := range r.catalog {
		item, err := r.effectiveLocked(key)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (r *Registry) effectiveLocked(key string) (*contracts.ConfigItem, error) {
	entry, ok := r.catalog[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	chain := r.provenance[key]
	current := chain[len(chain)-1]

	sources := make([]string, len(chain))
	for i, layer := range chain {
		sources[i] = layer.source
	}

	item := &contracts.ConfigItem{
		Key:         key,
		Value:       current.value,
		Default:     entry.Default,
		SafetyClass: entry.SafetyClass,
		Provenance:  sources,
		Description: entry.Description,
	}
	if current.receipt != nil {
		item.UpdatedAt = current.receipt.AppliedAt
		item.UpdatedBy = current.receipt.OperatorID
	}
	return item, nil
}

// CreateOverride validates value against key's schema and safety class,
// appends a signed receipt, and publishes config.changed. Rejections never
// mutate the provenance chain.
func (r *Registry) CreateOverride(ctx context.Context, key string, value any, operatorID, reason string) (*contracts.OverrideReceipt, error) {
	if r.signer == nil {
		return nil, ErrSignerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.catalog[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	chain := r.provenance[key]
	prior := chain[len(chain)-1].value

	if err := r.checkCatalogVersion(entry); err != nil {
		return r.rejectedReceipt(key, prior, value, entry.SafetyClass, operatorID, reason, err)
	}
	if err := validateSchema(entry, value, r.compiledSchemas[key]); err != nil {
		return r.rejectedReceipt(key, prior, value, entry.SafetyClass, operatorID, reason, err)
	}
	if err := enforceSafetyClass(entry, prior, value); err != nil {
		return r.rejectedReceipt(key, prior, value, entry.SafetyClass, operatorID, reason, err)
	}

	receipt := &contracts.OverrideReceipt{
		ReceiptID:   uuid.New().String(),
		Key:         key,
		PriorValue:  prior,
		NewValue:    value,
		SafetyClass: entry.SafetyClass,
		OperatorID:  operatorID,
		Reason:      reason,
		AppliedAt:   time.Now().UTC(),
	}
	if err := r.signer.SignOverrideReceipt(receipt); err != nil {
		return nil, fmt.Errorf("configreg: sign receipt: %w", err)
	}

	r.provenance[key] = append(chain, provenanceLayer{source: "override", value: value, receipt: receipt})
	r.emit(ctx, store.EntryTypeConfigOverride, key, receipt)
	return receipt, nil
}

// Rollback restores key to the previous provenance layer and issues a
// rollback receipt referencing the override it reverses.
func (r *Registry) Rollback(ctx context.Context, key, operatorID string) (*contracts.OverrideReceipt, error) {
	if r.signer == nil {
		return nil, ErrSignerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.catalog[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	chain := r.provenance[key]
	if len(chain) < 2 {
		return nil, ErrNoPriorLayer
	}
	reverting := chain[len(chain)-1]
	restored := chain[len(chain)-2]

	receipt := &contracts.OverrideReceipt{
		ReceiptID:   uuid.New().String(),
		Key:         key,
		PriorValue:  reverting.value,
		NewValue:    restored.value,
		SafetyClass: entry.SafetyClass,
		OperatorID:  operatorID,
		Reason:      "rollback",
		AppliedAt:   time.Now().UTC(),
	}
	if reverting.receipt != nil {
		receipt.Reason = fmt.Sprintf("rollback of receipt %s", reverting.receipt.ReceiptID)
	}
	if err := r.signer.SignOverrideReceipt(receipt); err != nil {
		return nil, fmt.Errorf("configreg: sign rollback receipt: %w", err)
	}

	r.provenance[key] = chain[:len(chain)-1]
	r.emit(ctx, store.EntryTypeConfigRollback, key, receipt)
	return receipt, nil
}

// ApplyPreset applies a named batch of key/value pairs, reporting each
// key's outcome independently. A validation failure on one key never
// blocks the others.
func (r *Registry) ApplyPreset(ctx context.Context, name string, values map[string]any, operatorID, reason string) *contracts.PresetApplyResult {
	result := &contracts.PresetApplyResult{PresetName: name}
	for key, value := range values {
		receipt, err := r.CreateOverride(ctx, key, value, operatorID, reason)
		if err != nil {
			result.Skipped = append(result.Skipped, contracts.PresetSkip{Key: key, Reason: err.Error()})
			continue
		}
		if receipt.Rejected {
			result.Skipped = append(result.Skipped, contracts.PresetSkip{Key: key, Reason: receipt.RejectReason})
			continue
		}
		result.Applied = append(result.Applied, *receipt)
	}
	return result
}

// checkCatalogVersion rejects an override against a key whose
// MinCatalogVersion constraint the deployed catalog doesn't satisfy,
// e.g. a rollback target reintroducing a key gated behind a version
// newer than what's actually running.
func (r *Registry) checkCatalogVersion(entry CatalogEntry) error {
	if entry.MinCatalogVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(entry.MinCatalogVersion)
	if err != nil {
		return nil
	}
	if !constraint.Check(r.catalogVersion) {
		return fmt.Errorf("%w: key %q requires %s, catalog is %s", ErrCatalogTooOld, entry.Key, entry.MinCatalogVersion, r.catalogVersion)
	}
	return nil
}

func (r *Registry) rejectedReceipt(key string, prior, attempted any, class contracts.SafetyClass, operatorID, reason string, cause error) (*contracts.OverrideReceipt, error) {
	receipt := &contracts.OverrideReceipt{
		ReceiptID:    uuid.New().String(),
		Key:          key,
		PriorValue:   prior,
		NewValue:     attempted,
		SafetyClass:  class,
		OperatorID:   operatorID,
		Reason:       reason,
		AppliedAt:    time.Now().UTC(),
		Rejected:     true,
		RejectReason: cause.Error(),
	}
	if r.signer != nil {
		_ = r.signer.SignOverrideReceipt(receipt)
	}
	return receipt, cause
}

func (r *Registry) emit(ctx context.Context, entryType store.EntryType, key string, receipt *contracts.OverrideReceipt) {
	if r.audit != nil {
		_ = r.audit.Record(ctx, entryType, key, string(entryType), receipt)
	}
	if r.publisher != nil {
		data, err := marshalReceipt(receipt)
		if err == nil {
			_ = r.publisher.Publish(ctx, configChangedSubject, data)
		}
	}
}

// enforceSafetyClass implements spec's four-class table. tighten_only and
// raise_only compare attempted against prior, not against default, since
// each override must be at least as strict as the one it replaces.
func enforceSafetyClass(entry CatalogEntry, prior, attempted any) error {
	switch entry.SafetyClass {
	case contracts.SafetyImmutable:
		return ErrImmutable
	case contracts.SafetyTunable:
		return nil
	case contracts.SafetyTightenOnly:
		priorF, attemptedF, ok := asFloats(prior, attempted)
		if !ok {
			return nil // non-numeric tighten_only keys have no direction to enforce
		}
		if entry.LowerIsRiskier {
			if attemptedF < priorF {
				return ErrTightenViolation
			}
		} else if attemptedF > priorF {
			return ErrTightenViolation
		}
		return nil
	case contracts.SafetyRaiseOnly:
		priorF, attemptedF, ok := asFloats(prior, attempted)
		if !ok {
			return nil
		}
		if attemptedF < priorF {
			return ErrRaiseViolation
		}
		return nil
	default:
		return fmt.Errorf("configreg: unknown safety class %q", entry.SafetyClass)
	}
}

func asFloats(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// validateSchema checks value against entry's declared JSON Schema when one
// was compiled at construction; entries without one fall through to the
// hand-rolled Type/Min/Max/EnumValues checks below unconditionally.
func validateSchema(entry CatalogEntry, value any, compiled *jsonschema.Schema) error {
	if compiled != nil {
		if err := compiled.Validate(value); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
		}
		return nil
	}
	switch entry.Type {
	case TypeNumber:
		f, ok := toFloat(value)
		if !ok {
			return ErrTypeMismatch
		}
		if entry.Min != nil && f < *entry.Min {
			return ErrOutOfBounds
		}
		if entry.Max != nil && f > *entry.Max {
			return ErrOutOfBounds
		}
		return nil
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return ErrTypeMismatch
		}
		return nil
	case TypeString:
		if _, ok := value.(string); !ok {
			return ErrTypeMismatch
		}
		return nil
	case TypeEnum:
		s, ok := value.(string)
		if !ok {
			return ErrTypeMismatch
		}
		for _, allowed := range entry.EnumValues {
			if allowed == s {
				return nil
			}
		}
		return ErrNotInEnum
	default:
		return fmt.Errorf("configreg: unknown value type %q", entry.Type)
	}
}
