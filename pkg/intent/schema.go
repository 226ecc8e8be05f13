package intent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vireo-systems/opctl/pkg/contracts"
)

// SchemaSet holds one compiled JSON schema per intent type, validating
// Intent.Params before anything else runs. Grounded on the teacher's
// per-tool schema compilation (pkg/firewall/firewall.go).
type SchemaSet struct {
	mu      sync.RWMutex
	schemas map[contracts.IntentType]*jsonschema.Schema
}

// NewSchemaSet builds an empty set; call Register per intent type.
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{schemas: make(map[contracts.IntentType]*jsonschema.Schema)}
}

// Register compiles schemaJSON and binds it to intentType.
func (s *SchemaSet) Register(intentType contracts.IntentType, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://opctl.internal/schemas/%s.json", strings.ToLower(string(intentType)))
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("intent: load schema for %s: %w", intentType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("intent: compile schema for %s: %w", intentType, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[intentType] = compiled
	return nil
}

// Validate checks params against the schema registered for intentType.
// A type with no registered schema passes unconditionally: the catalog
// is opt-in, not exhaustive.
func (s *SchemaSet) Validate(intentType contracts.IntentType, params json.RawMessage) []string {
	s.mu.RLock()
	schema, ok := s.schemas[intentType]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	var decoded interface{}
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, &decoded); err != nil {
		return []string{fmt.Sprintf("params is not valid json: %v", err)}
	}
	if err := schema.Validate(decoded); err != nil {
		return []string{err.Error()}
	}
	return nil
}
