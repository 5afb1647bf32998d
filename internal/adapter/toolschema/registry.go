// Package toolschema validates tool inputs against JSON Schemas keyed by tool name.
package toolschema

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"agentsync/internal/domain"
)

//go:embed schemas/*.json
var builtin embed.FS

// Registry implements domain.ToolSchemaRegistry.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

var _ domain.ToolSchemaRegistry = (*Registry)(nil)

// New returns a registry preloaded with the built-in tool schemas.
func New() (*Registry, error) {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema)}
	entries, err := builtin.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read builtin schemas: %w", err)
	}
	for _, e := range entries {
		data, err := builtin.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if err := r.Register(strings.TrimSuffix(e.Name(), ".json"), data); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles schema and binds it to the tool name, replacing any
// previous one.
func (r *Registry) Register(name string, schema []byte) error {
	if name == "" {
		return fmt.Errorf("register schema: empty tool name")
	}
	compiled, err := jsonschema.NewCompiler().Compile(schema)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", name, err)
	}
	r.mu.Lock()
	r.schemas[name] = compiled
	r.mu.Unlock()
	return nil
}

// Lookup implements domain.ToolSchemaRegistry.
func (r *Registry) Lookup(name string) (domain.ToolValidator, bool) {
	r.mu.RLock()
	s, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return validator{schema: s}, true
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	return names
}

type validator struct {
	schema *jsonschema.Schema
}

// Parse decodes input and validates it. Data holds the decoded value on success.
func (v validator) Parse(input json.RawMessage) domain.ParseResult {
	var data any
	if len(input) == 0 || json.Unmarshal(input, &data) != nil {
		return domain.ParseResult{}
	}
	if !v.schema.Validate(data).IsValid() {
		return domain.ParseResult{}
	}
	return domain.ParseResult{Success: true, Data: data}
}
