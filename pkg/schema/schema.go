// Package schema performs the structural (JSON-schema) validation step
// of the write pipeline (spec §4.3 step 1: "Run JSON-schema validation
// of the envelope; reject with 400 on failure"), and validates a
// protocol type's declared payload schema against decoded record data
// (spec §3 "Protocol definition"). Grounded on the ambient codebase's
// pkg/firewall, which compiles and caches per-tool JSON schemas with the
// same library.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Set compiles and caches JSON schemas by URI.
type Set struct {
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	compiled map[string]*jsonschema.Schema
}

func NewSet() *Set {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	return &Set{compiler: c, compiled: make(map[string]*jsonschema.Schema)}
}

// AddSchema registers and compiles a schema under uri. Re-adding the same
// uri replaces the prior compiled schema (used when a ProtocolsConfigure
// installs a newer protocol definition with revised type schemas).
func (s *Set) AddSchema(uri, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(uri, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schema: add resource %s: %w", uri, err)
	}
	compiled, err := c.Compile(uri)
	if err != nil {
		return fmt.Errorf("schema: compile %s: %w", uri, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compiled[uri] = compiled
	return nil
}

// Validate validates instance (typically the result of json.Unmarshal
// into map[string]any) against the schema registered at uri.
func (s *Set) Validate(uri string, instance interface{}) error {
	s.mu.RLock()
	compiled, ok := s.compiled[uri]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema: no schema registered for %s", uri)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("schema: validation failed for %s: %w", uri, err)
	}
	return nil
}

// Has reports whether a schema is registered under uri.
func (s *Set) Has(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.compiled[uri]
	return ok
}
