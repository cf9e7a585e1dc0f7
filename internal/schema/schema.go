// Package schema checks bridge topology messages before they replace the
// controller's snapshot.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Document names a bridge message with a known schema.
type Document string

const (
	Devices Document = "devices"
	Groups  Document = "groups"
	Info    Document = "info"
)

// Validator validates bridge payloads. Compiled schemas are cached.
type Validator struct {
	mu    sync.RWMutex
	cache map[Document]*jsonschema.Schema
}

// NewValidator creates a Validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[Document]*jsonschema.Schema)}
}

// Validate reports whether raw is valid JSON matching doc's schema.
func (v *Validator) Validate(doc Document, raw []byte) error {
	compiled, err := v.compile(doc)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%s: invalid json: %w", doc, err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("%s: %w", doc, err)
	}
	return nil
}

func (v *Validator) compile(doc Document) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if s, ok := v.cache[doc]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[doc]; ok {
		return s, nil
	}

	data, err := schemaFS.ReadFile("schemas/" + string(doc) + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", doc, err)
	}
	var schemaMap any
	if err := json.Unmarshal(data, &schemaMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema %q: %w", doc, err)
	}

	name := string(doc) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, schemaMap); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %q: %w", doc, err)
	}
	v.cache[doc] = compiled
	return compiled, nil
}
