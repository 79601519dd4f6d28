// Package schema validates event payloads against registered JSON Schemas
// before they enter the outbox, so contract violations surface at the
// producer rather than in every consumer.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veggieshop/platform/pkg/hashing"
	"github.com/veggieshop/platform/pkg/problem"
)

// Registry holds compiled schemas keyed by event type, each with the
// fingerprint of its canonical source for the envelope header.
type Registry struct {
	mu           sync.RWMutex
	schemas      map[string]*jsonschema.Schema
	fingerprints map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas:      make(map[string]*jsonschema.Schema),
		fingerprints: make(map[string]string),
	}
}

// Register compiles raw (a JSON Schema document) under eventType and
// returns the schema fingerprint.
func (r *Registry) Register(eventType string, raw []byte) (string, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "mem://" + eventType + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("schema: add %q: %w", eventType, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return "", fmt.Errorf("schema: compile %q: %w", eventType, err)
	}

	canonical, err := hashing.CanonicalJSON(json.RawMessage(raw))
	if err != nil {
		return "", fmt.Errorf("schema: canonicalize %q: %w", eventType, err)
	}
	fp := "sha256:" + hashing.Sha256Hex(canonical)

	r.mu.Lock()
	r.schemas[eventType] = compiled
	r.fingerprints[eventType] = fp
	r.mu.Unlock()
	return fp, nil
}

// Fingerprint returns the registered schema fingerprint for eventType.
func (r *Registry) Fingerprint(eventType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.fingerprints[eventType]
	return fp, ok
}

// Validate checks payload against the schema registered for eventType.
func (r *Registry) Validate(eventType string, payload []byte) error {
	r.mu.RLock()
	compiled, ok := r.schemas[eventType]
	r.mu.RUnlock()
	if !ok {
		return problem.New(problem.SchemaValidationFailed,
			fmt.Sprintf("no schema registered for event type %q", eventType))
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return problem.New(problem.SchemaValidationFailed, "payload is not valid JSON").Wrap(err)
	}
	if err := compiled.Validate(doc); err != nil {
		p := problem.New(problem.SchemaValidationFailed, "payload violates the event contract").Wrap(err)
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			p = p.WithExtension("schema-pointer", ve.InstanceLocation)
		}
		return p.WithExtension("event-type", eventType)
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError) //nolint:errorlint // library returns the concrete type
	if !ok {
		return false
	}
	*target = ve
	return true
}
