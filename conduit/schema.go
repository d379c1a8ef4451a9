// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema is a JSON Schema document, as produced by [SchemaFor] or supplied
// directly by a procedure definition.
type Schema = jsonschema.Schema

// SchemaFor infers a Schema from a Go type, mirroring the teacher's
// jsonschema.For[T] wrapper.
func SchemaFor[T any]() (*Schema, error) {
	return jsonschema.For[T](nil)
}

// schemaCache resolves and caches Schemas by pointer identity, exactly like
// the teacher's mcp/schema_cache.go: procedure registration is expected to
// reuse the same *Schema value across every call, so pointer identity is a
// cheap, correct cache key.
type schemaCache struct {
	mu    sync.Mutex
	cache map[*Schema]*jsonschema.Resolved
}

func newSchemaCache() *schemaCache {
	return &schemaCache{cache: make(map[*Schema]*jsonschema.Resolved)}
}

func (c *schemaCache) resolve(s *Schema) (*jsonschema.Resolved, error) {
	if s == nil {
		return nil, nil
	}
	c.mu.Lock()
	if r, ok := c.cache[s]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	resolved, err := s.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("conduit: resolve schema: %w", err)
	}

	c.mu.Lock()
	c.cache[s] = resolved
	c.mu.Unlock()
	return resolved, nil
}

// Validate decodes raw against v's type via codec, then validates the
// decoded value against s (a no-op if s is nil). It is the payload
// validation hook named in spec.md §1 as an external collaborator, wired
// here to github.com/google/jsonschema-go rather than left abstract.
func (c *schemaCache) Validate(codec PayloadCodec, s *Schema, raw any, v any) error {
	if err := codec.DecodePayload(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrResultCodeInvalidRequest("decode"), err)
	}
	resolved, err := c.resolve(s)
	if err != nil {
		return err
	}
	if resolved == nil {
		return nil
	}
	asMap, err := toValidationTarget(v)
	if err != nil {
		return err
	}
	if err := resolved.Validate(asMap); err != nil {
		return fmt.Errorf("%w: %v", ErrResultCodeInvalidRequest("schema"), err)
	}
	return nil
}

// toValidationTarget remarshals v through its codec-neutral JSON form so
// jsonschema-go validates the same shape the wire actually carried,
// matching the teacher's reflection_validator.go "decode into a map,
// validate the map" strategy rather than validating Go struct values
// directly (whose zero values can't be told apart from "absent").
func toValidationTarget(v any) (any, error) {
	data, err := jsonMarshal(v)
	if err != nil {
		return nil, fmt.Errorf("conduit: remarshal for validation: %w", err)
	}
	var target any
	if err := jsonUnmarshal(data, &target); err != nil {
		return nil, fmt.Errorf("conduit: remarshal for validation: %w", err)
	}
	return target, nil
}

// ErrResultCodeInvalidRequest names the Result error code used when schema
// validation or decoding fails, matching CodeInvalidRequest but returned as
// an error for composition with %w in Validate.
func ErrResultCodeInvalidRequest(stage string) error {
	return fmt.Errorf("%s: %s", CodeInvalidRequest, stage)
}
