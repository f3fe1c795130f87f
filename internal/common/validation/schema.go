// Package validation checks notification payloads against JSON schemas.
package validation

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/models"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var builtinSchemas embed.FS

var builtinFiles = map[models.ConfigKind]string{
	models.KindColdChain: "schemas/cold_chain.json",
	models.KindScheduled: "schemas/scheduled.json",
}

// KindSchemas maps a configuration kind to the schema its
// configuration_data must satisfy. Kinds without a schema accept any object.
type KindSchemas struct {
	mu      sync.RWMutex
	schemas map[models.ConfigKind]*gojsonschema.Schema
}

// NewKindSchemas returns a registry preloaded with the built-in kinds.
func NewKindSchemas() (*KindSchemas, error) {
	k := &KindSchemas{schemas: make(map[models.ConfigKind]*gojsonschema.Schema)}
	for kind, path := range builtinFiles {
		raw, err := builtinSchemas.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		if err := k.Register(kind, raw); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Register compiles raw and replaces any schema held for kind.
func (k *KindSchemas) Register(kind models.ConfigKind, raw []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}
	k.mu.Lock()
	k.schemas[kind] = schema
	k.mu.Unlock()
	return nil
}

func (k *KindSchemas) Has(kind models.ConfigKind) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.schemas[kind]
	return ok
}

// Validate checks data against the schema of kind. Empty data is treated as
// an empty object.
func (k *KindSchemas) Validate(kind models.ConfigKind, data []byte) error {
	k.mu.RLock()
	schema, ok := k.schemas[kind]
	k.mu.RUnlock()

	if len(data) == 0 {
		data = []byte("{}")
	}
	if !ok {
		schema = anyObject
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.NewInvalidConfigurationDataError(string(kind), err.Error())
	}
	if !result.Valid() {
		return errors.NewInvalidConfigurationDataError(string(kind), describe(result))
	}
	return nil
}

// ValidateDocument checks doc against an ad hoc schema. A nil schema passes.
func ValidateDocument(schema map[string]interface{}, doc interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("data validation failed: %s", describe(result))
	}
	return nil
}

func describe(result *gojsonschema.Result) string {
	errs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		errs[i] = desc.String()
	}
	return strings.Join(errs, "; ")
}

var anyObject = mustSchema(`{"type":"object"}`)

func mustSchema(raw string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(err)
	}
	return s
}
