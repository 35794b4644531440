package protocol

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://fugue.local/schemas/"

var schemaFiles = map[string]string{
	TypeSyncState:    "sync-state.json",
	TypeSyncPush:     "sync-push.json",
	TypeSyncConflict: "sync-conflict.json",
}

// Validator checks sync sub-protocol bodies against the embedded schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *Validator
	defaultValidatorErr  error
)

// DefaultValidator compiles the embedded schemas once per process.
func DefaultValidator() (*Validator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	return defaultValidator, defaultValidatorErr
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for messageType, file := range schemaFiles {
		compiled, err := compiler.Compile(schemaBaseURL + file)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		v.schemas[messageType] = compiled
	}
	return v, nil
}

func (v *Validator) Validate(env Envelope) error {
	compiled, ok := v.schemas[env.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSync, env.Type)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(env.Body()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchema, env.Type, err)
	}
	return nil
}
