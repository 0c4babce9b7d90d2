// Package validation checks operation input against per-operation JSON schemas.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/duaia/backend/internal/models"
)

// ErrValidation can be used with errors.Is to detect rejected input.
var ErrValidation = errors.New("validation failed")

type Validator struct {
	schemas map[models.OperationKind]*jsonschema.Schema
}

// NewValidator compiles every <operation>.json file in schemaDir. Operations
// without a schema file only need a JSON object as input.
func NewValidator(ctx context.Context, schemaDir string) (*Validator, error) {
	_ = ctx
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	schemas := make(map[models.OperationKind]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		kind := models.OperationKind(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		schemas[kind], err = jsonschema.CompileString("https://duaia.app/schemas/"+string(kind)+".input", string(data))
		if err != nil {
			return nil, fmt.Errorf("compile input schema %q: %w", kind, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// ValidateInput rejects input that is not a JSON object or does not match the
// operation's schema.
func (v *Validator) ValidateInput(ctx context.Context, kind models.OperationKind, input json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return fmt.Errorf("%w: input must be a JSON object", ErrValidation)
	}
	schema, ok := v.schemas[kind]
	if !ok {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Has reports whether kind has a compiled schema.
func (v *Validator) Has(kind models.OperationKind) bool {
	_, ok := v.schemas[kind]
	return ok
}
