package validation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/duaia/backend/internal/models"
)

const musicSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "maxLength": 3000},
    "instrumental": {"type": "boolean"}
  }
}`

func writeSchema(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestValidateInput(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "generate-music.json", musicSchema)
	writeSchema(t, dir, "README.txt", "ignored")

	v, err := NewValidator(context.Background(), dir)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if !v.Has(models.OpGenerateMusic) {
		t.Fatal("expected generate-music schema")
	}

	tests := []struct {
		name    string
		kind    models.OperationKind
		input   string
		wantErr bool
	}{
		{"valid", models.OpGenerateMusic, `{"prompt":"lofi beats"}`, false},
		{"missing prompt", models.OpGenerateMusic, `{"instrumental":true}`, true},
		{"wrong type", models.OpGenerateMusic, `{"prompt":42}`, true},
		{"not json", models.OpGenerateMusic, `{prompt`, true},
		{"array", models.OpGenerateImage, `[1,2]`, true},
		{"no schema object", models.OpGenerateImage, `{"anything":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateInput(context.Background(), tt.kind, json.RawMessage(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("ValidateInput() err = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateInput() err = %v, want nil", err)
			}
		})
	}
}

func TestNewValidator_BadSchema(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "generate-music.json", `{"type": 12}`)
	if _, err := NewValidator(context.Background(), dir); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestNewValidator_MissingDir(t *testing.T) {
	if _, err := NewValidator(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestShippedSchemasCompile(t *testing.T) {
	v, err := NewValidator(context.Background(), filepath.Join("..", "..", "schemas"))
	if err != nil {
		t.Fatalf("shipped schemas: %v", err)
	}
	for _, k := range []models.OperationKind{models.OpGenerateMusic, models.OpGenerateVideo, models.OpSeparateVocals} {
		if !v.Has(k) {
			t.Errorf("missing shipped schema for %s", k)
		}
	}
}
