// Package schema checks stage content for structural completeness before it
// is sent out for quality scoring. Each stage carries an embedded JSON
// schema naming the sections it cannot do without; substantive sections must
// carry a non-empty body or item list, comments are accepted as-is.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/stage"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator holds the compiled per-stage schemas. Compile once at startup,
// validate from any goroutine.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(stage.Order))

	for _, stageID := range stage.Order {
		name := stageID + ".json"
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("missing schema for stage %s: %w", stageID, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing schema for stage %s: %w", stageID, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("registering schema for stage %s: %w", stageID, err)
		}
		compiled, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compiling schema for stage %s: %w", stageID, err)
		}
		schemas[stageID] = compiled
	}

	return &Validator{schemas: schemas}, nil
}

// ValidateContent reports whether the content satisfies the stage's
// structural schema. Failures come back wrapped in ErrInvalidInput so the
// API layer can map them to a 400.
func (v *Validator) ValidateContent(stageID string, content *models.StageContent) error {
	compiled, ok := v.schemas[stageID]
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", perrors.ErrInvalidInput, stageID)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encoding %s content: %w", stageID, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decoding %s content: %w", stageID, err)
	}

	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s content incomplete: %v", perrors.ErrInvalidInput, stageID, err)
	}
	return nil
}
