package strategy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed canonical_schema.json
var canonicalSchemaJSON []byte

var (
	canonicalOnce   sync.Once
	canonicalSchema *jsonschema.Schema
)

func loadCanonicalSchema() {
	canonicalOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("canonical_schema.json", strings.NewReader(string(canonicalSchemaJSON))); err != nil {
			panic(fmt.Sprintf("strategy: add canonical schema: %v", err))
		}
		s, err := c.Compile("canonical_schema.json")
		if err != nil {
			panic(fmt.Sprintf("strategy: compile canonical schema: %v", err))
		}
		canonicalSchema = s
	})
}

// ValidateCanonical checks a compiled document against the canonical
// strategy-document schema. A failure here means the pipeline itself produced
// a malformed document and the job must not complete.
func ValidateCanonical(doc map[string]any) error {
	loadCanonicalSchema()

	// Round-trip through JSON so the validator sees pure JSON types rather
	// than whatever Go values the compiler assembled.
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := canonicalSchema.Validate(v); err != nil {
		return fmt.Errorf("canonical document validation: %w", err)
	}
	return nil
}
