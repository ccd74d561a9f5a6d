package upload

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"github.com/JakeFAU/navtrack/internal/track"
)

// Skip reasons written to api-skip entries.
const (
	ReasonEmptyLedger    = "empty_ledger"
	ReasonInvalidLedger  = "invalid_ledger"
	ReasonAlreadyClaimed = "already_claimed"
)

//go:embed session.schema.json
var sessionSchema []byte

// Validator checks a session against the embedded ledger schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(sessionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile session schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Check returns an empty reason when the session can be uploaded, otherwise
// a skip reason and a detail message.
func (v *Validator) Check(s track.Session) (string, string) {
	if len(s.Records) == 0 {
		return ReasonEmptyLedger, "no navigation records"
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ReasonInvalidLedger, err.Error()
	}
	result := v.schema.ValidateJSON(data)
	if result.IsValid() {
		return "", ""
	}
	return ReasonInvalidLedger, fmt.Sprintf("schema validation failed: %v", result.Errors)
}
