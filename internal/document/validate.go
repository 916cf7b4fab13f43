package document

import (
	"bytes"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const validatorResourceURL = "statelink://document-schema.json"

// Validator wraps a compiled JSON schema used to verify restored
// documents beyond the basic object check.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator(schemaJSON []byte) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(validatorResourceURL, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(validatorResourceURL)
	if err != nil {
		return nil, err
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(value any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	if err := v.schema.Validate(value); err != nil {
		return &ValidationError{Reason: "schema validation failed", Err: err}
	}
	return nil
}
