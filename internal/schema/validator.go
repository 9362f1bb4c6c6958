// Package schema provides structural validation of operation payloads.
// Every operation type owns one compiled JSON schema; validation is pure and
// never touches the network or storage.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// ErrUnknownOperation is returned for operation types without a schema.
var ErrUnknownOperation = errors.New("unknown operation type")

// FieldError names one offending field and what is wrong with it.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is a field-level payload rejection.
type ValidationError struct {
	Operation model.OperationType
	Fields    []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Operation, strings.Join(parts, "; "))
}

// Validator validates payloads against per-operation schemas.
type Validator struct {
	schemas map[model.OperationType]*gojsonschema.Schema
}

// NewValidator compiles the schema of every known operation type.
// It fails if any operation type lacks a schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[model.OperationType]*gojsonschema.Schema)}
	for op, doc := range definitions() {
		if err := v.loadSchema(op, doc); err != nil {
			return nil, err
		}
	}
	for _, op := range model.AllOperations() {
		if _, ok := v.schemas[op]; !ok {
			return nil, fmt.Errorf("no schema for operation %s", op)
		}
	}
	return v, nil
}

// loadSchema parses and compiles a JSON schema for one operation type.
func (v *Validator) loadSchema(op model.OperationType, schemaJSON string) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", op, err)
	}
	v.schemas[op] = compiled
	return nil
}

// Validate checks payload against the schema for op. Unknown operation
// types are rejected before the payload is inspected. An empty payload is
// treated as an empty object.
func (v *Validator) Validate(op model.OperationType, payload []byte) error {
	compiled, ok := v.schemas[op]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &ValidationError{Operation: op, Fields: []FieldError{{Field: "(body)", Message: "body is not valid JSON"}}}
	}
	if result.Valid() {
		return nil
	}

	fields := make([]FieldError, 0, len(result.Errors()))
	seen := map[FieldError]bool{}
	for _, desc := range result.Errors() {
		// if/then wrappers duplicate the inner error.
		if desc.Type() == "condition_then" || desc.Type() == "number_all_of" {
			continue
		}
		fe := FieldError{Field: fieldName(desc), Message: desc.Description()}
		if !seen[fe] {
			seen[fe] = true
			fields = append(fields, fe)
		}
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &ValidationError{Operation: op, Fields: fields}
}

// fieldName resolves the dotted path of the offending field. Missing
// required properties are reported on the property, not on its parent.
func fieldName(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if desc.Type() == "required" {
		if prop, ok := desc.Details()["property"].(string); ok {
			if field == "" || field == "(root)" {
				return prop
			}
			return field + "." + prop
		}
	}
	return field
}
