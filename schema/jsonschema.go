package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/glimte/amqp-connector-go/contracts"
)

const resourceURL = "envelope.schema.json"

// JSONSchema validates envelope documents against a compiled JSON Schema
type JSONSchema struct {
	schema *jsonschema.Schema
	source string
}

// Compile parses a JSON Schema document. Drafts 4 to 2020-12 are accepted;
// documents without $schema are treated as draft 2020-12.
func Compile(document string) (*JSONSchema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(resourceURL, strings.NewReader(document)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	s, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &JSONSchema{schema: s, source: document}, nil
}

// MustCompile is like Compile but panics on error
func MustCompile(document string) *JSONSchema {
	s, err := Compile(document)
	if err != nil {
		panic(err)
	}
	return s
}

// Source returns the schema document
func (s *JSONSchema) Source() string {
	return s.source
}

// Validate implements Validator
func (s *JSONSchema) Validate(env *contracts.Envelope) error {
	doc, err := env.Document()
	if err != nil {
		return &ValidationError{Violations: []Violation{{Message: err.Error(), Code: "document"}}, cause: err}
	}

	err = s.schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Violations: []Violation{{Message: err.Error()}}, cause: err}
	}
	return &ValidationError{Violations: collectViolations(verr), cause: err}
}

// collectViolations flattens the leaves of a jsonschema error tree
func collectViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		return []Violation{{
			Field:   verr.InstanceLocation,
			Message: verr.Message,
			Code:    keyword(verr.KeywordLocation),
		}}
	}
	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func keyword(location string) string {
	if i := strings.LastIndex(location, "/"); i >= 0 {
		return location[i+1:]
	}
	return location
}
