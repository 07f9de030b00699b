package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Generator derives JSON Schema documents from Go types
type Generator struct {
	// Types currently being expanded, used to break recursive definitions
	visiting map[reflect.Type]bool
}

// NewGenerator creates a new schema generator
func NewGenerator() *Generator {
	return &Generator{visiting: make(map[reflect.Type]bool)}
}

// Generate returns the schema of the JSON encoding of v's type
func (g *Generator) Generate(v interface{}) (json.RawMessage, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("cannot generate a schema for nil")
	}
	g.visiting = make(map[reflect.Type]bool)

	schema := g.generateSchema(t)
	schema["$schema"] = "https://json-schema.org/draft/2020-12/schema"
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() != "" {
		schema["title"] = t.Name()
	}
	return json.Marshal(schema)
}

// ForContent compiles a validator that requires the envelope content to
// match the JSON encoding of v's type.
func ForContent(v interface{}) (*JSONSchema, error) {
	content, err := NewGenerator().Generate(v)
	if err != nil {
		return nil, err
	}
	var contentSchema map[string]interface{}
	if err := json.Unmarshal(content, &contentSchema); err != nil {
		return nil, err
	}
	delete(contentSchema, "$schema")

	document, err := json.Marshal(map[string]interface{}{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"required":   []string{"content"},
		"properties": map[string]interface{}{"content": contentSchema},
	})
	if err != nil {
		return nil, err
	}
	return Compile(string(document))
}

func (g *Generator) generateSchema(t reflect.Type) map[string]interface{} {
	nullable := false
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
		nullable = true
	}

	schema := g.typeSchema(t)
	if nullable {
		if typ, ok := schema["type"].(string); ok {
			schema["type"] = []string{typ, "null"}
		}
	}
	return schema
}

func (g *Generator) typeSchema(t reflect.Type) map[string]interface{} {
	switch t.Kind() {
	case reflect.String:
		return map[string]interface{}{"type": "string"}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return map[string]interface{}{"type": "integer"}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]interface{}{"type": "integer", "minimum": 0}

	case reflect.Float32, reflect.Float64:
		return map[string]interface{}{"type": "number"}

	case reflect.Bool:
		return map[string]interface{}{"type": "boolean"}

	case reflect.Slice, reflect.Array:
		// []byte is encoded as a base64 string
		if t.Elem().Kind() == reflect.Uint8 {
			return map[string]interface{}{"type": "string", "contentEncoding": "base64"}
		}
		return map[string]interface{}{
			"type":  []string{"array", "null"},
			"items": g.generateSchema(t.Elem()),
		}

	case reflect.Map:
		return map[string]interface{}{
			"type":                 []string{"object", "null"},
			"additionalProperties": g.generateSchema(t.Elem()),
		}

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return map[string]interface{}{"type": "string", "format": "date-time"}
		}
		if g.visiting[t] {
			// recursive reference, accept anything
			return map[string]interface{}{}
		}
		g.visiting[t] = true
		defer delete(g.visiting, t)
		return g.structSchema(t)

	default:
		// interfaces and anything else accept any value
		return map[string]interface{}{}
	}
}

func (g *Generator) structSchema(t reflect.Type) map[string]interface{} {
	properties := make(map[string]interface{})
	required := make([]string, 0)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		omitempty := false
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, part := range parts[1:] {
				if part == "omitempty" {
					omitempty = true
				}
			}
		}

		fieldSchema := g.generateSchema(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			fieldSchema["description"] = desc
		}
		properties[name] = fieldSchema

		if !omitempty && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
