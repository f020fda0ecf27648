package nexasync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultMessageSchemas are the payload schemas for the message kinds
// the chat client sends.
var DefaultMessageSchemas = map[string]string{
	"text": `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string", "minLength": 1, "maxLength": 4000}
		}
	}`,
	"image": `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"width": {"type": "integer", "minimum": 0},
			"height": {"type": "integer", "minimum": 0},
			"caption": {"type": "string", "maxLength": 1000}
		}
	}`,
	"file": `{
		"type": "object",
		"required": ["url", "name"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"size": {"type": "integer", "minimum": 0}
		}
	}`,
	"location": `{
		"type": "object",
		"required": ["lat", "lng"],
		"properties": {
			"lat": {"type": "number", "minimum": -90, "maximum": 90},
			"lng": {"type": "number", "minimum": -180, "maximum": 180}
		}
	}`,
}

// PayloadValidator checks message payloads against a JSON schema per
// message kind before anything is queued or sent.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewPayloadValidator compiles one schema per kind. A nil map uses
// DefaultMessageSchemas.
func NewPayloadValidator(schemas map[string]string) (*PayloadValidator, error) {
	if schemas == nil {
		schemas = DefaultMessageSchemas
	}
	c := jsonschema.NewCompiler()
	kinds := make([]string, 0, len(schemas))
	for kind, src := range schemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", kind, err)
		}
		if err := c.AddResource(schemaURL(kind), doc); err != nil {
			return nil, fmt.Errorf("schema %q: %w", kind, err)
		}
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	v := &PayloadValidator{schemas: make(map[string]*jsonschema.Schema, len(kinds))}
	for _, kind := range kinds {
		sch, err := c.Compile(schemaURL(kind))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", kind, err)
		}
		v.schemas[kind] = sch
	}
	return v, nil
}

func schemaURL(kind string) string { return "nexasync://messages/" + kind + ".json" }

// Validate returns ErrUnsupportedFormat for a kind without a schema and
// ErrValidation when the payload does not satisfy its schema.
func (v *PayloadValidator) Validate(kind string, payload json.RawMessage) error {
	sch, ok := v.schemas[kind]
	if !ok {
		return &Error{Kind: KindUnsupportedFormat, Op: "validate", Message: fmt.Sprintf("unknown message kind %q", kind)}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return validationError("validate", "payload is not JSON: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return &Error{Kind: KindValidation, Op: "validate", Message: kind + " payload rejected", Err: err}
	}
	return nil
}

// Kinds lists the kinds with a schema.
func (v *PayloadValidator) Kinds() []string {
	kinds := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
