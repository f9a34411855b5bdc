package flow

import (
	"bytes"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://quotepipe.local/schemas/flow.json"

// definitionSchemaJSON describes the declarative flow source. Node type tags are not
// enumerated: unknown tags load and fail at runtime as integrity errors.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://quotepipe.local/schemas/flow.json",
  "type": "array",
  "minItems": 1,
  "items": { "$ref": "#/$defs/node" },
  "$defs": {
    "ref": {
      "oneOf": [
        { "type": "string" },
        { "type": "integer" },
        { "type": "null" }
      ]
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "oneOf": [
            { "type": "string", "minLength": 1 },
            { "type": "integer" }
          ]
        },
        "type": { "type": "string", "minLength": 1 },
        "content": { "type": "string" },
        "nextId": { "$ref": "#/$defs/ref" },
        "variableName": { "type": "string" },
        "options": {
          "type": "array",
          "items": { "$ref": "#/$defs/option" }
        }
      }
    },
    "option": {
      "type": "object",
      "required": ["text"],
      "properties": {
        "text": { "type": "string", "minLength": 1 },
        "saveAs": { "type": "string" },
        "value": { "type": "string" },
        "nextId": { "$ref": "#/$defs/ref" }
      }
    }
  }
}`

// schemaValidator checks definition sources against the embedded JSON Schema.
type schemaValidator struct {
	schema *jsonschema.Schema
}

func newSchemaValidator() (*schemaValidator, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return &schemaValidator{schema: compiled}, nil
}

// Validate checks raw definition bytes against the schema.
func (v *schemaValidator) Validate(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", ErrInvalidDefinition, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}
