package formatter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/satbridge/errors"
)

// Descriptor binds a formatter name to a codec implementation.
// Descriptors are stored as JSON blobs, one per formatter, keyed by
// lowercased formatter name.
type Descriptor struct {
	Name    string          `json:"name"`
	Codec   string          `json:"codec"`
	Version string          `json:"version,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

// descriptorSchema validates descriptor documents before compilation
const descriptorSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "codec"],
	"properties": {
		"name": {
			"type": "string",
			"minLength": 1,
			"pattern": "^[a-zA-Z0-9_-]+$"
		},
		"codec": {
			"type": "string",
			"minLength": 1
		},
		"version": {
			"type": "string"
		},
		"options": {
			"type": "object"
		}
	},
	"additionalProperties": false
}`

var compiledDescriptorSchema = gojsonschema.NewStringLoader(descriptorSchema)

// ParseDescriptor validates and parses a descriptor document.
// Any validation failure is a compile error: the blob exists but
// cannot produce a working formatter.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	result, err := gojsonschema.Validate(compiledDescriptorSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrFormatterCompile, err),
			"Descriptor", "ParseDescriptor", "schema validation")
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrFormatterCompile, strings.Join(issues, "; ")),
			"Descriptor", "ParseDescriptor", "schema validation")
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrFormatterCompile, err),
			"Descriptor", "ParseDescriptor", "descriptor parsing")
	}
	return &d, nil
}
