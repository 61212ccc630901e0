// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema used both to constrain the
// runtime's decoding and to validate what actually came back.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileSchema parses and compiles a JSON Schema document.
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}

// MustSchema compiles a schema literal, panicking on error. For
// package-level schema variables only.
func MustSchema(raw string) *Schema {
	s, err := CompileSchema(json.RawMessage(raw))
	if err != nil {
		panic(fmt.Sprintf("gateway: invalid schema literal: %v", err))
	}
	return s
}

// JSON returns the schema document for the runtime's format field.
func (s *Schema) JSON() json.RawMessage {
	return s.raw
}

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(doc any) error {
	return s.compiled.Validate(doc)
}

// ValidateJSON decodes raw JSON and checks it against the schema.
func (s *Schema) ValidateJSON(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return s.compiled.Validate(doc)
}
