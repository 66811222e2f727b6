// Package schema merges and validates the JSON-schema contracts for
// environment inputs. A workflow's effective contract is the union of its own
// schema and the schemas of everything it transitively uses.
package schema

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/xeipuuv/gojsonschema"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
)

// FieldError is one failed validation rule.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Merge returns the union of schemas: properties are merged key-wise with the
// last contributor winning on a collision, and required lists are merged as a
// sorted set. Inputs are not modified. A nil or empty schema contributes
// nothing.
func Merge(schemas ...map[string]any) (map[string]any, error) {
	out := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	for _, s := range schemas {
		if len(s) == 0 {
			continue
		}
		overlay := map[string]any{}
		if props, ok := s["properties"].(map[string]any); ok && len(props) > 0 {
			// Collisions replace the whole property definition.
			merged := out["properties"].(map[string]any)
			for name := range props {
				delete(merged, name)
			}
			overlay["properties"] = clone(props)
		}
		if names := requiredNames(s); len(names) > 0 {
			req := make([]any, len(names))
			for i, n := range names {
				req[i] = n
			}
			overlay["required"] = req
		}
		if err := mergo.Merge(&out, overlay, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("failed to merge schemas: %w", err)
		}
	}

	names := requiredNames(out)
	sort.Strings(names)
	names = slices.Compact(names)
	if len(names) == 0 {
		delete(out, "required")
		return out, nil
	}
	req := make([]any, len(names))
	for i, n := range names {
		req[i] = n
	}
	out["required"] = req
	return out, nil
}

// requiredNames reads a required list as produced by JSON decoding
// ([]any) or by Go callers ([]string).
func requiredNames(s map[string]any) []string {
	switch req := s["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if name, ok := r.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = clone(val)
		}
		return out
	}
	return v
}

// Compile checks that schema is a usable JSON schema.
func Compile(schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema)); err != nil {
		return apperrors.Wrap(apperrors.CodeSchemaValidation, err, "invalid JSON schema")
	}
	return nil
}

// Validate checks values against schema. On failure the error message names
// every missing or invalid field and Details holds the []FieldError.
func Validate(schema map[string]any, values map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if values == nil {
		values = map[string]any{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(values))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSchemaValidation, err, "failed to validate environment input")
	}
	if result.Valid() {
		return nil
	}

	var fields []FieldError
	for _, desc := range result.Errors() {
		field := desc.Field()
		if desc.Type() == "required" {
			if prop, ok := desc.Details()["property"].(string); ok {
				field = prop
			}
		}
		fields = append(fields, FieldError{Field: field, Reason: desc.Description()})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })

	msgs := make([]string, len(fields))
	for i, f := range fields {
		msgs[i] = f.Field + ": " + f.Reason
	}
	return apperrors.New(apperrors.CodeSchemaValidation, "environment input is invalid: %s", strings.Join(msgs, "; ")).WithDetails(fields)
}

// FromReferences derives a schema requiring every referenced name as a
// string.
func FromReferences(names []string) map[string]any {
	props := make(map[string]any, len(names))
	req := make([]any, 0, len(names))
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, n := range sorted {
		if _, dup := props[n]; dup {
			continue
		}
		props[n] = map[string]any{"type": "string"}
		req = append(req, n)
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(req) > 0 {
		out["required"] = req
	}
	return out
}

// CheckDeclared verifies that every name referenced by code is declared in
// the schema's properties.
func CheckDeclared(schema map[string]any, names []string) error {
	props, _ := schema["properties"].(map[string]any)
	var missing []string
	for _, n := range names {
		if _, ok := props[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	fields := make([]FieldError, len(missing))
	for i, m := range missing {
		fields[i] = FieldError{Field: m, Reason: "referenced by code but not declared in the env input schema"}
	}
	return apperrors.New(apperrors.CodeSchemaValidation, "env input schema does not declare %s", strings.Join(missing, ", ")).WithDetails(fields)
}
