// Package schema validates plugin configuration maps against the
// JSON-Schema subset the spec's external interfaces section defines:
// type, properties, required, additionalProperties, and per-property
// default. Full schema validation (type checks, required checks,
// additionalProperties=false) is delegated to gojsonschema; default
// fill-in is this package's own small addition, since gojsonschema has
// no opinion on mutating the input document.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Validator wraps one compiled config_schema document.
type Validator struct {
	raw    map[string]any
	schema *gojsonschema.Schema
}

// Compile parses a config_schema map (as found on PluginMeta) into a
// reusable Validator. A nil or empty schema compiles to a Validator
// that accepts anything.
func Compile(rawSchema map[string]any) (*Validator, error) {
	if len(rawSchema) == 0 {
		return &Validator{raw: map[string]any{}}, nil
	}
	loader := gojsonschema.NewGoLoader(rawSchema)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &Validator{raw: rawSchema, schema: compiled}, nil
}

// WithDefaults returns a copy of config with every schema property that
// declares a "default" and is absent from config filled in. It does not
// validate; call Validate separately (or ValidateWithDefaults) to check
// the result.
func (v *Validator) WithDefaults(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, val := range config {
		out[k] = val
	}
	props, _ := v.raw["properties"].(map[string]any)
	for name, rawProp := range props {
		prop, ok := rawProp.(map[string]any)
		if !ok {
			continue
		}
		if _, present := out[name]; present {
			continue
		}
		if def, hasDefault := prop["default"]; hasDefault {
			out[name] = def
		}
	}
	return out
}

// Validate reports whether config satisfies the schema, returning a
// human-readable message on the first violation (or an aggregate of
// all violations) when it does not.
func (v *Validator) Validate(config map[string]any) (bool, string) {
	if v.schema == nil {
		return true, ""
	}
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return false, err.Error()
	}
	if result.Valid() {
		return true, ""
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return false, fmt.Sprintf("%v", msgs)
}

// ValidateWithDefaults fills in defaults then validates, returning the
// merged map alongside the validation verdict — the combination
// load_plugin and update_plugin_config both need.
func (v *Validator) ValidateWithDefaults(config map[string]any) (map[string]any, bool, string) {
	merged := v.WithDefaults(config)
	ok, msg := v.Validate(merged)
	return merged, ok, msg
}
