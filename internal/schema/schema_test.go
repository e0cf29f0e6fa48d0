package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"preserve_newlines": map[string]any{"type": "boolean", "default": true},
			"model":             map[string]any{"type": "string"},
		},
		"required":             []any{"model"},
		"additionalProperties": false,
	}
}

func TestValidateWithDefaultsFillsDefaults(t *testing.T) {
	v, err := Compile(sampleSchema())
	require.NoError(t, err)

	merged, ok, msg := v.ValidateWithDefaults(map[string]any{"model": "base"})
	require.True(t, ok, msg)
	require.Equal(t, true, merged["preserve_newlines"])
	require.Equal(t, "base", merged["model"])
}

func TestValidateRejectsWrongType(t *testing.T) {
	v, err := Compile(sampleSchema())
	require.NoError(t, err)

	_, ok, msg := v.ValidateWithDefaults(map[string]any{"model": "base", "preserve_newlines": "yes"})
	require.False(t, ok)
	require.NotEmpty(t, msg)
}

func TestValidateRejectsUnknownPropertyWhenAdditionalPropertiesFalse(t *testing.T) {
	v, err := Compile(sampleSchema())
	require.NoError(t, err)

	_, ok, _ := v.ValidateWithDefaults(map[string]any{"model": "base", "unexpected": 1})
	require.False(t, ok)
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	v, err := Compile(sampleSchema())
	require.NoError(t, err)

	_, ok, _ := v.ValidateWithDefaults(map[string]any{})
	require.False(t, ok)
}

func TestEmptySchemaAcceptsAnything(t *testing.T) {
	v, err := Compile(nil)
	require.NoError(t, err)

	_, ok, _ := v.ValidateWithDefaults(map[string]any{"anything": "goes"})
	require.True(t, ok)
}
