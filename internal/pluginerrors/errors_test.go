package pluginerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NotLoadedError("transcriber")
	assert.Equal(t, "plugin:not_loaded: transcriber: plugin is not loaded", err.Error())

	bare := ManifestError("missing name field", nil)
	assert.Equal(t, "plugin:manifest_invalid: missing name field", bare.Error())
}

func TestIsMatchesCode(t *testing.T) {
	err := SpawnError("vad", "handshake failed", fmt.Errorf("boom"))
	assert.True(t, Is(err, CodeSpawn))
	assert.False(t, Is(err, CodeTimeout))

	wrapped := fmt.Errorf("load_plugin: %w", err)
	assert.True(t, Is(wrapped, CodeSpawn))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("exit status 1")
	err := SpawnError("vad", "child exited", cause)
	assert.ErrorIs(t, err, cause)
}
