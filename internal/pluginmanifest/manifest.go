// Package pluginmanifest implements the Manifest Registry: discovery,
// parsing, and validation of on-disk plugin manifests. It owns the set
// of discovered-but-not-yet-loaded plugins and nothing else — spawning
// and execution belong to internal/pluginhost and internal/pluginmanager.
package pluginmanifest

import (
	"fmt"
)

// EntryPoint describes how the host launches a plugin's child process:
// an executable (or interpreter) plus its arguments.
type EntryPoint struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Meta is the immutable, validated description of one discovered
// plugin — PluginMeta in the data model.
type Meta struct {
	Name          string         `yaml:"name" json:"name"`
	Version       string         `yaml:"version" json:"version"`
	EntryPoint    EntryPoint     `yaml:"entry_point" json:"entry_point"`
	ConfigSchema  map[string]any `yaml:"config_schema,omitempty" json:"config_schema,omitempty"`
	ResourceClass string         `yaml:"resource_class,omitempty" json:"resource_class,omitempty"`
	Capabilities  []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	DBPath        string         `yaml:"db_path,omitempty" json:"db_path,omitempty"`

	// SourcePath records where the manifest was read from, for
	// diagnostics only; not part of the wire contract.
	SourcePath string `yaml:"-" json:"-"`
}

// HasCapability reports whether the plugin declared the given
// capability string (e.g. "streaming", "system_monitor").
func (m Meta) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func validate(m Meta) error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing required field %q", "name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest missing required field %q", "version")
	}
	if m.EntryPoint.Command == "" {
		return fmt.Errorf("manifest missing required field %q", "entry_point.command")
	}
	return nil
}
