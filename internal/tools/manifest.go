// Package tools executes backend-requested tool calls in sandboxed WASM
// modules. Each tool ships a yaml manifest next to its compiled module;
// the service discovers them under one directory and runs one module
// instance per call.
package tools

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes one installed tool.
type Manifest struct {
	Metadata Metadata    `yaml:"metadata"`
	Runtime  RuntimeSpec `yaml:"runtime"`
	Limits   Limits      `yaml:"limits,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode       string `yaml:"mode"`
	Module     string `yaml:"module"`
	Entrypoint string `yaml:"entrypoint"`
}

type Limits struct {
	TimeoutMS int `yaml:"timeout_ms,omitempty"`
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ValidateManifest ensures the manifest carries everything needed to run
// the tool.
func ValidateManifest(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return fmt.Errorf("runtime.entrypoint is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.Limits.TimeoutMS < 0 {
		return fmt.Errorf("limits.timeout_ms must not be negative")
	}
	return nil
}
