// Package tools orchestrates the MCP tool servers the engine can call.
package tools

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Transport constants for ServerSpec.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// ServerSpec describes one tool server to register.
type ServerSpec struct {
	// Name identifies the server in logs and shutdown.
	Name string `yaml:"name"`
	// Transport is stdio, sse, or streamable-http. Defaults to stdio when
	// Command is set, sse otherwise.
	Transport string `yaml:"transport"`

	// Stdio transport: subprocess to spawn.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// Remote transports.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// manifest is the YAML shape of the tool-server manifest file.
type manifest struct {
	Servers []ServerSpec `yaml:"servers"`
}

// normalize fills transport defaults and rejects inconsistent specs.
func (s *ServerSpec) normalize() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}

	if s.Transport == "" {
		if s.Command != "" {
			s.Transport = TransportStdio
		} else {
			s.Transport = TransportSSE
		}
	}

	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", s.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if s.URL == "" {
			return fmt.Errorf("server %s: %s transport requires a url", s.Name, s.Transport)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", s.Name, s.Transport)
	}

	return nil
}

// LoadManifest parses a YAML tool-server manifest.
func LoadManifest(path string) ([]ServerSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse tool manifest: %w", err)
	}

	for i := range m.Servers {
		if err := m.Servers[i].normalize(); err != nil {
			return nil, err
		}
	}

	return m.Servers, nil
}
