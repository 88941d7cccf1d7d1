package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
servers:
  - name: files
    command: /usr/local/bin/files-server
    args: ["--root", "/srv/content"]
    env:
      FILES_LOG: info
  - name: search
    transport: sse
    url: http://localhost:9200/mcp
    headers:
      Authorization: Bearer abc
  - name: crm
    transport: streamable-http
    url: http://crm.internal/mcp
`)

	specs, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, "files", specs[0].Name)
	assert.Equal(t, TransportStdio, specs[0].Transport, "command implies stdio")
	assert.Equal(t, []string{"--root", "/srv/content"}, specs[0].Args)
	assert.Equal(t, "info", specs[0].Env["FILES_LOG"])

	assert.Equal(t, TransportSSE, specs[1].Transport)
	assert.Equal(t, "Bearer abc", specs[1].Headers["Authorization"])

	assert.Equal(t, TransportStreamableHTTP, specs[2].Transport)
}

func TestLoadManifest_DefaultsToSSEWithoutCommand(t *testing.T) {
	path := writeManifest(t, `
servers:
  - name: remote
    url: http://localhost:9000/mcp
`)

	specs, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, TransportSSE, specs[0].Transport)
}

func TestLoadManifest_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{
			name: "missing name",
			manifest: `
servers:
  - command: /bin/server
`,
			wantErr: "name is required",
		},
		{
			name: "stdio without command",
			manifest: `
servers:
  - name: broken
    transport: stdio
`,
			wantErr: "requires a command",
		},
		{
			name: "sse without url",
			manifest: `
servers:
  - name: broken
    transport: sse
`,
			wantErr: "requires a url",
		},
		{
			name: "unknown transport",
			manifest: `
servers:
  - name: broken
    transport: websocket
    url: http://localhost/mcp
`,
			wantErr: "unknown transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, tt.manifest)
			_, err := LoadManifest(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadManifest_MissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read tool manifest")
}

func TestLoadManifest_BadYAML(t *testing.T) {
	path := writeManifest(t, "servers: [not closed")
	_, err := LoadManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse tool manifest")
}

func TestLocalSpec(t *testing.T) {
	spec, err := LocalSpec("debug", "/srv/content")
	require.NoError(t, err)

	assert.Equal(t, "local", spec.Name)
	assert.Equal(t, TransportStdio, spec.Transport)
	assert.NotEmpty(t, spec.Command)
	assert.Equal(t, []string{LocalServerFlag}, spec.Args)
	assert.Equal(t, "debug", spec.Env["LOCAL_TOOLS_LOG_LEVEL"])
	assert.Equal(t, "/srv/content", spec.Env["LOCAL_TOOLS_CONTENT_ROOT"])
	require.NoError(t, spec.normalize(), "the produced spec must pass manifest validation")
}
