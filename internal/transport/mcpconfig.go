package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/portutil"
	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

// reverseMCPPortEnvVar is the env override named by §6's port-resolution
// order, ahead of the per-team and supervisor-wide defaults.
const reverseMCPPortEnvVar = "IRIS_HTTP_PORT"

// mcpServerEntry is one entry of the generated mcp-config "mcpServers" map.
type mcpServerEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type mcpConfigDoc struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// BuildMCPConfig renders the JSON document described in §6:
// {mcpServers: {"iris-<sessionId>": {type:"http", url: <base>/mcp/<sessionId>}}}.
// The advertised port follows §6's resolution order: an IRIS_HTTP_PORT env
// override, then the team's configured reverseMcpPort, then defaultPort
// (the supervisor-wide mcp.httpPort).
func BuildMCPConfig(t *team.Team, sessionID string, defaultPort int) ([]byte, error) {
	scheme := "https"
	if t.AllowHTTP {
		scheme = "http"
	}
	port := portutil.ResolveHTTPPort(reverseMCPPortEnvVar, t.ReverseMCPPort, defaultPort)
	base := fmt.Sprintf("%s://localhost:%d", scheme, port)
	doc := mcpConfigDoc{
		MCPServers: map[string]mcpServerEntry{
			MCPServerName(sessionID): {
				Type: "http",
				URL:  fmt.Sprintf("%s/mcp/%s", base, sessionID),
			},
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

// MCPConfigPath returns the on-disk (or remote-filesystem) path the config
// file is written to, relative to the team's workspace.
func MCPConfigPath(t *team.Team, sessionID string) string {
	return filepath.Join(t.Path, ".claude", "iris", "mcp", fmt.Sprintf("iris-mcp-%s.json", sessionID))
}

// configWriter abstracts writing and removing the per-session MCP config
// file, so the same Transport.spawn/terminate logic works for both local
// disk and the remote-over-SSH filesystem.
type configWriter interface {
	WriteFile(path string, data []byte) error
	Remove(path string) error
}

// localConfigWriter writes the MCP config file directly via the local
// filesystem.
type localConfigWriter struct{}

func (localConfigWriter) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (localConfigWriter) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
