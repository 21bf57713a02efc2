package mcpserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitSessionPath(t *testing.T) {
	cases := []struct {
		path        string
		wantSession string
		wantRest    string
	}{
		{"/mcp/sess-1", "sess-1", "/"},
		{"/mcp/sess-1/", "sess-1", "/"},
		{"/mcp/sess-1/message", "sess-1", "/message"},
		{"/mcp/", "", "/"},
		{"/other", "", "/"},
	}

	for _, c := range cases {
		sessionID, rest := splitSessionPath(c.path)
		require.Equal(t, c.wantSession, sessionID, "path %q", c.path)
		require.Equal(t, c.wantRest, rest, "path %q", c.path)
	}
}
