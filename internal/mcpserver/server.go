// Package mcpserver implements the reverse-MCP endpoint the spawned agent
// CLI is pointed at via --mcp-config (§6): one Streamable HTTP server per
// live session, mounted at /mcp/<sessionId>, exposing the single tool named
// by --permission-prompt-tool.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/events/bus"
	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

// Router owns the shared HTTP listener and mounts/unmounts one MCP server
// per session as transports spawn and terminate.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]http.Handler

	mux        *http.ServeMux
	httpServer *http.Server
	events     bus.Bus
	log        *logger.Logger
}

// New builds an unstarted Router listening on port once Start is called.
func New(events bus.Bus, log *logger.Logger) *Router {
	mux := http.NewServeMux()
	r := &Router{
		sessions: make(map[string]http.Handler),
		mux:      mux,
		events:   events,
		log:      log,
	}
	mux.HandleFunc("/mcp/", r.dispatch)
	return r
}

// Start listens on port in the background; it returns once the listener is
// bound so callers can safely build MCP config files referencing the port.
func (r *Router) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcpserver: listen on %s: %w", addr, err)
	}

	r.httpServer = &http.Server{Handler: r.mux}

	go func() {
		if err := r.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.log.Error("mcp server error", zap.Error(err))
		}
	}()

	r.log.Info("mcp server listening", zap.Int("port", port))
	return nil
}

// Stop gracefully shuts the HTTP listener down.
func (r *Router) Stop(ctx context.Context) error {
	if r.httpServer == nil {
		return nil
	}
	return r.httpServer.Shutdown(ctx)
}

// RegisterSession mounts a fresh MCP server for sessionId, registering the
// permission-prompt tool under the team's policy. Called by the Pool right
// before a transport spawns.
func (r *Router) RegisterSession(sessionID string, t *team.Team) {
	mcpServer := server.NewMCPServer(
		fmt.Sprintf("iris-%s", sessionID),
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerPermissionTool(mcpServer, sessionID, t, r.events, r.log)

	handler := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/"))

	r.mu.Lock()
	r.sessions[sessionID] = handler
	r.mu.Unlock()
}

// UnregisterSession removes a session's MCP server, called on best-effort
// cleanup alongside the transport's MCP config file removal (§5 "Resource
// leakage").
func (r *Router) UnregisterSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	sessionID, rest := splitSessionPath(req.URL.Path)

	r.mu.RLock()
	handler, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		http.NotFound(w, req)
		return
	}

	req.URL.Path = rest
	handler.ServeHTTP(w, req)
}

// splitSessionPath splits "/mcp/<sessionId>[/rest]" into (sessionId, "/rest").
// It returns ("", "/") for anything not under the "/mcp/" prefix.
func splitSessionPath(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")

	rest, ok := strings.CutPrefix(trimmed, "mcp/")
	if !ok {
		return "", "/"
	}

	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i:]
	}
	return rest, "/"
}
