package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/events/bus"
	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

// registerPermissionTool wires the single tool the spawned CLI is pointed at
// via --permission-prompt-tool mcp__iris-<sessionId>__permissions__approve.
// There is no interactive approval UI in scope (§1 Non-goals), so the
// decision is made from the team's configured policy alone; PERMISSION_*
// events are still published so a dashboard can observe the decision stream.
func registerPermissionTool(s *server.MCPServer, sessionID string, t *team.Team, events bus.Bus, log *logger.Logger) {
	tool := mcp.NewTool(
		"permissions__approve",
		mcp.WithDescription("Decide whether a tool call is permitted to run"),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Name of the tool the agent wants to invoke")),
		mcp.WithString("input", mcp.Description("JSON-encoded input the agent intends to pass the tool")),
	)

	s.AddTool(tool, permissionHandler(sessionID, t, events, log))
}

func permissionHandler(sessionID string, t *team.Team, events bus.Bus, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName, err := req.RequireString("tool_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		input := req.GetString("input", "")

		publish(ctx, events, bus.KindPermissionRequest, sessionID, map[string]interface{}{
			"team":     t.Name,
			"toolName": toolName,
			"input":    input,
		})

		allowed := t.PermissionPolicy != team.PermissionNo
		log.Debug("permission decision",
			zap.String("session_id", sessionID),
			zap.String("team", t.Name),
			zap.String("tool_name", toolName),
			zap.String("policy", string(t.PermissionPolicy)),
			zap.Bool("allowed", allowed),
		)

		publish(ctx, events, bus.KindPermissionResolved, sessionID, map[string]interface{}{
			"team":     t.Name,
			"toolName": toolName,
			"allowed":  allowed,
		})

		if !allowed {
			return mcp.NewToolResultText(`{"behavior":"deny","message":"denied by team policy"}`), nil
		}
		return mcp.NewToolResultText(`{"behavior":"allow"}`), nil
	}
}

func publish(ctx context.Context, events bus.Bus, kind, sessionID string, data map[string]interface{}) {
	if events == nil {
		return
	}
	data["sessionId"] = sessionID
	_ = events.Publish(ctx, kind, bus.NewEvent(kind, fmt.Sprintf("mcpserver:%s", sessionID), data))
}
