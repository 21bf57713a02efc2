package transport

import (
	"strings"

	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

// Mode selects between headless (streaming JSON) and interactive (fork)
// invocation shapes.
type Mode string

const (
	ModeHeadless    Mode = "headless"
	ModeInteractive Mode = "interactive"
)

// Command is a fully-built invocation: executable, argv, and working
// directory, ready to be handed to a spawner.
type Command struct {
	Executable string
	Args       []string
	Cwd        string
}

// BuildOptions parameterizes command construction beyond what's on the Team
// itself (the resume id is per-session, not per-team).
type BuildOptions struct {
	SessionID      string
	Mode           Mode
	TestMode       bool // suppresses --resume so the agent mints its own session id
	ForkSession    bool
	MCPConfigPath  string
}

// BuildCommand constructs the agent CLI invocation per the external
// interface contract (§6): the executable and positional flags are derived
// from the team's configuration and the caller's build options.
func BuildCommand(t *team.Team, opts BuildOptions) Command {
	executable := t.ClaudePath
	if executable == "" {
		executable = "claude"
	}

	var args []string
	if opts.SessionID != "" && !opts.TestMode {
		args = append(args, "--resume", opts.SessionID)
	}
	args = append(args, "--debug")

	if opts.Mode == ModeInteractive {
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	} else {
		args = append(args,
			"--print",
			"--verbose",
			"--input-format", "stream-json",
			"--output-format", "stream-json",
		)
	}

	if len(t.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(t.DisallowedTools, ","))
	}

	if t.PermissionPolicy != team.PermissionNo {
		args = append(args, "--permission-prompt-tool", PermissionPromptTool(opts.SessionID))
	}

	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}

	return Command{
		Executable: executable,
		Args:       args,
		Cwd:        t.Path,
	}
}

// PermissionPromptTool returns the mcp tool-call name the agent must invoke
// for permission prompts, scoped to this session's reverse-MCP server name.
func PermissionPromptTool(sessionID string) string {
	return "mcp__" + MCPServerName(sessionID) + "__permissions__approve"
}

// MCPServerName is the name under which the reverse-MCP endpoint is
// registered in the generated mcp-config file, e.g. "iris-<sessionId>".
func MCPServerName(sessionID string) string {
	return "iris-" + sessionID
}
