// Package team holds the Team data model: a named workspace an agent child
// process is spawned into, either a local directory or a remote SSH host.
package team

import (
	"fmt"
	"time"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/config"
)

// PermissionPolicy controls whether the agent is launched with a
// permission-prompt-tool callback wired in.
type PermissionPolicy string

const (
	PermissionAsk PermissionPolicy = "ask"
	PermissionYes PermissionPolicy = "yes"
	PermissionNo  PermissionPolicy = "no"
)

// Remote describes the SSH host a team's agent process runs on.
type Remote struct {
	Host           string
	User           string
	Port           int
	IdentityFile   string
	KnownHostsFile string
}

// Team is a configured workspace: a unique name plus everything needed to
// build the agent CLI command line for it.
type Team struct {
	Name             string
	Path             string
	Remote           *Remote
	ClaudePath       string
	PermissionPolicy PermissionPolicy
	DisallowedTools  []string
	IdleTimeout      time.Duration
	AllowHTTP        bool
	ReverseMCPPort   int
}

// IsRemote reports whether the team's agent runs over SSH rather than locally.
func (t *Team) IsRemote() bool {
	return t.Remote != nil
}

// FromConfig builds the set of configured Teams from loaded configuration,
// indexed by name.
func FromConfig(cfgs []config.TeamConfig) (map[string]*Team, error) {
	teams := make(map[string]*Team, len(cfgs))
	for _, c := range cfgs {
		if _, exists := teams[c.Name]; exists {
			return nil, fmt.Errorf("duplicate team %q", c.Name)
		}
		t := &Team{
			Name:             c.Name,
			Path:             c.Path,
			ClaudePath:       c.ClaudePath,
			PermissionPolicy: PermissionPolicy(c.PermissionPolicy),
			DisallowedTools:  c.DisallowedTools,
			IdleTimeout:      c.IdleTimeout(),
			AllowHTTP:        c.AllowHTTP,
			ReverseMCPPort:   c.ReverseMCPPort,
		}
		if t.ClaudePath == "" {
			t.ClaudePath = "claude"
		}
		if t.PermissionPolicy == "" {
			t.PermissionPolicy = PermissionAsk
		}
		if c.Remote != nil {
			t.Remote = &Remote{
				Host:           c.Remote.Host,
				User:           c.Remote.User,
				Port:           c.Remote.Port,
				IdentityFile:   c.Remote.IdentityFile,
				KnownHostsFile: c.Remote.KnownHostsFile,
			}
		}
		teams[c.Name] = t
	}
	return teams, nil
}
