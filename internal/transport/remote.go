package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	iristeam "github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

// resolveSSHAlias fills in whatever desc leaves blank from the user's
// ~/.ssh/config (and the system ssh_config), so a team can name a Host
// alias instead of repeating hostname/user/port/identity file.
func resolveSSHAlias(desc *iristeam.Remote) *iristeam.Remote {
	resolved := *desc

	if hostName, err := ssh_config.Get(desc.Host, "HostName"); err == nil && hostName != "" {
		resolved.Host = hostName
	}
	if resolved.User == "" {
		if user, err := ssh_config.Get(desc.Host, "User"); err == nil && user != "" {
			resolved.User = user
		}
	}
	if resolved.Port == 0 {
		if portStr, err := ssh_config.Get(desc.Host, "Port"); err == nil && portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil {
				resolved.Port = port
			}
		}
	}
	if resolved.IdentityFile == "" {
		if identity, err := ssh_config.Get(desc.Host, "IdentityFile"); err == nil && identity != "" {
			resolved.IdentityFile = identity
		}
	}

	return &resolved
}

// remoteSpawner starts the agent CLI through an SSH session on the team's
// configured host. It produces the same stdio dialect as the local
// spawner; Start shell-quotes the built command (remoteCommandLine) so the
// remote user's shell runs it unchanged.
type remoteSpawner struct {
	desc   *iristeam.Remote
	logger *logger.Logger
}

func newRemoteSpawner(desc *iristeam.Remote, log *logger.Logger) *remoteSpawner {
	return &remoteSpawner{desc: desc, logger: log}
}

func (s *remoteSpawner) dial() (*ssh.Client, error) {
	warn := func(msg string) {
		if s.logger != nil {
			s.logger.Warn(msg)
		}
	}
	return dialSSH(s.desc, warn)
}

// dialSSH opens an SSH connection to a team's remote host using its
// identity file for auth, with an optional known_hosts check. warn is
// called (if non-nil) when a known_hosts file is configured but unusable.
func dialSSH(desc *iristeam.Remote, warn func(string)) (*ssh.Client, error) {
	desc = resolveSSHAlias(desc)

	authMethods, err := remoteAuthMethods(desc)
	if err != nil {
		return nil, err
	}

	port := desc.Port
	if port == 0 {
		port = 22
	}

	config := &ssh.ClientConfig{
		User:            desc.User,
		Auth:            authMethods,
		HostKeyCallback: remoteHostKeyCallback(desc, warn),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(desc.Host, fmt.Sprintf("%d", port))
	return ssh.Dial("tcp", addr, config)
}

func remoteAuthMethods(desc *iristeam.Remote) ([]ssh.AuthMethod, error) {
	if desc.IdentityFile == "" {
		return nil, fmt.Errorf("remote team %s: identityFile not configured", desc.Host)
	}
	key, err := os.ReadFile(desc.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func remoteHostKeyCallback(desc *iristeam.Remote, warn func(string)) ssh.HostKeyCallback {
	if desc.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	cb, err := knownHostsCallback(desc.KnownHostsFile)
	if err != nil {
		if warn != nil {
			warn("falling back to insecure host key check: " + err.Error())
		}
		return ssh.InsecureIgnoreHostKey()
	}
	return cb
}

func (s *remoteSpawner) Start(ctx context.Context, cmd Command) (child, error) {
	conn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("remote spawn: dial: %w", err)
	}

	session, err := conn.NewSession()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("remote spawn: new session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("remote spawn: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("remote spawn: stdout pipe: %w", err)
	}

	line := remoteCommandLine(cmd)
	if err := session.Start(line); err != nil {
		_ = session.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("remote spawn: start: %w", err)
	}

	rc := &remoteChild{
		conn:    conn,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		exited:  make(chan struct{}),
	}
	go func() {
		rc.waitErr = session.Wait()
		close(rc.exited)
	}()
	return rc, nil
}

// remoteChild wraps an SSH session as a child. The remote variant has no
// local pid (§4.3). Wait is safe to call from multiple goroutines
// concurrently (Transport's read loop and its terminate path both observe
// the same exit).
type remoteChild struct {
	conn    *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	exited  chan struct{}
	waitErr error
}

func (c *remoteChild) Stdin() io.Writer  { return c.stdin }
func (c *remoteChild) Stdout() io.Reader { return c.stdout }
func (c *remoteChild) PID() *int         { return nil }

func (c *remoteChild) Wait() error {
	<-c.exited
	return c.waitErr
}

func (c *remoteChild) Stop() error {
	return c.session.Signal(ssh.SIGTERM)
}

func (c *remoteChild) Kill() error {
	if err := c.session.Signal(ssh.SIGKILL); err != nil {
		return c.session.Close()
	}
	return nil
}

func (c *remoteChild) Close() error {
	_ = c.stdin.Close()
	_ = c.session.Close()
	return c.conn.Close()
}

// remoteCommandLine shell-quotes the built command for execution through an
// SSH session, which runs it via the remote user's shell.
func remoteCommandLine(cmd Command) string {
	line := shellQuote(cmd.Executable)
	for _, a := range cmd.Args {
		line += " " + shellQuote(a)
	}
	if cmd.Cwd != "" {
		line = "cd " + shellQuote(cmd.Cwd) + " && " + line
	}
	return line
}

func shellQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
