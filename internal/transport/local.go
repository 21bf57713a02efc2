package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
)

// localSpawner starts the agent CLI as a direct child process via os/exec.
type localSpawner struct {
	logger *logger.Logger
}

func newLocalSpawner(log *logger.Logger) *localSpawner {
	return &localSpawner{logger: log}
}

func (s *localSpawner) Start(ctx context.Context, cmd Command) (child, error) {
	c := exec.Command(cmd.Executable, cmd.Args...)
	c.Dir = cmd.Cwd
	c.Env = os.Environ()
	c.SysProcAttr = buildSysProcAttr()

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("local spawn: stdin pipe: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("local spawn: stdout pipe: %w", err)
	}
	c.Stderr = nil

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("local spawn: start: %w", err)
	}

	pid := c.Process.Pid
	lc := &localChild{
		cmd:    c,
		stdin:  stdin,
		stdout: stdout,
		pid:    &pid,
		exited: make(chan struct{}),
		logger: s.logger,
	}
	go func() {
		lc.waitErr = c.Wait()
		close(lc.exited)
	}()
	return lc, nil
}

// localChild wraps an *exec.Cmd as a child. Wait is safe to call from
// multiple goroutines concurrently (Transport's read loop and its
// terminate path both observe the same exit).
type localChild struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	pid     *int
	exited  chan struct{}
	waitErr error
	logger  *logger.Logger
}

func (c *localChild) Stdin() io.Writer  { return c.stdin }
func (c *localChild) Stdout() io.Reader { return c.stdout }
func (c *localChild) PID() *int         { return c.pid }

func (c *localChild) Wait() error {
	<-c.exited
	return c.waitErr
}

func (c *localChild) Stop() error {
	return gracefulStop(*c.pid)
}

func (c *localChild) Kill() error {
	return forceKill(*c.pid)
}

func (c *localChild) Close() error {
	_ = c.stdin.Close()
	return c.stdout.Close()
}
