package transport

import (
	"context"
	"io"
)

// child abstracts over a spawned agent process, whether a local os/exec
// child or a remote one executed through an SSH session. The Transport FSM
// and framing logic in transport.go is written once against this interface;
// local.go and remote.go each provide the spawn mechanics.
type child interface {
	// Stdin returns the writer framed outbound messages are written to.
	Stdin() io.Writer
	// Stdout returns the reader inbound protocol lines are scanned from.
	Stdout() io.Reader
	// PID returns the local process id, or nil for a remote child.
	PID() *int
	// Wait blocks until the child exits, returning the exit error (nil on
	// a clean exit). Safe to call concurrently with Stop/Kill.
	Wait() error
	// Stop sends a graceful termination signal (SIGTERM-equivalent).
	Stop() error
	// Kill forcibly terminates the child (SIGKILL-equivalent).
	Kill() error
	// Close releases any transport-level resources (SSH session, pipes).
	Close() error
}

// spawner starts a child process for the given built command.
type spawner interface {
	Start(ctx context.Context, cmd Command) (child, error)
}
