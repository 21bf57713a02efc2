package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jenova-marie/iris-mcp-sub002/internal/cache"
	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

// fakeChild is an in-process stand-in for a spawned agent, driven entirely
// over pipes so transport tests never exec a real binary.
type fakeChild struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu       sync.Mutex
	stopped  bool
	exited   chan struct{}
	waitErr  error
}

func newFakeChild() *fakeChild {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeChild{
		stdinR:  inR,
		stdinW:  inW,
		stdoutR: outR,
		stdoutW: outW,
		exited:  make(chan struct{}),
	}
}

func (c *fakeChild) Stdin() io.Writer  { return c.stdinW }
func (c *fakeChild) Stdout() io.Reader { return c.stdoutR }
func (c *fakeChild) PID() *int         { pid := 4242; return &pid }

func (c *fakeChild) writeLine(v any) {
	data, _ := json.Marshal(v)
	data = append(data, '\n')
	_, _ = c.stdoutW.Write(data)
}

func (c *fakeChild) Wait() error {
	<-c.exited
	return c.waitErr
}

func (c *fakeChild) exit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.exited:
		return
	default:
	}
	c.waitErr = err
	close(c.exited)
}

func (c *fakeChild) Stop() error {
	c.exit(nil)
	return nil
}

func (c *fakeChild) Kill() error {
	c.exit(nil)
	return nil
}

func (c *fakeChild) Close() error {
	_ = c.stdinW.Close()
	_ = c.stdoutW.Close()
	return nil
}

// fakeSpawner hands back a single pre-built fakeChild, capturing the
// command it was asked to build for assertions.
type fakeSpawner struct {
	mu      sync.Mutex
	child   *fakeChild
	lastCmd Command
}

func (s *fakeSpawner) Start(ctx context.Context, cmd Command) (child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCmd = cmd
	return s.child, nil
}

type noopConfigWriter struct{}

func (noopConfigWriter) WriteFile(string, []byte) error { return nil }
func (noopConfigWriter) Remove(string) error             { return nil }

func testTransport(t *testing.T, fc *fakeChild) (*Transport, *fakeSpawner) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	tm := &team.Team{Name: "t1", Path: "/tmp/t1", ClaudePath: "claude", PermissionPolicy: team.PermissionNo}
	tr := &Transport{
		team:   tm,
		log:    log,
		status: cache.NewSignal(StateStopped),
		writer: noopConfigWriter{},
	}
	sp := &fakeSpawner{child: fc}
	tr.spawn = sp
	return tr, sp
}

// drainPing consumes the ping frame Spawn writes to stdin, which would
// otherwise block on the unbuffered pipe.
func drainPing(fc *fakeChild) {
	buf := make([]byte, 4096)
	_, _ = fc.stdinR.Read(buf)
}

// answerPing plays the agent's side of warm-up: it consumes the ping, then
// emits system/init and the ping's result, which together move the
// Transport to READY.
func answerPing(fc *fakeChild) {
	drainPing(fc)
	fc.writeLine(map[string]any{"type": "system", "subtype": "init", "session_id": "sess-1"})
	fc.writeLine(map[string]any{"type": "result", "result": map[string]any{"text": "pong"}})
}

func TestTransportSpawnTransitionsToReadyOnInitAndResult(t *testing.T) {
	fc := newFakeChild()
	tr, _ := testTransport(t, fc)

	spawnEntry := newTestEntry(cache.KindSpawn, "")

	go answerPing(fc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Spawn(ctx, "sess-1", spawnEntry, 9191, true)
	require.NoError(t, err)
	require.Equal(t, StateReady, tr.Status().Get())
}

func TestTransportSpawnErrorsOnChildExitBeforeInit(t *testing.T) {
	fc := newFakeChild()
	tr, _ := testTransport(t, fc)
	spawnEntry := newTestEntry(cache.KindSpawn, "")

	go drainPing(fc)
	go func() {
		time.Sleep(20 * time.Millisecond)
		fc.exit(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Spawn(ctx, "sess-1", spawnEntry, 9191, true)
	require.Error(t, err)
	require.Equal(t, StateError, tr.Status().Get())
}

func TestTransportExecuteTellWritesFramedMessageAndReturnsToReady(t *testing.T) {
	fc := newFakeChild()
	tr, _ := testTransport(t, fc)
	spawnEntry := newTestEntry(cache.KindSpawn, "")

	go answerPing(fc)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Spawn(ctx, "sess-1", spawnEntry, 9191, true))

	tellEntry := newTestEntry(cache.KindTell, "hello there")

	var written bytes.Buffer
	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		n, _ := fc.stdinR.Read(buf)
		written.Write(buf[:n])
		close(readDone)
	}()

	require.NoError(t, tr.ExecuteTell(tellEntry))
	require.Equal(t, StateBusy, tr.Status().Get())

	<-readDone
	var sent UserMessage
	require.NoError(t, json.Unmarshal(written.Bytes(), &sent))
	require.Equal(t, "hello there", sent.Message.Content[0].Text)

	go fc.writeLine(map[string]any{"type": "result", "result": map[string]any{"text": "hi back"}})

	require.Eventually(t, func() bool {
		return tellEntry.CurrentStatus() == cache.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return tr.Status().Get() == StateReady
	}, time.Second, 5*time.Millisecond)
}

func TestTransportTerminateStopsChildAndTransitionsStopped(t *testing.T) {
	fc := newFakeChild()
	tr, _ := testTransport(t, fc)
	spawnEntry := newTestEntry(cache.KindSpawn, "")

	go answerPing(fc)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Spawn(ctx, "sess-1", spawnEntry, 9191, true))

	require.NoError(t, tr.Terminate(context.Background(), 500*time.Millisecond))
	require.Equal(t, StateStopped, tr.Status().Get())
}

func TestTransportOnExitFiresOnUnrequestedChildExit(t *testing.T) {
	fc := newFakeChild()
	tr, _ := testTransport(t, fc)
	spawnEntry := newTestEntry(cache.KindSpawn, "")

	fired := make(chan struct{})
	tr.OnExit = func(err error) { close(fired) }

	go answerPing(fc)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Spawn(ctx, "sess-1", spawnEntry, 9191, true))

	fc.exit(nil)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnExit was not called")
	}
	require.Equal(t, StateError, tr.Status().Get())
}

// newTestEntry builds a cache.Entry the same way MessageCache.StartEntry
// does, without needing a full cache to exercise transport-level behavior.
func newTestEntry(kind cache.Kind, tellString string) *cache.Entry {
	c := cache.New()
	return c.StartEntry(kind, tellString)
}
