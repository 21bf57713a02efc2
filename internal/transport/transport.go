package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jenova-marie/iris-mcp-sub002/internal/cache"
	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

// State is one position of the Transport state machine (§4.3):
//
//	STOPPED -> SPAWNING -> READY <-> BUSY -> TERMINATING -> STOPPED
//	SPAWNING -> ERROR (spawn failure, timeout, or child exit before READY)
//	any state -> ERROR (child exit not requested via Terminate)
type State string

const (
	StateStopped     State = "STOPPED"
	StateSpawning    State = "SPAWNING"
	StateReady       State = "READY"
	StateBusy        State = "BUSY"
	StateTerminating State = "TERMINATING"
	StateError       State = "ERROR"
)

// readLineBufferSize bounds the scanner's per-line buffer; agent replies can
// carry large tool outputs inline in a single stream-json line.
const readLineBufferSize = 10 * 1024 * 1024

// Metrics are the point-in-time observability fields exposed per transport.
type Metrics struct {
	SpawnTime         time.Time
	Uptime            time.Duration
	MessagesProcessed int64
	LastResponseAt    time.Time
}

// Transport owns one spawned agent child process and the framing/FSM logic
// layered over its stdio. Callers drive it through Spawn, ExecuteTell,
// Terminate and Cancel; OnExit notifies of a child exit the Transport itself
// did not request, so an owning Pool can evict it.
type Transport struct {
	team   *team.Team
	log    *logger.Logger
	spawn  spawner
	writer configWriter

	// OnExit is invoked from the read loop's goroutine when the child exits
	// without a preceding Terminate call. Optional.
	OnExit func(err error)

	// OnMessage is invoked from the read loop's goroutine for every protocol
	// line successfully appended to the current entry. Optional; used by an
	// owning Pool to mirror the stream onto the event bus.
	OnMessage func(entry *cache.Entry, msg cache.Message)

	mu                sync.Mutex
	child             child
	status            *cache.Signal[State]
	current           *cache.Entry
	spawnEntry        *cache.Entry
	spawnTime         time.Time
	messagesProcessed int64
	lastResponseAt    time.Time
	mcpConfigPath     string
	sessionID         string
	stopped           chan struct{}

	sawSystemInit      bool
	spawnReadyCh       chan struct{}
	spawnReadySignaled bool
}

// New constructs a Transport for t, choosing the local or SSH spawner
// according to whether t is a remote team.
func New(t *team.Team, log *logger.Logger) *Transport {
	var sp spawner
	var w configWriter
	if t.IsRemote() {
		sp = newRemoteSpawner(t.Remote, log)
		w = newRemoteConfigWriter(t.Remote)
	} else {
		sp = newLocalSpawner(log)
		w = localConfigWriter{}
	}
	return &Transport{
		team:   t,
		log:    log,
		spawn:  sp,
		writer: w,
		status: cache.NewSignal(StateStopped),
	}
}

// Status returns the subscribable state signal.
func (tr *Transport) Status() *cache.Signal[State] {
	return tr.status
}

// Ready reports whether the transport can currently accept a tell.
func (tr *Transport) Ready() bool {
	return tr.status.Get() == StateReady
}

// Busy reports whether the transport is mid-flight on a tell.
func (tr *Transport) Busy() bool {
	return tr.status.Get() == StateBusy
}

// PID returns the local child pid, or nil for a remote transport or one not
// yet spawned.
func (tr *Transport) PID() *int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.child == nil {
		return nil
	}
	return tr.child.PID()
}

// Metrics returns a snapshot of the transport's observability fields.
func (tr *Transport) Metrics() Metrics {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	m := Metrics{
		SpawnTime:         tr.spawnTime,
		MessagesProcessed: tr.messagesProcessed,
		LastResponseAt:    tr.lastResponseAt,
	}
	if !tr.spawnTime.IsZero() {
		m.Uptime = time.Since(tr.spawnTime)
	}
	return m
}

// Spawn starts the agent child process, writes spawnEntry's tellString
// (the implicit "ping") to its stdin as soon as stdin is writable, and
// blocks until the child has demonstrated it can both start up and answer
// a request: the system/init sentinel AND a result for the ping, in either
// order (transitioning to READY), or the timeout elapses / the child exits
// early (transitioning to ERROR). spawnEntry receives every line emitted
// during warm-up, matching the warm-up tell recorded by the Pool (§4.1,
// §9 "implicit spawn tell", §4.3 "init+result ▶ READY").
func (tr *Transport) Spawn(ctx context.Context, sessionID string, spawnEntry *cache.Entry, mcpHTTPPort int, testMode bool) error {
	if tr.status.Get() != StateStopped {
		return fmt.Errorf("transport: spawn called in state %s", tr.status.Get())
	}
	tr.status.Set(StateSpawning)

	var mcpPath string
	if !testMode {
		cfg, err := BuildMCPConfig(tr.team, sessionID, mcpHTTPPort)
		if err != nil {
			tr.status.Set(StateError)
			return fmt.Errorf("transport: build mcp config: %w", err)
		}
		mcpPath = MCPConfigPath(tr.team, sessionID)
		if err := tr.writer.WriteFile(mcpPath, cfg); err != nil {
			tr.status.Set(StateError)
			return fmt.Errorf("transport: write mcp config: %w", err)
		}
	}

	cmd := BuildCommand(tr.team, BuildOptions{
		SessionID:     sessionID,
		Mode:          ModeHeadless,
		TestMode:      testMode,
		MCPConfigPath: mcpPath,
	})

	c, err := tr.spawn.Start(ctx, cmd)
	if err != nil {
		tr.status.Set(StateError)
		return fmt.Errorf("transport: start child: %w", err)
	}

	tr.mu.Lock()
	tr.child = c
	tr.spawnEntry = spawnEntry
	tr.current = spawnEntry
	tr.sessionID = sessionID
	tr.mcpConfigPath = mcpPath
	tr.spawnTime = time.Now()
	tr.stopped = make(chan struct{})
	tr.sawSystemInit = false
	tr.spawnReadySignaled = false
	tr.spawnReadyCh = make(chan struct{})
	tr.mu.Unlock()

	go tr.readLoop(c)
	go tr.waitLoop(c)

	ping := NewUserMessage(spawnEntry.TellString)
	data, err := json.Marshal(ping)
	if err != nil {
		tr.status.Set(StateError)
		return fmt.Errorf("transport: marshal ping: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.Stdin().Write(data); err != nil {
		tr.status.Set(StateError)
		return fmt.Errorf("transport: write ping: %w", err)
	}

	initCh, unsubscribe := spawnEntry.Status().Subscribe()
	defer unsubscribe()

	readyCh := tr.spawnReadyCh
	for {
		select {
		case st := <-initCh:
			if st.IsTerminal() && st != cache.StatusCompleted {
				tr.status.Set(StateError)
				return fmt.Errorf("transport: spawn entry reached %s before ready", st)
			}
			// StatusCompleted alone isn't sufficient: READY requires both
			// system/init and the ping's result (§4.3 "init+result ▶ READY"),
			// which readLoop only signals via readyCh once both are observed.
		case <-readyCh:
			tr.status.Set(StateReady)
			return nil
		case <-ctx.Done():
			tr.status.Set(StateError)
			_ = c.Kill()
			return ctx.Err()
		}
	}
}

// ExecuteTell writes entry's tell text to the child's stdin and marks the
// transport BUSY until entry reaches a terminal status. The caller is
// responsible for waiting on entry.Status() for completion; ExecuteTell only
// performs the write and the READY->BUSY transition.
func (tr *Transport) ExecuteTell(entry *cache.Entry) error {
	tr.mu.Lock()
	if tr.status.Get() != StateReady {
		tr.mu.Unlock()
		return fmt.Errorf("transport: tell called in state %s", tr.status.Get())
	}
	c := tr.child
	tr.current = entry
	tr.mu.Unlock()

	tr.status.Set(StateBusy)

	msg := NewUserMessage(entry.TellString)
	data, err := json.Marshal(msg)
	if err != nil {
		tr.status.Set(StateReady)
		return fmt.Errorf("transport: marshal tell: %w", err)
	}
	data = append(data, '\n')

	if _, err := c.Stdin().Write(data); err != nil {
		tr.status.Set(StateReady)
		return fmt.Errorf("transport: write tell: %w", err)
	}

	go tr.awaitCompletion(entry)
	return nil
}

// awaitCompletion returns the transport to READY once entry completes,
// without blocking ExecuteTell's caller.
func (tr *Transport) awaitCompletion(entry *cache.Entry) {
	ch, unsubscribe := entry.Status().Subscribe()
	defer unsubscribe()
	for st := range ch {
		if st.IsTerminal() {
			tr.mu.Lock()
			tr.lastResponseAt = time.Now()
			if tr.status.Get() == StateBusy {
				tr.status.Set(StateReady)
			}
			tr.mu.Unlock()
			return
		}
	}
}

// Terminate stops the child gracefully, escalating to Kill after grace
// elapses, and transitions STOPPED once the child has exited.
func (tr *Transport) Terminate(ctx context.Context, grace time.Duration) error {
	tr.mu.Lock()
	c := tr.child
	current := tr.current
	path := tr.mcpConfigPath
	tr.mu.Unlock()

	if c == nil {
		tr.status.Set(StateStopped)
		return nil
	}

	tr.status.Set(StateTerminating)
	if current != nil {
		current.Terminate()
	}

	if err := c.Stop(); err != nil {
		tr.log.Warn("graceful stop failed, killing", zap.Error(err))
		_ = c.Kill()
	}

	done := make(chan struct{})
	go func() {
		_ = c.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		_ = c.Kill()
		<-done
	case <-ctx.Done():
		_ = c.Kill()
		<-done
	}

	_ = c.Close()
	if path != "" {
		if err := tr.writer.Remove(path); err != nil {
			tr.log.Warn("remove mcp config failed", zap.String("path", path), zap.Error(err))
		}
	}

	tr.status.Set(StateStopped)
	return nil
}

// Cancel kills the child immediately without waiting for graceful exit,
// used by Pool.TerminateProcess when force is set.
func (tr *Transport) Cancel() error {
	tr.mu.Lock()
	c := tr.child
	current := tr.current
	tr.mu.Unlock()

	if c == nil {
		return nil
	}
	if current != nil {
		current.Terminate()
	}
	return c.Kill()
}

// readLoop scans the child's stdout for newline-delimited protocol
// messages, appending each to the entry currently in flight and driving the
// current entry's terminal transition when a result sentinel arrives.
func (tr *Transport) readLoop(c child) {
	scanner := bufio.NewScanner(c.Stdout())
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, readLineBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)

		var env CLIMessage
		if err := json.Unmarshal(raw, &env); err != nil {
			tr.log.Warn("transport: malformed protocol line", zap.Error(err))
			continue
		}

		msg := cache.Message{
			Timestamp: time.Now(),
			Type:      env.Type,
			Subtype:   env.Subtype,
			Raw:       raw,
		}

		tr.mu.Lock()
		entry := tr.current
		spawning := entry == tr.spawnEntry && tr.status.Get() == StateSpawning
		if spawning && cache.IsSystemInit(msg) {
			tr.sawSystemInit = true
		}
		sawInit := tr.sawSystemInit
		tr.messagesProcessed++
		tr.mu.Unlock()

		if entry == nil {
			continue
		}
		if err := entry.Append(msg); err != nil {
			if err != cache.ErrStateError {
				tr.log.Warn("transport: append failed", zap.Error(err))
			}
		} else if tr.OnMessage != nil {
			tr.OnMessage(entry, msg)
		}

		// READY requires both system/init and a result for the ping (§4.3
		// "init+result ▶ READY"), in either order: the ping's result may
		// complete the spawn entry via Append's IsResult check above before
		// or after system/init arrives. Signal readiness whichever lands
		// last.
		if spawning && sawInit && entry.CurrentStatus() == cache.StatusCompleted {
			tr.mu.Lock()
			if !tr.spawnReadySignaled {
				tr.spawnReadySignaled = true
				close(tr.spawnReadyCh)
			}
			tr.mu.Unlock()
		}
	}
}

// waitLoop observes the child's exit independently of readLoop finishing
// (stdout closing is not always simultaneous with process exit) and fires
// OnExit when the exit was not requested via Terminate.
func (tr *Transport) waitLoop(c child) {
	err := c.Wait()

	tr.mu.Lock()
	requested := tr.status.Get() == StateTerminating || tr.status.Get() == StateStopped
	current := tr.current
	tr.mu.Unlock()

	if !requested {
		if current != nil {
			current.Terminate()
		}
		tr.status.Set(StateError)
		if tr.OnExit != nil {
			tr.OnExit(err)
		}
	}
}
