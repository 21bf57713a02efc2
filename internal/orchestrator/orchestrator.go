// Package orchestrator implements the tell/wake/sleep/wakeAll entry points
// that wire session → pool → transport → cache together (§4.7).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jenova-marie/iris-mcp-sub002/internal/cache"
	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/pool"
	"github.com/jenova-marie/iris-mcp-sub002/internal/sessionmanager"
	"github.com/jenova-marie/iris-mcp-sub002/internal/sessionstore"
	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
	"github.com/jenova-marie/iris-mcp-sub002/internal/transport"
)

// defaultMaxParallelWakes bounds concurrent spawns during a parallel
// wakeAll when no override is configured; the contract (§4.7) warns
// parallel mode is resource-unstable (source markings call it "UNSTABLE —
// causes timeouts"), so this keeps it from spawning every configured
// team's agent at once.
const defaultMaxParallelWakes = 2

// Result is the uniform return shape for every Orchestrator call (§7):
// exceptions bubble only for programmer errors, everything else comes back
// as success/error here.
type Result struct {
	Success bool
	Error   string
	Async   bool
	Text    string
	Status  string
	Details map[string]Result
}

func errResult(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// Orchestrator wires the SessionManager, Pool, and per-session Message
// Caches together behind the tell/wake/sleep/wakeAll contract.
type Orchestrator struct {
	pool     *pool.Pool
	sessions *sessionmanager.Manager
	teams    map[string]*team.Team
	log      *logger.Logger

	mu         sync.Mutex
	keyMutexes map[string]*sync.Mutex

	cacheMu sync.Mutex
	caches  map[string]*cache.MessageCache

	maxParallelWakes int64
}

// New builds an Orchestrator. wakeAllConcurrency overrides
// defaultMaxParallelWakes when positive.
func New(p *pool.Pool, sessions *sessionmanager.Manager, teams map[string]*team.Team, log *logger.Logger, wakeAllConcurrency int) *Orchestrator {
	maxParallel := int64(defaultMaxParallelWakes)
	if wakeAllConcurrency > 0 {
		maxParallel = int64(wakeAllConcurrency)
	}
	return &Orchestrator{
		pool:             p,
		sessions:         sessions,
		teams:            teams,
		log:              log,
		keyMutexes:       make(map[string]*sync.Mutex),
		caches:           make(map[string]*cache.MessageCache),
		maxParallelWakes: maxParallel,
	}
}

func (o *Orchestrator) keyMutex(key string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.keyMutexes[key]
	if !ok {
		m = &sync.Mutex{}
		o.keyMutexes[key] = m
	}
	return m
}

func (o *Orchestrator) messageCache(key string) *cache.MessageCache {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	mc, ok := o.caches[key]
	if !ok {
		mc = cache.New()
		o.caches[key] = mc
	}
	return mc
}

// Tell sends message from fromTeam to toTeam (§4.7 steps 1-7). The per-key
// mutex is held until the entry reaches a terminal status regardless of
// whether the caller chose to wait for it, per the spec's required option
// (a): the next tell on the same pair blocks until this one completes.
func (o *Orchestrator) Tell(ctx context.Context, fromTeam, toTeam, message string, waitForResponse bool, timeout time.Duration) Result {
	session, err := o.sessions.GetOrCreateSession(ctx, fromTeam, toTeam)
	if err != nil {
		return errResult(err)
	}

	key := pool.Key(fromTeam, toTeam)
	mu := o.keyMutex(key)
	mu.Lock()

	tr, err := o.pool.GetOrCreateProcess(ctx, fromTeam, toTeam, session.SessionID)
	if err != nil {
		mu.Unlock()
		return errResult(err)
	}

	mc := o.messageCache(key)
	entry := mc.StartEntry(cache.KindTell, message)

	if err := o.sessions.UpdateProcessState(ctx, fromTeam, toTeam, sessionstore.ProcessProcessing); err != nil {
		o.log.Warn("tell: update process state failed", zap.Error(err))
	}

	if err := tr.ExecuteTell(entry); err != nil {
		mu.Unlock()
		return errResult(err)
	}

	resultCh := o.watchEntry(fromTeam, toTeam, entry, mu)

	if !waitForResponse {
		return Result{Success: true, Async: true}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-resultCh:
		return r
	case <-timeoutCh:
		return Result{Success: false, Error: "tell timed out", Async: true}
	case <-ctx.Done():
		return errResult(ctx.Err())
	}
}

// watchEntry subscribes to entry's terminal transition and runs the
// post-completion bookkeeping (§4.7 step 6) in the background, releasing
// mu only once that bookkeeping has run. The returned channel delivers the
// Result exactly once, whether or not anyone reads it.
func (o *Orchestrator) watchEntry(fromTeam, toTeam string, entry *cache.Entry, mu *sync.Mutex) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer mu.Unlock()
		ch, unsubscribe := entry.Status().Subscribe()
		defer unsubscribe()
		for st := range ch {
			if !st.IsTerminal() {
				continue
			}
			out <- o.completeTell(fromTeam, toTeam, entry, st)
			return
		}
	}()
	return out
}

func (o *Orchestrator) completeTell(fromTeam, toTeam string, entry *cache.Entry, status cache.Status) Result {
	ctx := context.Background()

	if status == cache.StatusCompleted {
		text := extractText(entry)
		if err := o.sessions.RecordCompletion(ctx, fromTeam, toTeam, time.Now()); err != nil {
			o.log.Warn("tell: record completion failed", zap.Error(err))
		}
		return Result{Success: true, Text: text}
	}

	if err := o.sessions.UpdateProcessState(ctx, fromTeam, toTeam, sessionstore.ProcessStopped); err != nil {
		o.log.Warn("tell: update process state failed", zap.Error(err))
	}
	reason := entry.ErrorReason()
	if reason == "" {
		reason = fmt.Sprintf("entry ended in %s", status)
	}
	return Result{Success: false, Error: reason}
}

// extractText returns the concatenation of the text blocks from the entry's
// "assistant" messages, in arrival order (§8 Scenario 1). It falls back to
// the terminal "result" message's own text when the entry carried no
// assistant turns, which keeps spawn-entry-shaped or non-streaming replies
// working.
func extractText(entry *cache.Entry) string {
	msgs := entry.Messages()

	var sb strings.Builder
	found := false
	for _, m := range msgs {
		if m.Type != transport.MessageTypeAssistant {
			continue
		}
		var cm transport.CLIMessage
		if err := json.Unmarshal(m.Raw, &cm); err != nil {
			continue
		}
		if text := cm.AssistantText(); text != "" {
			sb.WriteString(text)
			found = true
		}
	}
	if found {
		return sb.String()
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type != transport.MessageTypeResult {
			continue
		}
		var cm transport.CLIMessage
		if err := json.Unmarshal(msgs[i].Raw, &cm); err != nil {
			continue
		}
		return cm.ExtractText()
	}
	return ""
}

// Wake best-effort spawns toTeam's process for fromTeam without sending a
// message (§4.7 "wake").
func (o *Orchestrator) Wake(ctx context.Context, toTeam, fromTeam string) Result {
	session, err := o.sessions.GetOrCreateSession(ctx, fromTeam, toTeam)
	if err != nil {
		return errResult(err)
	}

	key := pool.Key(fromTeam, toTeam)
	mu := o.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	tr, err := o.pool.GetOrCreateProcess(ctx, fromTeam, toTeam, session.SessionID)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Status: "error"}
	}
	if tr.Ready() {
		return Result{Success: true, Status: "awake"}
	}
	return Result{Success: true, Status: "waking"}
}

// Sleep terminates toTeam's process for fromTeam, skipping the graceful
// step when force is set (§4.7 "sleep"). Idempotent.
func (o *Orchestrator) Sleep(ctx context.Context, toTeam, fromTeam string, force bool) Result {
	key := pool.Key(fromTeam, toTeam)
	mu := o.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	if err := o.pool.TerminateProcess(ctx, key, force); err != nil {
		return errResult(err)
	}
	if err := o.sessions.UpdateProcessState(ctx, fromTeam, toTeam, sessionstore.ProcessStopped); err != nil {
		o.log.Warn("sleep: update process state failed", zap.Error(err))
	}
	return Result{Success: true}
}

// IsAwake reports whether toTeam currently has a READY process for fromTeam.
func (o *Orchestrator) IsAwake(fromTeam, toTeam string) bool {
	tr := o.pool.GetProcessByKey(pool.Key(fromTeam, toTeam))
	return tr != nil && tr.Ready()
}

// WakeAll wakes every configured team (other than fromTeam itself) on
// fromTeam's behalf. Sequential mode wakes one team fully before the next,
// recording any failure and continuing; parallel mode dispatches all wakes
// concurrently under a bounded semaphore, per the contract's warning that
// unbounded parallel wakes are resource-unstable.
func (o *Orchestrator) WakeAll(ctx context.Context, fromTeam string, parallel bool) Result {
	names := make([]string, 0, len(o.teams))
	for name := range o.teams {
		if name == fromTeam {
			continue
		}
		names = append(names, name)
	}

	details := make(map[string]Result, len(names))

	if !parallel {
		for _, name := range names {
			details[name] = o.Wake(ctx, name, fromTeam)
		}
		return Result{Success: true, Details: details}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(o.maxParallelWakes)
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				details[name] = errResult(err)
				mu.Unlock()
				return
			}
			defer sem.Release(1)
			r := o.Wake(ctx, name, fromTeam)
			mu.Lock()
			details[name] = r
			mu.Unlock()
		}()
	}
	wg.Wait()
	return Result{Success: true, Details: details}
}

// Report returns the dashboard-facing snapshot of every pooled process.
func (o *Orchestrator) Report() []pool.Status {
	return o.pool.StatusSnapshot()
}

// Teams returns the configured team names.
func (o *Orchestrator) Teams() []string {
	names := make([]string, 0, len(o.teams))
	for name := range o.teams {
		names = append(names, name)
	}
	return names
}
