// Package pool implements the bounded, LRU-evicting collection of
// Transports keyed by pool key "<fromTeam>-><toTeam>" (§4.6).
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jenova-marie/iris-mcp-sub002/internal/cache"
	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/events/bus"
	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
	"github.com/jenova-marie/iris-mcp-sub002/internal/transport"
)

// ErrPoolFull is returned when capacity is exhausted and no READY
// transport is evictable.
var ErrPoolFull = fmt.Errorf("pool: full")

// ErrTeamNotFound is returned for operations against an unconfigured team.
var ErrTeamNotFound = fmt.Errorf("pool: team not found")

// Key builds the pool key for a (fromTeam, toTeam) pair.
func Key(fromTeam, toTeam string) string {
	return fromTeam + "->" + toTeam
}

// MCPRegistrar mounts/unmounts a session's reverse-MCP endpoint, satisfied
// by *mcpserver.Router without this package depending on it.
type MCPRegistrar interface {
	RegisterSession(sessionID string, t *team.Team)
	UnregisterSession(sessionID string)
}

// Status is a point-in-time snapshot of one pooled transport, shaped for
// the dashboard bridge.
type Status struct {
	Key               string
	FromTeam          string
	ToTeam            string
	SessionID         string
	PID               *int
	State             transport.State
	MessagesProcessed int64
	Uptime            time.Duration
	LastResponseAt    time.Time
}

type entry struct {
	key       string
	fromTeam  string
	toTeam    string
	sessionID string
	transport *transport.Transport
}

// Config bounds the pool's behavior; fields mirror config.PoolConfig.
type Config struct {
	MaxProcesses        int
	SessionInitTimeout  time.Duration
	HealthCheckInterval time.Duration
	TerminateGrace      time.Duration
	MCPHTTPPort         int
	TestMode            bool
}

// Pool is the keyed collection of Transports.
type Pool struct {
	cfg    Config
	teams  map[string]*team.Team
	log    *logger.Logger
	events bus.Bus
	mcp    MCPRegistrar

	mu      sync.RWMutex
	entries map[string]*entry

	stopHealth chan struct{}
}

// New builds a Pool. mcp may be nil, in which case no reverse-MCP endpoint
// is mounted for spawned sessions (e.g. tests that don't exercise
// permission prompts).
func New(cfg Config, teams map[string]*team.Team, log *logger.Logger, events bus.Bus, mcp MCPRegistrar) *Pool {
	p := &Pool{
		cfg:     cfg,
		teams:   teams,
		log:     log,
		events:  events,
		mcp:     mcp,
		entries: make(map[string]*entry),
	}
	return p
}

// GetOrCreateProcess returns the live transport for fromTeam->toTeam,
// spawning one (evicting an LRU victim if at capacity) if absent.
func (p *Pool) GetOrCreateProcess(ctx context.Context, fromTeam, toTeam, sessionID string) (*transport.Transport, error) {
	key := Key(fromTeam, toTeam)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.mu.Unlock()
		return e.transport, nil
	}

	if len(p.entries) >= p.cfg.MaxProcesses {
		if !p.evictLRULocked() {
			p.mu.Unlock()
			return nil, ErrPoolFull
		}
	}
	p.mu.Unlock()

	t, ok := p.teams[toTeam]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, toTeam)
	}

	tr := transport.New(t, p.log)
	tr.OnExit = func(err error) {
		p.onSpontaneousExit(key, err)
	}
	tr.OnMessage = func(entry *cache.Entry, msg cache.Message) {
		p.publishCacheStream(fromTeam, toTeam, entry, msg)
	}

	if p.mcp != nil {
		p.mcp.RegisterSession(sessionID, t)
	}

	spawnCache := cache.New()
	spawnEntry := spawnCache.StartEntry(cache.KindSpawn, "ping")

	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.SessionInitTimeout)
	defer cancel()

	if err := tr.Spawn(spawnCtx, sessionID, spawnEntry, p.cfg.MCPHTTPPort, p.cfg.TestMode); err != nil {
		if p.mcp != nil {
			p.mcp.UnregisterSession(sessionID)
		}
		p.publishError(fromTeam, toTeam, err)
		return nil, fmt.Errorf("pool: spawn %s: %w", key, err)
	}

	p.mu.Lock()
	p.entries[key] = &entry{key: key, fromTeam: fromTeam, toTeam: toTeam, sessionID: sessionID, transport: tr}
	p.mu.Unlock()

	p.publishStatus(fromTeam, toTeam, tr.Status().Get())
	pid := tr.PID()
	p.log.Info("process spawned", zap.String("key", key), zap.Intp("pid", pid))

	go p.watchStatus(key, fromTeam, toTeam, tr)

	return tr, nil
}

// watchStatus republishes every status transition as PROCESS_STATUS.
func (p *Pool) watchStatus(key, fromTeam, toTeam string, tr *transport.Transport) {
	ch, unsubscribe := tr.Status().Subscribe()
	defer unsubscribe()
	for st := range ch {
		p.publishStatus(fromTeam, toTeam, st)
		if st == transport.StateStopped {
			return
		}
	}
}

// evictLRULocked evicts the oldest-lastResponseAt READY transport. Caller
// must hold p.mu. Returns false if no candidate is evictable.
func (p *Pool) evictLRULocked() bool {
	var victim *entry
	var oldest time.Time
	for _, e := range p.entries {
		if !e.transport.Ready() {
			continue
		}
		m := e.transport.Metrics()
		last := m.LastResponseAt
		if last.IsZero() {
			last = m.SpawnTime
		}
		if victim == nil || last.Before(oldest) {
			victim = e
			oldest = last
		}
	}
	if victim == nil {
		return false
	}

	delete(p.entries, victim.key)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TerminateGrace+time.Second)
		defer cancel()
		_ = victim.transport.Terminate(ctx, p.cfg.TerminateGrace)
		if p.mcp != nil {
			p.mcp.UnregisterSession(victim.sessionID)
		}
		p.events.Publish(context.Background(), bus.KindProcessTerminated, bus.NewEvent(bus.KindProcessTerminated, "pool", map[string]interface{}{"teamName": victim.toTeam}))
	}()
	return true
}

// GetProcess returns the live transport targeting toTeam from any caller,
// or nil if none is pooled. Used by dashboard status lookups that only
// know the target team.
func (p *Pool) GetProcess(toTeam string) *transport.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.toTeam == toTeam {
			return e.transport
		}
	}
	return nil
}

// GetProcessByKey returns the live transport for a specific pool key, or nil.
func (p *Pool) GetProcessByKey(key string) *transport.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[key]; ok {
		return e.transport
	}
	return nil
}

// GetProcessBySessionID returns the transport currently bound to sessionID.
func (p *Pool) GetProcessBySessionID(sessionID string) *transport.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.sessionID == sessionID {
			return e.transport
		}
	}
	return nil
}

// TerminateProcess gracefully stops and removes the transport for key,
// skipping the grace window when force is set. Idempotent.
func (p *Pool) TerminateProcess(ctx context.Context, key string, force bool) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if p.mcp != nil {
		defer p.mcp.UnregisterSession(e.sessionID)
	}

	if force {
		return e.transport.Cancel()
	}
	if err := e.transport.Terminate(ctx, p.cfg.TerminateGrace); err != nil {
		return err
	}
	p.events.Publish(ctx, bus.KindProcessTerminated, bus.NewEvent(bus.KindProcessTerminated, "pool", map[string]interface{}{"teamName": e.toTeam}))
	return nil
}

// TerminateAll concurrently terminates every pooled transport; used on
// shutdown (§5).
func (p *Pool) TerminateAll(ctx context.Context) {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.transport.Terminate(ctx, p.cfg.TerminateGrace); err != nil {
				p.log.Warn("terminate on shutdown failed", zap.String("key", e.key), zap.Error(err))
			}
			if p.mcp != nil {
				p.mcp.UnregisterSession(e.sessionID)
			}
		}(e)
	}
	wg.Wait()
}

// StatusSnapshot returns the dashboard-facing view of every pooled
// transport (§4.6 "status()").
func (p *Pool) StatusSnapshot() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Status, 0, len(p.entries))
	for _, e := range p.entries {
		m := e.transport.Metrics()
		out = append(out, Status{
			Key:               e.key,
			FromTeam:          e.fromTeam,
			ToTeam:            e.toTeam,
			SessionID:         e.sessionID,
			PID:               e.transport.PID(),
			State:             e.transport.Status().Get(),
			MessagesProcessed: m.MessagesProcessed,
			Uptime:            m.Uptime,
			LastResponseAt:    m.LastResponseAt,
		})
	}
	return out
}

// StartHealthCheck launches the periodic sweep (§4.6) that reconciles
// entries whose transport reached STOPPED without going through
// TerminateProcess (a spontaneous exit already removes itself via OnExit,
// so this sweep is a defensive backstop for entries missed by that path).
func (p *Pool) StartHealthCheck() {
	p.stopHealth = make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stopHealth:
				return
			}
		}
	}()
}

func (p *Pool) StopHealthCheck() {
	if p.stopHealth != nil {
		close(p.stopHealth)
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var stale []*entry
	for key, e := range p.entries {
		if e.transport.Status().Get() == transport.StateStopped {
			delete(p.entries, key)
			stale = append(stale, e)
		}
	}
	p.mu.Unlock()

	for _, e := range stale {
		p.publishStatus(e.fromTeam, e.toTeam, transport.StateStopped)
	}
}

// onSpontaneousExit removes a transport that exited without a requested
// terminate, and publishes PROCESS_ERROR/PROCESS_TERMINATED accordingly.
func (p *Pool) onSpontaneousExit(key string, err error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if p.mcp != nil {
		p.mcp.UnregisterSession(e.sessionID)
	}

	ctx := context.Background()
	if err != nil {
		p.publishError(e.fromTeam, e.toTeam, err)
	}
	p.events.Publish(ctx, bus.KindProcessTerminated, bus.NewEvent(bus.KindProcessTerminated, "pool", map[string]interface{}{"teamName": e.toTeam}))
}

func (p *Pool) publishStatus(fromTeam, toTeam string, state transport.State) {
	ctx := context.Background()
	_ = p.events.Publish(ctx, bus.KindProcessStatus, bus.NewEvent(bus.KindProcessStatus, "pool", map[string]interface{}{
		"key":      Key(fromTeam, toTeam),
		"fromTeam": fromTeam,
		"toTeam":   toTeam,
		"status":   string(state),
	}))
}

func (p *Pool) publishCacheStream(fromTeam, toTeam string, entry *cache.Entry, msg cache.Message) {
	ctx := context.Background()
	_ = p.events.Publish(ctx, bus.KindCacheStream, bus.NewEvent(bus.KindCacheStream, "pool", map[string]interface{}{
		"fromTeam": fromTeam,
		"toTeam":   toTeam,
		"entryId":  entry.ID,
		"type":     msg.Type,
		"subtype":  msg.Subtype,
	}))
}

func (p *Pool) publishError(fromTeam, toTeam string, err error) {
	ctx := context.Background()
	_ = p.events.Publish(ctx, bus.KindProcessError, bus.NewEvent(bus.KindProcessError, "pool", map[string]interface{}{
		"teamName": toTeam,
		"error":    err.Error(),
	}))
	_ = fromTeam
}
