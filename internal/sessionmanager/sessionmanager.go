// Package sessionmanager implements the business rules atop the durable
// session store: get-or-create, process-state bookkeeping, and the
// boot-time reset of runtime state (§4.5).
package sessionmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/sessionstore"
)

// Manager wraps a sessionstore.Store with the get-or-create and
// process-state rules the Orchestrator relies on.
type Manager struct {
	store sessionstore.Store
	log   *logger.Logger
}

func New(store sessionstore.Store, log *logger.Logger) *Manager {
	return &Manager{store: store, log: log}
}

// Boot resets every persisted session's runtime state to stopped. Must be
// called exactly once before the pool accepts work.
func (m *Manager) Boot(ctx context.Context) error {
	if err := m.store.ResetAllProcessStates(ctx); err != nil {
		return fmt.Errorf("sessionmanager: boot reset: %w", err)
	}
	return nil
}

// GetOrCreateSession returns the existing row for (fromTeam, toTeam), or
// mints a fresh sessionId and inserts one. The returned sessionId is the
// identifier the agent CLI adopts on its first --resume.
func (m *Manager) GetOrCreateSession(ctx context.Context, fromTeam, toTeam string) (*sessionstore.Session, error) {
	existing, err := m.store.GetByPair(ctx, fromTeam, toTeam)
	if err != nil {
		return nil, fmt.Errorf("sessionmanager: get session: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	sessionID := uuid.NewString()
	created, err := m.store.Create(ctx, fromTeam, toTeam, sessionID, "", "")
	if err != nil {
		return nil, fmt.Errorf("sessionmanager: create session: %w", err)
	}
	m.log.Info("session created", zap.String("fromTeam", fromTeam), zap.String("toTeam", toTeam), zap.String("sessionId", sessionID))
	return created, nil
}

// GetSession returns the row for (fromTeam, toTeam), or nil if none exists.
func (m *Manager) GetSession(ctx context.Context, fromTeam, toTeam string) (*sessionstore.Session, error) {
	return m.store.GetByPair(ctx, fromTeam, toTeam)
}

// GetSessionByID returns the row for a given sessionId, or nil if none exists.
func (m *Manager) GetSessionByID(ctx context.Context, sessionID string) (*sessionstore.Session, error) {
	return m.store.GetBySessionID(ctx, sessionID)
}

// UpdateProcessState records the pool's observed transition. Called by the
// Orchestrator, never by the Transport directly (§4.5).
func (m *Manager) UpdateProcessState(ctx context.Context, fromTeam, toTeam string, state sessionstore.ProcessState) error {
	return m.store.UpdateProcessState(ctx, fromTeam, toTeam, state)
}

// RecordCompletion runs the post-tell bookkeeping a completed entry requires:
// message count, last-response timestamp, and a return to idle (§4.7 step 6).
func (m *Manager) RecordCompletion(ctx context.Context, fromTeam, toTeam string, at time.Time) error {
	if err := m.store.IncrementMessageCount(ctx, fromTeam, toTeam, 1); err != nil {
		return fmt.Errorf("sessionmanager: increment message count: %w", err)
	}
	if err := m.store.UpdateLastResponse(ctx, fromTeam, toTeam, at); err != nil {
		return fmt.Errorf("sessionmanager: update last response: %w", err)
	}
	return m.store.UpdateProcessState(ctx, fromTeam, toTeam, sessionstore.ProcessIdle)
}
