// Package sessionstore defines the durable record of a session's identity
// and runtime process state, independent of any particular SQL engine.
package sessionstore

import (
	"context"
	"time"
)

// Status is the persisted lifecycle status of a session row.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// ProcessState is the persisted *intent* to have a running transport; the
// Pool is authoritative about whether one actually exists (§3).
type ProcessState string

const (
	ProcessStopped    ProcessState = "stopped"
	ProcessSpawning   ProcessState = "spawning"
	ProcessIdle       ProcessState = "idle"
	ProcessProcessing ProcessState = "processing"
)

// Session is one row of the team_sessions table.
type Session struct {
	ID                     int64
	FromTeam               string
	ToTeam                 string
	SessionID              string
	CreatedAt              time.Time
	LastUsedAt             time.Time
	MessageCount           int64
	Status                 Status
	ProcessState           ProcessState
	CurrentCacheSessionID  string
	LastResponseAt         *time.Time
	LaunchCommand          string
	TeamConfigSnapshot     string
}

// ListFilter narrows List; zero values mean "no filter" for that field.
type ListFilter struct {
	Status       Status
	ProcessState ProcessState
}

// Store is the durable session table contract (§4.4), satisfied by a
// concrete SQL-engine-backed implementation (internal/sessionstore/sqlite).
type Store interface {
	Create(ctx context.Context, fromTeam, toTeam, sessionID string, launchCommand, configSnapshot string) (*Session, error)
	GetByPair(ctx context.Context, fromTeam, toTeam string) (*Session, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Session, error)
	List(ctx context.Context, filter ListFilter) ([]*Session, error)

	UpdateLastUsed(ctx context.Context, fromTeam, toTeam string, at time.Time) error
	IncrementMessageCount(ctx context.Context, fromTeam, toTeam string, delta int64) error
	UpdateStatus(ctx context.Context, fromTeam, toTeam string, status Status) error
	UpdateProcessState(ctx context.Context, fromTeam, toTeam string, state ProcessState) error
	SetCurrentCacheSessionID(ctx context.Context, fromTeam, toTeam string, cacheSessionID string) error
	UpdateLastResponse(ctx context.Context, fromTeam, toTeam string, at time.Time) error
	UpdateDebugInfo(ctx context.Context, fromTeam, toTeam string, launchCommand, configSnapshot string) error

	// ResetAllProcessStates forces processState to stopped and clears
	// currentCacheSessionId for every non-stopped row; invoked exactly
	// once at boot before the pool accepts work.
	ResetAllProcessStates(ctx context.Context) error

	// Transaction runs fn atomically against the store.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	Close() error
}
