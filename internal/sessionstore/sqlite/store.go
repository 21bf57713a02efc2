// Package sqlite is the SQLite-backed implementation of sessionstore.Store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jenova-marie/iris-mcp-sub002/internal/sessionstore"
)

// execer is the subset of *sqlx.DB / *sqlx.Tx this store needs; methods are
// written against it so Transaction can route them through a *sqlx.Tx
// without duplicating every query.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Rebind(query string) string
}

type txKey struct{}

// Store is a single-writer, many-reader SQLite-backed sessionstore.Store.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the SQLite database at path and ensures
// the team_sessions schema exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only truly supports one concurrent writer; a single
	// connection avoids SQLITE_BUSY from the driver's own pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS team_sessions (
			id                        INTEGER PRIMARY KEY,
			from_team                 TEXT NOT NULL,
			to_team                   TEXT NOT NULL,
			session_id                TEXT NOT NULL UNIQUE,
			created_at                INTEGER NOT NULL,
			last_used_at              INTEGER NOT NULL,
			message_count             INTEGER NOT NULL DEFAULT 0,
			status                    TEXT NOT NULL DEFAULT 'active',
			process_state             TEXT NOT NULL DEFAULT 'stopped',
			current_cache_session_id  TEXT,
			last_response_at         INTEGER,
			launch_command            TEXT,
			team_config_snapshot      TEXT,
			UNIQUE(from_team, to_team)
		)
	`)
	if err != nil {
		return err
	}
	if err := s.runMigrations(); err != nil {
		return err
	}
	return s.ensureIndexes()
}

// runMigrations applies idempotent ALTER TABLE statements for schema
// evolution; errors from a column that already exists are ignored.
func (s *Store) runMigrations() error {
	_, _ = s.db.Exec(`ALTER TABLE team_sessions ADD COLUMN team_config_snapshot TEXT`)
	return nil
}

func (s *Store) ensureIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_team_sessions_pair ON team_sessions(from_team, to_team)`,
		`CREATE INDEX IF NOT EXISTS idx_team_sessions_session_id ON team_sessions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_team_sessions_status ON team_sessions(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func epochMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromEpochMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Store) Create(ctx context.Context, fromTeam, toTeam, sessionID, launchCommand, configSnapshot string) (*sessionstore.Session, error) {
	now := time.Now()
	row := &sessionstore.Session{
		FromTeam:           fromTeam,
		ToTeam:             toTeam,
		SessionID:          sessionID,
		CreatedAt:          now,
		LastUsedAt:         now,
		Status:             sessionstore.StatusActive,
		ProcessState:       sessionstore.ProcessStopped,
		LaunchCommand:      launchCommand,
		TeamConfigSnapshot: configSnapshot,
	}

	conn := s.conn(ctx)
	res, err := conn.ExecContext(ctx, conn.Rebind(`
		INSERT INTO team_sessions
			(from_team, to_team, session_id, created_at, last_used_at, status, process_state, launch_command, team_config_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), fromTeam, toTeam, sessionID, epochMS(now), epochMS(now), string(row.Status), string(row.ProcessState), launchCommand, configSnapshot)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create session: last insert id: %w", err)
	}
	row.ID = id
	return row, nil
}

func (s *Store) scanSession(row interface {
	Scan(dest ...any) error
}) (*sessionstore.Session, error) {
	var (
		sess                  sessionstore.Session
		createdAtMS           int64
		lastUsedAtMS          int64
		status                string
		processState          string
		currentCacheSessionID sql.NullString
		lastResponseAtMS      sql.NullInt64
		launchCommand         sql.NullString
		configSnapshot        sql.NullString
	)
	if err := row.Scan(
		&sess.ID, &sess.FromTeam, &sess.ToTeam, &sess.SessionID,
		&createdAtMS, &lastUsedAtMS, &sess.MessageCount,
		&status, &processState, &currentCacheSessionID, &lastResponseAtMS,
		&launchCommand, &configSnapshot,
	); err != nil {
		return nil, err
	}

	sess.CreatedAt = fromEpochMS(createdAtMS)
	sess.LastUsedAt = fromEpochMS(lastUsedAtMS)
	sess.Status = sessionstore.Status(status)
	sess.ProcessState = sessionstore.ProcessState(processState)
	sess.CurrentCacheSessionID = currentCacheSessionID.String
	sess.LaunchCommand = launchCommand.String
	sess.TeamConfigSnapshot = configSnapshot.String
	if lastResponseAtMS.Valid {
		t := fromEpochMS(lastResponseAtMS.Int64)
		sess.LastResponseAt = &t
	}
	return &sess, nil
}

const selectColumns = `id, from_team, to_team, session_id, created_at, last_used_at, message_count,
	status, process_state, current_cache_session_id, last_response_at, launch_command, team_config_snapshot`

func (s *Store) GetByPair(ctx context.Context, fromTeam, toTeam string) (*sessionstore.Session, error) {
	conn := s.conn(ctx)
	row := conn.QueryRowContext(ctx, conn.Rebind(`SELECT `+selectColumns+` FROM team_sessions WHERE from_team = ? AND to_team = ?`), fromTeam, toTeam)
	sess, err := s.scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session by pair: %w", err)
	}
	return sess, nil
}

func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*sessionstore.Session, error) {
	conn := s.conn(ctx)
	row := conn.QueryRowContext(ctx, conn.Rebind(`SELECT `+selectColumns+` FROM team_sessions WHERE session_id = ?`), sessionID)
	sess, err := s.scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session by session id: %w", err)
	}
	return sess, nil
}

func (s *Store) List(ctx context.Context, filter sessionstore.ListFilter) ([]*sessionstore.Session, error) {
	query := `SELECT ` + selectColumns + ` FROM team_sessions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ProcessState != "" {
		query += ` AND process_state = ?`
		args = append(args, string(filter.ProcessState))
	}
	query += ` ORDER BY id`

	conn := s.conn(ctx)
	rows, err := conn.QueryContext(ctx, conn.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*sessionstore.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) UpdateLastUsed(ctx context.Context, fromTeam, toTeam string, at time.Time) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, conn.Rebind(`UPDATE team_sessions SET last_used_at = ? WHERE from_team = ? AND to_team = ?`), epochMS(at), fromTeam, toTeam)
	return err
}

func (s *Store) IncrementMessageCount(ctx context.Context, fromTeam, toTeam string, delta int64) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, conn.Rebind(`UPDATE team_sessions SET message_count = message_count + ? WHERE from_team = ? AND to_team = ?`), delta, fromTeam, toTeam)
	return err
}

func (s *Store) UpdateStatus(ctx context.Context, fromTeam, toTeam string, status sessionstore.Status) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, conn.Rebind(`UPDATE team_sessions SET status = ? WHERE from_team = ? AND to_team = ?`), string(status), fromTeam, toTeam)
	return err
}

func (s *Store) UpdateProcessState(ctx context.Context, fromTeam, toTeam string, state sessionstore.ProcessState) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, conn.Rebind(`UPDATE team_sessions SET process_state = ? WHERE from_team = ? AND to_team = ?`), string(state), fromTeam, toTeam)
	return err
}

func (s *Store) SetCurrentCacheSessionID(ctx context.Context, fromTeam, toTeam, cacheSessionID string) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, conn.Rebind(`UPDATE team_sessions SET current_cache_session_id = ? WHERE from_team = ? AND to_team = ?`), cacheSessionID, fromTeam, toTeam)
	return err
}

func (s *Store) UpdateLastResponse(ctx context.Context, fromTeam, toTeam string, at time.Time) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, conn.Rebind(`UPDATE team_sessions SET last_response_at = ? WHERE from_team = ? AND to_team = ?`), epochMS(at), fromTeam, toTeam)
	return err
}

func (s *Store) UpdateDebugInfo(ctx context.Context, fromTeam, toTeam, launchCommand, configSnapshot string) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, conn.Rebind(`UPDATE team_sessions SET launch_command = ?, team_config_snapshot = ? WHERE from_team = ? AND to_team = ?`), launchCommand, configSnapshot, fromTeam, toTeam)
	return err
}

// ResetAllProcessStates forces every non-stopped row back to stopped and
// clears its current cache session id; invoked once at boot (§4.5).
func (s *Store) ResetAllProcessStates(ctx context.Context) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, conn.Rebind(`
		UPDATE team_sessions
		SET process_state = ?, current_cache_session_id = NULL
		WHERE process_state != ?
	`), string(sessionstore.ProcessStopped), string(sessionstore.ProcessStopped))
	return err
}

// Transaction runs fn atomically; a panic inside fn rolls back and
// re-panics, mirroring the teacher's WithTx helper.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var _ sessionstore.Store = (*Store)(nil)
