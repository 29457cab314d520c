package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
)

// Schema statements are kept one statement per entry: the mysql driver
// rejects multi-statement Exec unless multiStatements is enabled in the
// DSN, and MySQL has no CREATE INDEX IF NOT EXISTS, so its indexes are
// declared inline in the CREATE TABLE.
var createSessionsTableSQL = map[string][]string{
	"sqlite3": {`
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL DEFAULT '',
    referenced_tables TEXT NOT NULL,
    pending_clarification TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
	},
	"mysql": {`
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL DEFAULT '',
    referenced_tables TEXT NOT NULL,
    pending_clarification TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    INDEX idx_sessions_updated_at (updated_at)
)`,
	},
	"postgres": {`
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL DEFAULT '',
    referenced_tables TEXT NOT NULL,
    pending_clarification TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
	},
}

var createTurnsTableSQL = map[string][]string{
	"sqlite3": {`
CREATE TABLE IF NOT EXISTS session_turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    turn_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    turn_json TEXT NOT NULL,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_sequence ON session_turns(session_id, sequence_num)`,
	},
	"mysql": {`
CREATE TABLE IF NOT EXISTS session_turns (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    turn_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    turn_json TEXT NOT NULL,
    sequence_num BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
    UNIQUE KEY idx_turns_sequence (session_id, sequence_num)
)`,
	},
	"postgres": {`
CREATE TABLE IF NOT EXISTS session_turns (
    id SERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    turn_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    turn_json TEXT NOT NULL,
    sequence_num BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_sequence ON session_turns(session_id, sequence_num)`,
	},
}

// SQLStore persists sessions in sqlite, mysql or postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
	locks   *lockTable
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens the database and ensures the schema exists.
func NewSQLStore(cfg *config.SessionsConfig) (*SQLStore, error) {
	driver := cfg.DriverName()
	switch driver {
	case "sqlite3", "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported session driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to session database: %w", err)
	}

	s := &SQLStore{
		db:      db,
		dialect: driver,
		locks:   newLockTable(),
		now:     time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := append(append([]string{}, createSessionsTableSQL[s.dialect]...), createTurnsTableSQL[s.dialect]...)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var out []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
		} else {
			out = append(out, query[i])
		}
	}
	return string(out)
}

func (s *SQLStore) Create(ctx context.Context, userID string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO sessions (id, user_id, referenced_tables, pending_clarification, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		sess.ID, userID, "[]", "", now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	sess := &Session{ID: id}
	var tablesJSON string
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT user_id, referenced_tables, pending_clarification, created_at, updated_at
FROM sessions WHERE id = ?`), id).
		Scan(&sess.UserID, &tablesJSON, &sess.PendingClarification, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if err := json.Unmarshal([]byte(tablesJSON), &sess.ReferencedTables); err != nil {
		return nil, fmt.Errorf("failed to decode referenced tables: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT turn_json FROM session_turns WHERE session_id = ? ORDER BY sequence_num`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var turnJSON string
		if err := rows.Scan(&turnJSON); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		var turn Turn
		if err := json.Unmarshal([]byte(turnJSON), &turn); err != nil {
			return nil, fmt.Errorf("failed to decode turn: %w", err)
		}
		sess.Turns = append(sess.Turns, turn)
	}
	return sess, rows.Err()
}

func (s *SQLStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM sessions WHERE id = ?`), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		err = ErrSessionNotFound
		return err
	}

	var seq int
	err = tx.QueryRowContext(ctx, s.rebind(`
SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM session_turns WHERE session_id = ?`), id).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to allocate sequence number: %w", err)
	}
	turn.Sequence = seq

	turnJSON, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO session_turns (session_id, turn_id, role, turn_json, sequence_num, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		id, turn.ID, turn.Role, string(turnJSON), seq, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) AddReferencedTables(ctx context.Context, id string, tables []string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(sess.ReferencedTables))
	merged := sess.ReferencedTables
	for _, t := range merged {
		seen[t] = true
	}
	for _, t := range tables {
		if !seen[t] {
			merged = append(merged, t)
			seen[t] = true
		}
	}
	if merged == nil {
		merged = []string{}
	}

	tablesJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode referenced tables: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
UPDATE sessions SET referenced_tables = ?, updated_at = ? WHERE id = ?`),
		string(tablesJSON), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update referenced tables: %w", err)
	}
	return nil
}

func (s *SQLStore) SetPendingClarification(ctx context.Context, id string, question string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE sessions SET pending_clarification = ?, updated_at = ? WHERE id = ?`),
		question, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update clarification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) TryAcquire(id string) error {
	return s.locks.tryAcquire(id)
}

func (s *SQLStore) Release(id string) {
	s.locks.release(id)
}

func (s *SQLStore) DeleteExpired(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := s.now().Add(-maxIdle)

	// turns first, for engines without cascading deletes enabled
	_, err := s.db.ExecContext(ctx, s.rebind(`
DELETE FROM session_turns WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < ?)`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired turns: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE updated_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// NewStore builds the configured session backend.
func NewStore(cfg *config.SessionsConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sql":
		return NewSQLStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", cfg.Backend)
	}
}
