// Package session persists generated lessons and the learner's progress
// through them in SQLite.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codecoach/internal/checkpoint"
	"codecoach/internal/feedback"
	"codecoach/internal/logging"
	"codecoach/internal/retrieval"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("session not found")
	// ErrNoCheckpoint is returned for an index the session does not have.
	ErrNoCheckpoint = errors.New("checkpoint not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	problem     TEXT NOT NULL,
	checkpoints TEXT NOT NULL,
	retrieval   TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS attempts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT NOT NULL,
	checkpoint_index INTEGER NOT NULL,
	code             TEXT NOT NULL,
	passed           INTEGER NOT NULL,
	message          TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id, checkpoint_index);

CREATE TABLE IF NOT EXISTS completions (
	session_id       TEXT NOT NULL,
	checkpoint_index INTEGER NOT NULL,
	completed_at     INTEGER NOT NULL,
	PRIMARY KEY (session_id, checkpoint_index)
);
`

// Session is a generated lesson and the learner's progress through it.
type Session struct {
	ID          string                  `json:"id"`
	Problem     string                  `json:"problem"`
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
	Retrieval   *retrieval.Result       `json:"retrieval,omitempty"`
	Progress    []Progress              `json:"progress"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	// ExpiresAt is zero for sessions that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Progress is the state of one checkpoint.
type Progress struct {
	Index       int        `json:"index"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastPassed  bool       `json:"last_passed"`
	LastCode    string     `json:"last_code,omitempty"`
}

// Summary is a session without its checkpoints.
type Summary struct {
	ID          string    `json:"id"`
	Problem     string    `json:"problem"`
	Checkpoints int       `json:"checkpoints"`
	Completed   int       `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Attempt is one recorded submission.
type Attempt struct {
	Index     int       `json:"index"`
	Code      string    `json:"code"`
	Passed    bool      `json:"passed"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite-backed session store. Sessions expire ttl after their
// last activity; a non-positive ttl keeps them forever.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string, ttl time.Duration) (*Store, error) {
	timer := logging.StartTimer(logging.CategorySession, "Open session store")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.SessionDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.SessionDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Session("Session store ready at %s (ttl=%s)", path, ttl)
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) expiry(now time.Time) int64 {
	if s.ttl <= 0 {
		return 0
	}
	return now.Add(s.ttl).UnixNano()
}

// Create stores a new session and returns it.
func (s *Store) Create(ctx context.Context, problem string, cps []checkpoint.Checkpoint, found *retrieval.Result) (*Session, error) {
	cpJSON, err := json.Marshal(cps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoints: %w", err)
	}
	var retJSON []byte
	if found != nil {
		if retJSON, err = json.Marshal(found); err != nil {
			return nil, fmt.Errorf("failed to encode retrieval: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, problem, checkpoints, retrieval, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, problem, string(cpJSON), nullString(retJSON), now.UnixNano(), now.UnixNano(), s.expiry(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	logging.Session("Created session %s with %d checkpoints", id, len(cps))
	logging.AuditWithSession(id).SessionOpen(len(cps))
	return s.get(ctx, id)
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// Get returns the session with its progress.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (*Session, error) {
	var (
		sess             Session
		cpJSON           string
		retJSON          sql.NullString
		created, updated int64
		expires          int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, problem, checkpoints, retrieval, created_at, updated_at, expires_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Problem, &cpJSON, &retJSON, &created, &updated, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if expires > 0 && expires <= s.now().UnixNano() {
		return nil, ErrNotFound
	}

	if err := json.Unmarshal([]byte(cpJSON), &sess.Checkpoints); err != nil {
		return nil, fmt.Errorf("corrupt checkpoints for session %s: %w", id, err)
	}
	if retJSON.Valid {
		var r retrieval.Result
		if err := json.Unmarshal([]byte(retJSON.String), &r); err == nil {
			sess.Retrieval = &r
		}
	}
	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)
	if expires > 0 {
		sess.ExpiresAt = time.Unix(0, expires)
	}

	progress, err := s.progress(ctx, id, len(sess.Checkpoints))
	if err != nil {
		return nil, err
	}
	sess.Progress = progress
	return &sess, nil
}

func (s *Store) progress(ctx context.Context, id string, n int) ([]Progress, error) {
	out := make([]Progress, n)
	for i := range out {
		out[i].Index = i
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_index, code, passed FROM attempts WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			idx    int
			code   string
			passed bool
		)
		if err := rows.Scan(&idx, &code, &passed); err != nil {
			return nil, err
		}
		if idx < 0 || idx >= n {
			continue
		}
		out[idx].Attempts++
		out[idx].LastCode = code
		out[idx].LastPassed = passed
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_index, completed_at FROM completions WHERE session_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load completions: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var idx int
		var at int64
		if err := crows.Scan(&idx, &at); err != nil {
			return nil, err
		}
		if idx < 0 || idx >= n {
			continue
		}
		t := time.Unix(0, at)
		out[idx].Completed = true
		out[idx].CompletedAt = &t
	}
	return out, crows.Err()
}

// Checkpoint returns one checkpoint of a live session.
func (s *Store) Checkpoint(ctx context.Context, id string, index int) (checkpoint.Checkpoint, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if index < 0 || index >= len(sess.Checkpoints) {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: %d", ErrNoCheckpoint, index)
	}
	return sess.Checkpoints[index], nil
}

// RecordAttempt stores a submission and its outcome. A pass marks the
// checkpoint complete; a later failure never clears it. Activity extends
// the session's expiry.
func (s *Store) RecordAttempt(ctx context.Context, id string, index int, code string, out feedback.Outcome) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.get(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	if index < 0 || index >= len(sess.Checkpoints) {
		return Progress{}, fmt.Errorf("%w: %d", ErrNoCheckpoint, index)
	}

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Progress{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attempts (session_id, checkpoint_index, code, passed, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, index, code, out.Passed, out.Message, now.UnixNano()); err != nil {
		return Progress{}, fmt.Errorf("failed to record attempt: %w", err)
	}
	if out.Passed {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO completions (session_id, checkpoint_index, completed_at) VALUES (?, ?, ?)`,
			id, index, now.UnixNano()); err != nil {
			return Progress{}, fmt.Errorf("failed to record completion: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, expires_at = ? WHERE id = ?`,
		now.UnixNano(), s.expiry(now), id); err != nil {
		return Progress{}, err
	}
	if err := tx.Commit(); err != nil {
		return Progress{}, fmt.Errorf("failed to commit attempt: %w", err)
	}

	progress, err := s.progress(ctx, id, len(sess.Checkpoints))
	if err != nil {
		return Progress{}, err
	}
	p := progress[index]
	logging.SessionDebug("Attempt on %s/%d: passed=%v completed=%v attempts=%d", id, index, out.Passed, p.Completed, p.Attempts)
	return p, nil
}

// Attempts lists a checkpoint's submissions, oldest first.
func (s *Store) Attempts(ctx context.Context, id string, index int) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_index, code, passed, message, created_at
		 FROM attempts WHERE session_id = ? AND checkpoint_index = ? ORDER BY id`, id, index)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Attempt{}
	for rows.Next() {
		var a Attempt
		var at int64
		if err := rows.Scan(&a.Index, &a.Code, &a.Passed, &a.Message, &at); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(0, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// List returns live sessions, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.problem, s.checkpoints, s.created_at, s.expires_at,
		        (SELECT COUNT(*) FROM completions c WHERE c.session_id = s.id)
		 FROM sessions s
		 WHERE s.expires_at = 0 OR s.expires_at > ?
		 ORDER BY s.created_at DESC`, s.now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			sum              Summary
			cpJSON           string
			created, expires int64
		)
		if err := rows.Scan(&sum.ID, &sum.Problem, &cpJSON, &created, &expires, &sum.Completed); err != nil {
			return nil, err
		}
		var cps []json.RawMessage
		if err := json.Unmarshal([]byte(cpJSON), &cps); err == nil {
			sum.Checkpoints = len(cps)
		}
		sum.CreatedAt = time.Unix(0, created)
		if expires > 0 {
			sum.ExpiresAt = time.Unix(0, expires)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a session and everything recorded against it.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.deleteWhere(ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Expire deletes sessions whose expiry has passed and returns how many.
func (s *Store) Expire(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.deleteWhere(ctx, "expires_at > 0 AND expires_at <= ?", s.now().UnixNano())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Session("Expired %d sessions", n)
	}
	return n, nil
}

func (s *Store) deleteWhere(ctx context.Context, where string, args ...any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	sub := "SELECT id FROM sessions WHERE " + where
	for _, table := range []string{"attempts", "completions"} {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE session_id IN ("+sub+")", args...); err != nil {
			return 0, fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// RunExpiry calls Expire every interval until ctx is done.
func (s *Store) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Expire(ctx); err != nil && ctx.Err() == nil {
				logging.SessionWarn("Session expiry failed: %v", err)
			}
		}
	}
}
