package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one recorded session transition.
type Entry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Seq          uint64    `json:"seq"`
	State        string    `json:"state"`
	Transcript   string    `json:"transcript"`
	LastResponse string    `json:"last_response,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StatusCode   int       `json:"status_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed session timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the timeline according to config. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("timeline vacuum failed", slog.String("error", err.Error()))
		}
	}
	if _, err := s.Prune(ctx); err != nil {
		log.Warn("timeline prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		node_id    TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		seq           INTEGER NOT NULL,
		state         TEXT NOT NULL,
		transcript    TEXT NOT NULL DEFAULT '',
		last_response TEXT NOT NULL DEFAULT '',
		error_kind    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		status_code   INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_session_seq ON transitions(session_id, seq)`,
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate timeline schema: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenSession ensures a session row exists.
func (s *Store) OpenSession(ctx context.Context, sessionID, nodeID string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, node_id, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET node_id=excluded.node_id`,
		sessionID, nodeID, s.clock().UnixNano())
	return err
}

// Append writes a transition into the timeline.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if !s.enabled() {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(session_id, seq, state, transcript, last_response, error_kind, error_message, status_code, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, int64(e.Seq), e.State, e.Transcript, e.LastResponse, e.ErrorKind, e.ErrorMessage, e.StatusCode, e.CreatedAt.UnixNano())
	return err
}

// History retrieves up to limit most recent transitions for a session, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, state, transcript, last_response, error_kind, error_message, status_code, created_at
		 FROM (SELECT * FROM transitions WHERE session_id = ? ORDER BY seq DESC LIMIT ?)
		 ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &seq, &e.State, &e.Transcript, &e.LastResponse,
			&e.ErrorKind, &e.ErrorMessage, &e.StatusCode, &created); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune drops sessions older than the retention window and, beyond that, all but the
// newest MaxSessions. Transitions go with their session. It reports how many sessions
// were removed. Only persistent and session retention modes prune.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if !s.enabled() {
		return 0, nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var removed int64
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().AddDate(0, 0, -s.cfg.RetentionDays).UnixNano()
		n, err := execCount(ctx, tx, `DELETE FROM sessions WHERE created_at < ?`, cutoff)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		removed += n
	}
	if s.cfg.MaxSessions > 0 {
		n, err := execCount(ctx, tx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		removed += n
	}
	// Cascade covers this when foreign keys are on; orphans from older files are not.
	if _, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE session_id NOT IN (SELECT session_id FROM sessions)`); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("pruned session timelines", slog.Int64("sessions", removed))
	}
	return removed, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
