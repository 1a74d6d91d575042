// Package audit keeps a durable log of escalation engine activity.
//
// It uses SQLite to store server sessions, every accepted action event
// (with its fingerprint), every emitted escalation record, and every
// resolution. The log is append-only; the engine never reads it back while
// serving, so a broken audit store cannot change a routing decision.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/HendryAvila/handoff/internal/fingerprint"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// DBFile is the database filename inside the data directory.
const DBFile = "audit.db"

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("audit: not found")

// ─── Types ───────────────────────────────────────────────────────────────────

// Session is one run of the server (or one replay).
type Session struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	StartedAt   string  `json:"started_at"`
	EndedAt     *string `json:"ended_at,omitempty"`
	Events      int     `json:"events"`
	Escalations int     `json:"escalations"`
}

// EventEntry is an accepted action event as stored.
type EventEntry struct {
	ID          int64                   `json:"id"`
	SessionID   string                  `json:"session_id"`
	Event       escalation.ActionEvent  `json:"event"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	Ordinal     int64                   `json:"ordinal"`
	State       escalation.State        `json:"state"`
	CreatedAt   string                  `json:"created_at"`
}

// EscalationEntry is an emitted record as stored.
type EscalationEntry struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Record    escalation.Record `json:"record"`
	CreatedAt string            `json:"created_at"`
}

// PolicyEntry is a policy a session ran under from AfterEvent onward.
// AfterEvent is the highest event ID the session had stored when the
// policy took effect, 0 if none.
type PolicyEntry struct {
	AfterEvent int64             `json:"after_event"`
	Policy     escalation.Policy `json:"policy"`
	CreatedAt  string            `json:"created_at"`
}

// HistoryOptions filters Escalations. Zero values mean "any".
type HistoryOptions struct {
	SessionID    string
	SubproblemID string
	Trigger      escalation.TriggerKind
	Limit        int
}

// Stats holds aggregate audit statistics.
type Stats struct {
	TotalSessions    int            `json:"total_sessions"`
	TotalEvents      int            `json:"total_events"`
	TotalEscalations int            `json:"total_escalations"`
	TotalResolutions int            `json:"total_resolutions"`
	ByTrigger        map[string]int `json:"by_trigger"`
	ByRole           map[string]int `json:"by_role"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds audit store configuration.
type Config struct {
	DataDir string
}

// DefaultConfig returns the default configuration for the audit store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{DataDir: filepath.Join(home, ".handoff")}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the audit log backed by SQLite.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New opens the audit store.
// It creates the data directory if needed, opens SQLite with WAL mode,
// and runs migrations.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create data dir: %w", err)
	}

	db, err := openDB("sqlite", filepath.Join(cfg.DataDir, DBFile))
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("audit: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return filepath.Join(s.cfg.DataDir, DBFile)
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			label      TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL DEFAULT (datetime('now')),
			ended_at   TEXT
		);

		CREATE TABLE IF NOT EXISTS events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id      TEXT    NOT NULL,
			subproblem_id   TEXT    NOT NULL,
			component       TEXT,
			kind            TEXT    NOT NULL,
			outcome         TEXT    NOT NULL,
			message         TEXT,
			fingerprint     TEXT,
			service_failure INTEGER NOT NULL DEFAULT 0,
			timestamp       INTEGER NOT NULL,
			ordinal         INTEGER NOT NULL,
			state           TEXT    NOT NULL,
			created_at      TEXT    NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_session    ON events(session_id);
		CREATE INDEX IF NOT EXISTS idx_events_subproblem ON events(subproblem_id);

		CREATE TABLE IF NOT EXISTS escalations (
			id            TEXT    PRIMARY KEY,
			session_id    TEXT    NOT NULL,
			subproblem_id TEXT    NOT NULL,
			component     TEXT,
			trigger_kind  TEXT    NOT NULL,
			role          TEXT    NOT NULL,
			ordinal       INTEGER NOT NULL,
			context       TEXT    NOT NULL,
			created_at    TEXT    NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_esc_session    ON escalations(session_id);
		CREATE INDEX IF NOT EXISTS idx_esc_subproblem ON escalations(subproblem_id);
		CREATE INDEX IF NOT EXISTS idx_esc_trigger    ON escalations(trigger_kind);

		CREATE TABLE IF NOT EXISTS resolutions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id    TEXT    NOT NULL,
			subproblem_id TEXT    NOT NULL,
			ordinal       INTEGER NOT NULL,
			escalations   INTEGER NOT NULL,
			created_at    TEXT    NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE TABLE IF NOT EXISTS policies (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT    NOT NULL,
			after_event INTEGER NOT NULL,
			policy      TEXT    NOT NULL,
			created_at  TEXT    NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_policies_session ON policies(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// StartSession registers a new session and returns its generated ID.
func (s *Store) StartSession(ctx context.Context, label string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, label) VALUES (?, ?)`, id, label,
	); err != nil {
		return "", fmt.Errorf("audit: start session: %w", err)
	}
	return id, nil
}

// EndSession marks a session as finished.
func (s *Store) EndSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = datetime('now') WHERE id = ? AND ended_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("audit: end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: open session %q", ErrNotFound, id)
	}
	return nil
}

// Sessions returns the most recent sessions with their event and escalation counts.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.label, s.started_at, s.ended_at,
		       (SELECT COUNT(*) FROM events e WHERE e.session_id = s.id),
		       (SELECT COUNT(*) FROM escalations x WHERE x.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC, s.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var ss Session
		if err := rows.Scan(&ss.ID, &ss.Label, &ss.StartedAt, &ss.EndedAt, &ss.Events, &ss.Escalations); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// LatestSession returns the ID of the most recently started session.
func (s *Store) LatestSession(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no sessions", ErrNotFound)
	}
	return id, err
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// InsertEvent stores an accepted event with the tracker state it produced.
func (s *Store) InsertEvent(ctx context.Context, sessionID string, ev escalation.ActionEvent, snap escalation.Snapshot) error {
	var fp *string
	if ev.Outcome == escalation.OutcomeFailure && ev.RawMessage != "" {
		f := fingerprint.Of(ev.RawMessage).String()
		fp = &f
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, subproblem_id, component, kind, outcome, message,
		                    fingerprint, service_failure, timestamp, ordinal, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ev.SubproblemID, nullableString(ev.Component), string(ev.Kind), string(ev.Outcome),
		nullableString(ev.RawMessage), fp, ev.ServiceFailure, ev.Timestamp, snap.Ordinal, string(snap.State),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// InsertEscalation stores a record and returns its generated ID.
func (s *Store) InsertEscalation(ctx context.Context, sessionID string, rec escalation.Record) (string, error) {
	payload, err := json.Marshal(rec.Context)
	if err != nil {
		return "", fmt.Errorf("audit: encode context: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, session_id, subproblem_id, component, trigger_kind, role, ordinal, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, rec.SubproblemID, nullableString(rec.Component),
		string(rec.Trigger), string(rec.Role), rec.Ordinal, string(payload),
	)
	if err != nil {
		return "", fmt.Errorf("audit: insert escalation: %w", err)
	}
	return id, nil
}

// InsertResolution stores a resolution.
func (s *Store) InsertResolution(ctx context.Context, sessionID string, snap escalation.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolutions (session_id, subproblem_id, ordinal, escalations)
		VALUES (?, ?, ?, ?)`,
		sessionID, snap.SubproblemID, snap.Ordinal, snap.TotalEscalations,
	)
	if err != nil {
		return fmt.Errorf("audit: insert resolution: %w", err)
	}
	return nil
}

// RecordPolicy stores p as the policy in force for the session's events
// from now on.
func (s *Store) RecordPolicy(ctx context.Context, sessionID string, p escalation.Policy) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("audit: encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (session_id, after_event, policy)
		VALUES (?, COALESCE((SELECT MAX(id) FROM events WHERE session_id = ?), 0), ?)`,
		sessionID, sessionID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("audit: record policy: %w", err)
	}
	return nil
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Escalations returns stored records, newest first.
func (s *Store) Escalations(ctx context.Context, opts HistoryOptions) ([]EscalationEntry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	query := `
		SELECT id, session_id, subproblem_id, component, trigger_kind, role, ordinal, context, created_at
		FROM escalations
		WHERE 1=1
	`
	var args []any
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.SubproblemID != "" {
		query += " AND subproblem_id = ?"
		args = append(args, opts.SubproblemID)
	}
	if opts.Trigger != "" {
		query += " AND trigger_kind = ?"
		args = append(args, string(opts.Trigger))
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EscalationEntry
	for rows.Next() {
		var (
			e         EscalationEntry
			component sql.NullString
			payload   string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Record.SubproblemID, &component,
			&e.Record.Trigger, &e.Record.Role, &e.Record.Ordinal, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Record.Component = component.String
		if err := json.Unmarshal([]byte(payload), &e.Record.Context); err != nil {
			return nil, fmt.Errorf("audit: decode context of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Events returns the accepted events of a session in acceptance order,
// optionally narrowed to one sub-problem.
func (s *Store) Events(ctx context.Context, sessionID, subproblemID string) ([]EventEntry, error) {
	query := `
		SELECT id, session_id, subproblem_id, component, kind, outcome, message,
		       fingerprint, service_failure, timestamp, ordinal, state, created_at
		FROM events
		WHERE session_id = ?
	`
	args := []any{sessionID}
	if subproblemID != "" {
		query += " AND subproblem_id = ?"
		args = append(args, subproblemID)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EventEntry
	for rows.Next() {
		var (
			e                      EventEntry
			component, message, fp sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Event.SubproblemID, &component,
			&e.Event.Kind, &e.Event.Outcome, &message, &fp, &e.Event.ServiceFailure,
			&e.Event.Timestamp, &e.Ordinal, &e.State, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Event.Component = component.String
		e.Event.RawMessage = message.String
		e.Fingerprint = fingerprint.Fingerprint(fp.String)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Policies returns the policies a session ran under, oldest first.
func (s *Store) Policies(ctx context.Context, sessionID string) ([]PolicyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT after_event, policy, created_at
		FROM policies
		WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PolicyEntry
	for rows.Next() {
		var (
			e       PolicyEntry
			payload string
		)
		if err := rows.Scan(&e.AfterEvent, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Policy); err != nil {
			return nil, fmt.Errorf("audit: decode policy: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate audit statistics.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByTrigger: map[string]int{}, ByRole: map[string]int{}}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM sessions", &stats.TotalSessions},
		{"SELECT COUNT(*) FROM events", &stats.TotalEvents},
		{"SELECT COUNT(*) FROM escalations", &stats.TotalEscalations},
		{"SELECT COUNT(*) FROM resolutions", &stats.TotalResolutions},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("audit: stats: %w", err)
		}
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"trigger_kind", stats.ByTrigger},
		{"role", stats.ByRole},
	}
	for _, g := range groups {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+g.column+", COUNT(*) FROM escalations GROUP BY "+g.column)
		if err != nil {
			return nil, fmt.Errorf("audit: stats: %w", err)
		}
		for rows.Next() {
			var (
				key string
				n   int
			)
			if err := rows.Scan(&key, &n); err != nil {
				_ = rows.Close()
				return nil, err
			}
			g.into[key] = n
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
