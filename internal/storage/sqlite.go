// Package storage keeps chat sessions for the lifetime of the process in an
// in-memory SQLite database.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/lmdesk/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultTitle names a session until its first user message arrives.
const DefaultTitle = "New Chat"

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding sessions and their messages.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates an empty in-memory database and runs the migrations. Nothing
// outlives the returned Store.
func Open() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Sessions ---

// CreateSession starts an empty session.
func (s *Store) CreateSession(ctx context.Context, title, model string) (Session, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	now := s.now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Model, now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// GetSession returns one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model, created_at, updated_at FROM sessions
		ORDER BY updated_at DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionTitle renames a session.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, s.now().UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// --- Messages ---

// AppendMessage adds m at the end of a session. The first user message also
// titles a session that still has the default title.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, m chat.Message) error {
	images, err := json.Marshal(m.Images)
	if err != nil {
		return fmt.Errorf("encoding images: %w", err)
	}
	if m.Images == nil {
		images = []byte("[]")
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var title string
	if err := tx.QueryRowContext(ctx, `SELECT title FROM sessions WHERE id = ?`, sessionID).Scan(&title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, images, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, seq, string(m.Role), m.Content, string(images), ts.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if title == DefaultTitle && m.Role == chat.RoleUser {
		title = chat.Title([]chat.Message{m})
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, s.now().UTC().Format(timeLayout), sessionID); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return tx.Commit()
}

// Messages returns a session's messages in append order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, images, created_at FROM messages
		WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var (
			m                 chat.Message
			role, images, cts string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &images, &cts); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		if err := json.Unmarshal([]byte(images), &m.Images); err != nil {
			return nil, fmt.Errorf("decoding images of %s: %w", m.ID, err)
		}
		if len(m.Images) == 0 {
			m.Images = nil
		}
		t, err := time.Parse(timeLayout, cts)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.Timestamp = t
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		sess     Session
		cts, uts string
	)
	if err := sc.Scan(&sess.ID, &sess.Title, &sess.Model, &cts, &uts); err != nil {
		return Session{}, err
	}
	var err error
	if sess.CreatedAt, err = time.Parse(timeLayout, cts); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(timeLayout, uts); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
