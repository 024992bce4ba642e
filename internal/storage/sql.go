package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/formsync/internal/model"
)

// sqlRepo is the database/sql implementation shared by SQLite and Postgres.
// Queries are written with ? placeholders and rebound per dialect.
type sqlRepo struct {
	db      *sql.DB
	dialect string
	path    string
	mu      sync.RWMutex
}

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func rebind(dialect, query string) string {
	if dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (r *sqlRepo) q(query string) string { return rebind(r.dialect, query) }

func (r *sqlRepo) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)
	`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL DEFAULT '',
			template_id   TEXT NOT NULL DEFAULT '',
			document      TEXT NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,
			created_at    BIGINT NOT NULL,
			last_activity BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS sessions_activity ON sessions (active, last_activity)`,
	); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO _meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`), "1"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

func (r *sqlRepo) Close() error {
	return r.db.Close()
}

// Path returns the database file path (empty for Postgres).
func (r *sqlRepo) Path() string {
	return r.path
}

func (r *sqlRepo) FindSession(ctx context.Context, id string) (model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var doc string
	var active int
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT document, active FROM sessions WHERE id = ?`),
		model.NormalizeSessionID(id),
	).Scan(&doc, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, model.ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("find session: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return model.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	s.Normalize()
	s.Active = active != 0
	return s, nil
}

func (r *sqlRepo) CreateSession(ctx context.Context, s model.Session) error {
	s = prepare(s)
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO sessions (id, title, template_id, document, active, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), s.ID, s.Title, s.TemplateID, string(doc), boolInt(s.Active), s.CreatedAt, s.LastActivity)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrSessionExists
	}
	log.Printf("STORAGE: created session %s (%s)", s.ID, s.Title)
	return nil
}

func (r *sqlRepo) SaveSession(ctx context.Context, s model.Session) error {
	s = prepare(s)
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO sessions (id, title, template_id, document, active, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			template_id = excluded.template_id,
			document = excluded.document,
			active = excluded.active,
			last_activity = excluded.last_activity
	`), s.ID, s.Title, s.TemplateID, string(doc), boolInt(s.Active), s.CreatedAt, s.LastActivity); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *sqlRepo) MarkInactive(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		r.q(`UPDATE sessions SET active = 0 WHERE active = 1 AND last_activity < ?`),
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark inactive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark inactive: %w", err)
	}
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
