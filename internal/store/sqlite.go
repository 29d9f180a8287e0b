package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"carbontrail/internal/event"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open initializes the sqlite-backed store, creating the database file
// and schema as needed.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadState(ctx context.Context) (map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM agent_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveState(ctx context.Context, fields map[string]string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for k, v := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_state(key, value, updated_at) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			k, v, now,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendPending(ctx context.Context, item PendingItem) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return err
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_activities(payload, source, queued_at) VALUES(?,?,?)`,
		string(payload), string(item.Source), item.QueuedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListPending(ctx context.Context, limit int) ([]PendingItem, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	q := `SELECT id, payload, source, queued_at FROM pending_activities ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		items   []PendingItem
		corrupt []int64
	)
	for rows.Next() {
		var (
			it       PendingItem
			payload  string
			source   string
			queuedMS int64
		)
		if err := rows.Scan(&it.ID, &payload, &source, &queuedMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
			// A corrupt row must not wedge the whole queue; drop it for
			// good so it stops inflating the queue depth.
			s.log.Warn().Int64("id", it.ID).Err(err).Msg("deleting undecodable pending item")
			corrupt = append(corrupt, it.ID)
			continue
		}
		it.Source = event.Provider(source)
		it.QueuedAt = time.UnixMilli(queuedMS)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The pool is capped at one connection; release it before deleting.
	rows.Close()
	for _, id := range corrupt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_activities WHERE id = ?`, id); err != nil {
			s.log.Warn().Int64("id", id).Err(err).Msg("corrupt pending item delete failed")
		}
	}
	return items, nil
}

func (s *sqliteStore) RemovePending(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_activities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PendingCount(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_activities`).Scan(&n)
	return n, err
}
