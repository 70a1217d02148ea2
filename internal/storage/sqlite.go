package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bellbot/internal/transport"
	logx "bellbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendMessage(ctx context.Context, room string, m transport.Message) error {
	r := toRecord(room, m)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages(room, chat_id, msg_id, thread_id, sender_id, sender_name, text, at_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.Room, r.ChatID, r.ID, r.ThreadID, r.SenderID, r.SenderName, nullStr(r.Text), r.AtMS,
	)
	return err
}

func (s *sqliteStore) MessagesBefore(ctx context.Context, room string, before time.Time, limit int) ([]transport.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, msg_id, thread_id, sender_id, sender_name, COALESCE(text, ''), at_ms
		 FROM messages WHERE room = ? AND at_ms < ?
		 ORDER BY at_ms DESC, msg_id DESC LIMIT ?`,
		room, before.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]transport.Message, 0, limit)
	for rows.Next() {
		r := record{Room: room}
		if err := rows.Scan(&r.ChatID, &r.ID, &r.ThreadID, &r.SenderID, &r.SenderName, &r.Text, &r.AtMS); err != nil {
			return nil, err
		}
		out = append(out, r.message())
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
