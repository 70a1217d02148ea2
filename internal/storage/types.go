package storage

import (
	"context"
	"errors"
	"time"

	"bellbot/internal/transport"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines log with an in-memory index
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the message log that backfill reads after a restart.
type Store interface {
	AppendMessage(ctx context.Context, room string, m transport.Message) error
	// MessagesBefore returns up to limit messages of room strictly older
	// than before, newest first.
	MessagesBefore(ctx context.Context, room string, before time.Time, limit int) ([]transport.Message, error)
	// PruneBefore drops messages older than cutoff and reports how many.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// record is the persisted shape of a message (file driver line, sqlite row).
type record struct {
	Room       string `json:"room"`
	ID         int    `json:"id"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text,omitempty"`
	AtMS       int64  `json:"at_ms"`
}

func toRecord(room string, m transport.Message) record {
	return record{
		Room:       room,
		ID:         m.ID,
		ChatID:     m.ChatID,
		ThreadID:   m.ThreadID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		AtMS:       m.At.UnixMilli(),
	}
}

func (r record) message() transport.Message {
	return transport.Message{
		ID:         r.ID,
		ChatID:     r.ChatID,
		ThreadID:   r.ThreadID,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Text:       r.Text,
		At:         time.UnixMilli(r.AtMS),
	}
}

// RoomHistory pages one room of a Store; it satisfies bell.HistorySource.
type RoomHistory struct {
	Store Store
	Room  string
}

func (h RoomHistory) MessagesBefore(ctx context.Context, before time.Time, limit int) ([]transport.Message, error) {
	if h.Store == nil {
		return nil, ErrDisabled
	}
	return h.Store.MessagesBefore(ctx, h.Room, before, limit)
}
