package transport

import (
	"context"
	"time"
)

// Message is a single chat message as seen by the watch pipeline.
//
// SenderName is the display name used by nick rules; SenderID is the stable
// identifier used by uid rules. Both are chat-service specific strings.
type Message struct {
	ID         int
	ChatID     int64
	ThreadID   int // telegram forum topic thread id (0 if none)
	SenderID   string
	SenderName string
	Text       string
	At         time.Time
}

// Target returns the chat (and thread) the message was posted in.
func (m Message) Target() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender posts text into a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a chat service connection: a live message feed plus sending.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}
