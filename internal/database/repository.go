package database

import (
	"context"

	"github.com/npezzotti/go-ticketchat/internal/tickets"
)

// MessageLog is the append/query store behind chat history. Messages are
// unique per (ticket, seq).
type MessageLog interface {
	AppendMessage(ctx context.Context, msg Message) error
	AppendDemo(ctx context.Context, demo Demo) error
	LastSeq(ctx context.Context, ticketId string) (int64, error)
	Messages(ctx context.Context, q MessageQuery) ([]Message, error)
	Demos(ctx context.Context, ticketId string, limit int) ([]Demo, error)
}

type ChatRepository interface {
	MessageLog
	tickets.Directory
	Ping(ctx context.Context) error
}
