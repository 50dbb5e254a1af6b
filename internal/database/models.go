package database

import "time"

type Ticket struct {
	Id          string
	RequesterId string
	ExpertId    string
	CreatedAt   time.Time
}

type Message struct {
	TicketId   string
	SeqId      int64
	SenderId   string
	SenderName string
	SenderRole string
	Body       string
	CreatedAt  time.Time
}

type Demo struct {
	Id         string
	TicketId   string
	ExpertId   string
	ExpertName string
	AssetRef   string
	CreatedAt  time.Time
}

// MessageQuery selects a page of a ticket's messages by sequence number.
// Zero values mean unbounded; Limit is clamped to MaxPageSize.
type MessageQuery struct {
	TicketId string
	After    int64
	Before   int64
	Limit    int
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
