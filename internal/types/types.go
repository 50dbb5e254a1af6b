package types

import "time"

// Event names carried in the "event" field of every websocket frame.
const (
	EventJoinChat       = "join-chat"
	EventJoinSuccess    = "join-success"
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
	EventSendDemo       = "send-demo"
	EventReceiveDemo    = "receive-demo"
	EventDemoRequested  = "demo-requested"
	EventTyping         = "typing"
	EventStopTyping     = "stop-typing"
	EventUserTyping     = "user-typing"
	EventUserStopTyping = "user-stop-typing"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventLeaveChat      = "leave-chat"
	EventError          = "error"
)

type Member struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type Message struct {
	TicketId   string    `json:"ticketId"`
	Seq        int64     `json:"seq"`
	SenderId   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Role       string    `json:"role"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

type Demo struct {
	Id         string    `json:"id"`
	TicketId   string    `json:"ticketId"`
	ExpertId   string    `json:"expertId"`
	ExpertName string    `json:"expertName"`
	AssetRef   string    `json:"assetRef"`
	Timestamp  time.Time `json:"timestamp"`
}

// History is the REST view of a ticket's conversation.
type History struct {
	TicketId string    `json:"ticketId"`
	Messages []Message `json:"messages"`
	Demos    []Demo    `json:"demos"`
}

// Client to server payloads.

type JoinChat struct {
	Token    string `json:"token"`
	TicketId string `json:"ticketId"`
	Role     string `json:"role"`
}

type SendMessage struct {
	TicketId string `json:"ticketId"`
	Message  string `json:"message"`
	Token    string `json:"token"`
	Role     string `json:"role"`
}

type SendDemo struct {
	TicketId string `json:"ticketId"`
	Token    string `json:"token"`
	Role     string `json:"role"`
	AssetRef string `json:"assetRef"`
}

type Typing struct {
	TicketId string `json:"ticketId"`
	UserName string `json:"userName,omitempty"`
}

type LeaveChat struct {
	TicketId string `json:"ticketId"`
}

// Server to client payloads.

type JoinSuccess struct {
	Message   string   `json:"message"`
	TicketId  string   `json:"ticketId"`
	SessionId string   `json:"sessionId"`
	Members   []Member `json:"members"`
	LastSeq   int64    `json:"lastSeq"`
}

type PresenceNotice struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type TypingNotice struct {
	UserName string `json:"userName"`
	Message  string `json:"message,omitempty"`
}

type DemoRequested struct {
	TicketId      string `json:"ticketId"`
	RequesterName string `json:"requesterName"`
	Message       string `json:"message"`
}

type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
