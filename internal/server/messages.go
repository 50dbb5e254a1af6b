package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-ticketchat/internal/types"
)

// ClientMessage is a frame received from a client. Data is decoded
// according to Event.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (m *ClientMessage) decode(v any) *ChatError {
	if len(m.Data) == 0 {
		return ErrInvalidEvent(fmt.Errorf("%s: missing data", m.Event))
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return ErrInvalidEvent(fmt.Errorf("%s: %w", m.Event, err))
	}
	return nil
}

type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func joinSuccess(ticketId, sessionId string, members []types.Member, lastSeq int64) *ServerMessage {
	return &ServerMessage{
		Event: types.EventJoinSuccess,
		Data: types.JoinSuccess{
			Message:   "joined chat",
			TicketId:  ticketId,
			SessionId: sessionId,
			Members:   members,
			LastSeq:   lastSeq,
		},
	}
}

func receiveMessage(msg types.Message) *ServerMessage {
	return &ServerMessage{Event: types.EventReceiveMessage, Data: msg}
}

func receiveDemo(demo types.Demo) *ServerMessage {
	return &ServerMessage{Event: types.EventReceiveDemo, Data: demo}
}

func demoRequested(ticketId, requesterName string) *ServerMessage {
	return &ServerMessage{
		Event: types.EventDemoRequested,
		Data: types.DemoRequested{
			TicketId:      ticketId,
			RequesterName: requesterName,
			Message:       requesterName + " requested a demo",
		},
	}
}

func userJoined(name string) *ServerMessage {
	return &ServerMessage{
		Event: types.EventUserJoined,
		Data:  types.PresenceNotice{Name: name, Message: name + " joined the chat"},
	}
}

func userLeft(name string) *ServerMessage {
	return &ServerMessage{
		Event: types.EventUserLeft,
		Data:  types.PresenceNotice{Name: name, Message: name + " left the chat"},
	}
}

func userTyping(name string) *ServerMessage {
	return &ServerMessage{
		Event: types.EventUserTyping,
		Data:  types.TypingNotice{UserName: name, Message: name + " is typing"},
	}
}

func userStopTyping(name string) *ServerMessage {
	return &ServerMessage{
		Event: types.EventUserStopTyping,
		Data:  types.TypingNotice{UserName: name},
	}
}

func errorEvent(err *ChatError) *ServerMessage {
	return &ServerMessage{
		Event: types.EventError,
		Data:  types.ErrorNotice{Code: string(err.Code), Message: err.Message},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
