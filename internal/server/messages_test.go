package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMessage_decode(t *testing.T) {
	t.Run("decodes payload", func(t *testing.T) {
		var cm ClientMessage
		require.NoError(t, json.Unmarshal([]byte(`{"event":"join-chat","data":{"token":"t","ticketId":"42","role":"expert"}}`), &cm))

		var join types.JoinChat
		assert.Nil(t, cm.decode(&join))
		assert.Equal(t, types.JoinChat{Token: "t", TicketId: "42", Role: "expert"}, join)
	})

	t.Run("missing data", func(t *testing.T) {
		cm := ClientMessage{Event: types.EventSendMessage}
		err := cm.decode(&types.SendMessage{})
		require.NotNil(t, err)
		assert.Equal(t, CodeInvalidEvent, err.Code)
	})

	t.Run("wrong shape", func(t *testing.T) {
		cm := ClientMessage{Event: types.EventSendMessage, Data: json.RawMessage(`{"message":5}`)}
		err := cm.decode(&types.SendMessage{})
		require.NotNil(t, err)
		assert.Equal(t, CodeInvalidEvent, err.Code)
	})
}

func TestServerMessage_wire(t *testing.T) {
	msg := receiveMessage(types.Message{
		TicketId:   "42",
		Seq:        7,
		SenderId:   "u1",
		SenderName: "Ann",
		Role:       "requester",
		Body:       "hello",
		Timestamp:  time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event": "receive-message",
		"data": {
			"ticketId": "42",
			"seq": 7,
			"senderId": "u1",
			"senderName": "Ann",
			"role": "requester",
			"body": "hello",
			"timestamp": "2025-01-02T03:04:05Z"
		}
	}`, string(b))
}

func TestNotices(t *testing.T) {
	tests := []struct {
		name  string
		msg   *ServerMessage
		event string
		data  any
	}{
		{"user joined", userJoined("Ann"), types.EventUserJoined, types.PresenceNotice{Name: "Ann", Message: "Ann joined the chat"}},
		{"user left", userLeft("Ann"), types.EventUserLeft, types.PresenceNotice{Name: "Ann", Message: "Ann left the chat"}},
		{"user typing", userTyping("Bob"), types.EventUserTyping, types.TypingNotice{UserName: "Bob", Message: "Bob is typing"}},
		{"user stop typing", userStopTyping("Bob"), types.EventUserStopTyping, types.TypingNotice{UserName: "Bob"}},
		{"error", errorEvent(ErrEmptyBody()), types.EventError, types.ErrorNotice{Code: "empty_body", Message: "message body is empty"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.event, tt.msg.Event)
			assert.Equal(t, tt.data, tt.msg.Data)
		})
	}
}

func TestNow(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Zero(t, now.Nanosecond()%int(time.Millisecond), "expected millisecond precision")
	assert.WithinDuration(t, time.Now(), now, time.Second)
}
