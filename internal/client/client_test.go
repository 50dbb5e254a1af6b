package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-ticketchat/internal/testutil"
	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// newFakeServer answers join-chat frames and echoes send-message bodies back
// as receive-message events. A frame with event "hangup" closes the
// connection.
func newFakeServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var in inbound
			if err := conn.ReadJSON(&in); err != nil {
				return
			}

			switch in.Event {
			case types.EventJoinChat:
				var join types.JoinChat
				json.Unmarshal(in.Data, &join)
				if join.Token == "late-error" {
					// an earlier send-message failed while the join was in flight
					conn.WriteJSON(map[string]any{"event": types.EventError, "data": types.ErrorNotice{Code: "empty_body", Message: "message body is empty"}})
					join.Token = "good"
				}
				if join.Token != "good" {
					conn.WriteJSON(map[string]any{"event": types.EventError, "data": types.ErrorNotice{Code: "invalid_credential", Message: "invalid credential"}})
					continue
				}
				conn.WriteJSON(map[string]any{"event": types.EventJoinSuccess, "data": types.JoinSuccess{TicketId: join.TicketId, SessionId: "s1", LastSeq: 3}})
			case types.EventSendMessage:
				var send types.SendMessage
				json.Unmarshal(in.Data, &send)
				conn.WriteJSON(map[string]any{"event": types.EventReceiveMessage, "data": types.Message{TicketId: send.TicketId, Seq: 4, Body: send.Message}})
			case "hangup":
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := Dial(ctx, url, nil, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestClient_Join(t *testing.T) {
	url := newFakeServer(t)

	t.Run("success", func(t *testing.T) {
		c := dial(t, url)
		js, err := c.Join(context.Background(), "good", "42", "requester")
		require.NoError(t, err)
		assert.Equal(t, "42", js.TicketId)
		assert.Equal(t, int64(3), js.LastSeq)
	})

	t.Run("skips errors of other events", func(t *testing.T) {
		c := dial(t, url)
		js, err := c.Join(context.Background(), "late-error", "42", "requester")
		require.NoError(t, err)
		assert.Equal(t, "42", js.TicketId)
	})

	t.Run("rejected", func(t *testing.T) {
		c := dial(t, url)
		_, err := c.Join(context.Background(), "bad", "42", "requester")

		var cerr *Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "invalid_credential", cerr.Code)
	})
}

func TestClient_Subscribe(t *testing.T) {
	c := dial(t, newFakeServer(t))

	all, cancelAll := c.Subscribe()
	messages, cancelMessages := c.Subscribe(types.EventReceiveMessage)
	errs, cancelErrs := c.Subscribe(types.EventError)
	defer cancelAll()
	defer cancelMessages()

	_, err := c.Join(context.Background(), "good", "42", "requester")
	require.NoError(t, err)
	assert.Equal(t, types.EventJoinSuccess, receive(t, all).Name)

	require.NoError(t, c.SendMessage("42", "good", "requester", "hello"))
	ev := receive(t, messages)
	var msg types.Message
	require.NoError(t, ev.Decode(&msg))
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, types.EventReceiveMessage, receive(t, all).Name)

	cancelErrs()
	cancelErrs()
	_, ok := <-errs
	assert.False(t, ok, "expected cancelled subscription to be closed")
}

func TestClient_ServerHangup(t *testing.T) {
	c := dial(t, newFakeServer(t))
	events, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.send("hangup", nil))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("expected client to notice the closed connection")
	}

	_, ok := <-events
	assert.False(t, ok, "expected subscriptions to be closed")
	assert.ErrorIs(t, c.Leave("42"), ErrClosed)

	late, _ := c.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "expected subscription after close to be closed")
}

func TestAsError(t *testing.T) {
	ev := Event{Name: types.EventError, Data: json.RawMessage(`{"code":"empty_body","message":"message body is empty"}`)}
	cerr, ok := AsError(ev)
	require.True(t, ok)
	assert.Equal(t, "empty_body", cerr.Code)
	assert.Equal(t, "empty_body: message body is empty", cerr.Error())

	_, ok = AsError(Event{Name: types.EventUserJoined})
	assert.False(t, ok)
}
