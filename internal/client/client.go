// Package client is a Go client for the ticket chat websocket protocol. It is
// used by integration tests and by services that need to post into a chat.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	subscriberCh = 64
)

var ErrClosed = errors.New("client: connection closed")

// Event is a frame received from the server.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Error is an error event reported by the server.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type subscriber struct {
	events map[string]bool
	ch     chan Event
}

type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextId int
	closed bool

	done chan struct{}
}

// Dial connects to the chat endpoint at url and starts reading frames.
func Dial(ctx context.Context, url string, header http.Header, logger zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn: conn,
		log:  logger,
		subs: make(map[int]*subscriber),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.closeSubscribers()

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("client: read")
			}
			return
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if len(sub.events) > 0 && !sub.events[ev.Name] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			c.log.Warn().Str("event", ev.Name).Msg("client: subscriber is full, dropping event")
		}
	}
}

func (c *Client) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
}

// Subscribe returns a channel receiving the named events, or every event
// when none are named. The channel is closed by the returned cancel func or
// when the connection ends. Cancel may be called more than once.
func (c *Client) Subscribe(events ...string) (<-chan Event, func()) {
	sub := &subscriber{
		events: make(map[string]bool, len(events)),
		ch:     make(chan Event, subscriberCh),
	}
	for _, e := range events {
		sub.events[e] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := c.nextId
	c.nextId++
	c.subs[id] = sub

	return sub.ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.subs[id]; ok {
			close(s.ch)
			delete(c.subs, id)
		}
	}
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) send(event string, data any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// notJoinErrors are codes the server only reports for events other than
// join-chat.
var notJoinErrors = map[string]bool{
	"empty_body":      true,
	"body_too_long":   true,
	"empty_asset":     true,
	"forbidden_role":  true,
	"ticket_mismatch": true,
	"superseded":      true,
}

// Join joins the chat of ticketId and waits for the server's answer. A
// rejection is returned as *Error.
//
// Error events carry no reference to the frame that caused them, so errors
// that only other events produce are skipped. An error of another code left
// over from an earlier event that is still in flight is indistinguishable
// from a join rejection; callers should not join while other events are
// outstanding.
func (c *Client) Join(ctx context.Context, token, ticketId, role string) (*types.JoinSuccess, error) {
	events, cancel := c.Subscribe(types.EventJoinSuccess, types.EventError)
	defer cancel()

	if err := c.send(types.EventJoinChat, types.JoinChat{Token: token, TicketId: ticketId, Role: role}); err != nil {
		return nil, err
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, ErrClosed
			}
			if ev.Name == types.EventError {
				err := decodeError(ev)
				var cerr *Error
				if errors.As(err, &cerr) && notJoinErrors[cerr.Code] {
					c.log.Debug().Str("code", cerr.Code).Msg("client: ignoring error of an earlier event")
					continue
				}
				return nil, err
			}
			var js types.JoinSuccess
			if err := ev.Decode(&js); err != nil {
				return nil, fmt.Errorf("decode join-success: %w", err)
			}
			return &js, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func decodeError(ev Event) error {
	var notice types.ErrorNotice
	if err := ev.Decode(&notice); err != nil {
		return fmt.Errorf("decode error event: %w", err)
	}
	return &Error{Code: notice.Code, Message: notice.Message}
}

// AsError returns the server error carried by ev, if ev is an error event.
func AsError(ev Event) (*Error, bool) {
	if ev.Name != types.EventError {
		return nil, false
	}
	var cerr *Error
	if errors.As(decodeError(ev), &cerr) {
		return cerr, true
	}
	return nil, false
}

func (c *Client) SendMessage(ticketId, token, role, body string) error {
	return c.send(types.EventSendMessage, types.SendMessage{TicketId: ticketId, Message: body, Token: token, Role: role})
}

func (c *Client) SendDemo(ticketId, token, role, assetRef string) error {
	return c.send(types.EventSendDemo, types.SendDemo{TicketId: ticketId, Token: token, Role: role, AssetRef: assetRef})
}

func (c *Client) Typing(ticketId, userName string) error {
	return c.send(types.EventTyping, types.Typing{TicketId: ticketId, UserName: userName})
}

func (c *Client) StopTyping(ticketId, userName string) error {
	return c.send(types.EventStopTyping, types.Typing{TicketId: ticketId, UserName: userName})
}

func (c *Client) Leave(ticketId string) error {
	return c.send(types.EventLeaveChat, types.LeaveChat{TicketId: ticketId})
}

// Close sends a close frame and waits briefly for the server to end the
// connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.conn.Close()
}
