package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/logging"
	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionJoined
	SessionLeft
)

func (st SessionState) String() string {
	switch st {
	case SessionConnecting:
		return "connecting"
	case SessionJoined:
		return "joined"
	default:
		return "left"
	}
}

// Session is the server side of one websocket connection. It moves from
// connecting to joined to left and is never reused.
type Session struct {
	id        string
	conn      *websocket.Conn
	cs        *ChatServer
	log       zerolog.Logger
	send      chan *ServerMessage
	stop      chan struct{}
	stopOnce  sync.Once
	errBudget *rate.Limiter
	grace     *time.Timer

	mu       sync.RWMutex
	state    SessionState
	identity auth.Identity
	role     auth.Role
	room     *Room
}

func NewSession(conn *websocket.Conn, cs *ChatServer, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:        id,
		conn:      conn,
		cs:        cs,
		log:       logger.With().Str(logging.FieldSessionID, id).Logger(),
		send:      make(chan *ServerMessage, cs.cfg.SendBuffer),
		stop:      make(chan struct{}),
		errBudget: rate.NewLimiter(rate.Every(cs.cfg.ErrorInterval), cs.cfg.ErrorBurst),
	}
	s.grace = time.AfterFunc(cs.cfg.ConnectGrace, s.graceExpired)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) UserId() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.UserId
}

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Name
}

func (s *Session) Role() auth.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) member() types.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.Member{UserId: s.identity.UserId, Name: s.identity.Name, Role: string(s.role)}
}

func (s *Session) joinedRoom() (*Room, *ChatError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != SessionJoined || s.room == nil {
		return nil, ErrNotJoined()
	}
	return s.room, nil
}

// attach moves a connecting session into r. It fails if the session has
// already left.
func (s *Session) attach(r *Room, identity auth.Identity, role auth.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionConnecting {
		return false
	}
	s.state = SessionJoined
	s.identity = identity
	s.role = role
	s.room = r
	if s.grace != nil {
		s.grace.Stop()
	}
	return true
}

// markLeft moves the session to its terminal state. It returns the room
// the session was joined to, if any, and whether the state changed.
func (s *Session) markLeft() (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionLeft {
		return nil, false
	}
	r := s.room
	s.state = SessionLeft
	s.room = nil
	if s.grace != nil {
		s.grace.Stop()
	}
	return r, true
}

// evict is called by the room after it removed the session.
func (s *Session) evict(cerr *ChatError) {
	if _, changed := s.markLeft(); !changed {
		return
	}
	s.log.Info().Str("code", string(cerr.Code)).Msg("session evicted")
	s.queueMessage(errorEvent(cerr))
	s.stopSession()
}

func (s *Session) graceExpired() {
	if s.State() != SessionConnecting {
		return
	}
	s.log.Info().Msg("connection did not join in time, closing")
	s.stopSession()
}

func (s *Session) Write() {
	ticker := time.NewTicker(s.cs.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-s.send:
			if !s.writeServerMessage(msg) {
				return
			}
		case <-s.stop:
			s.flush()
			s.conn.SetWriteDeadline(time.Now().Add(s.cs.cfg.WriteWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !s.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes whatever is still queued when the session stops, so a final
// error event reaches the client before the close frame.
func (s *Session) flush() {
	for {
		select {
		case msg := <-s.send:
			if !s.writeServerMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeServerMessage(msg *ServerMessage) bool {
	bytes, err := s.serializeMessage(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to serialize message")
		return true
	}
	return s.sendMessage(websocket.TextMessage, bytes)
}

func (s *Session) Read() {
	defer func() {
		s.conn.Close()
		s.cleanup()
		s.log.Debug().Msg("read exiting")
	}()

	s.conn.SetReadLimit(s.cs.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cs.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cs.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("ws: read")
			}
			return
		}

		if s.stopped() {
			// the writer closes the connection once it has flushed
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.reject(ErrInvalidEvent(err))
			continue
		}

		if cerr := s.dispatch(&msg); cerr != nil {
			s.reject(cerr)
		}
	}
}

// reject reports cerr to the client. Client caused errors draw from the
// error budget; once it is spent the connection is closed.
func (s *Session) reject(cerr *ChatError) {
	s.log.Debug().Err(cerr).Msg("rejected event")
	s.queueMessage(errorEvent(cerr))

	if cerr.Code.Class() == ClassServer {
		return
	}
	if !s.errBudget.Allow() {
		s.log.Warn().Msg("error budget exhausted, closing connection")
		s.stopSession()
	}
}

func (s *Session) dispatch(msg *ClientMessage) *ChatError {
	switch msg.Event {
	case types.EventJoinChat:
		return s.handleJoin(msg)
	case types.EventSendMessage:
		return s.handleSend(msg)
	case types.EventSendDemo:
		return s.handleDemo(msg)
	case types.EventTyping:
		return s.handleTyping(msg, evTyping)
	case types.EventStopTyping:
		return s.handleTyping(msg, evStopTyping)
	case types.EventLeaveChat:
		return s.handleLeave(msg)
	default:
		return ErrInvalidEvent(fmt.Errorf("unknown event %q", msg.Event))
	}
}

// authorize validates token and checks that it grants roleName.
func (s *Session) authorize(ctx context.Context, token, roleName string) (auth.Identity, auth.Role, *ChatError) {
	identity, err := s.cs.validator.Validate(ctx, token)
	if err != nil {
		return auth.Identity{}, "", fromAuthError(err)
	}

	role, ok := auth.ParseRole(roleName)
	if !ok || !identity.HasRole(role) {
		return auth.Identity{}, "", ErrUnauthorizedRole()
	}
	return identity, role, nil
}

// revalidate checks the credential attached to a privileged event against
// the identity and role the session joined with.
func (s *Session) revalidate(token, roleName string) *ChatError {
	ctx, cancel := context.WithTimeout(context.Background(), s.cs.cfg.JoinTimeout)
	defer cancel()

	identity, role, cerr := s.authorize(ctx, token, roleName)
	if cerr != nil {
		if cerr.Code == CodeJoinTimeout {
			return ErrUnavailable()
		}
		return cerr
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if identity.UserId != s.identity.UserId {
		return ErrInvalidCredential(errors.New("credential does not belong to session"))
	}
	if role != s.role {
		return ErrUnauthorizedRole()
	}
	return nil
}

func (s *Session) handleJoin(msg *ClientMessage) *ChatError {
	switch s.State() {
	case SessionJoined:
		return ErrAlreadyJoined()
	case SessionLeft:
		return ErrNotJoined()
	}

	var req types.JoinChat
	if cerr := msg.decode(&req); cerr != nil {
		return cerr
	}
	if req.TicketId == "" {
		return ErrInvalidEvent(errors.New("join-chat: missing ticketId"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cs.cfg.JoinTimeout)
	defer cancel()
	ctx, span := s.cs.tracer.Start(ctx, "chat.join", trace.WithAttributes(
		attribute.String("ticket.id", req.TicketId),
		attribute.String("chat.role", req.Role),
	))
	defer span.End()

	cerr := s.join(ctx, req)
	if cerr != nil {
		span.SetStatus(codes.Error, string(cerr.Code))
	}
	return cerr
}

func (s *Session) join(ctx context.Context, req types.JoinChat) *ChatError {
	identity, role, cerr := s.authorize(ctx, req.Token, req.Role)
	if cerr != nil {
		return cerr
	}

	ticket, err := s.cs.tickets.Ticket(ctx, req.TicketId)
	if err != nil {
		return fromTicketError(err)
	}
	if !ticket.IsParticipant(identity.UserId, role) {
		return ErrUnauthorizedRole()
	}

	jr := newJoinRequest(s, ticket.Id, identity, role)
	if cerr := s.cs.requestJoin(ctx, jr); cerr != nil {
		return cerr
	}

	var res joinResult
	select {
	case res = <-jr.reply:
	case <-ctx.Done():
		if jr.abandon() {
			s.log.Warn().Str(logging.FieldTicketID, ticket.Id).Msg("join timed out")
			return ErrJoinTimeout()
		}
		// the room claimed the request and is about to reply
		res = <-jr.reply
	}

	return res.err
}

func (s *Session) handleSend(msg *ClientMessage) *ChatError {
	r, cerr := s.joinedRoom()
	if cerr != nil {
		return cerr
	}

	var req types.SendMessage
	if cerr := msg.decode(&req); cerr != nil {
		return cerr
	}
	if req.TicketId != r.ticketId {
		return ErrTicketMismatch()
	}

	body := strings.TrimSpace(req.Message)
	if body == "" {
		return ErrEmptyBody()
	}
	if utf8.RuneCountInString(body) > s.cs.cfg.MaxBodyLength {
		return ErrBodyTooLong()
	}

	if cerr := s.revalidate(req.Token, req.Role); cerr != nil {
		return cerr
	}

	return r.submit(roomEvent{kind: evSend, session: s, text: body})
}

func (s *Session) handleDemo(msg *ClientMessage) *ChatError {
	r, cerr := s.joinedRoom()
	if cerr != nil {
		return cerr
	}
	if s.Role() != auth.RoleExpert {
		return ErrForbiddenRole()
	}

	var req types.SendDemo
	if cerr := msg.decode(&req); cerr != nil {
		return cerr
	}
	if req.TicketId != r.ticketId {
		return ErrTicketMismatch()
	}

	assetRef := strings.TrimSpace(req.AssetRef)
	if assetRef == "" {
		return ErrEmptyAsset()
	}

	if cerr := s.revalidate(req.Token, req.Role); cerr != nil {
		return cerr
	}

	return r.submit(roomEvent{kind: evDemo, session: s, text: assetRef})
}

// handleTyping ignores the client supplied user name; the room announces the
// session's own name.
func (s *Session) handleTyping(msg *ClientMessage, kind eventKind) *ChatError {
	r, cerr := s.joinedRoom()
	if cerr != nil {
		return cerr
	}

	var req types.Typing
	if cerr := msg.decode(&req); cerr != nil {
		return cerr
	}
	if req.TicketId != r.ticketId {
		return ErrTicketMismatch()
	}

	return r.submit(roomEvent{kind: kind, session: s})
}

func (s *Session) handleLeave(msg *ClientMessage) *ChatError {
	r, cerr := s.joinedRoom()
	if cerr != nil {
		return cerr
	}

	if len(msg.Data) > 0 {
		var req types.LeaveChat
		if cerr := msg.decode(&req); cerr != nil {
			return cerr
		}
		if req.TicketId != "" && req.TicketId != r.ticketId {
			return ErrTicketMismatch()
		}
	}

	if r, changed := s.markLeft(); changed && r != nil {
		r.submitLeave(s)
	}
	s.log.Info().Msg("session left chat")
	s.stopSession()
	return nil
}

func (s *Session) queueMessage(msg *ServerMessage) bool {
	select {
	case s.send <- msg:
	default:
		s.log.Warn().Str("event", msg.Event).Msg("failed to queue message, channel is full")
		return false
	}

	return true
}

func (s *Session) serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (s *Session) sendMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.cs.cfg.WriteWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (s *Session) stopSession() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) cleanup() {
	if r, changed := s.markLeft(); changed && r != nil {
		r.submitLeave(s)
	}
	s.cs.deregisterSession(s)
	s.stopSession()
}
