package server

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/database"
	"github.com/npezzotti/go-ticketchat/internal/logging"
	"github.com/npezzotti/go-ticketchat/internal/stats"
	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	unloadRetryInterval = 100 * time.Millisecond
	loadSeqTimeout      = 5 * time.Second
)

type exitReq struct {
	// force evicts remaining sessions instead of refusing to exit
	force bool
	done  chan bool
}

const (
	joinPending int32 = iota
	joinClaimed
	joinAbandoned
)

type joinResult struct {
	err *ChatError
}

// joinRequest is claimed by exactly one side: the room when it registers
// the session, or the gateway when the join deadline passes first.
type joinRequest struct {
	session  *Session
	ticketId string
	identity auth.Identity
	role     auth.Role
	state    atomic.Int32
	reply    chan joinResult
}

func newJoinRequest(s *Session, ticketId string, identity auth.Identity, role auth.Role) *joinRequest {
	return &joinRequest{
		session:  s,
		ticketId: ticketId,
		identity: identity,
		role:     role,
		reply:    make(chan joinResult, 1),
	}
}

func (jr *joinRequest) claim() bool {
	return jr.state.CompareAndSwap(joinPending, joinClaimed)
}

func (jr *joinRequest) abandon() bool {
	return jr.state.CompareAndSwap(joinPending, joinAbandoned)
}

type eventKind int

const (
	evSend eventKind = iota
	evDemo
	evTyping
	evStopTyping
	evLeave
)

// roomEvent is an operation submitted by a joined session. Text holds the
// message body or the demo asset reference.
type roomEvent struct {
	kind    eventKind
	session *Session
	text    string
}

type membersQuery struct {
	reply chan []types.Member
}

type demoRequest struct {
	requesterName string
	delivered     chan bool
}

// Room is the single owner of a ticket chat's membership, sequence counter
// and typing state. All of them are only touched from the start goroutine.
type Room struct {
	ticketId  string
	cs        *ChatServer
	log       zerolog.Logger
	createdAt time.Time
	now       func() time.Time

	sessions []*Session
	seq      int64
	loadErr  error

	typing       *typingTracker
	typingTicker *time.Ticker
	persist      *persister
	prevFlush    <-chan struct{}

	joinChan   chan *joinRequest
	inbox      chan roomEvent
	queryChan  chan membersQuery
	demoChan   chan demoRequest
	killTimer  *time.Timer
	exit       chan exitReq
	done       chan struct{}
}

func (r *Room) start() {
	defer close(r.done)

	r.log.Info().Msg("starting room")
	go r.persist.run()
	r.loadSeq()

	for {
		var sweep <-chan time.Time
		if r.typingTicker != nil {
			sweep = r.typingTicker.C
		}

		select {
		case jr := <-r.joinChan:
			r.handleJoin(jr)
		case ev := <-r.inbox:
			r.handleEvent(ev)
		case q := <-r.queryChan:
			q.reply <- r.members()
		case req := <-r.demoChan:
			r.handleDemoRequest(req)
		case <-sweep:
			r.sweepTyping()
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				r.log.Info().Msg("room exited")
				return
			}
		}
	}
}

// loadSeq seeds the sequence counter from the message log. The previous
// room for this ticket, if any, must have flushed its writes first.
func (r *Room) loadSeq() {
	if r.prevFlush != nil {
		<-r.prevFlush
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadSeqTimeout)
	defer cancel()
	ctx, span := r.cs.tracer.Start(ctx, "chat.room.load_seq",
		trace.WithAttributes(attribute.String("ticket.id", r.ticketId)))
	defer span.End()

	seq, err := r.cs.messages.LastSeq(ctx, r.ticketId)
	if err != nil {
		span.RecordError(err)
		r.log.Error().Err(err).Msg("failed to load sequence high-water mark")
		r.loadErr = err
		r.killTimer.Reset(unloadRetryInterval)
		return
	}

	if floor := r.cs.seqFloor(r.ticketId, seq); floor > seq {
		r.log.Warn().Int64("logged", seq).Int64("seq", floor).Msg("message log is behind the last room, continuing from its sequence")
		seq = floor
	}

	r.seq = seq
	r.log.Debug().Int64("seq", seq).Msg("loaded sequence high-water mark")
}

func (r *Room) handleEvent(ev roomEvent) {
	switch ev.kind {
	case evSend:
		r.handleSend(ev)
	case evDemo:
		r.handleDemo(ev)
	case evTyping:
		r.handleTyping(ev.session, true)
	case evStopTyping:
		r.handleTyping(ev.session, false)
	case evLeave:
		r.handleLeave(ev.session)
	}
}

func (r *Room) handleJoin(jr *joinRequest) {
	if !jr.claim() {
		r.log.Debug().Str(logging.FieldSessionID, jr.session.id).Msg("join abandoned before registration")
		r.unloadIfEmpty()
		return
	}

	r.killTimer.Stop()

	if r.loadErr != nil {
		jr.reply <- joinResult{err: ErrInternal(r.loadErr)}
		r.unloadIfEmpty()
		return
	}

	// the older session is only superseded once the new one is attached
	s := jr.session
	if !s.attach(r, jr.identity, jr.role) {
		// the connection went away while the join was in flight
		jr.reply <- joinResult{err: ErrNotJoined()}
		r.unloadIfEmpty()
		return
	}

	if old := r.findMember(jr.identity.UserId, jr.role); old != nil {
		r.log.Info().
			Str(logging.FieldSessionID, old.id).
			Str("new_session_id", s.id).
			Msg("superseding session")
		r.removeSession(old)
		old.evict(ErrSuperseded())
		r.announceLeave(old)
	}

	r.sessions = append(r.sessions, s)
	s.queueMessage(joinSuccess(r.ticketId, s.id, r.members(), r.seq))
	r.broadcast(userJoined(s.Name()), s)
	jr.reply <- joinResult{}

	member := s.member()
	r.persist.enqueue(persistJob{name: "presence_join", run: func(ctx context.Context) error {
		return r.cs.presence.Join(ctx, r.ticketId, member)
	}})

	r.log.Info().
		Str(logging.FieldSessionID, s.id).
		Str(logging.FieldUserID, member.UserId).
		Str(logging.FieldRole, member.Role).
		Int("members", len(r.sessions)).
		Msg("session joined")
}

func (r *Room) handleLeave(s *Session) {
	if !r.removeSession(s) {
		return
	}

	r.announceLeave(s)
	r.log.Info().Str(logging.FieldSessionID, s.id).Int("members", len(r.sessions)).Msg("session left")
	r.unloadIfEmpty()
}

// announceLeave clears the departed session's typing state, then tells the
// remaining members it left.
func (r *Room) announceLeave(s *Session) {
	if r.typing.stop(s) {
		r.broadcast(userStopTyping(s.Name()), s)
		r.maybeStopSweep()
	}
	r.broadcast(userLeft(s.Name()), s)

	member := s.member()
	r.persist.enqueue(persistJob{name: "presence_leave", run: func(ctx context.Context) error {
		return r.cs.presence.Leave(ctx, r.ticketId, member)
	}})
}

func (r *Room) handleSend(ev roomEvent) {
	s := ev.session
	if !r.isMember(s) {
		s.queueMessage(errorEvent(ErrNotJoined()))
		return
	}

	r.seq++
	msg := types.Message{
		TicketId:   r.ticketId,
		Seq:        r.seq,
		SenderId:   s.UserId(),
		SenderName: s.Name(),
		Role:       string(s.Role()),
		Body:       ev.text,
		Timestamp:  r.now(),
	}

	r.broadcast(receiveMessage(msg), s)
	r.cs.stats.Incr(stats.NumMessages)

	r.persist.enqueue(persistJob{name: "append_message", run: func(ctx context.Context) error {
		return r.cs.messages.AppendMessage(ctx, database.Message{
			TicketId:   msg.TicketId,
			SeqId:      msg.Seq,
			SenderId:   msg.SenderId,
			SenderName: msg.SenderName,
			SenderRole: msg.Role,
			Body:       msg.Body,
			CreatedAt:  msg.Timestamp,
		})
	}})
}

func (r *Room) handleDemo(ev roomEvent) {
	s := ev.session
	if !r.isMember(s) {
		s.queueMessage(errorEvent(ErrNotJoined()))
		return
	}
	if s.Role() != auth.RoleExpert {
		s.queueMessage(errorEvent(ErrForbiddenRole()))
		return
	}

	id, err := shortid.Generate()
	if err != nil {
		r.log.Error().Err(err).Msg("failed to generate demo id")
		s.queueMessage(errorEvent(ErrInternal(err)))
		return
	}

	demo := types.Demo{
		Id:         id,
		TicketId:   r.ticketId,
		ExpertId:   s.UserId(),
		ExpertName: s.Name(),
		AssetRef:   ev.text,
		Timestamp:  r.now(),
	}

	r.broadcast(receiveDemo(demo), s)
	r.cs.stats.Incr(stats.NumDemos)

	r.persist.enqueue(persistJob{name: "append_demo", run: func(ctx context.Context) error {
		return r.cs.messages.AppendDemo(ctx, database.Demo{
			Id:         demo.Id,
			TicketId:   demo.TicketId,
			ExpertId:   demo.ExpertId,
			ExpertName: demo.ExpertName,
			AssetRef:   demo.AssetRef,
			CreatedAt:  demo.Timestamp,
		})
	}})
}

func (r *Room) handleDemoRequest(req demoRequest) {
	delivered := false
	msg := demoRequested(r.ticketId, req.requesterName)
	for _, s := range r.sessions {
		if s.Role() == auth.RoleExpert {
			delivered = s.queueMessage(msg) || delivered
		}
	}
	req.delivered <- delivered
}

func (r *Room) handleTyping(s *Session, typing bool) {
	if !r.isMember(s) {
		s.queueMessage(errorEvent(ErrNotJoined()))
		return
	}

	if typing {
		if r.typing.start(s, r.now()) {
			r.broadcast(userTyping(s.Name()), s)
		}
		r.ensureSweep()
		return
	}

	if r.typing.stop(s) {
		r.broadcast(userStopTyping(s.Name()), s)
	}
	r.maybeStopSweep()
}

func (r *Room) sweepTyping() {
	for _, s := range r.typing.expire(r.now()) {
		r.broadcast(userStopTyping(s.Name()), s)
	}
	r.maybeStopSweep()
}

func (r *Room) ensureSweep() {
	if r.typingTicker == nil {
		r.typingTicker = time.NewTicker(r.typing.sweepInterval())
	}
}

func (r *Room) maybeStopSweep() {
	if r.typingTicker != nil && !r.typing.active() {
		r.typingTicker.Stop()
		r.typingTicker = nil
	}
}

func (r *Room) handleRoomTimeout() {
	if len(r.sessions) > 0 {
		return
	}
	r.requestUnload()
}

func (r *Room) unloadIfEmpty() {
	if len(r.sessions) == 0 && len(r.joinChan) == 0 {
		r.requestUnload()
	}
}

// requestUnload asks the hub to unload the room without blocking. If the
// hub is busy the kill timer retries later.
func (r *Room) requestUnload() {
	select {
	case r.cs.unloadRoomChan <- r:
		r.log.Debug().Msg("requested unload")
	default:
		r.killTimer.Reset(unloadRetryInterval)
	}
}

// handleRoomExit reports whether the room has stopped. Without force a
// room that gained sessions or joins since requesting unload keeps running.
func (r *Room) handleRoomExit(e exitReq) bool {
	if !e.force && (len(r.sessions) > 0 || len(r.joinChan) > 0) {
		r.log.Debug().Msg("room busy, refusing to exit")
		e.done <- false
		return false
	}

	for _, s := range r.sessions {
		s.evict(ErrUnavailable())
	}
	r.sessions = nil

	for len(r.joinChan) > 0 {
		jr := <-r.joinChan
		if jr.claim() {
			jr.reply <- joinResult{err: ErrUnavailable()}
		}
	}

	r.killTimer.Stop()
	if r.typingTicker != nil {
		r.typingTicker.Stop()
		r.typingTicker = nil
	}

	r.persist.enqueue(persistJob{name: "presence_clear", run: func(ctx context.Context) error {
		return r.cs.presence.Clear(ctx, r.ticketId)
	}})
	r.persist.close()

	e.done <- true
	return true
}

// broadcast fans msg out to every member except skip. Members whose send
// queue is full are dropped instead of stalling the room.
func (r *Room) broadcast(msg *ServerMessage, skip *Session) {
	var laggards []*Session
	for _, s := range r.sessions {
		if s == skip {
			continue
		}
		if !s.queueMessage(msg) {
			laggards = append(laggards, s)
		}
	}

	for _, s := range laggards {
		if !r.removeSession(s) {
			continue
		}
		r.log.Warn().Str(logging.FieldSessionID, s.id).Msg("dropping slow session")
		s.evict(ErrUnavailable())
		r.announceLeave(s)
	}

	if len(laggards) > 0 {
		r.unloadIfEmpty()
	}
}

func (r *Room) members() []types.Member {
	members := make([]types.Member, len(r.sessions))
	for i, s := range r.sessions {
		members[i] = s.member()
	}
	return members
}

func (r *Room) findMember(userId string, role auth.Role) *Session {
	for _, s := range r.sessions {
		if s.UserId() == userId && s.Role() == role {
			return s
		}
	}
	return nil
}

func (r *Room) isMember(s *Session) bool {
	return slices.Contains(r.sessions, s)
}

func (r *Room) removeSession(s *Session) bool {
	i := slices.Index(r.sessions, s)
	if i < 0 {
		return false
	}
	r.sessions = slices.Delete(r.sessions, i, i+1)
	return true
}

// submit hands an event to the room without blocking.
func (r *Room) submit(ev roomEvent) *ChatError {
	select {
	case <-r.done:
		return ErrNotJoined()
	default:
	}

	select {
	case r.inbox <- ev:
		return nil
	default:
		r.log.Warn().Msg("room inbox full")
		return ErrUnavailable()
	}
}

// submitLeave must not be lost, so it waits for inbox space unless the
// room has already stopped.
func (r *Room) submitLeave(s *Session) {
	select {
	case r.inbox <- roomEvent{kind: evLeave, session: s}:
	case <-r.done:
	}
}
