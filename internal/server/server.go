package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/config"
	"github.com/npezzotti/go-ticketchat/internal/database"
	"github.com/npezzotti/go-ticketchat/internal/logging"
	"github.com/npezzotti/go-ticketchat/internal/presence"
	"github.com/npezzotti/go-ticketchat/internal/stats"
	"github.com/npezzotti/go-ticketchat/internal/tickets"
	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/npezzotti/go-ticketchat/internal/server"

var ErrServerStopped = errors.New("chat server stopped")

// Deps are the collaborators a ChatServer needs. Presence may be nil.
type Deps struct {
	Validator auth.TokenValidator
	Tickets   tickets.Directory
	Messages  database.MessageLog
	Presence  presence.Store
	Stats     stats.StatsProvider
}

type stopRequest struct {
	done chan struct{}
}

// ChatServer routes joins to per-ticket rooms and tracks live sessions.
// Its Run loop never performs I/O.
type ChatServer struct {
	log       zerolog.Logger
	cfg       config.ChatConfig
	validator auth.TokenValidator
	tickets   tickets.Directory
	messages  database.MessageLog
	presence  presence.Store
	stats     stats.StatsProvider
	tracer    trace.Tracer

	sessions     map[*Session]struct{}
	sessionsLock sync.Mutex
	rooms        map[string]*Room
	roomsLock    sync.RWMutex
	// flushes holds the persister of the last unloaded room per ticket until
	// it has written everything.
	flushes     map[string]<-chan struct{}
	flushesLock sync.Mutex
	// seqMarks holds the last sequence number handed out by an unloaded
	// room, for tickets whose message log may not have caught up.
	seqMarks     map[string]int64
	seqMarksLock sync.Mutex

	joinChan       chan *joinRequest
	unloadRoomChan chan *Room
	stop           chan stopRequest
	stopped        chan struct{}
}

func NewChatServer(logger zerolog.Logger, deps Deps, cfg config.ChatConfig) (*ChatServer, error) {
	if deps.Validator == nil || deps.Tickets == nil || deps.Messages == nil || deps.Stats == nil {
		return nil, errors.New("chat server: validator, tickets, messages and stats are required")
	}
	if deps.Presence == nil {
		deps.Presence = presence.Noop{}
	}

	cs := &ChatServer{
		log:            logger,
		cfg:            cfg,
		validator:      deps.Validator,
		tickets:        deps.Tickets,
		messages:       deps.Messages,
		presence:       deps.Presence,
		stats:          deps.Stats,
		tracer:         otel.Tracer(tracerName),
		sessions:       make(map[*Session]struct{}),
		rooms:          make(map[string]*Room),
		flushes:        make(map[string]<-chan struct{}),
		seqMarks:       make(map[string]int64),
		joinChan:       make(chan *joinRequest),
		unloadRoomChan: make(chan *Room, 256),
		stop:           make(chan stopRequest),
		stopped:        make(chan struct{}),
	}

	cs.stats.RegisterMetric(stats.NumActiveSessions)
	cs.stats.RegisterMetric(stats.NumActiveRooms)
	cs.stats.RegisterMetric(stats.NumMessages)
	cs.stats.RegisterMetric(stats.NumDemos)

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case jr := <-cs.joinChan:
			cs.handleJoinRoom(jr)
		case r := <-cs.unloadRoomChan:
			cs.unloadRoom(r)
		case req := <-cs.stop:
			cs.shutdown()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoinRoom(jr *joinRequest) {
	r, ok := cs.getRoom(jr.ticketId)
	if !ok {
		r = cs.newRoom(jr.ticketId)
		cs.addRoom(r)
		go r.start()
	}

	select {
	case r.joinChan <- jr:
	default:
		cs.log.Warn().Str(logging.FieldTicketID, jr.ticketId).Msg("join channel full")
		if jr.claim() {
			jr.reply <- joinResult{err: ErrUnavailable()}
		}
	}
}

func (cs *ChatServer) newRoom(ticketId string) *Room {
	log := cs.log.With().Str(logging.FieldTicketID, ticketId).Logger()
	killTimer := time.NewTimer(unloadRetryInterval)
	killTimer.Stop()

	r := &Room{
		ticketId:  ticketId,
		cs:        cs,
		log:       log,
		createdAt: time.Now(),
		now:       Now,
		typing:    newTypingTracker(cs.cfg.TypingTimeout),
		persist:   newPersister(ticketId, log, cs.tracer),
		prevFlush: cs.takeFlush(ticketId),
		joinChan:  make(chan *joinRequest, 256),
		inbox:     make(chan roomEvent, 1024),
		queryChan: make(chan membersQuery),
		demoChan:  make(chan demoRequest),
		killTimer: killTimer,
		exit:      make(chan exitReq),
		done:      make(chan struct{}),
	}

	cs.stats.Incr(stats.NumActiveRooms)
	return r
}

// unloadRoom asks r to exit. A room that gained members after asking to be
// unloaded refuses and stays registered.
func (cs *ChatServer) unloadRoom(r *Room) {
	if cur, ok := cs.getRoom(r.ticketId); !ok || cur != r {
		return
	}

	done := make(chan bool, 1)
	select {
	case r.exit <- exitReq{done: done}:
	case <-r.done:
		cs.removeRoom(r)
		return
	}

	if !<-done {
		return
	}
	cs.removeRoom(r)
}

func (cs *ChatServer) shutdown() {
	cs.log.Info().Msg("shutting down chat server")
	close(cs.stopped)

	cs.sessionsLock.Lock()
	for s := range cs.sessions {
		s.stopSession()
	}
	cs.sessionsLock.Unlock()

	cs.roomsLock.RLock()
	rooms := make([]*Room, 0, len(cs.rooms))
	for _, r := range cs.rooms {
		rooms = append(rooms, r)
	}
	cs.roomsLock.RUnlock()

	for _, r := range rooms {
		cs.log.Info().Str(logging.FieldTicketID, r.ticketId).Msg("shutting down room")
		done := make(chan bool, 1)
		select {
		case r.exit <- exitReq{force: true, done: done}:
			<-done
		case <-r.done:
		}
		cs.removeRoom(r)
		<-r.persist.done
	}
}

// Shutdown stops every room after flushing its pending writes.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	done := make(chan struct{})
	select {
	case cs.stop <- stopRequest{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) requestJoin(ctx context.Context, jr *joinRequest) *ChatError {
	select {
	case cs.joinChan <- jr:
		return nil
	case <-cs.stopped:
		return ErrUnavailable()
	case <-ctx.Done():
		return ErrJoinTimeout()
	}
}

// RegisterSession tracks s until its connection closes. It fails once the
// server is shutting down.
func (cs *ChatServer) RegisterSession(s *Session) error {
	cs.sessionsLock.Lock()
	defer cs.sessionsLock.Unlock()

	select {
	case <-cs.stopped:
		return ErrServerStopped
	default:
	}

	cs.sessions[s] = struct{}{}
	cs.stats.Incr(stats.NumActiveSessions)
	return nil
}

func (cs *ChatServer) deregisterSession(s *Session) {
	cs.sessionsLock.Lock()
	defer cs.sessionsLock.Unlock()

	if _, ok := cs.sessions[s]; !ok {
		return
	}
	delete(cs.sessions, s)
	cs.stats.Decr(stats.NumActiveSessions)
}

// Members returns the sessions joined to ticketId in join order. A ticket
// without a loaded room has no members.
func (cs *ChatServer) Members(ctx context.Context, ticketId string) ([]types.Member, error) {
	r, ok := cs.getRoom(ticketId)
	if !ok {
		return []types.Member{}, nil
	}

	q := membersQuery{reply: make(chan []types.Member, 1)}
	select {
	case r.queryChan <- q:
	case <-r.done:
		return []types.Member{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case members := <-q.reply:
		return members, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NotifyDemoRequested tells the experts joined to ticketId that the
// requester asked for a demo. It reports whether any expert was notified.
func (cs *ChatServer) NotifyDemoRequested(ctx context.Context, ticketId, requesterName string) (bool, error) {
	r, ok := cs.getRoom(ticketId)
	if !ok {
		return false, nil
	}

	req := demoRequest{requesterName: requesterName, delivered: make(chan bool, 1)}
	select {
	case r.demoChan <- req:
	case <-r.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case delivered := <-req.delivered:
		return delivered, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (cs *ChatServer) getRoom(ticketId string) (*Room, bool) {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()
	r, ok := cs.rooms[ticketId]
	return r, ok
}

func (cs *ChatServer) addRoom(r *Room) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	cs.rooms[r.ticketId] = r
}

func (cs *ChatServer) removeRoom(r *Room) {
	cs.roomsLock.Lock()
	if cur, ok := cs.rooms[r.ticketId]; !ok || cur != r {
		cs.roomsLock.Unlock()
		return
	}
	delete(cs.rooms, r.ticketId)
	cs.roomsLock.Unlock()

	cs.stats.Decr(stats.NumActiveRooms)
	cs.log.Info().Str(logging.FieldTicketID, r.ticketId).Msg("unloaded room")

	// the room goroutine has exited, so its counter is no longer written
	cs.recordSeq(r.ticketId, r.seq)
	cs.trackFlush(r.ticketId, r.persist.done)
}

func (cs *ChatServer) recordSeq(ticketId string, seq int64) {
	cs.seqMarksLock.Lock()
	defer cs.seqMarksLock.Unlock()
	if seq > cs.seqMarks[ticketId] {
		cs.seqMarks[ticketId] = seq
	}
}

// seqFloor returns the highest sequence number already handed out for
// ticketId by an earlier room. Once the message log has caught up with it
// the mark is dropped.
func (cs *ChatServer) seqFloor(ticketId string, logged int64) int64 {
	cs.seqMarksLock.Lock()
	defer cs.seqMarksLock.Unlock()
	mark, ok := cs.seqMarks[ticketId]
	if !ok {
		return logged
	}
	if logged >= mark {
		delete(cs.seqMarks, ticketId)
		return logged
	}
	return mark
}

func (cs *ChatServer) trackFlush(ticketId string, done <-chan struct{}) {
	cs.flushesLock.Lock()
	cs.flushes[ticketId] = done
	cs.flushesLock.Unlock()

	go func() {
		<-done
		cs.flushesLock.Lock()
		defer cs.flushesLock.Unlock()
		if cs.flushes[ticketId] == done {
			delete(cs.flushes, ticketId)
		}
	}()
}

// takeFlush returns the pending flush of the previous room for ticketId, if
// any.
func (cs *ChatServer) takeFlush(ticketId string) <-chan struct{} {
	cs.flushesLock.Lock()
	defer cs.flushesLock.Unlock()
	done := cs.flushes[ticketId]
	delete(cs.flushes, ticketId)
	return done
}
