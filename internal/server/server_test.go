package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/config"
	"github.com/npezzotti/go-ticketchat/internal/database"
	"github.com/npezzotti/go-ticketchat/internal/presence"
	"github.com/npezzotti/go-ticketchat/internal/stats"
	"github.com/npezzotti/go-ticketchat/internal/testutil"
	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestChatServer creates a ChatServer backed by mocks. LastSeq and the
// append operations accept any call unless the test overrides them first.
func newTestChatServer(t *testing.T, db *database.MockChatRepository, cfg config.ChatConfig) *ChatServer {
	t.Helper()

	db.On("LastSeq", mock.Anything, mock.Anything).Return(int64(0), nil).Maybe()
	db.On("AppendMessage", mock.Anything, mock.Anything).Return(nil).Maybe()
	db.On("AppendDemo", mock.Anything, mock.Anything).Return(nil).Maybe()

	cs, err := NewChatServer(testutil.TestLogger(t), Deps{
		Validator: auth.NewJWTValidator(testutil.SigningKey, nil),
		Tickets:   db,
		Messages:  db,
		Stats:     stats.NewPermissiveMock(),
	}, cfg)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

// newTestSession returns a session that is not backed by a connection.
func newTestSession(t *testing.T, cs *ChatServer, buffer int) *Session {
	id := uuid.NewString()
	return &Session{
		id:   id,
		cs:   cs,
		log:  testutil.TestLogger(t).With().Str("session_id", id).Logger(),
		send: make(chan *ServerMessage, buffer),
		stop: make(chan struct{}),
	}
}

func testChatConfig() config.ChatConfig {
	cfg := config.DefaultChatConfig()
	cfg.JoinTimeout = time.Second
	return cfg
}

func nextMessage(t *testing.T, s *Session) *ServerMessage {
	t.Helper()
	select {
	case msg := <-s.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message on session %s", s.id)
		return nil
	}
}

func assertNoMessage(t *testing.T, s *Session) {
	t.Helper()
	select {
	case msg := <-s.send:
		t.Errorf("expected no message, got %q", msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	defer su.AssertExpectations(t)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, Deps{
		Validator: &auth.MockTokenValidator{},
		Tickets:   db,
		Messages:  db,
		Stats:     su,
	}, config.DefaultChatConfig())
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, presence.Noop{}, cs.presence, "expected presence to default to no-op")
	assert.NotNil(t, cs.joinChan, "expected joinChan to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.sessions, "expected sessions map to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms map to be initialized")
}

func TestNewChatServer_MissingDeps(t *testing.T) {
	_, err := NewChatServer(testutil.TestLogger(t), Deps{Stats: stats.NewPermissiveMock()}, config.DefaultChatConfig())
	assert.Error(t, err, "expected error when dependencies are missing")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, testChatConfig())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, testChatConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never signal done to simulate a hang
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	t.Run("no rooms", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, testChatConfig())
		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx), "expected successful shutdown without error")

		err := cs.RegisterSession(newTestSession(t, cs, 1))
		assert.ErrorIs(t, err, ErrServerStopped, "expected sessions to be refused after shutdown")
	})

	t.Run("evicts members and flushes writes", func(t *testing.T) {
		db := &database.MockChatRepository{}
		store := &presence.MockStore{}
		store.On("Join", mock.Anything, "42", mock.Anything).Return(nil).Once()
		store.On("Clear", mock.Anything, "42").Return(nil).Once()
		defer store.AssertExpectations(t)

		cs := newTestChatServer(t, db, testChatConfig())
		cs.presence = store
		go cs.Run()

		s := newTestSession(t, cs, 8)
		joinTestRoom(t, cs, s, "42", auth.Identity{UserId: "u1", Name: "Ann"}, auth.RoleRequester)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, cs.Shutdown(ctx), "expected successful shutdown with active rooms")

		_, ok := cs.getRoom("42")
		assert.False(t, ok, "expected room to be unloaded after shutdown")
		assert.Equal(t, SessionLeft, s.State(), "expected member to be evicted")

		nextMessage(t, s) // join-success
		msg := nextMessage(t, s)
		assert.Equal(t, types.EventError, msg.Event)
		assert.Equal(t, string(CodeUnavailable), msg.Data.(types.ErrorNotice).Code)
	})
}

// joinTestRoom routes a join through the hub and waits for the reply.
func joinTestRoom(t *testing.T, cs *ChatServer, s *Session, ticketId string, identity auth.Identity, role auth.Role) {
	t.Helper()

	jr := newJoinRequest(s, ticketId, identity, role)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Nil(t, cs.requestJoin(ctx, jr), "expected join request to be accepted")

	select {
	case res := <-jr.reply:
		require.Nil(t, res.err, "expected join to succeed")
	case <-ctx.Done():
		t.Fatal("timed out waiting for join reply")
	}
}

func TestChatServer_JoinCreatesRoom(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, testChatConfig())
	go cs.Run()
	defer cs.Shutdown(context.Background())

	a := newTestSession(t, cs, 8)
	b := newTestSession(t, cs, 8)
	joinTestRoom(t, cs, a, "42", auth.Identity{UserId: "u1", Name: "Ann"}, auth.RoleRequester)
	joinTestRoom(t, cs, b, "42", auth.Identity{UserId: "u2", Name: "Bob"}, auth.RoleExpert)

	r, ok := cs.getRoom("42")
	require.True(t, ok, "expected room to be registered")
	ra, _ := a.joinedRoom()
	rb, _ := b.joinedRoom()
	assert.Equal(t, r, ra, "expected both sessions in the same room")
	assert.Equal(t, r, rb, "expected both sessions in the same room")

	members, err := cs.Members(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, []types.Member{
		{UserId: "u1", Name: "Ann", Role: "requester"},
		{UserId: "u2", Name: "Bob", Role: "expert"},
	}, members)

	members, err = cs.Members(context.Background(), "7")
	require.NoError(t, err)
	assert.Empty(t, members, "expected no members for an unloaded ticket")
}

func TestChatServer_NotifyDemoRequested(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, testChatConfig())
	go cs.Run()
	defer cs.Shutdown(context.Background())

	delivered, err := cs.NotifyDemoRequested(context.Background(), "42", "Ann")
	require.NoError(t, err)
	assert.False(t, delivered, "expected no delivery without a room")

	requester := newTestSession(t, cs, 8)
	joinTestRoom(t, cs, requester, "42", auth.Identity{UserId: "u1", Name: "Ann"}, auth.RoleRequester)
	nextMessage(t, requester) // join-success

	delivered, err = cs.NotifyDemoRequested(context.Background(), "42", "Ann")
	require.NoError(t, err)
	assert.False(t, delivered, "expected no delivery without an expert")

	expert := newTestSession(t, cs, 8)
	joinTestRoom(t, cs, expert, "42", auth.Identity{UserId: "u2", Name: "Bob"}, auth.RoleExpert)
	nextMessage(t, expert) // join-success

	delivered, err = cs.NotifyDemoRequested(context.Background(), "42", "Ann")
	require.NoError(t, err)
	assert.True(t, delivered, "expected the expert to be notified")

	msg := nextMessage(t, expert)
	assert.Equal(t, types.EventDemoRequested, msg.Event)
	assert.Equal(t, "Ann", msg.Data.(types.DemoRequested).RequesterName)
}

func TestChatServer_UnloadsEmptyRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("LastSeq", mock.Anything, "42").Return(int64(41), nil).Once()
	db.On("AppendMessage", mock.Anything, mock.MatchedBy(func(m database.Message) bool {
		return m.SeqId == 42
	})).Return(nil).Once()
	db.On("LastSeq", mock.Anything, "42").Return(int64(42), nil).Once()

	cs := newTestChatServer(t, db, testChatConfig())
	go cs.Run()
	defer cs.Shutdown(context.Background())

	s := newTestSession(t, cs, 8)
	joinTestRoom(t, cs, s, "42", auth.Identity{UserId: "u1", Name: "Ann"}, auth.RoleRequester)
	r, cerr := s.joinedRoom()
	require.Nil(t, cerr)

	require.Nil(t, r.submit(roomEvent{kind: evSend, session: s, text: "hello"}))
	if room, changed := s.markLeft(); assert.True(t, changed) {
		room.submitLeave(s)
	}

	assert.Eventually(t, func() bool {
		_, ok := cs.getRoom("42")
		return !ok
	}, time.Second, 10*time.Millisecond, "expected empty room to be unloaded")

	<-r.done

	// a new room for the same ticket continues the sequence after the
	// previous room's writes
	s2 := newTestSession(t, cs, 8)
	joinTestRoom(t, cs, s2, "42", auth.Identity{UserId: "u1", Name: "Ann"}, auth.RoleRequester)
	msg := nextMessage(t, s2)
	require.Equal(t, types.EventJoinSuccess, msg.Event)
	assert.Equal(t, int64(42), msg.Data.(types.JoinSuccess).LastSeq)
	db.AssertExpectations(t)
}

func TestChatServer_SequenceSurvivesFailedWrites(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("AppendMessage", mock.Anything, mock.Anything).Return(errors.New("db down"))

	cs := newTestChatServer(t, db, testChatConfig())
	go cs.Run()
	defer cs.Shutdown(context.Background())

	sendAndUnload := func(wantSeq int64) {
		t.Helper()
		a := newTestSession(t, cs, 8)
		b := newTestSession(t, cs, 8)
		joinTestRoom(t, cs, a, "42", ann, auth.RoleRequester)
		joinTestRoom(t, cs, b, "42", bob, auth.RoleExpert)
		joined := nextMessage(t, a)
		require.Equal(t, types.EventJoinSuccess, joined.Event)
		assert.Equal(t, wantSeq-1, joined.Data.(types.JoinSuccess).LastSeq)

		r, cerr := a.joinedRoom()
		require.Nil(t, cerr)
		require.Nil(t, r.submit(roomEvent{kind: evSend, session: a, text: "hello"}))

		expectEvent(t, b, types.EventJoinSuccess)
		msg := expectEvent(t, b, types.EventReceiveMessage)
		assert.Equal(t, wantSeq, msg.Data.(types.Message).Seq)

		for _, s := range []*Session{a, b} {
			if room, changed := s.markLeft(); changed {
				room.submitLeave(s)
			}
		}
		assert.Eventually(t, func() bool {
			_, ok := cs.getRoom("42")
			return !ok
		}, time.Second, 10*time.Millisecond, "expected empty room to be unloaded")
		<-r.done
	}

	sendAndUnload(1)
	// nothing reached the log, the next room still continues after seq 1
	sendAndUnload(2)
}

func TestChatServer_seqFloor(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, testChatConfig())

	assert.Equal(t, int64(3), cs.seqFloor("42", 3), "expected logged seq without a mark")

	cs.recordSeq("42", 7)
	cs.recordSeq("42", 5)
	assert.Equal(t, int64(7), cs.seqFloor("42", 3))
	assert.Equal(t, int64(7), cs.seqFloor("42", 7))
	assert.Empty(t, cs.seqMarks, "expected the mark to be dropped once the log caught up")
}

func TestChatServer_RegisterSession(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("Incr", stats.NumActiveSessions).Return().Once()
	su.On("Decr", stats.NumActiveSessions).Return().Once()
	defer su.AssertExpectations(t)

	db := &database.MockChatRepository{}
	cs, err := NewChatServer(testutil.TestLogger(t), Deps{
		Validator: &auth.MockTokenValidator{},
		Tickets:   db,
		Messages:  db,
		Stats:     su,
	}, testChatConfig())
	require.NoError(t, err)

	s := newTestSession(t, cs, 1)
	require.NoError(t, cs.RegisterSession(s))
	assert.Contains(t, cs.sessions, s)

	cs.deregisterSession(s)
	cs.deregisterSession(s)
	assert.NotContains(t, cs.sessions, s)
}

func TestChatServer_takeFlush(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, testChatConfig())

	assert.Nil(t, cs.takeFlush("42"), "expected no pending flush")

	done := make(chan struct{})
	cs.trackFlush("42", done)
	assert.Equal(t, (<-chan struct{})(done), cs.takeFlush("42"))
	assert.Nil(t, cs.takeFlush("42"), "expected flush to be taken once")

	cs.trackFlush("7", done)
	close(done)
	assert.Eventually(t, func() bool {
		cs.flushesLock.Lock()
		defer cs.flushesLock.Unlock()
		return len(cs.flushes) == 0
	}, time.Second, 10*time.Millisecond, "expected completed flush to be forgotten")
}
