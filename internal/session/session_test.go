package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.relay/internal/auth"
	"uk.co.dudmesh.relay/internal/bus"
	"uk.co.dudmesh.relay/internal/model"
	"uk.co.dudmesh.relay/internal/presence"
	"uk.co.dudmesh.relay/internal/service/chat"
	"uk.co.dudmesh.relay/internal/service/delivery"
	"uk.co.dudmesh.relay/internal/service/fanout"
	"uk.co.dudmesh.relay/internal/service/message"
	"uk.co.dudmesh.relay/internal/store"
)

const (
	secret     = "session-secret"
	instanceID = "node-1"
)

type socket struct {
	mu     sync.Mutex
	events []*model.Event
	closed bool
}

func (s *socket) Send(ctx context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("socket closed")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socket) named(name model.EventName) []*model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := []*model.Event{}
	for _, e := range s.events {
		if e.Name == name {
			found = append(found, e)
		}
	}
	return found
}

type noAnalytics struct{}

func (noAnalytics) Publish(context.Context, *model.Message) error { return nil }

type failingRoster struct {
	Roster
}

func (failingRoster) ChatIDsForUser(context.Context, model.UserID) ([]model.ChatID, error) {
	return nil, errors.New("database is locked")
}

// hookedPresence runs a callback right after a connection is advertised.
type hookedPresence struct {
	registry
	afterSetOnline func()
}

func (p hookedPresence) SetOnline(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) error {
	if err := p.registry.SetOnline(ctx, userID, handle); err != nil {
		return err
	}
	p.afterSetOnline()
	return nil
}

type registry interface {
	Presence
	Lookup(ctx context.Context, userID model.UserID) (model.ConnectionHandle, bool, error)
	ListOnlineUsers(ctx context.Context) ([]model.UserID, error)
}

type fixture struct {
	manager  *Manager
	hub      *fanout.Hub
	presence registry
	store    *store.Store
	chats    interface {
		Roster
		GetOrCreateDM(ctx context.Context, a, b model.UserID) (*model.Chat, error)
	}
	messages interface {
		Messages
		SendMessage(ctx context.Context, chatID model.ChatID, senderID model.UserID, content *model.Content) (*model.Message, error)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open("file:" + cuid2.Generate() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hub := fanout.NewHub()
	reg := presence.NewMemory()
	pub := bus.NewLoopback().Attach(instanceID, hub.Deliver)
	chats := chat.New(s)
	tracker := delivery.New(s)
	broadcaster := fanout.New(instanceID, hub, reg, pub, s)
	messages := message.New(s, chats, tracker, broadcaster, noAnalytics{})

	return &fixture{
		manager:  NewManager(instanceID, hub, auth.NewVerifier(secret), reg, chats, broadcaster, tracker, messages),
		hub:      hub,
		presence: reg,
		store:    s,
		chats:    chats,
		messages: messages,
	}
}

func (f *fixture) connect(t *testing.T, userID model.UserID) (*Session, *socket) {
	t.Helper()
	token, err := auth.Issue(secret, userID, time.Minute)
	require.NoError(t, err)
	sock := &socket{}
	s, err := f.manager.Open(context.Background(), token, sock)
	require.NoError(t, err)
	return s, sock
}

func TestOfflineReconnectSeen(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	dm, err := f.chats.GetOrCreateDM(ctx, "alice", "bob")
	require.NoError(t, err)
	_, alice := f.connect(t, "alice")

	msg, err := f.messages.SendMessage(ctx, dm.ID, "alice", &model.Content{Text: "ping"})
	require.NoError(t, err)
	assert.Equal(model.MessageStatusSent, msg.Status)

	bobSession, bob := f.connect(t, "bob")
	assert.Equal(StateActive, bobSession.State())

	t.Run("Missed Messages Replayed Once", func(t *testing.T) {
		batches := bob.named(model.EventMissedMessages)
		require.Len(t, batches, 1)
		missed := []*model.Message{}
		require.NoError(t, batches[0].Decode(&missed))
		require.Len(t, missed, 1)
		assert.Equal(msg.ID, missed[0].ID)

		stored, err := f.store.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(model.MessageStatusDelivered, stored.Status)

		pending, err := f.store.FindPending(ctx, "bob")
		assert.Nil(err)
		assert.Empty(pending)
	})

	t.Run("Online Users Broadcast", func(t *testing.T) {
		updates := alice.named(model.EventGetOnlineUsers)
		require.NotEmpty(t, updates)
		users := []model.UserID{}
		require.NoError(t, updates[len(updates)-1].Decode(&users))
		assert.Equal([]model.UserID{"alice", "bob"}, users)
	})

	t.Run("Seen Reaches Sender", func(t *testing.T) {
		seen, err := model.NewEvent(model.EventMessageSeen, model.SeenRequest{MessageID: msg.ID, ChatID: dm.ID})
		require.NoError(t, err)
		require.NoError(t, bobSession.Receive(ctx, seen))

		updates := alice.named(model.EventMessageStatusUpdate)
		require.Len(t, updates, 1)
		update := model.StatusUpdate{}
		require.NoError(t, updates[0].Decode(&update))
		assert.Equal(model.UserID("bob"), update.UserID)
		assert.Equal(model.MessageStatusSeen, update.Status)

		stored, err := f.store.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(model.MessageStatusSeen, stored.Status)
	})

	t.Run("Reconnect Replays Nothing", func(t *testing.T) {
		bobSession.Close(ctx)
		_, again := f.connect(t, "bob")
		assert.Empty(again.named(model.EventMissedMessages))
	})
}

func TestOpenFailures(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	t.Run("Missing Token", func(t *testing.T) {
		sock := &socket{}
		s, err := f.manager.Open(ctx, "", sock)
		assert.Nil(s)
		assert.ErrorIs(err, model.ErrorMissingToken)
		assert.True(sock.isClosed())
		assert.Equal(0, f.hub.Len())
	})

	t.Run("Invalid Token", func(t *testing.T) {
		sock := &socket{}
		_, err := f.manager.Open(ctx, "forged", sock)
		assert.ErrorIs(err, model.ErrorInvalidToken)
		assert.True(sock.isClosed())
	})

	t.Run("Room Join Failure", func(t *testing.T) {
		broken := *f.manager
		broken.roster = failingRoster{}
		token, err := auth.Issue(secret, "carol", time.Minute)
		require.NoError(t, err)

		sock := &socket{}
		_, err = broken.Open(ctx, token, sock)
		assert.NotNil(err)
		assert.True(sock.isClosed())
		assert.Equal(0, f.hub.Len())

		_, online, err := f.presence.Lookup(ctx, "carol")
		assert.Nil(err)
		assert.False(online)
	})
}

func TestLastConnectionWins(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	first, _ := f.connect(t, "alice")
	second, _ := f.connect(t, "alice")

	handle, ok, err := f.presence.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(second.Handle(), handle)

	first.Close(ctx)
	handle, ok, err = f.presence.Lookup(ctx, "alice")
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(second.Handle(), handle)

	second.Close(ctx)
	second.Close(ctx)
	_, ok, err = f.presence.Lookup(ctx, "alice")
	assert.Nil(err)
	assert.False(ok)
	assert.Equal(StateClosed, second.State())
}

func TestReceive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	dm, err := f.chats.GetOrCreateDM(ctx, "alice", "bob")
	require.NoError(t, err)
	other, err := f.chats.GetOrCreateDM(ctx, "carol", "dave")
	require.NoError(t, err)

	s, _ := f.connect(t, "alice")
	connID := s.Handle().Connection()
	assert.True(f.hub.InRoom(connID, dm.ID))

	event := func(name model.EventName, payload interface{}) *model.Event {
		e, err := model.NewEvent(name, payload)
		require.NoError(t, err)
		return e
	}

	t.Run("Leave And Rejoin", func(t *testing.T) {
		assert.Nil(s.Receive(ctx, event(model.EventLeaveChat, dm.ID)))
		assert.False(f.hub.InRoom(connID, dm.ID))
		assert.Nil(s.Receive(ctx, event(model.EventJoinChat, dm.ID)))
		assert.Nil(s.Receive(ctx, event(model.EventJoinChat, dm.ID)))
		assert.True(f.hub.InRoom(connID, dm.ID))
	})

	t.Run("Join Foreign Chat", func(t *testing.T) {
		err := s.Receive(ctx, event(model.EventJoinChat, other.ID))
		assert.ErrorIs(err, model.ErrorNotParticipant)
		assert.False(f.hub.InRoom(connID, other.ID))
	})

	t.Run("Unknown Event", func(t *testing.T) {
		err := s.Receive(ctx, &model.Event{Name: "typing"})
		assert.ErrorIs(err, model.ErrorUnknownEvent)
	})

	t.Run("Closed Session", func(t *testing.T) {
		s.Close(ctx)
		err := s.Receive(ctx, event(model.EventJoinChat, dm.ID))
		assert.ErrorIs(err, model.ErrorSessionNotActive)
		assert.ErrorIs(s.Send(ctx, event(model.EventNewMessage, nil)), model.ErrorSessionNotActive)
	})
}

func TestMessageDuringRegistration(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	dm, err := f.chats.GetOrCreateDM(ctx, "alice", "bob")
	require.NoError(t, err)

	var sent *model.Message
	hooked := *f.manager
	hooked.presence = hookedPresence{
		registry: f.presence,
		afterSetOnline: func() {
			sent, err = f.messages.SendMessage(ctx, dm.ID, "alice", &model.Content{Text: "just in time"})
			require.NoError(t, err)
		},
	}
	token, err := auth.Issue(secret, "bob", time.Minute)
	require.NoError(t, err)
	bob := &socket{}
	s, err := hooked.Open(ctx, token, bob)
	require.NoError(t, err)
	require.NotNil(t, sent)

	assert.Equal(model.MessageStatusSent, sent.Status)
	assert.Empty(bob.named(model.EventNewMessage))

	batches := bob.named(model.EventMissedMessages)
	require.Len(t, batches, 1)
	missed := []*model.Message{}
	require.NoError(t, batches[0].Decode(&missed))
	require.Len(t, missed, 1)
	assert.Equal(sent.ID, missed[0].ID)

	stored, err := f.store.Get(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(model.MessageStatusDelivered, stored.Status)

	t.Run("Inactive Session Refuses Events", func(t *testing.T) {
		pending := &Session{manager: f.manager, transport: &socket{}, state: StateAuthenticated, userID: "carol"}
		err := pending.Send(ctx, &model.Event{Name: model.EventNewMessage})
		assert.ErrorIs(err, model.ErrorSessionNotActive)
	})
	s.Close(ctx)
}
