package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"uk.co.dudmesh.relay/internal/metrics"
	"uk.co.dudmesh.relay/internal/model"
	"uk.co.dudmesh.relay/internal/service/fanout"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport is the underlying socket. Send must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, event *model.Event) error
	Close() error
}

type Verifier interface {
	VerifyIdentity(token string) (model.UserID, error)
}

type Presence interface {
	SetOnline(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) error
	Release(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) (bool, error)
}

type Roster interface {
	ChatIDsForUser(ctx context.Context, userID model.UserID) ([]model.ChatID, error)
	IsParticipant(ctx context.Context, chatID model.ChatID, userID model.UserID) (bool, error)
}

type Broadcaster interface {
	ReplayMissed(ctx context.Context, userID model.UserID) ([]*model.Message, error)
	BroadcastOnlineUsers(ctx context.Context) error
}

type Tracker interface {
	PromoteDelivered(ctx context.Context, id model.MessageID, recipients []model.UserID) (model.MessageStatus, error)
}

type Messages interface {
	MarkSeen(ctx context.Context, messageID model.MessageID, chatID model.ChatID, userID model.UserID) (model.MessageStatus, error)
}

type Manager struct {
	instanceID  string
	hub         *fanout.Hub
	verifier    Verifier
	presence    Presence
	roster      Roster
	broadcaster Broadcaster
	tracker     Tracker
	messages    Messages
}

func NewManager(instanceID string, hub *fanout.Hub, verifier Verifier, presence Presence, roster Roster, broadcaster Broadcaster, tracker Tracker, messages Messages) *Manager {
	return &Manager{
		instanceID:  instanceID,
		hub:         hub,
		verifier:    verifier,
		presence:    presence,
		roster:      roster,
		broadcaster: broadcaster,
		tracker:     tracker,
		messages:    messages,
	}
}

type Session struct {
	manager   *Manager
	transport Transport
	connID    string
	handle    model.ConnectionHandle

	mu     sync.Mutex
	state  State
	userID model.UserID
}

// Open runs the session up to Active: verify the token, register presence,
// join a room per chat, then replay missed messages. Any failure before
// Active closes the transport and leaves nothing registered.
func (m *Manager) Open(ctx context.Context, token string, transport Transport) (*Session, error) {
	connID := cuid2.Generate()
	s := &Session{
		manager:   m,
		transport: transport,
		connID:    connID,
		handle:    model.NewConnectionHandle(m.instanceID, connID),
		state:     StateConnecting,
	}

	userID, err := m.verifier.VerifyIdentity(token)
	if err != nil {
		s.abort(ctx)
		return nil, err
	}
	s.mu.Lock()
	s.userID = userID
	s.state = StateAuthenticated
	s.mu.Unlock()

	if err := s.register(ctx); err != nil {
		s.abort(ctx)
		return nil, err
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	metrics.ActiveSockets.Inc()
	log.Infof("session %s: %s active", s.handle, userID)

	s.replay(ctx)
	if err := m.broadcaster.BroadcastOnlineUsers(ctx); err != nil {
		log.Errorf("session %s: broadcasting online users: %+v", s.handle, err)
	}
	return s, nil
}

// register loads the rooms first so a roster failure leaves nothing behind,
// then makes the connection reachable before it is advertised in presence.
// Until the session is Active, Send refuses events, so anything dispatched in
// between stays "sent" and goes out with the replay.
func (s *Session) register(ctx context.Context) error {
	m := s.manager
	chatIDs, err := m.roster.ChatIDsForUser(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("joining chat rooms: %w", err)
	}
	m.hub.Register(s.connID, s)
	for _, chatID := range chatIDs {
		m.hub.Join(s.connID, chatID)
	}
	if err := m.presence.SetOnline(ctx, s.userID, s.handle); err != nil {
		return fmt.Errorf("registering presence: %w", err)
	}
	log.Debugf("session %s: joined %d rooms", s.handle, len(chatIDs))
	return nil
}

func (s *Session) abort(ctx context.Context) {
	s.mu.Lock()
	userID := s.userID
	s.state = StateClosed
	s.mu.Unlock()
	s.teardown(ctx, userID)
}

func (s *Session) teardown(ctx context.Context, userID model.UserID) {
	s.manager.hub.Unregister(s.connID)
	if userID != "" {
		if _, err := s.manager.presence.Release(ctx, userID, s.handle); err != nil {
			log.Errorf("session %s: releasing presence: %+v", s.handle, err)
		}
	}
	if err := s.transport.Close(); err != nil {
		log.Debugf("session %s: closing transport: %+v", s.handle, err)
	}
}

// replay sends every message still "sent" for the user as one batch and
// promotes them once the transport accepts it.
func (s *Session) replay(ctx context.Context) {
	m := s.manager
	missed, err := m.broadcaster.ReplayMissed(ctx, s.userID)
	if err != nil {
		log.Errorf("session %s: %+v", s.handle, err)
		return
	}
	if len(missed) == 0 {
		return
	}

	event, err := model.NewEvent(model.EventMissedMessages, missed)
	if err != nil {
		log.Errorf("session %s: %+v", s.handle, err)
		return
	}
	if err := s.transport.Send(ctx, event); err != nil {
		log.Errorf("session %s: sending %d missed messages: %+v", s.handle, len(missed), err)
		return
	}
	log.Infof("session %s: replayed %d missed messages to %s", s.handle, len(missed), s.userID)

	recipient := []model.UserID{s.userID}
	for _, msg := range missed {
		if _, err := m.tracker.PromoteDelivered(ctx, msg.ID, recipient); err != nil {
			log.Errorf("session %s: promoting %s: %+v", s.handle, msg.ID, err)
		}
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) UserID() model.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Handle() model.ConnectionHandle {
	return s.handle
}

// Send writes an outbound event while the session is Active.
func (s *Session) Send(ctx context.Context, event *model.Event) error {
	if s.State() != StateActive {
		return model.ErrorSessionNotActive
	}
	return s.transport.Send(ctx, event)
}

// Receive handles one inbound client event.
func (s *Session) Receive(ctx context.Context, event *model.Event) error {
	s.mu.Lock()
	state, userID := s.state, s.userID
	s.mu.Unlock()
	if state != StateActive || userID == "" {
		return model.ErrorSessionNotActive
	}

	m := s.manager
	switch event.Name {
	case model.EventJoinChat:
		var chatID model.ChatID
		if err := event.Decode(&chatID); err != nil {
			return err
		}
		ok, err := m.roster.IsParticipant(ctx, chatID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrorNotParticipant
		}
		m.hub.Join(s.connID, chatID)

	case model.EventLeaveChat:
		var chatID model.ChatID
		if err := event.Decode(&chatID); err != nil {
			return err
		}
		m.hub.Leave(s.connID, chatID)

	case model.EventMessageSeen:
		req := model.SeenRequest{}
		if err := event.Decode(&req); err != nil {
			return err
		}
		if _, err := m.messages.MarkSeen(ctx, req.MessageID, req.ChatID, userID); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: %s", model.ErrorUnknownEvent, event.Name)
	}
	return nil
}

// Close tears the session down on transport disconnect. Calling it again is
// a no-op.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	userID := s.userID
	s.state = StateClosed
	s.mu.Unlock()

	s.teardown(ctx, userID)
	if !wasActive {
		return
	}
	metrics.ActiveSockets.Dec()
	log.Infof("session %s: %s disconnected", s.handle, userID)
	if err := s.manager.broadcaster.BroadcastOnlineUsers(ctx); err != nil {
		log.Errorf("session %s: broadcasting online users: %+v", s.handle, err)
	}
}
