package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"golang.org/x/net/websocket"
	"uk.co.dudmesh.relay/internal/model"
	"uk.co.dudmesh.relay/internal/session"
)

const (
	writeTimeout = 10 * time.Second
	outboxSize   = 64
)

var errOutboxFull = errors.New("socket outbox full")
var errSocketClosed = errors.New("socket closed")

type SessionManager interface {
	Open(ctx context.Context, token string, transport session.Transport) (*session.Session, error)
}

// socketTransport queues outbound events for a single writer goroutine, so
// a slow client never blocks the caller. A full queue fails the send and the
// event counts as undelivered. The read loop owns receiving.
type socketTransport struct {
	write     func(event *model.Event) error
	closeConn func() error
	outbox chan *model.Event
	done   chan struct{}
	once   sync.Once
	err    error
}

func newSocketTransport(conn *websocket.Conn) *socketTransport {
	write := func(event *model.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		return websocket.JSON.Send(conn, event)
	}
	return startTransport(write, conn.Close)
}

func startTransport(write func(*model.Event) error, closeConn func() error) *socketTransport {
	t := &socketTransport{
		write:     write,
		closeConn: closeConn,
		outbox:    make(chan *model.Event, outboxSize),
		done:      make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *socketTransport) Send(ctx context.Context, event *model.Event) error {
	select {
	case <-t.done:
		return errSocketClosed
	default:
	}
	select {
	case t.outbox <- event:
		return nil
	default:
		return errOutboxFull
	}
}

func (t *socketTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case event := <-t.outbox:
			if err := t.write(event); err != nil {
				log.Debugf("socket write %s: %+v", event.Name, err)
				t.Close()
				return
			}
		}
	}
}

// Close stops the writer and closes the connection, which ends the read loop.
func (t *socketTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.err = t.closeConn()
	})
	return t.err
}

// Socket upgrades GET /socket?accessToken=... and pumps client frames into
// the session until the client goes away.
func Socket(manager SessionManager, allowedOrigins []string) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.QueryParam("accessToken")
		server := websocket.Server{
			Handshake: checkOrigin(allowedOrigins),
			Handler: func(conn *websocket.Conn) {
				serveSocket(conn, manager, token)
			},
		}
		server.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

func checkOrigin(allowed []string) func(*websocket.Config, *http.Request) error {
	return func(config *websocket.Config, req *http.Request) error {
		origin, err := websocket.Origin(config, req)
		if err != nil {
			return err
		}
		config.Origin = origin
		for _, a := range allowed {
			if a == "*" || (origin != nil && a == origin.Scheme+"://"+origin.Host) {
				return nil
			}
		}
		return fmt.Errorf("origin %v not allowed", origin)
	}
}

func serveSocket(conn *websocket.Conn, manager SessionManager, token string) {
	ctx := conn.Request().Context()
	transport := newSocketTransport(conn)

	s, err := manager.Open(ctx, token, transport)
	if err != nil {
		log.Warnf("socket from %s rejected: %+v", conn.Request().RemoteAddr, err)
		return
	}
	defer s.Close(context.Background())

	for {
		var frame []byte
		if err := websocket.Message.Receive(conn, &frame); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("socket %s: read: %+v", s.Handle(), err)
			}
			return
		}
		event := &model.Event{}
		if err := json.Unmarshal(frame, event); err != nil {
			log.Warnf("socket %s: dropping malformed frame: %+v", s.Handle(), err)
			continue
		}
		if err := s.Receive(ctx, event); err != nil {
			log.Warnf("socket %s: %s: %+v", s.Handle(), event.Name, err)
		}
	}
}
