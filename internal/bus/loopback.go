package bus

import (
	"context"
	"sync"

	"uk.co.dudmesh.relay/internal/model"
)

// loopback delivers envelopes synchronously to handlers in this process. It
// stands in for Redis when a single instance is enough, and lets several
// in-process "instances" share one bus in tests.
type loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewLoopback() *loopback {
	return &loopback{handlers: make(map[string]Handler)}
}

// Attach registers an instance and returns its publishing side.
func (l *loopback) Attach(instanceID string, handler Handler) *loopbackClient {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[instanceID] = handler
	return &loopbackClient{bus: l, instanceID: instanceID}
}

func (l *loopback) deliver(ctx context.Context, env *Envelope) error {
	l.mu.RLock()
	targets := make([]Handler, 0, len(l.handlers))
	for instanceID, h := range l.handlers {
		if env.Target != "" && env.Target.Instance() != instanceID {
			continue
		}
		targets = append(targets, h)
	}
	l.mu.RUnlock()

	if len(targets) == 0 {
		return model.ErrorNoSubscriber
	}
	for _, h := range targets {
		h(ctx, env)
	}
	return nil
}

type loopbackClient struct {
	bus        *loopback
	instanceID string
}

func (c *loopbackClient) PublishRoom(ctx context.Context, room model.ChatID, event *model.Event) error {
	return c.bus.deliver(ctx, &Envelope{Origin: c.instanceID, Room: room, Event: event})
}

func (c *loopbackClient) PublishConn(ctx context.Context, target model.ConnectionHandle, event *model.Event) error {
	return c.bus.deliver(ctx, &Envelope{Origin: c.instanceID, Target: target, Event: event})
}

func (c *loopbackClient) PublishAll(ctx context.Context, event *model.Event) error {
	return c.bus.deliver(ctx, &Envelope{Origin: c.instanceID, Event: event})
}
