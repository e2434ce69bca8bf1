package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.relay/internal/model"
)

// Envelope is what travels between instances. Exactly one of Room and Target
// is set for scoped events; neither means every connection everywhere.
type Envelope struct {
	Origin string                 `json:"origin"`
	Room   model.ChatID           `json:"room,omitempty"`
	Target model.ConnectionHandle `json:"target,omitempty"`
	Event  *model.Event           `json:"event"`
}

type Handler func(ctx context.Context, env *Envelope)

// redisBus publishes on room-scoped channels (<prefix>room:<chat>), one
// channel per instance for connection-targeted events (<prefix>conn:<instance>)
// and one channel for global events (<prefix>all).
type redisBus struct {
	client     *redis.Client
	prefix     string
	instanceID string
}

func New(client *redis.Client, prefix, instanceID string) *redisBus {
	return &redisBus{client: client, prefix: prefix, instanceID: instanceID}
}

func (b *redisBus) roomChannel(room model.ChatID) string {
	return b.prefix + "room:" + string(room)
}

func (b *redisBus) instanceChannel(instanceID string) string {
	return b.prefix + "conn:" + instanceID
}

func (b *redisBus) allChannel() string {
	return b.prefix + "all"
}

func (b *redisBus) PublishRoom(ctx context.Context, room model.ChatID, event *model.Event) error {
	return b.publish(ctx, b.roomChannel(room), &Envelope{Origin: b.instanceID, Room: room, Event: event})
}

func (b *redisBus) PublishConn(ctx context.Context, target model.ConnectionHandle, event *model.Event) error {
	return b.publish(ctx, b.instanceChannel(target.Instance()), &Envelope{Origin: b.instanceID, Target: target, Event: event})
}

func (b *redisBus) PublishAll(ctx context.Context, event *model.Event) error {
	return b.publish(ctx, b.allChannel(), &Envelope{Origin: b.instanceID, Event: event})
}

// publish fails with ErrorNoSubscriber when no instance received the
// envelope, e.g. a connection handle left behind by a crashed instance.
func (b *redisBus) publish(ctx context.Context, channel string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}
	receivers, err := b.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	if receivers == 0 {
		return fmt.Errorf("publishing to %s: %w", channel, model.ErrorNoSubscriber)
	}
	return nil
}

// Run subscribes this instance and hands every envelope to handler until ctx
// is done. ready, if not nil, is closed once the subscription is confirmed.
func (b *redisBus) Run(ctx context.Context, handler Handler, ready chan<- struct{}) error {
	pubsub := b.client.Subscribe(ctx, b.instanceChannel(b.instanceID), b.allChannel())
	defer pubsub.Close()
	if err := pubsub.PSubscribe(ctx, b.roomChannel("*")); err != nil {
		return fmt.Errorf("subscribing to rooms: %w", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := pubsub.Receive(ctx); err != nil {
			return fmt.Errorf("confirming subscription: %w", err)
		}
	}
	if ready != nil {
		close(ready)
	}
	log.Infof("bus: instance %s subscribed with prefix %q", b.instanceID, b.prefix)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env := &Envelope{}
			if err := json.Unmarshal([]byte(msg.Payload), env); err != nil {
				log.Errorf("bus: dropping malformed envelope on %s: %+v", msg.Channel, err)
				continue
			}
			if env.Event == nil {
				continue
			}
			handler(ctx, env)
		}
	}
}
