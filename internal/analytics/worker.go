package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.relay/internal/model"
)

const batchSize = 10

type WorkerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	CountsKey string
	Block     time.Duration
}

// worker consumes the message stream through a consumer group and keeps a
// per-chat message count.
type worker struct {
	client redis.UniversalClient
	config WorkerConfig
}

func NewWorker(client redis.UniversalClient, config WorkerConfig) *worker {
	if config.Block <= 0 {
		config.Block = 5 * time.Second
	}
	return &worker{client: client, config: config}
}

// Init creates the stream and consumer group if they are missing.
func (w *worker) Init(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.config.Stream, w.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s: %w", w.config.Group, err)
	}
	return nil
}

// Poll reads one batch of new entries, waiting up to block for them (a
// negative block returns at once). It returns how many entries it handled.
func (w *worker) Poll(ctx context.Context, block time.Duration) (int, error) {
	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.config.Group,
		Consumer: w.config.Consumer,
		Streams:  []string{w.config.Stream, ">"},
		Count:    batchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", w.config.Stream, err)
	}

	handled := 0
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			if err := w.process(ctx, entry); err != nil {
				log.Errorf("analytics: processing %s: %+v", entry.ID, err)
				continue
			}
			if err := w.client.XAck(ctx, w.config.Stream, w.config.Group, entry.ID).Err(); err != nil {
				return handled, fmt.Errorf("acknowledging %s: %w", entry.ID, err)
			}
			handled++
		}
	}
	return handled, nil
}

func (w *worker) process(ctx context.Context, entry redis.XMessage) error {
	chatID, _ := entry.Values["chatId"].(string)
	if chatID == "" {
		log.Warnf("analytics: entry %s has no chat id, skipping", entry.ID)
		return nil
	}
	count, err := w.client.HIncrBy(ctx, w.config.CountsKey, chatID, 1).Result()
	if err != nil {
		return fmt.Errorf("counting message for %s: %w", chatID, err)
	}
	log.Debugf("analytics: chat %s now has %d messages (message %v)", chatID, count, entry.Values["messageId"])
	return nil
}

// Run polls until ctx is done, recreating the group if it disappears.
func (w *worker) Run(ctx context.Context) error {
	if err := w.Init(ctx); err != nil {
		return err
	}
	log.Infof("analytics: consuming %s as %s/%s", w.config.Stream, w.config.Group, w.config.Consumer)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := w.Poll(ctx, w.config.Block)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			log.Warnf("analytics: consumer group missing, recreating")
			if err := w.Init(ctx); err != nil {
				return err
			}
			continue
		}
		log.Errorf("analytics: %+v", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Counts returns the message count per chat.
func (w *worker) Counts(ctx context.Context) (map[model.ChatID]int64, error) {
	raw, err := w.client.HGetAll(ctx, w.config.CountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading counts: %w", err)
	}
	counts := make(map[model.ChatID]int64, len(raw))
	for chatID, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing count for %s: %w", chatID, err)
		}
		counts[model.ChatID(chatID)] = n
	}
	return counts, nil
}

// Statistics reports the stream length alongside the counts.
func (w *worker) Statistics(ctx context.Context) (int64, map[model.ChatID]int64, error) {
	length, err := w.client.XLen(ctx, w.config.Stream).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("reading stream length: %w", err)
	}
	counts, err := w.Counts(ctx)
	if err != nil {
		return 0, nil, err
	}
	return length, counts, nil
}
