package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.relay/internal/model"
)

func TestPipeline(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	config := WorkerConfig{
		Stream:    "chat:messages",
		Group:     "analytics-group",
		Consumer:  "worker-1",
		CountsKey: "chat:analytics:message_counts",
		Block:     100 * time.Millisecond,
	}
	w := NewWorker(client, config)
	pub := NewPublisher(client, config.Stream)

	t.Run("Init Is Repeatable", func(t *testing.T) {
		assert.Nil(w.Init(ctx))
		assert.Nil(w.Init(ctx))
	})

	t.Run("Publish", func(t *testing.T) {
		now := time.Now().UTC()
		for _, m := range []*model.Message{
			{ID: "m1", ChatID: "chat-1", SenderID: "alice", Text: "hi", CreatedAt: now},
			{ID: "m2", ChatID: "chat-1", SenderID: "bob", Image: "https://cdn/cat.png", CreatedAt: now},
			{ID: "m3", ChatID: "chat-2", SenderID: "alice", CreatedAt: now,
				File: &model.Attachment{URL: "https://s3/report.pdf", MimeType: "application/pdf", Storage: model.StorageS3}},
		} {
			require.NoError(t, pub.Publish(ctx, m))
		}

		entries, err := client.XRange(ctx, config.Stream, "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal("true", entries[1].Values["hasImage"])
		assert.Equal("application/pdf", entries[2].Values["fileType"])
		assert.Equal("none", entries[0].Values["fileType"])
	})

	t.Run("Poll Counts And Acks", func(t *testing.T) {
		n, err := w.Poll(ctx, -1)
		assert.Nil(err)
		assert.Equal(3, n)

		n, err = w.Poll(ctx, -1)
		assert.Nil(err)
		assert.Equal(0, n)

		length, counts, err := w.Statistics(ctx)
		assert.Nil(err)
		assert.Equal(int64(3), length)
		assert.Equal(map[model.ChatID]int64{"chat-1": 2, "chat-2": 1}, counts)

		pending, err := client.XPending(ctx, config.Stream, config.Group).Result()
		require.NoError(t, err)
		assert.Equal(int64(0), pending.Count)
	})

	t.Run("Run Stops With Context", func(t *testing.T) {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- w.Run(runCtx) }()

		require.NoError(t, pub.Publish(ctx, &model.Message{ID: "m4", ChatID: "chat-2", SenderID: "bob", CreatedAt: time.Now()}))
		assert.Eventually(func() bool {
			counts, err := w.Counts(ctx)
			return err == nil && counts["chat-2"] == 2
		}, 2*time.Second, 20*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.Nil(err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	})
}
