package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.relay/internal/model"
)

type Registry interface {
	SetOnline(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) error
	SetOffline(ctx context.Context, userID model.UserID) error
	Release(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) (bool, error)
	Lookup(ctx context.Context, userID model.UserID) (model.ConnectionHandle, bool, error)
	ListOnlineUsers(ctx context.Context) ([]model.UserID, error)
	Prune(ctx context.Context, instanceID string) (int, error)
}

func redisRegistry(t *testing.T) Registry {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "online_users")
}

func TestRegistries(t *testing.T) {
	registries := map[string]func(t *testing.T) Registry{
		"Redis":  redisRegistry,
		"Memory": func(t *testing.T) Registry { return NewMemory() },
	}

	for name, newRegistry := range registries {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			r := newRegistry(t)

			first := model.NewConnectionHandle("node-1", "c1")
			second := model.NewConnectionHandle("node-2", "c2")

			t.Run("Empty At Start", func(t *testing.T) {
				users, err := r.ListOnlineUsers(ctx)
				assert.Nil(err)
				assert.Empty(users)

				_, ok, err := r.Lookup(ctx, "alice")
				assert.Nil(err)
				assert.False(ok)
			})

			t.Run("Last Connection Wins", func(t *testing.T) {
				require.NoError(t, r.SetOnline(ctx, "alice", first))
				require.NoError(t, r.SetOnline(ctx, "alice", second))
				require.NoError(t, r.SetOnline(ctx, "bob", first))

				handle, ok, err := r.Lookup(ctx, "alice")
				assert.Nil(err)
				assert.True(ok)
				assert.Equal(second, handle)

				users, err := r.ListOnlineUsers(ctx)
				assert.Nil(err)
				assert.Equal([]model.UserID{"alice", "bob"}, users)
			})

			t.Run("Release Keeps Newer Connection", func(t *testing.T) {
				released, err := r.Release(ctx, "alice", first)
				assert.Nil(err)
				assert.False(released)

				_, ok, _ := r.Lookup(ctx, "alice")
				assert.True(ok)

				released, err = r.Release(ctx, "alice", second)
				assert.Nil(err)
				assert.True(released)

				_, ok, _ = r.Lookup(ctx, "alice")
				assert.False(ok)
			})

			t.Run("Offline Is Idempotent", func(t *testing.T) {
				assert.Nil(r.SetOffline(ctx, "bob"))
				assert.Nil(r.SetOffline(ctx, "bob"))
				assert.Nil(r.SetOffline(ctx, "nobody"))
			})

			t.Run("Prune", func(t *testing.T) {
				require.NoError(t, r.SetOnline(ctx, "alice", first))
				require.NoError(t, r.SetOnline(ctx, "bob", second))

				n, err := r.Prune(ctx, "node-1")
				assert.Nil(err)
				assert.Equal(1, n)

				users, err := r.ListOnlineUsers(ctx)
				assert.Nil(err)
				assert.Equal([]model.UserID{"bob"}, users)
			})
		})
	}
}
