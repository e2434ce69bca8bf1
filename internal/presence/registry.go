package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
	"uk.co.dudmesh.relay/internal/model"
)

// releaseScript deletes the entry only while it still names the caller's
// connection, so a closing socket cannot erase a newer one.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// registry keeps user -> connection handle in one Redis hash shared by every
// instance. Writes are last-write-wins; nothing here is persisted by us.
type registry struct {
	client redis.UniversalClient
	key    string
}

func New(client redis.UniversalClient, key string) *registry {
	return &registry{client: client, key: key}
}

func (r *registry) SetOnline(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) error {
	if err := r.client.HSet(ctx, r.key, string(userID), string(handle)).Err(); err != nil {
		return fmt.Errorf("setting %s online: %w", userID, err)
	}
	return nil
}

func (r *registry) SetOffline(ctx context.Context, userID model.UserID) error {
	if err := r.client.HDel(ctx, r.key, string(userID)).Err(); err != nil {
		return fmt.Errorf("setting %s offline: %w", userID, err)
	}
	return nil
}

func (r *registry) Release(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, string(userID), string(handle)).Int64()
	if err != nil {
		return false, fmt.Errorf("releasing %s: %w", userID, err)
	}
	return n > 0, nil
}

func (r *registry) Lookup(ctx context.Context, userID model.UserID) (model.ConnectionHandle, bool, error) {
	handle, err := r.client.HGet(ctx, r.key, string(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("looking up %s: %w", userID, err)
	}
	return model.ConnectionHandle(handle), true, nil
}

func (r *registry) ListOnlineUsers(ctx context.Context) ([]model.UserID, error) {
	keys, err := r.client.HKeys(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing online users: %w", err)
	}
	users := make([]model.UserID, 0, len(keys))
	for _, k := range keys {
		users = append(users, model.UserID(k))
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// Prune drops entries left behind by a previous run of this instance.
func (r *registry) Prune(ctx context.Context, instanceID string) (int, error) {
	entries, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("listing presence entries: %w", err)
	}

	stale := []string{}
	for user, handle := range entries {
		if model.ConnectionHandle(handle).Instance() == instanceID {
			stale = append(stale, user)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.client.HDel(ctx, r.key, stale...).Err(); err != nil {
		return 0, fmt.Errorf("pruning presence entries: %w", err)
	}
	return len(stale), nil
}
