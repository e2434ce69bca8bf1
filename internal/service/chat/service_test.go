package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/nrednav/cuid2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.relay/internal/model"
	"uk.co.dudmesh.relay/internal/store"
)

func newService(t *testing.T) *service {
	t.Helper()
	s, err := store.Open("file:" + cuid2.Generate() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestGetOrCreateDM(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	svc := newService(t)

	first, err := svc.GetOrCreateDM(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(model.ChatTypeDM, first.Type)
	assert.Len(first.Participants, 2)
	for _, p := range first.Participants {
		assert.Equal(model.RoleMember, p.Role)
	}

	t.Run("Unordered Pair Is Unique", func(t *testing.T) {
		again, err := svc.GetOrCreateDM(ctx, "bob", "alice")
		assert.Nil(err)
		assert.Equal(first.ID, again.ID)
	})

	t.Run("Concurrent Creation", func(t *testing.T) {
		ids := make(chan model.ChatID, 8)
		wg := sync.WaitGroup{}
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := model.UserID("carol"), model.UserID("dave")
				if i%2 == 0 {
					a, b = b, a
				}
				chat, err := svc.GetOrCreateDM(ctx, a, b)
				if assert.Nil(err) {
					ids <- chat.ID
				}
			}(i)
		}
		wg.Wait()
		close(ids)

		distinct := map[model.ChatID]bool{}
		for id := range ids {
			distinct[id] = true
		}
		assert.Len(distinct, 1)
	})

	t.Run("Self DM", func(t *testing.T) {
		_, err := svc.GetOrCreateDM(ctx, "alice", "alice")
		assert.ErrorIs(err, model.ErrorSelfDM)
	})
}

func TestGroups(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	svc := newService(t)

	group, err := svc.CreateGroup(ctx, "alice", &model.CreateGroupParams{
		Name:           " Climbing ",
		ParticipantIDs: []model.UserID{"bob", "alice", "carol", "bob"},
	})
	require.NoError(t, err)
	assert.Equal("Climbing", group.Name)
	require.Len(t, group.Participants, 3)
	assert.True(group.IsAdmin("alice"))
	assert.False(group.IsAdmin("bob"))

	t.Run("Invalid", func(t *testing.T) {
		_, err := svc.CreateGroup(ctx, "alice", &model.CreateGroupParams{ParticipantIDs: []model.UserID{"bob"}})
		assert.ErrorIs(err, model.ErrorInvalidGroup)
		_, err = svc.CreateGroup(ctx, "alice", &model.CreateGroupParams{Name: "x"})
		assert.ErrorIs(err, model.ErrorInvalidGroup)
	})

	t.Run("Only Admins Update", func(t *testing.T) {
		_, err := svc.UpdateGroup(ctx, "bob", group.ID, &model.UpdateGroupParams{Name: "Mine"})
		assert.ErrorIs(err, model.ErrorNotAdmin)
		_, err = svc.UpdateGroup(ctx, "mallory", group.ID, &model.UpdateGroupParams{Name: "Mine"})
		assert.ErrorIs(err, model.ErrorNotAdmin)
	})

	t.Run("Roster Changes", func(t *testing.T) {
		updated, err := svc.UpdateGroup(ctx, "alice", group.ID, &model.UpdateGroupParams{
			Name:               "Bouldering",
			AddParticipants:    []model.UserID{"dave", "bob"},
			RemoveParticipants: []model.UserID{"carol"},
		})
		require.NoError(t, err)
		assert.Equal("Bouldering", updated.Name)
		assert.True(updated.IsParticipant("dave"))
		assert.False(updated.IsParticipant("carol"))
		assert.Len(updated.Participants, 3)

		ids, err := svc.ChatIDsForUser(ctx, "carol")
		assert.Nil(err)
		assert.Empty(ids)
	})

	t.Run("Last Admin Stays", func(t *testing.T) {
		_, err := svc.UpdateGroup(ctx, "alice", group.ID, &model.UpdateGroupParams{RemoveParticipants: []model.UserID{"alice"}})
		assert.ErrorIs(err, model.ErrorLastAdmin)

		ok, err := svc.IsParticipant(ctx, group.ID, "alice")
		assert.Nil(err)
		assert.True(ok)
	})

	t.Run("DM Is Not A Group", func(t *testing.T) {
		dm, err := svc.GetOrCreateDM(ctx, "alice", "bob")
		require.NoError(t, err)
		_, err = svc.UpdateGroup(ctx, "alice", dm.ID, &model.UpdateGroupParams{Name: "x"})
		assert.ErrorIs(err, model.ErrorNotGroup)
	})

	t.Run("Unknown Chat", func(t *testing.T) {
		_, err := svc.UpdateGroup(ctx, "alice", "nope", &model.UpdateGroupParams{})
		assert.ErrorIs(err, model.ErrorChatNotFound)
		_, err = svc.IsParticipant(ctx, "nope", "alice")
		assert.ErrorIs(err, model.ErrorChatNotFound)
	})

	t.Run("List For User", func(t *testing.T) {
		chats, err := svc.ListForUser(ctx, "alice")
		assert.Nil(err)
		assert.Len(chats, 2)
	})
}
