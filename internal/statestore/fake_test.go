package statestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
)

func TestFakeCASSetConflict(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewFake()

	v1, err := store.CASSet(ctx, "match:1", 0, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	_, err = store.CASSet(ctx, "match:1", 0, []byte("b"))
	assert.ErrorIs(t, err, statestore.ErrConflict)

	v2, err := store.CASSet(ctx, "match:1", v1, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)

	entry, err := store.Get(ctx, "match:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), entry.Value)
	assert.Equal(t, uint64(2), entry.Version)
}

func TestFakeGetNotFound(t *testing.T) {
	store := statestore.NewFake()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestFakeZPopMinIfSkipsRejected(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewFake()

	require.NoError(t, store.ZAdd(ctx, "queue:ranked:0", 1200, "p1"))
	require.NoError(t, store.ZAdd(ctx, "queue:ranked:0", 1100, "p2"))

	member, ok, err := store.ZPopMinIf(ctx, "queue:ranked:0", func(member string, score float64) bool {
		return member != "p2"
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", member.Member)

	members, err := store.ZRange(ctx, "queue:ranked:0", 0, 10)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "p2", members[0].Member)
}

func TestFakeZPopMinIfEmptyWhenNoneQualify(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewFake()
	require.NoError(t, store.ZAdd(ctx, "queue:ranked:0", 1200, "p1"))

	_, ok, err := store.ZPopMinIf(ctx, "queue:ranked:0", func(string, float64) bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFakePresenceSet(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewFake()

	require.NoError(t, store.SAdd(ctx, "presence:match:1", "p1"))
	require.NoError(t, store.SAdd(ctx, "presence:match:1", "p2"))
	require.NoError(t, store.SRem(ctx, "presence:match:1", "p1"))

	members, err := store.SMembers(ctx, "presence:match:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, members)
}

func TestFakePublishSubscribe(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewFake()

	ch, cancel, err := store.Subscribe(ctx, "match:1:events")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, store.Publish(ctx, "match:1:events", []byte("round_open")))

	select {
	case ev := <-ch:
		assert.Equal(t, "match:1:events", ev.Topic)
		assert.Equal(t, []byte("round_open"), ev.Payload)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
