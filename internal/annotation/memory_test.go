package annotation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreReplyActionsDriveResolution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	record := seedRecord(t, store)
	assert.False(t, record.Resolved)

	_, err := store.CreateReply(ctx, record.ID, ReplyInput{Content: "done", Action: ActionResolve})
	require.NoError(t, err)
	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)

	_, err = store.CreateReply(ctx, record.ID, ReplyInput{Content: "again", Action: ActionReopen})
	require.NoError(t, err)
	got, err = store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved)
	require.Len(t, got.Replies, 2)
	latest, ok := got.LatestReply()
	require.True(t, ok)
	assert.Equal(t, "again", latest.Content)
}

func TestMemoryStorePatchLeavesNilFieldsAlone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	record := seedRecord(t, store)

	state := StateProcessing
	got, err := store.Update(ctx, record.ID, Patch{State: &state})
	require.NoError(t, err)
	assert.Equal(t, record.Content, got.Content)
	assert.Equal(t, StateProcessing, got.State)
}

func TestMemoryStoreListIsOrderedAndScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, err := store.Create(ctx, NewRecord{DocumentID: "doc-a", Content: "@ai one", QuotedText: "x"})
	require.NoError(t, err)
	_, err = store.Create(ctx, NewRecord{DocumentID: "doc-b", Content: "@ai other", QuotedText: "y"})
	require.NoError(t, err)
	second, err := store.Create(ctx, NewRecord{DocumentID: "doc-a", Content: "@ai two", QuotedText: "z"})
	require.NoError(t, err)

	items, err := store.ListForDocument(ctx, "doc-a")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	record := seedRecord(t, store)
	_, err := store.CreateReply(ctx, record.ID, ReplyInput{Content: "first"})
	require.NoError(t, err)

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	got.Replies[0].Content = "mutated"

	again, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", again.Replies[0].Content)
}

func TestMemoryStoreMissingRecord(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "req_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
