package repository

import (
	"context"
	"testing"
	"time"

	"crs-sync-go/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (SnapshotRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSnapshotRepository(rdb, time.Hour), mr
}

func TestSnapshotRepository_Messages(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	empty, err := repo.LoadMessages(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, empty)

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveMessages(ctx, 3, []model.ChatMessage{
		{ID: 1, SessionID: 3, SenderType: model.SenderClient, Content: "hi", Timestamp: at},
		{ID: -1, SessionID: 3, SenderType: model.SenderClient, Content: "pending", Timestamp: at, Delivery: model.DeliveryPending},
		{ID: 2, SessionID: 3, SenderType: model.SenderAI, Content: "hello", Timestamp: at.Add(time.Second)},
	}))

	got, err := repo.LoadMessages(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, "hello", got[1].Content)
	assert.True(t, got[1].Timestamp.Equal(at.Add(time.Second)))

	assert.True(t, mr.Exists("crs-sync:session:3:messages"))
	assert.Equal(t, time.Hour, mr.TTL("crs-sync:session:3:messages"))
}

func TestSnapshotRepository_MessagesAreCapped(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	msgs := make([]model.ChatMessage, MaxCachedMessages+10)
	for i := range msgs {
		msgs[i] = model.ChatMessage{ID: int64(i + 1), SenderType: model.SenderAI, Content: "m"}
	}
	require.NoError(t, repo.SaveMessages(ctx, 9, msgs))

	got, err := repo.LoadMessages(ctx, 9)
	require.NoError(t, err)
	require.Len(t, got, MaxCachedMessages)
	assert.Equal(t, int64(11), got[0].ID)
}

func TestSnapshotRepository_Document(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	doc, err := repo.LoadDocument(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, repo.SaveDocument(ctx, 3, nil))
	require.NoError(t, repo.SaveDocument(ctx, 3, &model.CRSDocument{
		ID: 5, Content: `{"title":"X"}`, Status: model.CRSStatusDraft, EditVersion: 4,
	}))

	doc, err = repo.LoadDocument(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(5), doc.ID)
	assert.Equal(t, 4, doc.EditVersion)
	assert.JSONEq(t, `{"title":"X"}`, doc.Content)
}

func TestSnapshotRepository_CorruptData(t *testing.T) {
	repo, mr := newTestRepo(t)
	require.NoError(t, mr.Set("crs-sync:session:1:document", "{not json"))
	_, err := repo.LoadDocument(context.Background(), 1)
	assert.Error(t, err)
}
