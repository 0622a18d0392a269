package coord

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*TaskStore, *fixture) {
	f := newFixture(t, Options{})
	return f.c.tasks, f
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	store, f := newTestStore(t)
	ctx := context.Background()

	rec := &Task{
		ID:              "t1",
		UserID:          "u1",
		Status:          StatusSubmitted,
		Prompt:          "a cat",
		SourceMessageID: "msg-1",
		Timestamp:       1700000000000,
	}
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.Equal(t, "a cat", got.Prompt)
	assert.Equal(t, "msg-1", got.SourceMessageID)
	assert.Equal(t, int64(1700000000000), got.Timestamp)
	assert.Equal(t, DefaultTaskTTL, f.mr.TTL("task:t1"))
}

func TestTaskStore_CreateRequiresIdentity(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Create(context.Background(), &Task{ID: "t1", Status: StatusSubmitted})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestTaskStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStore_GetDoesNotTouchTTL(t *testing.T) {
	store, f := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted}))

	f.mr.FastForward(10 * time.Minute)
	_, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 50*time.Minute, f.mr.TTL("task:t1"))
}

func TestTaskStore_UpdateMergesFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted, Prompt: "a cat"}))

	_, err := store.Update(ctx, "t1", Fields{"status": "IN_PROGRESS", "progress": 42})
	require.NoError(t, err)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, "a cat", got.Prompt)
	progress, ok := got.Field("progress")
	require.True(t, ok)
	assert.Equal(t, json.Number("42"), progress)

	_, err = store.Update(ctx, "t1", Fields{"imageUrl": "https://cdn/x.png"})
	require.NoError(t, err)
	got, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	progress, _ = got.Field("progress")
	assert.Equal(t, json.Number("42"), progress)
	url, _ := got.Field("imageUrl")
	assert.Equal(t, "https://cdn/x.png", url)
}

func TestTaskStore_UpdateKeepsNestedExtrasVerbatim(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted}))

	_, err := store.Update(ctx, "t1", Fields{"result": map[string]any{"urls": []string{"a", "b"}, "seed": 7}})
	require.NoError(t, err)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	result, _ := got.Field("result")
	assert.Equal(t, map[string]any{"urls": []any{"a", "b"}, "seed": json.Number("7")}, result)
}

func TestTaskStore_UpdateRefreshesTTL(t *testing.T) {
	store, f := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted}))

	f.mr.FastForward(45 * time.Minute)
	_, err := store.Update(ctx, "t1", Fields{"status": StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, DefaultTaskTTL, f.mr.TTL("task:t1"))
}

func TestTaskStore_UpdateIgnoresIdentityFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted, Timestamp: 5}))

	got, err := store.Update(ctx, "t1", Fields{"taskId": "t9", "userId": "u9", "timestamp": 99})
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, int64(5), got.Timestamp)
}

func TestTaskStore_UpdateRejectsUnknownStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted}))

	_, err := store.Update(ctx, "t1", Fields{"status": "DONE"})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestTaskStore_TerminalStatusIsFinal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted}))
	_, err := store.Update(ctx, "t1", Fields{"status": StatusSuccess, "imageUrl": "x"})
	require.NoError(t, err)

	for _, st := range []Status{StatusFailure, StatusInProgress, StatusSubmitted} {
		_, err = store.Update(ctx, "t1", Fields{"status": st})
		assert.ErrorIs(t, err, ErrFinished, "SUCCESS -> %s", st)
		assert.ErrorIs(t, err, ErrInvalidTask)
	}

	got, err := store.Update(ctx, "t1", Fields{"status": StatusSuccess, "note": "duplicate webhook"})
	require.NoError(t, err, "repeating the terminal status is allowed")
	assert.Equal(t, StatusSuccess, got.Status)

	got, err = store.Update(ctx, "t1", Fields{"thumbnailUrl": "y"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	url, _ := got.Field("imageUrl")
	assert.Equal(t, "x", url)
}

func TestTaskStore_UpdateAfterExpiry(t *testing.T) {
	store, f := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted}))

	f.mr.FastForward(DefaultTaskTTL + time.Second)
	_, err := store.Update(ctx, "t1", Fields{"status": StatusSuccess})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStore_MalformedRecordReadsAsNotFound(t *testing.T) {
	store, f := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, f.mr.Set("task:bad", "{not json"))

	_, err := store.Get(ctx, "bad")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrSerialization)

	_, err = store.Update(ctx, "bad", Fields{"status": StatusSuccess})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStore_DeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted}))

	require.NoError(t, store.Delete(ctx, "t1"))
	require.NoError(t, store.Delete(ctx, "t1"))
	_, err := store.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStore_UnavailableStore(t *testing.T) {
	store, f := newTestStore(t)
	f.mr.Close()

	err := store.Create(context.Background(), &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = store.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestTask_JSONRoundTrip(t *testing.T) {
	in := Task{ID: "t1", UserID: "u1", Status: StatusSuccess, Timestamp: 12, Extra: map[string]any{"imageUrl": "x"}}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Task
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, "x", out.Extra["imageUrl"])
}
