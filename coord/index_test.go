package coord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityIndex_SetAndGet(t *testing.T) {
	f := newFixture(t, Options{})
	idx, ctx := f.c.index, context.Background()

	_, ok, err := idx.GetActive(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, idx.SetActive(ctx, "u1", "t1"))
	taskID, ok, err := idx.GetActive(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "t1", taskID)
	assert.Equal(t, DefaultTaskTTL, f.mr.TTL("user:active:u1"))
}

func TestActivityIndex_ClearIfMatches(t *testing.T) {
	f := newFixture(t, Options{})
	idx, ctx := f.c.index, context.Background()
	require.NoError(t, idx.SetActive(ctx, "u1", "t2"))

	cleared, err := idx.ClearIfMatches(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.False(t, cleared, "a stale task id must not clear a newer pointer")
	assert.True(t, f.mr.Exists("user:active:u1"))

	cleared, err = idx.ClearIfMatches(ctx, "u1", "t2")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, f.mr.Exists("user:active:u1"))
}

func TestActivityIndex_HasActive(t *testing.T) {
	f := newFixture(t, Options{})
	idx, ctx := f.c.index, context.Background()
	require.NoError(t, f.c.tasks.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusInProgress}))
	require.NoError(t, idx.SetActive(ctx, "u1", "t1"))

	active, err := idx.HasActive(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, active)
	assert.True(t, f.mr.Exists("user:active:u1"))
}

func TestActivityIndex_HasActiveClearsPointerToMissingTask(t *testing.T) {
	f := newFixture(t, Options{})
	idx, ctx := f.c.index, context.Background()
	require.NoError(t, f.c.tasks.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusSubmitted}))
	require.NoError(t, idx.SetActive(ctx, "u1", "t1"))

	// The record expires on its own while the pointer survives.
	f.mr.Del("task:t1")

	active, err := idx.HasActive(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.False(t, f.mr.Exists("user:active:u1"), "stale pointer should be removed")
}

func TestActivityIndex_HasActiveClearsPointerToTerminalTask(t *testing.T) {
	f := newFixture(t, Options{})
	idx, ctx := f.c.index, context.Background()
	require.NoError(t, f.c.tasks.Create(ctx, &Task{ID: "t1", UserID: "u1", Status: StatusFailure}))
	require.NoError(t, idx.SetActive(ctx, "u1", "t1"))

	active, err := idx.HasActive(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.False(t, f.mr.Exists("user:active:u1"))
}
