package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Apply(t *testing.T) {
	cache := NewCache(8, time.Minute)

	cache.Apply(Event{Type: EventCreate, TaskID: "t1", Task: &Task{ID: "t1", Status: StatusSubmitted}})
	got, ok := cache.Get("t1")
	require.True(t, ok)
	assert.Equal(t, StatusSubmitted, got.Status)

	cache.Apply(Event{Type: EventUpdate, TaskID: "t1", Task: &Task{ID: "t1", Status: StatusSuccess}})
	got, _ = cache.Get("t1")
	assert.Equal(t, StatusSuccess, got.Status)

	cache.Apply(Event{Type: EventDelete, TaskID: "t1"})
	_, ok = cache.Get("t1")
	assert.False(t, ok)
}

func TestCache_Bounded(t *testing.T) {
	cache := NewCache(2, time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		cache.Put(&Task{ID: id})
	}
	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("a")
	assert.False(t, ok)
}

func TestCache_FollowsBus(t *testing.T) {
	f := startedFixture(t)
	cache := NewCache(16, time.Minute)
	defer f.c.Subscribe(cache.Apply)()

	_, err := submit(t, f.c, "u1", "t1", "a cat")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := cache.Get("t1")
		return ok && got.Prompt == "a cat"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.c.Update(context.Background(), "t1", Fields{"status": StatusFailure})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := cache.Get("t1")
		return ok && got.Status == StatusFailure
	}, 2*time.Second, 10*time.Millisecond)
}
