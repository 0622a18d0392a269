package coord

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ActivityIndex points each user at their single active task. The pointer is
// advisory: it and the record expire independently, so HasActive verifies
// the record before trusting it.
type ActivityIndex struct {
	rdb   redis.UniversalClient
	tasks *TaskStore
	ttl   time.Duration
	cad   *redis.Script
}

func NewActivityIndex(rdb redis.UniversalClient, tasks *TaskStore) *ActivityIndex {
	return &ActivityIndex{
		rdb:   rdb,
		tasks: tasks,
		ttl:   tasks.TTL(),
		cad:   redis.NewScript(compareAndDeleteSrc),
	}
}

// SetActive unconditionally points userID at taskID.
func (x *ActivityIndex) SetActive(ctx context.Context, userID, taskID string) error {
	if err := x.rdb.Set(ctx, activeKey(userID), taskID, x.ttl).Err(); err != nil {
		return unavailable("set active", err)
	}
	return nil
}

// GetActive returns the task id userID points at, if any.
func (x *ActivityIndex) GetActive(ctx context.Context, userID string) (string, bool, error) {
	taskID, err := x.rdb.Get(ctx, activeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get active", err)
	}
	return taskID, true, nil
}

// ClearIfMatches removes the pointer only while it still names taskID, so a
// stale completion cannot clear a newer task's pointer.
func (x *ActivityIndex) ClearIfMatches(ctx context.Context, userID, taskID string) (bool, error) {
	n, err := x.cad.Run(ctx, x.rdb, []string{activeKey(userID)}, taskID).Int()
	if err != nil {
		return false, unavailable("clear active", err)
	}
	return n == 1, nil
}

// HasActive reports whether userID has a live, non-terminal task. A pointer
// to a missing or finished task is removed as a side effect.
func (x *ActivityIndex) HasActive(ctx context.Context, userID string) (bool, error) {
	t, err := x.activeTask(ctx, userID)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// activeTask returns the verified active task or nil.
func (x *ActivityIndex) activeTask(ctx context.Context, userID string) (*Task, error) {
	taskID, ok, err := x.GetActive(ctx, userID)
	if err != nil || !ok {
		return nil, err
	}
	t, err := x.tasks.Get(ctx, taskID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case !t.Status.Terminal():
		return t, nil
	}
	if _, err := x.ClearIfMatches(ctx, userID, taskID); err != nil {
		return nil, err
	}
	return nil, nil
}
