package coord

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmissionLock serializes "may this user create a task" decisions across
// processes. A holder that crashes is released by expiry after ttl.
type SubmissionLock struct {
	rdb redis.UniversalClient
	ttl time.Duration
	cad *redis.Script
}

func NewSubmissionLock(rdb redis.UniversalClient, ttl time.Duration) *SubmissionLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &SubmissionLock{rdb: rdb, ttl: ttl, cad: redis.NewScript(compareAndDeleteSrc)}
}

// FencingToken builds the value a submitter writes into the lock.
func FencingToken(taskID string, now time.Time) string {
	return taskID + ":" + strconv.FormatInt(now.UnixNano(), 10)
}

// TryAcquire takes the lock if nobody holds it. A false result does not say
// whether the lock was held or the set lost a race.
func (l *SubmissionLock) TryAcquire(ctx context.Context, userID, token string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKey(userID), token, l.ttl).Result()
	if err != nil {
		return false, unavailable("acquire lock", err)
	}
	return ok, nil
}

// Release drops the lock only if it still holds token. Releasing with a
// stale token is a no-op and reports false.
func (l *SubmissionLock) Release(ctx context.Context, userID, token string) (bool, error) {
	n, err := l.cad.Run(ctx, l.rdb, []string{lockKey(userID)}, token).Int()
	if err != nil {
		return false, unavailable("release lock", err)
	}
	return n == 1, nil
}

// ReleaseUnconditional drops the lock whoever holds it. Only the completion
// path uses it: with one active task per user the holder is unambiguous.
func (l *SubmissionLock) ReleaseUnconditional(ctx context.Context, userID string) error {
	if err := l.rdb.Del(ctx, lockKey(userID)).Err(); err != nil {
		return unavailable("release lock", err)
	}
	return nil
}

// Holder returns the current token, or "" when the lock is free.
func (l *SubmissionLock) Holder(ctx context.Context, userID string) (string, error) {
	v, err := l.rdb.Get(ctx, lockKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", unavailable("lock holder", err)
	}
	return v, nil
}
