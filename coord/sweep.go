package coord

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// SweepOptions bounds a single maintenance sweep.
type SweepOptions struct {
	// BatchSize is the COUNT hint passed to each SCAN call.
	BatchSize int64
	// MaxKeys caps how many task keys one invocation examines. A sweep that
	// hits the cap resumes from the start next time.
	MaxKeys int
	// KeysPerSecond paces record reads. Zero means unpaced.
	KeysPerSecond float64
}

const (
	DefaultSweepBatchSize = 100
	DefaultSweepMaxKeys   = 10000
	DefaultSweepMaxAge    = time.Hour
)

type sweep struct {
	rdb     redis.UniversalClient
	opts    SweepOptions
	limiter *rate.Limiter
	c       *Coordinator
}

func newSweep(rdb redis.UniversalClient, opts SweepOptions, c *Coordinator) *sweep {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultSweepBatchSize
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultSweepMaxKeys
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.KeysPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.KeysPerSecond), int(opts.BatchSize))
	}
	return &sweep{rdb: rdb, opts: opts, limiter: limiter, c: c}
}

// run walks task keys with a cursor and removes records older than maxAge.
// It supplements TTL expiry and is never required for correctness.
func (s *sweep) run(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultSweepMaxAge
	}
	start := time.Now()
	cutoff := s.c.now().Add(-maxAge).UnixMilli()

	var (
		cursor   uint64
		examined int
		deleted  int
		oldest   int64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, taskKeyPrefix+"*", s.opts.BatchSize).Result()
		if err != nil {
			return deleted, unavailable("sweep scan", err)
		}
		for _, key := range keys {
			if examined >= s.opts.MaxKeys {
				break
			}
			examined++
			if err := s.limiter.Wait(ctx); err != nil {
				return deleted, err
			}
			ts, removed, err := s.examine(ctx, strings.TrimPrefix(key, taskKeyPrefix), cutoff)
			if err != nil {
				return deleted, err
			}
			if removed {
				deleted++
				if oldest == 0 || (ts > 0 && ts < oldest) {
					oldest = ts
				}
			}
		}
		cursor = next
		if cursor == 0 || examined >= s.opts.MaxKeys {
			break
		}
	}

	elapsed := time.Since(start)
	s.c.rec.SweepCompleted(deleted, elapsed)
	attrs := []any{"examined", examined, "deleted", deleted, "max_age", maxAge.String(), "elapsed", elapsed.String()}
	if oldest > 0 {
		attrs = append(attrs, "oldest_deleted", humanize.Time(time.UnixMilli(oldest)))
	}
	s.c.logger.Info("maintenance sweep finished", attrs...)
	return deleted, nil
}

// examine deletes one record if it is older than cutoff or unreadable.
func (s *sweep) examine(ctx context.Context, taskID string, cutoff int64) (int64, bool, error) {
	t, err := s.c.tasks.Get(ctx, taskID)
	switch {
	case errors.Is(err, ErrSerialization):
		return 0, true, s.c.tasks.Delete(ctx, taskID)
	case errors.Is(err, ErrNotFound):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	case t.Timestamp >= cutoff:
		return 0, false, nil
	}
	if err := s.c.Delete(ctx, taskID); err != nil {
		return 0, false, err
	}
	return t.Timestamp, true, nil
}
