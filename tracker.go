package jobgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/mohans/jobgate/coord"
	"github.com/spf13/cast"
)

// Result fields an external generator writes onto the task record.
const (
	FieldImageURL = "imageUrl"
	FieldError    = "error"
)

// PollResult returns a TrackFunc that re-reads the task record every
// interval until the generator has reported a result. An imageUrl finishes
// the job successfully; an error field fails it without retries. A task that
// was already finished by another writer ends tracking at once, and the
// Processor leaves its status alone.
func PollResult(c *coord.Coordinator, interval time.Duration) TrackFunc {
	if interval <= 0 {
		interval = time.Second
	}
	return func(ctx context.Context, t *coord.Task) (coord.Fields, error) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			rec, err := c.Get(ctx, t.ID)
			if errors.Is(err, coord.ErrNotFound) {
				return nil, fmt.Errorf("task %s disappeared while tracking: %w", t.ID, asynq.SkipRetry)
			}
			if err != nil {
				return nil, err
			}
			if rec.Status.Terminal() {
				return nil, nil
			}
			if msg, ok := rec.Field(FieldError); ok && cast.ToString(msg) != "" {
				return nil, fmt.Errorf("generator reported failure: %s: %w", cast.ToString(msg), asynq.SkipRetry)
			}
			if url, ok := rec.Field(FieldImageURL); ok && cast.ToString(url) != "" {
				return coord.Fields{FieldImageURL: cast.ToString(url)}, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
