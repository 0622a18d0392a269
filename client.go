package jobgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/mohans/jobgate/coord"
)

// TypeTrack is the asynq task type that follows one external job to completion.
const TypeTrack = "jobgate:track"

type trackPayload struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
}

// Client submits jobs through the coordinator and hands each accepted job
// to the tracking workers.
type Client struct {
	client *asynq.Client
	coord  *coord.Coordinator
	cache  *coord.Cache
	queue  string
	logger *slog.Logger
}

type ClientOptions struct {
	Queue string
	// Cache, when set, serves Status lookups before the store.
	Cache  *coord.Cache
	Logger *slog.Logger
}

func NewClient(redisOpt asynq.RedisConnOpt, c *coord.Coordinator, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client: asynq.NewClient(redisOpt),
		coord:  c,
		cache:  opts.Cache,
		queue:  q,
		logger: logger.With("component", "client"),
	}
}

// Submit creates t as the user's active job and enqueues its tracking task.
// Rejections come back as *coord.RejectedError. If the tracking task cannot
// be enqueued the job is marked FAILURE so the user is not left blocked.
func (c *Client) Submit(ctx context.Context, t coord.Task, options ...asynq.Option) (coord.Submission, error) {
	if c.client == nil {
		return coord.Submission{}, fmt.Errorf("nil asynq client")
	}
	sub, err := c.coord.AcquireAndCreate(ctx, t)
	if err != nil {
		return sub, err
	}
	if t.SourceMessageID != "" {
		if err := c.coord.MapMessage(ctx, t.SourceMessageID, sub.TaskID); err != nil {
			c.logger.Warn("map source message failed", "task_id", sub.TaskID, "message_id", t.SourceMessageID, "error", err)
		}
	}

	payload, err := json.Marshal(trackPayload{TaskID: sub.TaskID, UserID: sub.Task.UserID})
	if err != nil {
		return sub, err
	}
	opts := append([]asynq.Option{asynq.TaskID(sub.TaskID)}, options...)
	opts = append(opts, asynq.Queue(c.queue))
	if _, err := c.client.EnqueueContext(ctx, asynq.NewTask(TypeTrack, payload), opts...); err != nil {
		c.abandon(ctx, sub.TaskID, err)
		return sub, fmt.Errorf("enqueue tracking task: %w", err)
	}
	return sub, nil
}

func (c *Client) abandon(ctx context.Context, taskID string, cause error) {
	_, err := c.coord.Update(context.WithoutCancel(ctx), taskID, coord.Fields{
		"status": coord.StatusFailure,
		"error":  "tracking not scheduled: " + cause.Error(),
	})
	if err != nil && !errors.Is(err, coord.ErrNotFound) {
		c.logger.Error("abandon task failed", "task_id", taskID, "error", err)
	}
}

// Status returns the latest known state of a job, preferring the local cache.
func (c *Client) Status(ctx context.Context, taskID string) (*coord.Task, error) {
	if c.cache != nil {
		if t, ok := c.cache.Get(taskID); ok {
			return t, nil
		}
	}
	t, err := c.coord.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Put(t)
	}
	return t, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
