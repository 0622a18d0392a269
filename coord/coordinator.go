package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Options configures a Coordinator. Zero values fall back to defaults.
type Options struct {
	TaskTTL  time.Duration
	LockTTL  time.Duration
	Channel  string
	Sweep    SweepOptions
	Logger   *slog.Logger
	Recorder Recorder
	// Now is the clock used for fencing tokens, timestamps and sweep ages.
	Now func() time.Time
}

// Coordinator is the public API of the coordination layer. Every method is
// safe for concurrent use; cross-process exclusion comes from the store.
type Coordinator struct {
	tasks  *TaskStore
	index  *ActivityIndex
	lock   *SubmissionLock
	bus    *Bus
	sweep  *sweep
	logger *slog.Logger
	rec    Recorder
	now    func() time.Time
}

// Submission is the outcome of AcquireAndCreate.
type Submission struct {
	Accepted bool
	TaskID   string
	Reason   Reason
	Task     *Task
}

func New(rdb redis.UniversalClient, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger = logger.With("component", "coord")

	tasks := NewTaskStore(rdb, opts.TaskTTL, logger)
	c := &Coordinator{
		tasks:  tasks,
		index:  NewActivityIndex(rdb, tasks),
		lock:   NewSubmissionLock(rdb, opts.LockTTL),
		bus:    NewBus(rdb, opts.Channel, logger, rec),
		logger: logger,
		rec:    rec,
		now:    now,
	}
	c.sweep = newSweep(rdb, opts.Sweep, c)
	return c
}

// Start subscribes this process to the lifecycle channel.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.bus.Start(ctx)
}

// Close stops event delivery. The injected client is left open.
func (c *Coordinator) Close() error {
	return c.bus.Close()
}

// AcquireAndCreate creates t as userID's single active task, or rejects it
// with a *RejectedError. On acceptance the submission lock stays held until
// the task reaches a terminal status.
func (c *Coordinator) AcquireAndCreate(ctx context.Context, t Task) (Submission, error) {
	if t.UserID == "" {
		return Submission{}, fmt.Errorf("%w: user id is required", ErrInvalidTask)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusSubmitted
	}
	if !t.Status.Valid() || t.Status.Terminal() {
		return Submission{}, fmt.Errorf("%w: cannot submit with status %q", ErrInvalidTask, t.Status)
	}
	now := c.now()
	if t.Timestamp == 0 {
		t.Timestamp = now.UnixMilli()
	}

	token := FencingToken(t.ID, now)
	ok, err := c.lock.TryAcquire(ctx, t.UserID, token)
	if err != nil {
		return Submission{}, err
	}
	if !ok {
		reason := ReasonConcurrentSubmission
		if active, err := c.index.HasActive(ctx, t.UserID); err == nil && active {
			reason = ReasonActiveJob
		}
		return c.reject(t, reason)
	}

	created := false
	defer func() {
		if created {
			return
		}
		// The caller's context may already be done; the release must still run.
		if _, err := c.lock.Release(context.WithoutCancel(ctx), t.UserID, token); err != nil {
			c.logger.Warn("release submission lock failed", "user_id", t.UserID, "error", err)
		}
	}()

	active, err := c.index.HasActive(ctx, t.UserID)
	if err != nil {
		return Submission{}, err
	}
	if active {
		return c.reject(t, ReasonActiveJob)
	}

	if err := c.tasks.Create(ctx, &t); err != nil {
		return Submission{}, err
	}
	if err := c.index.SetActive(ctx, t.UserID, t.ID); err != nil {
		if derr := c.tasks.Delete(context.WithoutCancel(ctx), t.ID); derr != nil {
			c.logger.Warn("remove orphaned task failed", "task_id", t.ID, "error", derr)
		}
		return Submission{}, err
	}
	created = true

	c.bus.Publish(ctx, Event{Type: EventCreate, TaskID: t.ID, Task: &t})
	c.rec.SubmissionAccepted()
	c.logger.Info("task accepted", "task_id", t.ID, "user_id", t.UserID)
	return Submission{Accepted: true, TaskID: t.ID, Task: &t}, nil
}

func (c *Coordinator) reject(t Task, reason Reason) (Submission, error) {
	c.rec.SubmissionRejected(reason)
	c.logger.Info("task rejected", "task_id", t.ID, "user_id", t.UserID, "reason", reason)
	return Submission{TaskID: t.ID, Reason: reason}, &RejectedError{UserID: t.UserID, Reason: reason}
}

// Get returns the task or ErrNotFound.
func (c *Coordinator) Get(ctx context.Context, taskID string) (*Task, error) {
	return c.tasks.Get(ctx, taskID)
}

// Update merges fields into the task. When the task becomes terminal the
// user's pointer and submission lock are released. ErrNotFound means the
// job is already gone and is not a failure of the caller.
func (c *Coordinator) Update(ctx context.Context, taskID string, fields Fields) (*Task, error) {
	t, prev, err := c.tasks.update(ctx, taskID, fields)
	if err != nil {
		return nil, err
	}

	var finishErr error
	if t.Status.Terminal() {
		finishErr = c.finish(ctx, t, !prev.Terminal())
	}
	c.bus.Publish(ctx, Event{Type: EventUpdate, TaskID: t.ID, Task: t})
	if finishErr != nil {
		return nil, finishErr
	}
	return t, nil
}

// finish frees the user after t became terminal. The lock is dropped when
// the pointer named t, or when t just transitioned and no pointer is left;
// a pointer to a different task means a newer submission owns the lock.
func (c *Coordinator) finish(ctx context.Context, t *Task, transitioned bool) error {
	cleared, err := c.index.ClearIfMatches(ctx, t.UserID, t.ID)
	if err != nil {
		return err
	}
	if !cleared {
		if !transitioned {
			return nil
		}
		other, pointed, err := c.index.GetActive(ctx, t.UserID)
		if err != nil {
			return err
		}
		if pointed {
			c.logger.Info("leaving submission lock to newer task", "task_id", t.ID, "active_task_id", other)
			return nil
		}
	}
	if err := c.lock.ReleaseUnconditional(ctx, t.UserID); err != nil {
		return err
	}
	if transitioned {
		c.rec.TaskFinished(t.Status)
	}
	c.logger.Info("task finished", "task_id", t.ID, "user_id", t.UserID, "status", t.Status)
	return nil
}

// Delete removes the task and, if it was the user's active task, frees the
// user. Deleting a missing task is not an error.
func (c *Coordinator) Delete(ctx context.Context, taskID string) error {
	t, err := c.tasks.Get(ctx, taskID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := c.tasks.Delete(ctx, taskID); err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	if err := c.releaseIfActive(ctx, t); err != nil {
		return err
	}
	c.bus.Publish(ctx, Event{Type: EventDelete, TaskID: taskID})
	return nil
}

func (c *Coordinator) releaseIfActive(ctx context.Context, t *Task) error {
	cleared, err := c.index.ClearIfMatches(ctx, t.UserID, t.ID)
	if err != nil || !cleared {
		return err
	}
	return c.lock.ReleaseUnconditional(ctx, t.UserID)
}

// HasActive reports whether the user has a live, non-terminal task.
func (c *Coordinator) HasActive(ctx context.Context, userID string) (bool, error) {
	return c.index.HasActive(ctx, userID)
}

// GetActive returns the user's active task, or nil when there is none.
func (c *Coordinator) GetActive(ctx context.Context, userID string) (*Task, error) {
	return c.index.activeTask(ctx, userID)
}

// Release unblocks a user regardless of their current task: the pointer and
// the submission lock are both removed. The task record is left alone.
func (c *Coordinator) Release(ctx context.Context, userID string) error {
	taskID, ok, err := c.index.GetActive(ctx, userID)
	if err != nil {
		return err
	}
	if ok {
		if _, err := c.index.ClearIfMatches(ctx, userID, taskID); err != nil {
			return err
		}
	}
	if err := c.lock.ReleaseUnconditional(ctx, userID); err != nil {
		return err
	}
	c.logger.Info("user released", "user_id", userID, "task_id", taskID)
	return nil
}

func (c *Coordinator) MapMessage(ctx context.Context, messageID, taskID string) error {
	return c.tasks.MapMessage(ctx, messageID, taskID)
}

func (c *Coordinator) ResolveMessage(ctx context.Context, messageID string) (string, bool, error) {
	return c.tasks.ResolveMessage(ctx, messageID)
}

// Subscribe registers fn for lifecycle events received by this process.
// Events only flow after Start.
func (c *Coordinator) Subscribe(fn Listener) (unsubscribe func()) {
	return c.bus.Subscribe(fn)
}

// SweepExpired deletes task records created more than maxAge ago and
// returns how many it removed. See SweepOptions for the scan bounds.
func (c *Coordinator) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	return c.sweep.run(ctx, maxAge)
}
