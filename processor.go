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

// TrackFunc follows one external job until it finishes. The returned fields
// (result URLs and the like) are merged into the task record together with
// status SUCCESS. Returning an error fails the attempt; once asynq runs out of
// retries, or the error wraps asynq.SkipRetry, the task is marked FAILURE.
type TrackFunc func(ctx context.Context, t *coord.Task) (coord.Fields, error)

// Processor runs tracking workers and reports their lifecycle to the
// coordinator.
type Processor struct {
	server *asynq.Server
	coord  *coord.Coordinator
	track  TrackFunc
	logger *slog.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	Logger      *slog.Logger
}

func NewProcessor(redisOpt asynq.RedisConnOpt, c *coord.Coordinator, track TrackFunc, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "processor")
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: con,
		Queues:      qs,
		Logger:      asynqLogger{logger},
		LogLevel:    asynq.WarnLevel,
	})
	return &Processor{server: server, coord: c, track: track, logger: logger}
}

type trackState struct {
	task   *coord.Task
	fields coord.Fields
}

type trackStateKey struct{}

// Middleware to mark started/succeeded/failed
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		if t.Type() != TypeTrack {
			return next.ProcessTask(ctx, t)
		}
		var payload trackPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode tracking payload: %v: %w", err, asynq.SkipRetry)
		}

		rec, err := p.coord.Get(ctx, payload.TaskID)
		if errors.Is(err, coord.ErrNotFound) {
			p.logger.Info("job already gone", "task_id", payload.TaskID)
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return nil
		}
		if rec.Status != coord.StatusInProgress {
			if rec, err = p.update(ctx, rec.ID, coord.Fields{"status": coord.StatusInProgress}); rec == nil {
				return err
			}
		}

		state := &trackState{task: rec}
		err = next.ProcessTask(context.WithValue(ctx, trackStateKey{}, state), t)
		if err != nil {
			if !finalAttempt(ctx, err) {
				p.logger.Warn("tracking attempt failed", "task_id", rec.ID, "error", err)
				return err
			}
			if uerr := p.settle(ctx, rec.ID, coord.Fields{"status": coord.StatusFailure, "error": err.Error()}); uerr != nil {
				return uerr
			}
			return err
		}

		fields := coord.Fields{}
		for k, v := range state.fields {
			fields[k] = v
		}
		fields["status"] = coord.StatusSuccess
		return p.settle(ctx, rec.ID, fields)
	})
}

// update applies fields, treating a vanished or already finished task as
// nothing left to do.
func (p *Processor) update(ctx context.Context, taskID string, fields coord.Fields) (*coord.Task, error) {
	t, err := p.coord.Update(ctx, taskID, fields)
	switch {
	case errors.Is(err, coord.ErrNotFound):
		p.logger.Info("job already gone", "task_id", taskID)
		return nil, nil
	case errors.Is(err, coord.ErrFinished):
		p.logger.Info("job finished concurrently", "task_id", taskID)
		return nil, nil
	}
	return t, err
}

// settle writes the tracking outcome unless another writer has already
// finished the task, in which case its status is left as is.
func (p *Processor) settle(ctx context.Context, taskID string, fields coord.Fields) error {
	cur, err := p.coord.Get(ctx, taskID)
	if errors.Is(err, coord.ErrNotFound) {
		p.logger.Info("job already gone", "task_id", taskID)
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		p.logger.Info("job already finished", "task_id", taskID, "status", cur.Status)
		return nil
	}
	_, err = p.update(ctx, taskID, fields)
	return err
}

func finalAttempt(ctx context.Context, err error) bool {
	if errors.Is(err, asynq.SkipRetry) {
		return true
	}
	retried, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	return ok1 && ok2 && retried >= maxRetry
}

func (p *Processor) handleTrack(ctx context.Context, _ *asynq.Task) error {
	state, ok := ctx.Value(trackStateKey{}).(*trackState)
	if !ok {
		return fmt.Errorf("tracking state missing: %w", asynq.SkipRetry)
	}
	fields, err := p.track(ctx, state.task)
	if err != nil {
		return err
	}
	state.fields = fields
	return nil
}

// Start runs the server in the background with the tracking handler
// registered on mux. Other task types on mux are passed through unchanged.
func (p *Processor) Start(mux *asynq.ServeMux) error {
	if mux == nil {
		mux = asynq.NewServeMux()
	}
	mux.HandleFunc(TypeTrack, p.handleTrack)
	return p.server.Start(p.lifecycleMiddleware(mux))
}

func (p *Processor) Shutdown() { p.server.Shutdown() }

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
