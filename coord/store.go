package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// maxUpdateAttempts bounds the optimistic retry loop in Update.
const maxUpdateAttempts = 3

// TaskStore keeps task records and the message-to-task secondary index.
// Every record carries a TTL so nothing outlives its owner by more than ttl.
type TaskStore struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewTaskStore(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *TaskStore {
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{rdb: rdb, ttl: ttl, logger: logger}
}

// TTL returns the lifetime applied to records on every write.
func (s *TaskStore) TTL() time.Duration { return s.ttl }

// Create writes the record with a fresh TTL.
func (s *TaskStore) Create(ctx context.Context, t *Task) error {
	if t.ID == "" || t.UserID == "" {
		return fmt.Errorf("%w: task id and user id are required", ErrInvalidTask)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidTask, t.Status)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := s.rdb.Set(ctx, taskKey(t.ID), data, s.ttl).Err(); err != nil {
		return unavailable("create task", err)
	}
	return nil
}

// Get returns the record or ErrNotFound. It does not extend the TTL.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*Task, error) {
	data, err := s.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get task", err)
	}
	t, err := s.decode(taskID, data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) decode(taskID string, data []byte) (*Task, error) {
	m, err := decodeObject(data)
	if err == nil {
		var t *Task
		if t, err = taskFromMap(m); err == nil {
			return t, nil
		}
	}
	s.logger.Warn("discarding malformed task record", "task_id", taskID, "error", err)
	return nil, fmt.Errorf("task %s: %w: %w", taskID, ErrNotFound, ErrSerialization)
}

// Update merges fields over the stored record and rewrites it with a
// refreshed TTL. A record that expired or was deleted yields ErrNotFound.
// Once a task is terminal its status may be repeated but not changed;
// other fields can still be merged.
func (s *TaskStore) Update(ctx context.Context, taskID string, fields Fields) (*Task, error) {
	t, _, err := s.update(ctx, taskID, fields)
	return t, err
}

// update also reports the status the record had before the merge.
func (s *TaskStore) update(ctx context.Context, taskID string, fields Fields) (*Task, Status, error) {
	patch, err := normalizeFields(fields)
	if err != nil {
		return nil, "", err
	}

	key := taskKey(taskID)
	var (
		updated  *Task
		previous Status
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		current, err := decodeObject(data)
		if err != nil {
			s.logger.Warn("discarding malformed task record", "task_id", taskID, "error", err)
			return fmt.Errorf("task %s: %w: %w", taskID, ErrNotFound, ErrSerialization)
		}
		before, err := taskFromMap(current)
		if err != nil {
			s.logger.Warn("discarding malformed task record", "task_id", taskID, "error", err)
			return fmt.Errorf("task %s: %w: %w", taskID, ErrNotFound, ErrSerialization)
		}

		if st, ok := patch[fieldStatus]; ok && before.Status.Terminal() && Status(st.(string)) != before.Status {
			return fmt.Errorf("task %s is %s: %w: %w", taskID, before.Status, ErrInvalidTask, ErrFinished)
		}
		for k, v := range patch {
			current[k] = v
		}
		out, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		after, err := s.decode(taskID, out)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated, previous = after, before.Status
		return nil
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err = s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, previous, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTask):
			return nil, "", err
		default:
			return nil, "", unavailable("update task", err)
		}
	}
	return nil, "", fmt.Errorf("task %s: %w", taskID, ErrConflict)
}

// normalizeFields drops identity fields and validates the status.
func normalizeFields(fields Fields) (map[string]any, error) {
	patch := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case fieldTaskID, fieldUserID, fieldTimestamp:
			continue
		case fieldStatus:
			st, err := toStatus(v)
			if err != nil {
				return nil, err
			}
			patch[k] = string(st)
		default:
			patch[k] = v
		}
	}
	return patch, nil
}

func toStatus(v any) (Status, error) {
	var st Status
	switch x := v.(type) {
	case Status:
		st = x
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return "", fmt.Errorf("%w: status: %v", ErrInvalidTask, err)
		}
		st = Status(s)
	}
	if !st.Valid() {
		return "", fmt.Errorf("%w: status %q", ErrInvalidTask, st)
	}
	return st, nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	if err := s.rdb.Del(ctx, taskKey(taskID)).Err(); err != nil {
		return unavailable("delete task", err)
	}
	return nil
}

// MapMessage records which task an external message belongs to.
func (s *TaskStore) MapMessage(ctx context.Context, messageID, taskID string) error {
	if err := s.rdb.Set(ctx, messageKey(messageID), taskID, s.ttl).Err(); err != nil {
		return unavailable("map message", err)
	}
	return nil
}

// ResolveMessage returns the task mapped to messageID, if any.
func (s *TaskStore) ResolveMessage(ctx context.Context, messageID string) (string, bool, error) {
	taskID, err := s.rdb.Get(ctx, messageKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("resolve message", err)
	}
	return taskID, true, nil
}
