// Package archive keeps an audit trail of finished jobs in a relational
// database. It is fed from the lifecycle bus and is never consulted by the
// coordination protocol.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mohans/jobgate/coord"
)

// Schema works for both SQLite and Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS jobgate_tasks (
    task_id           VARCHAR(64)  PRIMARY KEY,
    user_id           VARCHAR(64)  NOT NULL,
    status            VARCHAR(32)  NOT NULL,
    prompt            TEXT         NOT NULL,
    source_message_id VARCHAR(128) NOT NULL,
    created_at        BIGINT       NOT NULL,
    archived_at       TIMESTAMP    NOT NULL,
    record_json       TEXT         NOT NULL
);
CREATE INDEX IF NOT EXISTS jobgate_tasks_user_idx ON jobgate_tasks (user_id, created_at);
`

var ErrNotFound = errors.New("archived task not found")

// Entry is one archived task.
type Entry struct {
	Task       coord.Task
	ArchivedAt time.Time
}

// Archive writes finished tasks to db. Implementations must be safe for
// concurrent use; *sql.DB already is.
type Archive struct {
	db       *sql.DB
	postgres bool
	queue    chan *coord.Task
	logger   *slog.Logger
}

// New wraps db. driver selects the placeholder style ("postgres" uses $n).
func New(db *sql.DB, driver string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		db:       db,
		postgres: driver == "postgres",
		queue:    make(chan *coord.Task, 256),
		logger:   logger.With("component", "archive"),
	}
}

// Migrate creates the table if needed.
func (a *Archive) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate archive: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for Postgres.
func (a *Archive) rebind(q string) string {
	if !a.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record upserts t. Recording the same task twice keeps the latest copy.
func (a *Archive) Record(ctx context.Context, t *coord.Task) error {
	if a.db == nil {
		return errors.New("nil db")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	q := a.rebind(`INSERT INTO jobgate_tasks
		(task_id, user_id, status, prompt, source_message_id, created_at, archived_at, record_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			status = excluded.status,
			archived_at = excluded.archived_at,
			record_json = excluded.record_json`)
	_, err = a.db.ExecContext(ctx, q,
		t.ID, t.UserID, string(t.Status), t.Prompt, t.SourceMessageID, t.Timestamp, time.Now().UTC(), string(data))
	return err
}

func (a *Archive) Get(ctx context.Context, taskID string) (*Entry, error) {
	if a.db == nil {
		return nil, errors.New("nil db")
	}
	row := a.db.QueryRowContext(ctx, a.rebind(`SELECT record_json, archived_at FROM jobgate_tasks WHERE task_id = ?`), taskID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return e, err
}

// ListByUser returns a user's archived tasks, newest first.
func (a *Archive) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, a.rebind(`SELECT record_json, archived_at FROM jobgate_tasks
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		raw string
		e   Entry
	)
	if err := s.Scan(&raw, &e.ArchivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &e.Task); err != nil {
		return nil, fmt.Errorf("decode archived task: %w", err)
	}
	return &e, nil
}

// Listener queues terminal tasks for Run to write. It never blocks the bus;
// when the queue is full the task is dropped and logged.
func (a *Archive) Listener() coord.Listener {
	return func(ev coord.Event) {
		if ev.Type != coord.EventUpdate || ev.Task == nil || !ev.Task.Status.Terminal() {
			return
		}
		select {
		case a.queue <- ev.Task:
		default:
			a.logger.Warn("archive queue full, dropping task", "task_id", ev.TaskID)
		}
	}
}

// Run writes queued tasks until ctx is done.
func (a *Archive) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-a.queue:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.Record(wctx, t); err != nil {
				a.logger.Error("archive task failed", "task_id", t.ID, "error", err)
			}
			cancel()
		}
	}
}
