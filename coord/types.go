package coord

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"
)

// Status represents the state of an external job as recorded in the store.
// Valid values: SUBMITTED, IN_PROGRESS, SUCCESS, FAILURE.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusInProgress, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected after s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Stored field names. Everything else in a record is a caller extra.
const (
	fieldTaskID          = "taskId"
	fieldUserID          = "userId"
	fieldStatus          = "status"
	fieldPrompt          = "prompt"
	fieldSourceMessageID = "sourceMessageId"
	fieldTimestamp       = "timestamp"
)

// Fields is a partial update applied to a task record. Keys not known to the
// coordination layer are stored and returned verbatim.
type Fields map[string]any

// Task is one submitted external job.
type Task struct {
	ID              string
	UserID          string
	Status          Status
	Prompt          string
	SourceMessageID string
	// Timestamp is the creation time in epoch milliseconds.
	Timestamp int64
	// Extra holds caller-supplied fields such as result URLs.
	Extra map[string]any
}

// Field returns a caller extra by name.
func (t *Task) Field(name string) (any, bool) {
	v, ok := t.Extra[name]
	return v, ok
}

func (t Task) toMap() map[string]any {
	m := make(map[string]any, len(t.Extra)+6)
	for k, v := range t.Extra {
		m[k] = v
	}
	m[fieldTaskID] = t.ID
	m[fieldUserID] = t.UserID
	m[fieldStatus] = string(t.Status)
	m[fieldPrompt] = t.Prompt
	m[fieldSourceMessageID] = t.SourceMessageID
	m[fieldTimestamp] = t.Timestamp
	return m
}

func taskFromMap(m map[string]any) (*Task, error) {
	t := &Task{Extra: make(map[string]any)}
	var err error
	for k, v := range m {
		switch k {
		case fieldTaskID:
			t.ID, err = cast.ToStringE(v)
		case fieldUserID:
			t.UserID, err = cast.ToStringE(v)
		case fieldStatus:
			var s string
			s, err = cast.ToStringE(v)
			t.Status = Status(s)
		case fieldPrompt:
			t.Prompt, err = cast.ToStringE(v)
		case fieldSourceMessageID:
			t.SourceMessageID, err = cast.ToStringE(v)
		case fieldTimestamp:
			t.Timestamp, err = toInt64(v)
		default:
			t.Extra[k] = v
		}
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	if t.ID == "" {
		return nil, fmt.Errorf("missing %s", fieldTaskID)
	}
	return t, nil
}

func toInt64(v any) (int64, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		return int64(f), err
	}
	return cast.ToInt64E(v)
}

// MarshalJSON flattens the task into a single object with its extras.
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.toMap())
}

// UnmarshalJSON accepts the flat object produced by MarshalJSON.
func (t *Task) UnmarshalJSON(data []byte) error {
	m, err := decodeObject(data)
	if err != nil {
		return err
	}
	parsed, err := taskFromMap(m)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}

// decodeObject keeps numbers as json.Number so caller fields round-trip
// without float conversion.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("not a json object")
	}
	return m, nil
}

// EventType identifies a lifecycle change broadcast on the bus.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is published on every state-changing operation.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"taskId"`
	Task   *Task     `json:"task,omitempty"`
}
