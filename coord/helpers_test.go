package coord

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func startMiniRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err, "miniredis.Run")
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRecorder struct {
	mu           sync.Mutex
	accepted     int
	rejected     map[Reason]int
	finished     map[Status]int
	published    int
	publishFails int
	received     int
	swept        int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{rejected: map[Reason]int{}, finished: map[Status]int{}}
}

func (r *fakeRecorder) SubmissionAccepted() {
	r.mu.Lock()
	r.accepted++
	r.mu.Unlock()
}

func (r *fakeRecorder) SubmissionRejected(reason Reason) {
	r.mu.Lock()
	r.rejected[reason]++
	r.mu.Unlock()
}

func (r *fakeRecorder) TaskFinished(status Status) {
	r.mu.Lock()
	r.finished[status]++
	r.mu.Unlock()
}

func (r *fakeRecorder) EventPublished(_ EventType, err error) {
	r.mu.Lock()
	r.published++
	if err != nil {
		r.publishFails++
	}
	r.mu.Unlock()
}

func (r *fakeRecorder) EventReceived(EventType) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

func (r *fakeRecorder) SweepCompleted(deleted int, _ time.Duration) {
	r.mu.Lock()
	r.swept += deleted
	r.mu.Unlock()
}

type fixture struct {
	mr    *miniredis.Miniredis
	rdb   redis.UniversalClient
	c     *Coordinator
	clock *testClock
	rec   *fakeRecorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr, rdb := startMiniRedis(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := newFakeRecorder()
	opts.Logger = discardLogger()
	opts.Recorder = rec
	opts.Now = clock.Now
	return &fixture{mr: mr, rdb: rdb, c: New(rdb, opts), clock: clock, rec: rec}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return Event{}
	}
}
