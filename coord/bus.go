package coord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Listener is called for every lifecycle event received by this process,
// including events this process published itself. Listeners run on the
// bus goroutine and must not block.
type Listener func(Event)

// Bus broadcasts lifecycle events to every process over Redis pub/sub.
// Delivery is at-most-once; the store stays the source of truth.
type Bus struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
	rec     Recorder

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Listener

	pubsub *redis.PubSub
	done   chan struct{}
}

func NewBus(rdb redis.UniversalClient, channel string, logger *slog.Logger, rec Recorder) *Bus {
	if channel == "" {
		channel = EventChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Bus{
		rdb:     rdb,
		channel: channel,
		logger:  logger,
		rec:     rec,
		subs:    make(map[uint64]Listener),
	}
}

// Publish sends ev. Failures are logged and swallowed.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err == nil {
		err = b.rdb.Publish(ctx, b.channel, data).Err()
	}
	b.rec.EventPublished(ev.Type, err)
	if err != nil {
		b.logger.Warn("publish lifecycle event failed", "type", ev.Type, "task_id", ev.TaskID, "error", err)
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Start subscribes to the channel and begins dispatching in the background.
// It returns once the subscription is confirmed by the server.
func (b *Bus) Start(ctx context.Context) error {
	if b.pubsub != nil {
		return errors.New("bus already started")
	}
	ps := b.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return unavailable("subscribe", err)
	}
	b.pubsub = ps
	b.done = make(chan struct{})
	go b.run(ps.Channel())
	return nil
}

func (b *Bus) run(msgs <-chan *redis.Message) {
	defer close(b.done)
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.logger.Warn("dropping malformed lifecycle event", "error", err)
			continue
		}
		b.rec.EventReceived(ev.Type)
		b.dispatch(ev)
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.subs))
	for _, fn := range b.subs {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		b.call(fn, ev)
	}
}

func (b *Bus) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("lifecycle listener panicked", "type", ev.Type, "task_id", ev.TaskID, "panic", r)
		}
	}()
	fn(ev)
}

// Close stops the receive loop and waits for it to exit.
func (b *Bus) Close() error {
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	<-b.done
	b.pubsub = nil
	return err
}
