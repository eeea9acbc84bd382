// Package events delivers workflow completion events.
//
// Broker fans events out to in-process subscribers. RedisSink and
// RedisSubscriber carry them between processes over Redis pub/sub. All of
// them satisfy workflow.EventSink, so any can back an OutfitRecommend run.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dshills/agentflow/workflow"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event sink is closed")

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Handler consumes one event. A returned error is logged by the caller; the
// event is not redelivered.
type Handler func(ctx context.Context, ev workflow.CompletionEvent) error

// Broker is an in-process EventSink with any number of subscribers.
//
// Publish never blocks: an event that does not fit a subscriber's buffer is
// dropped for that subscriber and counted.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]chan workflow.CompletionEvent
	nextID uint64
	closed bool
	done   chan struct{}

	// watchers tracks the goroutines that unsubscribe on context end.
	watchers sync.WaitGroup

	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBroker returns a Broker whose subscribers buffer up to buffer events.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[uint64]chan workflow.CompletionEvent),
		done:   make(chan struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Publish implements workflow.EventSink.
func (b *Broker) Publish(ctx context.Context, ev workflow.CompletionEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("completion event dropped for slow subscriber",
				"subscriber", id, "execution_id", ev.ExecutionID)
		}
	}
	return nil
}

// Subscribe returns a channel receiving every event published from now on.
// The channel is closed when ctx is done or the Broker is closed.
func (b *Broker) Subscribe(ctx context.Context) <-chan workflow.CompletionEvent {
	ch := make(chan workflow.CompletionEvent, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.watchers.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.watchers.Done()
		select {
		case <-ctx.Done():
			b.unsubscribe(id)
		case <-b.done:
		}
	}()
	return ch
}

// Consume subscribes and calls h for every event in a new goroutine until
// ctx is done or the Broker closes. Events published after Consume returns
// are delivered. The returned channel is closed when the goroutine exits.
func (b *Broker) Consume(ctx context.Context, h Handler) <-chan struct{} {
	events := b.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := h(ctx, ev); err != nil {
				b.logger.Error("completion event handler failed",
					"execution_id", ev.ExecutionID, "status", ev.Status, "error", err)
			}
		}
	}()
	return done
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel and waits for the subscription
// goroutines to exit. Later Publish calls fail with ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	b.watchers.Wait()
}

var _ workflow.EventSink = (*Broker)(nil)
