package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/agentflow/workflow"
)

func successEvent(id string) workflow.CompletionEvent {
	return workflow.CompletionEvent{
		ExecutionID: id,
		WorkflowID:  "wf-outfit",
		UserID:      "user-7",
		Status:      workflow.StatusSuccess,
		Output:      `["outfit-1","outfit-2"]`,
		OccurredAt:  time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, ch <-chan workflow.CompletionEvent) workflow.CompletionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return workflow.CompletionEvent{}
}

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := b.Subscribe(ctx)
	second := b.Subscribe(ctx)

	if err := b.Publish(ctx, successEvent("exec-1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for _, ch := range []<-chan workflow.CompletionEvent{first, second} {
		if ev := receive(t, ch); ev.ExecutionID != "exec-1" {
			t.Errorf("unexpected event %+v", ev)
		}
	}
}

func TestBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewBroker(1, nil)
	ctx := context.Background()
	ch := b.Subscribe(ctx)

	for _, id := range []string{"exec-1", "exec-2", "exec-3"} {
		if err := b.Publish(ctx, successEvent(id)); err != nil {
			t.Fatalf("Publish should not block or fail: %v", err)
		}
	}
	if b.Dropped() != 2 {
		t.Errorf("expected 2 drops, got %d", b.Dropped())
	}
	if ev := receive(t, ch); ev.ExecutionID != "exec-1" {
		t.Errorf("expected the buffered event, got %s", ev.ExecutionID)
	}
}

func TestBroker_UnsubscribeOnCancel(t *testing.T) {
	b := NewBroker(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if b.Subscribers() != 0 {
		t.Errorf("expected no subscribers, got %d", b.Subscribers())
	}
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker(1, nil)
	ch := b.Subscribe(context.Background())
	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed by Close")
	}
	if err := b.Publish(context.Background(), successEvent("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-b.Subscribe(context.Background()); ok {
		t.Error("subscribing to a closed broker should yield a closed channel")
	}
}

func TestBroker_CloseReleasesSubscriptions(t *testing.T) {
	b := NewBroker(1, nil)
	for i := 0; i < 3; i++ {
		b.Subscribe(context.Background())
	}

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return; subscription goroutines still waiting")
	}

	waited := make(chan struct{})
	go func() {
		b.watchers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("subscription goroutines outlived Close")
	}
}

func TestBroker_Consume(t *testing.T) {
	b := NewBroker(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []string
	)
	done := b.Consume(ctx, func(_ context.Context, ev workflow.CompletionEvent) error {
		mu.Lock()
		got = append(got, ev.ExecutionID)
		mu.Unlock()
		return errors.New("handler errors are logged, not fatal")
	})

	_ = b.Publish(ctx, successEvent("exec-1"))
	_ = b.Publish(ctx, successEvent("exec-2"))
	b.Close()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "exec-1" || got[1] != "exec-2" {
		t.Errorf("unexpected deliveries %v", got)
	}
}

func TestDecode(t *testing.T) {
	data, err := Encode(successEvent("exec-1"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Status != workflow.StatusSuccess || !ev.OccurredAt.Equal(successEvent("").OccurredAt) {
		t.Errorf("unexpected event %+v", ev)
	}

	for _, bad := range []string{`{`, `{"status":"SUCCESS"}`} {
		if _, err := Decode([]byte(bad)); err == nil {
			t.Errorf("expected error decoding %s", bad)
		}
	}
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return client
}

func TestRedis_PublishSubscribe(t *testing.T) {
	client := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "agentflow:test:" + time.Now().Format("150405.000000000")
	sink := NewRedisSink(client, WithChannel(channel), WithHistory(2))
	t.Cleanup(func() { client.Del(context.Background(), sink.HistoryKey()) })

	received := make(chan workflow.CompletionEvent, 4)
	sub := NewRedisSubscriber(client, channel, nil)
	if err := sub.Run(ctx, func(_ context.Context, ev workflow.CompletionEvent) error {
		received <- ev
		return nil
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, id := range []string{"exec-1", "exec-2", "exec-3"} {
		if err := sink.Publish(ctx, successEvent(id)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if ev := receive(t, received); ev.ExecutionID != "exec-1" {
		t.Errorf("unexpected first event %s", ev.ExecutionID)
	}

	recent, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ExecutionID != "exec-3" {
		t.Errorf("expected the 2 newest events, got %+v", recent)
	}
}
