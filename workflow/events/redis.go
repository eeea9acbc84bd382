package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/agentflow/workflow"
)

// DefaultChannel is the Redis pub/sub channel for completion events.
const DefaultChannel = "agentflow:executions:completed"

// RedisSink publishes completion events as JSON on a Redis channel. When a
// history length is set, the most recent events are also kept in a capped
// list named after the channel, so late consumers can catch up.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	history int64
}

// SinkOption configures a RedisSink.
type SinkOption func(*RedisSink)

// WithChannel overrides DefaultChannel.
func WithChannel(channel string) SinkOption {
	return func(s *RedisSink) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithHistory keeps the last n events in a Redis list.
func WithHistory(n int64) SinkOption {
	return func(s *RedisSink) { s.history = n }
}

// NewRedisSink returns a sink publishing through client.
func NewRedisSink(client redis.UniversalClient, opts ...SinkOption) *RedisSink {
	s := &RedisSink{client: client, channel: DefaultChannel}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel returns the channel events are published on.
func (s *RedisSink) Channel() string { return s.channel }

// HistoryKey returns the list holding recent events.
func (s *RedisSink) HistoryKey() string { return s.channel + ":history" }

// Publish implements workflow.EventSink.
func (s *RedisSink) Publish(ctx context.Context, ev workflow.CompletionEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}

	if s.history <= 0 {
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", ev.ExecutionID, err)
		}
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, s.channel, payload)
		pipe.LPush(ctx, s.HistoryKey(), payload)
		pipe.LTrim(ctx, s.HistoryKey(), 0, s.history-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.ExecutionID, err)
	}
	return nil
}

// Recent returns up to n events from the history list, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]workflow.CompletionEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.HistoryKey(), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]workflow.CompletionEvent, 0, len(raw))
	for _, r := range raw {
		ev, err := Decode([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// RedisSubscriber receives completion events published by a RedisSink.
type RedisSubscriber struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisSubscriber returns a subscriber on channel, or DefaultChannel when
// channel is empty.
func NewRedisSubscriber(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{client: client, channel: channel, logger: logger}
}

// Run delivers events to h until ctx is done. It returns once the
// subscription is confirmed or fails; messages that do not decode are
// logged and skipped.
func (r *RedisSubscriber) Run(ctx context.Context, h Handler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				r.handle(ctx, h, msg.Payload)
			}
		}
	}()
	return nil
}

func (r *RedisSubscriber) handle(ctx context.Context, h Handler, payload string) {
	ev, err := Decode([]byte(payload))
	if err != nil {
		r.logger.Warn("undecodable completion event", "channel", r.channel, "error", err)
		return
	}
	if err := h(ctx, ev); err != nil {
		r.logger.Error("completion event handler failed",
			"execution_id", ev.ExecutionID, "status", ev.Status, "error", err)
	}
}

// Encode serializes an event for the wire.
func Encode(ev workflow.CompletionEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode completion event: %w", err)
	}
	return b, nil
}

// Decode parses an event produced by Encode. Events without an execution id
// are rejected.
func Decode(data []byte) (workflow.CompletionEvent, error) {
	var ev workflow.CompletionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode completion event: %w", err)
	}
	if ev.ExecutionID == "" {
		return ev, fmt.Errorf("decode completion event: missing executionId")
	}
	return ev, nil
}

var _ workflow.EventSink = (*RedisSink)(nil)
