// Package redis provides a Redis Pub/Sub-backed EventPublisher, letting
// ProcessEvents raised by one orchestrator process reach Dispatcher
// instances running in other processes sharing the same instance store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cpgflow/engine"
)

// envelope is the wire format published on the channel, the same
// JSON-envelope shape the teacher uses for its checkpoint keys: a thin
// wrapper carrying just enough to route without re-deriving it from the
// payload.
type envelope struct {
	Event engine.ProcessEvent `json:"event"`
}

// Options configures a Publisher's Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Channel is the Pub/Sub channel events are published to and consumed
	// from. Defaults to "cpgflow:events".
	Channel string
}

// Publisher is a Redis Pub/Sub-backed engine.EventPublisher.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher constructs a Publisher from opts.
func NewPublisher(opts Options) *Publisher {
	channel := opts.Channel
	if channel == "" {
		channel = "cpgflow:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Publisher{client: client, channel: channel}
}

// Close closes the underlying Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) Publish(ctx context.Context, event engine.ProcessEvent) error {
	data, err := json.Marshal(envelope{Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event to redis: %w", err)
	}
	return nil
}

// PublishAsync fires Publish on its own goroutine, swallowing the error
// since EventPublisher's async variant must never block or panic the
// caller. Callers needing delivery guarantees should use Publish directly.
func (p *Publisher) PublishAsync(event engine.ProcessEvent) {
	go func() {
		_ = p.Publish(context.Background(), event)
	}()
}

// Subscriber consumes the same channel a Publisher writes to and forwards
// every event to a Signal-shaped callback, letting an Orchestrator in one
// process react to events raised by an Orchestrator (or any other
// publisher) in another.
type Subscriber struct {
	client  *redis.Client
	channel string
}

// NewSubscriber constructs a Subscriber from opts, sharing the Channel
// convention with Publisher.
func NewSubscriber(opts Options) *Subscriber {
	channel := opts.Channel
	if channel == "" {
		channel = "cpgflow:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Subscriber{client: client, channel: channel}
}

// Close closes the underlying Redis client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}

// Run subscribes to the channel and invokes handler for every event
// received, until ctx is cancelled. Malformed payloads are skipped rather
// than aborting the loop.
func (s *Subscriber) Run(ctx context.Context, handler func(engine.ProcessEvent)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			handler(env.Event)
		}
	}
}
