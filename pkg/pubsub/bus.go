package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrUnknownTopic is returned for topics not listed in AllTopics.
var ErrUnknownTopic = errors.New("unknown topic")

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) error

// SubscriptionConfig configures a subscription.
type SubscriptionConfig struct {
	Handler Handler
}

type subscription struct {
	name    string
	handler Handler
}

// Bus delivers envelopes to every subscription of a topic, in subscription
// name order, on the publisher's goroutine. A failing or panicking handler is
// logged and counted; it never affects the publisher or other handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	logger *zap.Logger

	published atomic.Uint64
	failures  atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger.Named("pubsub"),
	}
}

// Subscribe registers a named handler on topic. Names are unique per topic.
// The returned func removes the subscription.
func (b *Bus) Subscribe(topic, name string, cfg SubscriptionConfig) (func(), error) {
	if !IsValidTopic(topic) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if name == "" || cfg.Handler == nil {
		return nil, errors.New("subscription name and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs[topic] {
		if s.name == name {
			return nil, fmt.Errorf("subscription %q already exists on %s", name, topic)
		}
	}
	subs := append(append([]subscription(nil), b.subs[topic]...), subscription{name: name, handler: cfg.Handler})
	sort.Slice(subs, func(i, j int) bool { return subs[i].name < subs[j].name })
	b.subs[topic] = subs

	return func() { b.unsubscribe(topic, name) }, nil
}

func (b *Bus) unsubscribe(topic, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.subs[topic]
	subs := make([]subscription, 0, len(old))
	for _, s := range old {
		if s.name != name {
			subs = append(subs, s)
		}
	}
	b.subs[topic] = subs
}

// Publish validates env and delivers it. The returned error reports only
// validation failures; handler errors are logged.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	b.mu.RLock()
	subs := b.subs[env.Topic]
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range subs {
		b.deliver(ctx, s, env)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, s subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			b.logger.Error("subscription handler panicked",
				zap.String("subscription", s.name),
				zap.String("topic", env.Topic),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(ctx, env); err != nil {
		b.failures.Add(1)
		b.logger.Warn("subscription handler failed",
			zap.String("subscription", s.name),
			zap.String("topic", env.Topic),
			zap.Error(err))
	}
}

// Subscriptions lists subscription names for topic.
func (b *Bus) Subscriptions(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		names = append(names, s.name)
	}
	return names
}

// Published returns the number of accepted envelopes.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Failures returns the number of handler errors and panics.
func (b *Bus) Failures() uint64 { return b.failures.Load() }
