package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is a pub/sub message.
type Message = redis.Message

// Subscription is a pub/sub connection whose channel set can grow while it is read.
// Subscribing to a channel already subscribed is a no-op on the server.
type Subscription struct {
	pubsub   *redis.PubSub
	messages <-chan *redis.Message

	mu       sync.Mutex
	channels map[string]struct{}
}

// Subscribe opens a subscription to the given channels.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	ps := s.client.Subscribe(ctx)
	sub := &Subscription{pubsub: ps, channels: make(map[string]struct{})}
	if err := sub.Add(ctx, channels...); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub.messages = ps.Channel()
	return sub, nil
}

// Add subscribes to more channels.
func (s *Subscription) Add(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if err := s.pubsub.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

// Channels returns the subscribed channels, sorted.
func (s *Subscription) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of subscribed channels.
func (s *Subscription) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Messages delivers received messages. It is closed by Close.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.messages
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
