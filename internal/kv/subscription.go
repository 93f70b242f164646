// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisSubscription adapts a go-redis PubSub to the Subscription contract.
// The underlying PubSub reconnects on transport loss with the client's retry
// backoff and re-establishes all subscribed patterns itself; the out channel
// simply keeps flowing across reconnects.
type redisSubscription struct {
	pubsub    *redis.PubSub
	out       chan Message
	closeOnce sync.Once
	done      chan struct{}
}

const subscriptionBuffer = 128

// Subscribe opens a pattern subscription. Cancellation is explicit via
// Close; cancelling ctx only bounds the initial subscribe round-trip.
func (s *RedisStore) Subscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("kv: subscribe requires at least one pattern")
	}

	pubsub := s.client.PSubscribe(ctx, patterns...)

	// Force the initial round-trip so a dead store surfaces here instead of
	// silently delivering nothing.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, s.unavailable("subscribe", patterns[0], err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, subscriptionBuffer),
		done:   make(chan struct{}),
	}

	go sub.pump(s)
	return sub, nil
}

func (sub *redisSubscription) pump(s *RedisStore) {
	defer close(sub.out)
	ch := sub.pubsub.Channel(redis.WithChannelSize(subscriptionBuffer))
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case sub.out <- Message{Topic: msg.Channel, Payload: msg.Payload}:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *redisSubscription) C() <-chan Message {
	return sub.out
}

func (sub *redisSubscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		close(sub.done)
		err = sub.pubsub.Close()
	})
	return err
}
