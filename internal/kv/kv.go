// SPDX-License-Identifier: MIT

// Package kv is the thin contract over the external key-value service:
// string get/set with TTL, conditional set-if-absent, delete, and topic
// publish/subscribe. Locks, ephemeral connection records and the
// cross-replica backplane all go through this adapter.
package kv

import (
	"context"
	"errors"
	"time"
)

// SetMode selects between unconditional and set-if-absent writes.
type SetMode int

const (
	// SetAlways overwrites any existing value.
	SetAlways SetMode = iota
	// SetIfAbsent writes only when the key does not exist.
	SetIfAbsent
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound reports a missing key on Get.
	ErrNotFound = errors.New("kv: key not found")
	// ErrStoreUnavailable reports transport loss to the K/V service.
	ErrStoreUnavailable = errors.New("kv: store unavailable")
)

// Message is one delivery from a subscribed topic.
type Message struct {
	Topic   string
	Payload string
}

// Subscription is a live topic subscription. C yields messages until Close
// is called; the channel is closed afterwards.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Store is the K/V adapter contract.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration, mode SetMode) (bool, error)
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, patterns ...string) (Subscription, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}
