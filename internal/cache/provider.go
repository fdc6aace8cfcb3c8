package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KeyPrefix namespaces every key the healing engine writes.
const KeyPrefix = "heal"

// Provider is the shared key/value store behind the healing guard, the
// snapshot fallback and published patterns. SetNX must be atomic across
// replicas for the guard to hold.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// Key joins parts under KeyPrefix, e.g. Key("guard", "web-1", "cpu") is
// "heal:guard:web-1:cpu".
func Key(parts ...string) string {
	return KeyPrefix + ":" + strings.Join(parts, ":")
}

// SetJSON stores v encoded as JSON.
func SetJSON(ctx context.Context, p Provider, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return p.Set(ctx, key, payload, ttl)
}

// GetJSON decodes the value at key into out. Misses return ErrCacheMiss.
func GetJSON(ctx context.Context, p Provider, key string, out any) error {
	payload, err := p.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// NoopProvider stores nothing. SetNX always succeeds, so a guard backed by it
// only ever holds locally.
type NoopProvider struct{}

// Get always misses.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX reports success without storing.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// Del does nothing.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close does nothing.
func (NoopProvider) Close() error { return nil }
