// Package natskv implements the cache port using NATS JetStream KV as the
// shared L2 cache.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache wraps a NATS JetStream KeyValue bucket as an L2 cache shared by
// every agentd replica.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a NATS KV-backed cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// safeKey encodes a cache key into the KV key alphabet. Keys like
// "intent:<hash>" and "idem:<client header>" carry characters JetStream
// rejects, so every key is base64url-encoded before it reaches the bucket.
func safeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Get retrieves a value from the bucket.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, safeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value in the bucket. TTL is managed at bucket level.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, safeKey(key), value)
	return err
}

// Delete removes a value from the bucket.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, safeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
