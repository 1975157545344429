// Package idempotency remembers the responses of retried writes so a caller
// that repeats a request with the same X-Idempotency-Key gets the original
// result instead of a second side effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/signet/model"
)

// Header is the request header carrying the caller's key.
const Header = "X-Idempotency-Key"

// DefaultKeyPrefix namespaces keys in a shared Redis.
const DefaultKeyPrefix = "signet:idem:"

// Response is a stored handler response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Store provides deduplication for retried writes.
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, it returns the stored response. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (resp *Response, found bool, err error)

	// Store saves a response under key for ttl.
	Store(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string   `json:"input_hash"`
	Response  Response `json:"response"`
}

// FormatKey builds the key for a caller's idempotency key. scope separates
// callers so two owners can reuse the same key.
func FormatKey(scope, key string) string {
	return fmt.Sprintf("%s:%s", scope, key)
}

// HashInput hashes what identifies a request: its method, path and body.
func HashInput(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a stored response. Expired entries are removed.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}

	resp := e.data.Response
	return &resp, true, nil
}

// Store saves a response with TTL.
func (s *MemoryStore) Store(_ context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store for multi-replica deployments.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Check looks up a stored response in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*Response, bool, error) {
	k := s.prefix + key
	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", k, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", k, err)
	}
	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &e.Response, true, nil
}

// Store saves a response in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	k := s.prefix + key
	if err := s.client.Set(ctx, k, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", k, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
