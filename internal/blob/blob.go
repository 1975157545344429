// Package blob stores signature images outside the signing core. The core
// only ever sees the URL a Store returns.
package blob

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/signet/model"
)

// Store persists binary objects and returns a URL that identifies them.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, string, error)
	Delete(ctx context.Context, key string) error
}

// SignatureKey returns the object key used for one signature submission.
// Every submission gets its own key so a rejected resubmission never
// touches the payload of an accepted one.
func SignatureKey(requestID, recipientID, fieldID, submissionID string) string {
	return fmt.Sprintf("signatures/%s/%s/%s/%s", requestID, recipientID, fieldID, submissionID)
}

type object struct {
	data        []byte
	contentType string
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]object
}

// NewMemoryStore creates a MemoryStore whose URLs start with baseURL
// (default "mem://blob").
func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "mem://blob"
	}
	return &MemoryStore{baseURL: baseURL, objects: make(map[string]object)}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" {
		return "", model.NewBadRequestError("blob key is required")
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.objects[key] = object{data: cp, contentType: contentType}
	s.mu.Unlock()
	return s.baseURL + "/" + key, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", model.NewNotFoundError("blob " + key + " not found")
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.contentType, nil
}

// Delete implements Store. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Keys returns the stored keys in order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
