package signing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/signet/model"
)

// MemoryRequestStore is an in-memory RequestStore. Requests are cloned on
// the way in and out so callers never share state with the store.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]model.SignatureRequest // key: request ID
	tokens   map[string]string                 // key: access token, value: request ID
}

// NewMemoryRequestStore creates a new in-memory request store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]model.SignatureRequest),
		tokens:   make(map[string]string),
	}
}

// Create persists a new request.
func (s *MemoryRequestStore) Create(_ context.Context, req model.SignatureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("signature request %q already exists", req.ID))
	}
	s.put(req)
	return nil
}

// Get retrieves a request by ID.
func (s *MemoryRequestStore) Get(_ context.Context, requestID string) (model.SignatureRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[requestID]
	if !exists {
		return model.SignatureRequest{}, notFound(requestID)
	}
	return req.Clone(), nil
}

// Update persists an updated request with optimistic locking.
func (s *MemoryRequestStore) Update(_ context.Context, req model.SignatureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.requests[req.ID]
	if !exists {
		return notFound(req.ID)
	}
	if existing.Version != req.Version {
		return model.NewConflictError(fmt.Sprintf(
			"signature request %q version conflict (expected %d, got %d)", req.ID, req.Version, existing.Version))
	}

	for _, r := range existing.Recipients {
		delete(s.tokens, r.AccessToken)
	}
	req.Version++
	s.put(req)
	return nil
}

// put stores a clone and indexes its access tokens. Must be called with the
// write lock held.
func (s *MemoryRequestStore) put(req model.SignatureRequest) {
	req = req.Clone()
	s.requests[req.ID] = req
	for _, r := range req.Recipients {
		if r.AccessToken != "" {
			s.tokens[r.AccessToken] = req.ID
		}
	}
}

// FindByAccessToken returns the request holding the given access token.
func (s *MemoryRequestStore) FindByAccessToken(_ context.Context, token string) (model.SignatureRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok || token == "" {
		return model.SignatureRequest{}, model.NewNotFoundError("signing link not found")
	}
	return s.requests[id].Clone(), nil
}

// FindActive returns sent and in-progress requests, newest first.
func (s *MemoryRequestStore) FindActive(_ context.Context, filters RequestFilters) ([]model.SignatureRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SignatureRequest
	for _, req := range s.requests {
		if !req.Status.IsActive() {
			continue
		}
		if filters.CreatedBy != "" && req.CreatedBy != filters.CreatedBy {
			continue
		}
		result = append(result, req.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.SignatureRequest{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindDueBefore returns non-terminal requests past their due date.
func (s *MemoryRequestStore) FindDueBefore(_ context.Context, cutoff time.Time) ([]model.SignatureRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SignatureRequest
	for _, req := range s.requests {
		if req.Status.IsTerminal() || req.DueDate == nil || !req.DueDate.Before(cutoff) {
			continue
		}
		result = append(result, req.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(*result[j].DueDate)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryRequestStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored requests. For testing.
func (s *MemoryRequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func notFound(requestID string) error {
	return model.NewNotFoundError(fmt.Sprintf("signature request %q not found", requestID))
}
