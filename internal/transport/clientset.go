package transport

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// ClientSet is the table of authenticated clients owned by one transport.
type ClientSet struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientSet returns an empty table.
func NewClientSet() *ClientSet {
	return &ClientSet{clients: make(map[string]*Client)}
}

// Register builds and stores a client under requested when that id is free,
// or under a fresh uuid otherwise.
func (s *ClientSet) Register(requested string, build func(id string) *Client) *Client {
	requested = strings.TrimSpace(requested)
	s.mu.Lock()
	defer s.mu.Unlock()
	id := requested
	if _, taken := s.clients[id]; id == "" || taken {
		id = uuid.NewString()
	}
	c := build(id)
	s.clients[id] = c
	return c
}

// Remove deletes c if it is still the client stored under its id.
func (s *ClientSet) Remove(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.clients[c.ID]; ok && current == c {
		delete(s.clients, c.ID)
		return true
	}
	return false
}

// Get returns the client with id.
func (s *ClientSet) Get(id string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// List returns every client ordered by id.
func (s *ClientSet) List() []*Client {
	s.mu.RLock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of clients.
func (s *ClientSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Authenticate runs token through v. Every failure, including a missing
// validator, is reported as an unauthenticated protocol error.
func Authenticate(ctx context.Context, v auth.Validator, token string) (auth.Result, error) {
	if v == nil {
		return auth.Result{}, protocol.Errorf(protocol.CodeUnauthenticated, "no validator configured")
	}
	result, err := v.Validate(ctx, token)
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return auth.Result{}, protocol.Errorf(protocol.CodeUnauthenticated, "missing token")
	case err != nil:
		return auth.Result{}, protocol.Errorf(protocol.CodeUnauthenticated, "%v", err)
	case !result.Valid:
		return auth.Result{}, protocol.Errorf(protocol.CodeUnauthenticated, "invalid token")
	}
	return result, nil
}
