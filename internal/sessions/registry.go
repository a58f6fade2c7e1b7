// Package sessions tracks the gateway's live sessions: who is subscribed to
// them, whether an execution is running, and the engine handle behind each.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/sessiongate/internal/engine"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrInvalidKey = errors.New("session key is required")
)

// Session is a point-in-time copy of a registry entry.
type Session struct {
	ID             string    `json:"id"`
	AppID          string    `json:"appId"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	MessageCount   int       `json:"messageCount"`
	Active         bool      `json:"active"`
	Subscribers    []string  `json:"subscribers"`
	HasHandle      bool      `json:"hasHandle"`
}

type entry struct {
	id             string
	appID          string
	name           string
	createdAt      time.Time
	lastActivityAt time.Time
	messageCount   int
	inflight       int
	subscribers    map[string]struct{}
	handle         engine.Session
}

func (e *entry) snapshot() Session {
	subs := make([]string, 0, len(e.subscribers))
	for id := range e.subscribers {
		subs = append(subs, id)
	}
	sort.Strings(subs)
	return Session{
		ID:             e.id,
		AppID:          e.appID,
		Name:           e.name,
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivityAt,
		MessageCount:   e.messageCount,
		Active:         e.inflight > 0,
		Subscribers:    subs,
		HasHandle:      e.handle != nil,
	}
}

// Options configures a Registry.
type Options struct {
	// DefaultApp is prepended to keys that do not name a known app.
	DefaultApp string
	// Apps lists the application ids recognized as key prefixes.
	Apps []string
}

// Registry is the in-memory table of sessions keyed by normalized id.
type Registry struct {
	defaultApp string
	apps       map[string]struct{}

	mu       sync.RWMutex
	sessions map[string]*entry

	handles singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	apps := make(map[string]struct{}, len(opts.Apps))
	for _, app := range opts.Apps {
		apps[strings.ToLower(strings.TrimSpace(app))] = struct{}{}
	}
	defaultApp := strings.ToLower(strings.TrimSpace(opts.DefaultApp))
	if defaultApp == "" && len(opts.Apps) == 1 {
		defaultApp = strings.ToLower(strings.TrimSpace(opts.Apps[0]))
	}
	if defaultApp == "" {
		defaultApp = "default"
	}
	apps[defaultApp] = struct{}{}
	return &Registry{
		defaultApp: defaultApp,
		apps:       apps,
		sessions:   make(map[string]*entry),
	}
}

// Normalize resolves a caller-supplied key to its canonical id, app id and
// name. Keys of the form "app:name" keep their app when it is known; other
// keys are placed under the default app.
func (r *Registry) Normalize(key string) (id, appID, name string, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", "", ErrInvalidKey
	}
	appID = r.defaultApp
	name = key
	if prefix, rest, ok := strings.Cut(key, ":"); ok {
		if _, known := r.apps[strings.ToLower(prefix)]; known {
			appID = strings.ToLower(prefix)
			name = rest
		}
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", "", ErrInvalidKey
	}
	return appID + ":" + name, appID, name, nil
}

// ID returns only the normalized id for key.
func (r *Registry) ID(key string) (string, error) {
	id, _, _, err := r.Normalize(key)
	return id, err
}

// GetOrCreate returns the session for key, creating it if needed. A
// non-empty clientID is subscribed in the same step.
func (r *Registry) GetOrCreate(key, clientID string) (Session, error) {
	id, appID, name, err := r.Normalize(key)
	if err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		now := time.Now()
		e = &entry{
			id:             id,
			appID:          appID,
			name:           name,
			createdAt:      now,
			lastActivityAt: now,
			subscribers:    make(map[string]struct{}),
		}
		r.sessions[id] = e
	}
	if clientID != "" {
		e.subscribers[clientID] = struct{}{}
	}
	return e.snapshot(), nil
}

// Get returns the session for key.
func (r *Registry) Get(key string) (Session, error) {
	id, err := r.ID(key)
	if err != nil {
		return Session{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snapshot(), nil
}

// Subscribe adds clientID to an existing session.
func (r *Registry) Subscribe(key, clientID string) error {
	return r.update(key, func(e *entry) {
		e.subscribers[clientID] = struct{}{}
	})
}

// Unsubscribe removes clientID from a session. Missing sessions are ignored.
func (r *Registry) Unsubscribe(key, clientID string) {
	_ = r.update(key, func(e *entry) {
		delete(e.subscribers, clientID)
	})
}

// UnsubscribeAll removes clientID from every session and returns the ids it
// was removed from.
func (r *Registry) UnsubscribeAll(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, e := range r.sessions {
		if _, ok := e.subscribers[clientID]; ok {
			delete(e.subscribers, clientID)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// SetActive marks an execution as started (true) or settled (false). The
// session stays active while any started execution has not settled.
func (r *Registry) SetActive(key string, active bool) error {
	return r.update(key, func(e *entry) {
		if active {
			e.inflight++
		} else if e.inflight > 0 {
			e.inflight--
		}
		e.lastActivityAt = time.Now()
	})
}

// IncrementMessageCount records one more accepted message.
func (r *Registry) IncrementMessageCount(key string) error {
	return r.update(key, func(e *entry) {
		e.messageCount++
		e.lastActivityAt = time.Now()
	})
}

// Touch refreshes the last activity time.
func (r *Registry) Touch(key string) error {
	return r.update(key, func(e *entry) {
		e.lastActivityAt = time.Now()
	})
}

// Handle returns the engine handle for key, calling create at most once
// even under concurrent callers.
func (r *Registry) Handle(ctx context.Context, key string, create func(ctx context.Context, appID, name string) (engine.Session, error)) (engine.Session, error) {
	id, err := r.ID(key)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	e, ok := r.sessions[id]
	var handle engine.Session
	var appID, name string
	if ok {
		handle, appID, name = e.handle, e.appID, e.name
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if handle != nil {
		return handle, nil
	}

	v, err, _ := r.handles.Do(id, func() (any, error) {
		r.mu.RLock()
		if e, ok := r.sessions[id]; ok && e.handle != nil {
			h := e.handle
			r.mu.RUnlock()
			return h, nil
		}
		r.mu.RUnlock()

		h, err := create(ctx, appID, name)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		current, ok := r.sessions[id]
		switch {
		case !ok || current != e:
			// Closed while create ran.
			r.mu.Unlock()
			closeHandle(h)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		case current.handle != nil:
			installed := current.handle
			r.mu.Unlock()
			closeHandle(h)
			return installed, nil
		}
		current.handle = h
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(engine.Session), nil
}

// CurrentHandle returns the engine handle for key without creating one.
func (r *Registry) CurrentHandle(key string) (engine.Session, bool) {
	id, err := r.ID(key)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// Reset drops the engine handle so the next send starts fresh. Counters and
// subscribers are kept.
func (r *Registry) Reset(key string) error {
	var old engine.Session
	err := r.update(key, func(e *entry) {
		old = e.handle
		e.handle = nil
		e.lastActivityAt = time.Now()
	})
	if err != nil {
		return err
	}
	if id, idErr := r.ID(key); idErr == nil {
		r.handles.Forget(id)
	}
	closeHandle(old)
	return nil
}

// Close removes the session and releases its engine handle. The returned
// snapshot reflects the session just before removal.
func (r *Registry) Close(key string) (Session, error) {
	id, err := r.ID(key)
	if err != nil {
		return Session{}, err
	}
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap := e.snapshot()
	handle := e.handle
	delete(r.sessions, id)
	r.mu.Unlock()

	r.handles.Forget(id)
	closeHandle(handle)
	return snap, nil
}

// Subscribers returns the client ids subscribed to key.
func (r *Registry) Subscribers(key string) []string {
	snap, err := r.Get(key)
	if err != nil {
		return nil
	}
	return snap.Subscribers
}

// All returns every session ordered by id.
func (r *Registry) All() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns the number of sessions with a running execution.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.sessions {
		if e.inflight > 0 {
			n++
		}
	}
	return n
}

func (r *Registry) update(key string, fn func(*entry)) error {
	id, err := r.ID(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(e)
	return nil
}

func closeHandle(h engine.Session) {
	if closer, ok := h.(engine.Closer); ok {
		_ = closer.Close()
	}
}
