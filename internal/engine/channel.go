package engine

import (
	"context"
	"sync"

	"github.com/haasonsaas/sessiongate/pkg/models"
)

// MemoryChannel is an in-process Channel. Publish delivers synchronously to
// every subscriber registered at the time of the call.
type MemoryChannel struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(models.Event)
}

// NewMemoryChannel returns an empty channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[int]func(models.Event))}
}

// Subscribe registers fn.
func (c *MemoryChannel) Subscribe(fn func(models.Event)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Publish delivers ev to current subscribers.
func (c *MemoryChannel) Publish(ctx context.Context, ev models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	fns := make([]func(models.Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

// Subscribers returns the number of registered subscribers.
func (c *MemoryChannel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// ChannelSet lazily creates memory channels by name.
type ChannelSet struct {
	mu       sync.Mutex
	channels map[string]*MemoryChannel
}

// Get returns the channel called name, creating it on first use.
func (s *ChannelSet) Get(name string) *MemoryChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = make(map[string]*MemoryChannel)
	}
	ch, ok := s.channels[name]
	if !ok {
		ch = NewMemoryChannel()
		s.channels[name] = ch
	}
	return ch
}
