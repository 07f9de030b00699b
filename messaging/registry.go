package messaging

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultChannelName is used when a channel is built without a name
const DefaultChannelName = "default"

// Factory creates a channel for the given configuration
type Factory func(cfg Config) (*Channel, error)

// Registry holds the named channels of one connection
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	factory  Factory
}

// NewRegistry returns an empty registry building channels with factory
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
		factory:  factory,
	}
}

// Build creates the channel cfg.Name. It fails with ErrChannelAlreadyExists
// when the name is taken.
func (r *Registry) Build(cfg Config) (*Channel, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultChannelName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelAlreadyExists, cfg.Name)
	}
	return r.buildLocked(cfg)
}

// BuildIfNotExists returns the channel cfg.Name, creating it on first use.
// The configuration of the first call wins.
func (r *Registry) BuildIfNotExists(cfg Config) (*Channel, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultChannelName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[cfg.Name]; ok {
		return ch, nil
	}
	return r.buildLocked(cfg)
}

func (r *Registry) buildLocked(cfg Config) (*Channel, error) {
	ch, err := r.factory(cfg)
	if err != nil {
		return nil, err
	}
	r.channels[cfg.Name] = ch
	ch.OnClose(func() { r.remove(cfg.Name, ch) })
	return ch, nil
}

// Get returns the channel registered under name
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names returns the registered channel names in order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Channels returns a snapshot of the registered channels
func (r *Registry) Channels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// remove drops name if it still maps to ch
func (r *Registry) remove(name string, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[name] == ch {
		delete(r.channels, name)
	}
}
