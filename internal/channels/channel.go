// Package channels defines the delivery capability shared by every transport.
package channels

import (
	"context"
	"sort"
	"sync"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/models"
)

// Channel delivers one rendered message to one address. Implementations
// return a DeliveryError with Retryable=false when retrying cannot help
// (malformed or rejected address).
type Channel interface {
	Send(ctx context.Context, address, title, body string) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, address, title, body string) error

func (f ChannelFunc) Send(ctx context.Context, address, title, body string) error {
	return f(ctx, address, title, body)
}

// Registry maps channel types to implementations. It is filled during
// startup and read from the delivery loop.
type Registry struct {
	mu       sync.RWMutex
	channels map[models.ChannelType]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[models.ChannelType]Channel)}
}

func (r *Registry) Register(ct models.ChannelType, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ct] = ch
}

// Get returns the channel for ct or a non-retryable CHANNEL_NOT_REGISTERED error.
func (r *Registry) Get(ct models.ChannelType) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[ct]
	if !ok {
		return nil, errors.NewChannelNotRegisteredError(string(ct))
	}
	return ch, nil
}

// Types lists registered channel types in sorted order.
func (r *Registry) Types() []models.ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ChannelType, 0, len(r.channels))
	for ct := range r.channels {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
