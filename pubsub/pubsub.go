// Package pubsub fans published ops out to per-subscriber streams.
//
// A Hub keeps the channel → streams map for one process and holds exactly
// one upstream subscription per channel with at least one local stream. The
// Transport carries ops between processes; it hands inbound ops back to the
// hub with Emit.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/alimasry/otsync/store"
)

// ErrClosed is returned by a closed PubSub.
var ErrClosed = errors.New("pubsub: closed")

// PubSub is the contract the backend needs from a publish/subscribe layer.
type PubSub interface {
	Subscribe(ctx context.Context, channel string, opts ...StreamOption) (*Stream, error)
	Publish(ctx context.Context, channels []string, op *store.Op) error
	Close() error
}

// Transport moves ops between processes for a Hub.
type Transport interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channels []string, op *store.Op) error
	Close() error
}

// CollectionChannel is the channel carrying every op in a collection.
func CollectionChannel(collection string) string { return collection }

// DocChannel is the channel carrying ops for one document.
func DocChannel(collection, id string) string { return collection + "." + id }

// Hub implements PubSub over a Transport.
type Hub struct {
	transport Transport

	mu      sync.Mutex
	streams map[string]map[*Stream]struct{}
	closed  bool
}

// NewHub returns a hub publishing through t.
func NewHub(t Transport) *Hub {
	return &Hub{
		transport: t,
		streams:   make(map[string]map[*Stream]struct{}),
	}
}

// Subscribe returns a new stream on channel, subscribing upstream if this is
// the channel's first local stream.
func (h *Hub) Subscribe(ctx context.Context, channel string, opts ...StreamOption) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	set, ok := h.streams[channel]
	if !ok {
		if err := h.transport.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		set = make(map[*Stream]struct{})
		h.streams[channel] = set
	}
	var s *Stream
	s = newStream(channel, func() { h.remove(channel, s) }, opts...)
	set[s] = struct{}{}
	return s, nil
}

// remove drops s and releases the upstream subscription when it was the
// channel's last stream.
func (h *Hub) remove(channel string, s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.streams[channel]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) > 0 {
		return
	}
	delete(h.streams, channel)
	if h.closed {
		return
	}
	if err := h.transport.Unsubscribe(context.Background(), channel); err != nil {
		log.Printf("pubsub: unsubscribe %s: %v", channel, err)
	}
}

// Publish sends op to every channel through the transport.
func (h *Hub) Publish(ctx context.Context, channels []string, op *store.Op) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return h.transport.Publish(ctx, channels, op)
}

// Emit delivers an inbound op to every local stream on channel.
func (h *Hub) Emit(channel string, op *store.Op) {
	h.mu.Lock()
	streams := make([]*Stream, 0, len(h.streams[channel]))
	for s := range h.streams[channel] {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	for _, s := range streams {
		s.push(op)
	}
}

// Subscribers returns how many local streams listen on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[channel])
}

// Close destroys every stream and closes the transport.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*Stream
	for _, set := range h.streams {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Destroy()
	}
	return h.transport.Close()
}
