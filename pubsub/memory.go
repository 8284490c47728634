package pubsub

import (
	"context"

	"github.com/alimasry/otsync/store"
)

// memoryTransport loops published ops straight back into its hub.
type memoryTransport struct {
	hub *Hub
}

// NewMemory returns an in-process PubSub.
func NewMemory() *Hub {
	t := &memoryTransport{}
	t.hub = NewHub(t)
	return t.hub
}

func (t *memoryTransport) Subscribe(context.Context, string) error   { return nil }
func (t *memoryTransport) Unsubscribe(context.Context, string) error { return nil }
func (t *memoryTransport) Close() error                              { return nil }

func (t *memoryTransport) Publish(_ context.Context, channels []string, op *store.Op) error {
	for _, c := range channels {
		t.hub.Emit(c, op)
	}
	return nil
}
