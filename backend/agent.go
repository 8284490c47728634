package backend

import (
	"context"

	"github.com/google/uuid"
)

// Agent is the server-side identity of one connected client. ID doubles as
// the src of the ops it submits.
type Agent struct {
	ID     string
	Custom map[string]any

	backend *Backend
}

// Connect creates an agent after the connect middleware accepts it. custom
// is free-form state shared with middleware, such as an authenticated user.
func (b *Backend) Connect(ctx context.Context, custom map[string]any) (*Agent, error) {
	if custom == nil {
		custom = make(map[string]any)
	}
	a := &Agent{
		ID:      uuid.NewString(),
		Custom:  custom,
		backend: b,
	}
	if err := b.trigger(ctx, ActionConnect, a, &Context{}); err != nil {
		return nil, err
	}
	return a, nil
}

// Receive runs the receive middleware for an inbound message.
func (a *Agent) Receive(ctx context.Context, data any) error {
	return a.backend.trigger(ctx, ActionReceive, a, &Context{Data: data})
}
