package stoat

import (
	"context"
)

// CommittedStream is the part of a commit that touched one stream.
type CommittedStream struct {
	StreamID   string
	StreamType string
	Events     []StoredEvent
}

// Publisher forwards committed events to an external system.
// Publish runs after the commit is durable: a failure is logged and never
// undoes the commit, so delivery is at most once.
type Publisher interface {
	Publish(ctx context.Context, batches []CommittedStream) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, batches []CommittedStream) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, batches []CommittedStream) error {
	return f(ctx, batches)
}

func (s *EventStore) publish(ctx context.Context, batches []CommittedStream) {
	if len(s.publishers) == 0 || len(batches) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, p := range s.publishers {
		if err := p.Publish(ctx, batches); err != nil {
			s.logger.Error("Failed to publish committed events",
				"streams", len(batches),
				"error", err)
		}
	}
}
