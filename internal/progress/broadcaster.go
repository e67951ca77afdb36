package progress

import (
	"context"
	"sync"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

// Channel is the single pub/sub topic every progress event flows through.
// Receivers filter by owner on their side.
const Channel = "archive:progress"

// Handler receives relayed progress events.
type Handler func(event models.ProgressEvent)

// Broadcaster relays stage/progress events from worker processes to whichever
// process holds the live client connections. Publish is fire-and-forget with
// no delivery guarantee; the Media record remains the durable source of
// truth. Subscribe registers exactly one process-wide handler.
type Broadcaster interface {
	Publish(ctx context.Context, event models.ProgressEvent) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// MemoryBroadcaster dispatches events directly to the registered handler.
// Used for tests and single-process deployments.
type MemoryBroadcaster struct {
	mu      sync.RWMutex
	handler Handler
}

var _ Broadcaster = (*MemoryBroadcaster)(nil)

// NewMemoryBroadcaster initialises an in-process broadcaster.
func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{}
}

func (b *MemoryBroadcaster) Publish(ctx context.Context, event models.ProgressEvent) error {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(event)
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	b.handler = nil
	b.mu.Unlock()
	return nil
}
