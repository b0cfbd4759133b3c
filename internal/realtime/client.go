package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type SSEClient struct {
	ID        uuid.UUID
	StudentID string
	Channels  map[string]bool
	Outbound  chan SSEMessage
	done      chan struct{}
	closeOnce sync.Once
	Logger    *logger.Logger
}

// Done is closed once the hub has disconnected the client.
func (c *SSEClient) Done() <-chan struct{} { return c.done }
