package bus

import (
	"context"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/realtime"
)

// Bus carries SSE messages between instances so a client connected to any
// instance sees events from runs executing on another.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}

// Emitter publishes through a Bus. When the bus rejects a message and
// Fallback is set, the message is still delivered to this instance's
// clients before the error is returned.
type Emitter struct {
	Bus      Bus
	Fallback realtime.Emitter
	Log      *logger.Logger
}

func (e *Emitter) Emit(ctx context.Context, msg realtime.SSEMessage) error {
	err := e.Bus.Publish(ctx, msg)
	if err == nil || e.Fallback == nil {
		return err
	}
	if e.Log != nil {
		e.Log.Warn("bus publish failed; delivering locally", "channel", msg.Channel, "error", err)
	}
	if ferr := e.Fallback.Emit(ctx, msg); ferr != nil {
		return ferr
	}
	return err
}
