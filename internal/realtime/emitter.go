package realtime

import "context"

// Emitter delivers one message to whoever listens on its channel.
type Emitter interface {
	Emit(ctx context.Context, msg SSEMessage) error
}

type HubEmitter struct{ Hub *SSEHub }

func (e *HubEmitter) Emit(ctx context.Context, msg SSEMessage) error {
	e.Hub.Broadcast(msg)
	return nil
}
