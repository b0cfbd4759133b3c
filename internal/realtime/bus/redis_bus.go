package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/realtime"
)

const envelopeVersion = 1

// envelope is the pub/sub payload. Origin identifies the publishing
// instance for debugging; every instance, the origin included, delivers
// the message to its own hub.
type envelope struct {
	V      int                 `json:"v"`
	Origin string              `json:"origin"`
	Msg    realtime.SSEMessage `json:"msg"`
}

type redisBus struct {
	log     *logger.Logger
	rdb     goredis.UniversalClient
	channel string
	origin  string

	mu   sync.Mutex
	subs []*goredis.PubSub
}

// NewRedisBus shares rdb with the rest of the process; Close only ends the
// bus's own subscriptions.
func NewRedisBus(log *logger.Logger, rdb goredis.UniversalClient, channel string) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "vividly:events"
	}
	origin := uuid.NewString()
	return &redisBus{
		log:     log.With("service", "RedisEventBus", "origin", origin),
		rdb:     rdb,
		channel: channel,
		origin:  origin,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, msg realtime.SSEMessage) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis event bus not initialized")
	}
	raw, err := json.Marshal(envelope{V: envelopeVersion, Origin: b.origin, Msg: msg})
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// StartForwarder subscribes and returns once the subscription is live.
// Messages are handed to onMsg until ctx ends.
func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis event bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decodeEnvelope(m.Payload)
				if err != nil {
					observability.IncEvent("bus_rejected")
					b.log.Warn("dropping bus message", "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}

func decodeEnvelope(payload string) (realtime.SSEMessage, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return realtime.SSEMessage{}, fmt.Errorf("decode: %w", err)
	}
	if env.V != envelopeVersion {
		return realtime.SSEMessage{}, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	if env.Msg.Channel == "" {
		return realtime.SSEMessage{}, errors.New("message without channel")
	}
	return env.Msg, nil
}

func (b *redisBus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
