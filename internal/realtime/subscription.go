package realtime

import (
	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

// Subscription is a live, ordered view of the events on one or more
// channels. It starts at the moment of subscribing; nothing is replayed.
type Subscription struct {
	hub    *SSEHub
	client *SSEClient
	events chan generation.Event
}

func (hub *SSEHub) Subscribe(studentID string, channels ...string) *Subscription {
	client := hub.NewSSEClient(studentID)
	for _, ch := range channels {
		hub.AddChannel(client, ch)
	}
	s := &Subscription{hub: hub, client: client, events: make(chan generation.Event, hub.clientBuffer)}
	go s.forward()
	return s
}

func (s *Subscription) forward() {
	defer close(s.events)
	for msg := range s.client.Outbound {
		select {
		case s.events <- msg.Data:
		case <-s.client.done:
			return
		}
	}
}

// Events is closed after Close.
func (s *Subscription) Events() <-chan generation.Event { return s.events }

func (s *Subscription) Close() { s.hub.CloseClient(s.client) }
