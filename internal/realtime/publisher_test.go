package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

type recordingEmitter struct {
	mu    sync.Mutex
	msgs  []SSEMessage
	gate  chan struct{}
	fails bool
}

func (e *recordingEmitter) Emit(ctx context.Context, msg SSEMessage) error {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	if e.fails {
		return errors.New("bus down")
	}
	return nil
}

func (e *recordingEmitter) snapshot() []SSEMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SSEMessage(nil), e.msgs...)
}

func TestPublisherPreservesOrderPerRun(t *testing.T) {
	em := &recordingEmitter{}
	p := NewPublisher(mustTestLogger(t), em, PublisherOptions{QueueSize: 32})
	runID := uuid.New()
	p.Open(runID)

	stages := generation.Stages()
	for _, st := range stages {
		p.Publish(generation.Event{RunID: runID, StudentID: "s1", Stage: st, Status: generation.EventStatusRunning})
	}
	p.Close(context.Background(), runID)

	msgs := em.snapshot()
	if len(msgs) != 2*len(stages) {
		t.Fatalf("messages: want=%d got=%d", 2*len(stages), len(msgs))
	}
	var lastSeq int64
	var lastOrdinal = -1
	for _, m := range msgs {
		if m.Channel != RunChannel(runID) {
			continue
		}
		if m.Data.Seq <= lastSeq {
			t.Fatalf("seq not increasing: last=%d got=%d", lastSeq, m.Data.Seq)
		}
		if m.Data.Stage.Ordinal() < lastOrdinal {
			t.Fatalf("stage order regressed at %s", m.Data.Stage)
		}
		if m.Data.ID == uuid.Nil || m.Data.Timestamp.IsZero() {
			t.Fatalf("event not stamped: %+v", m.Data)
		}
		lastSeq = m.Data.Seq
		lastOrdinal = m.Data.Stage.Ordinal()
	}
}

func TestPublisherNeverBlocksOnSlowEmitter(t *testing.T) {
	em := &recordingEmitter{gate: make(chan struct{})}
	p := NewPublisher(mustTestLogger(t), em, PublisherOptions{QueueSize: 2, EmitTimeout: time.Second})
	runID := uuid.New()
	p.Open(runID)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			p.Publish(generation.Event{RunID: runID, Stage: generation.StageRetrieval, Status: generation.EventStatusRunning})
		}
		p.Publish(generation.Event{RunID: runID, Stage: generation.StageFinalize, Status: generation.EventStatusCompleted, Terminal: true})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	close(em.gate)
	p.Close(context.Background(), runID)

	msgs := em.snapshot()
	if len(msgs) == 0 {
		t.Fatalf("expected some deliveries")
	}
	last := msgs[len(msgs)-1]
	if !last.Data.Terminal {
		t.Fatalf("terminal event should survive overflow, last=%+v", last.Data)
	}
}

func TestPublisherDropsEventsForUnopenedRun(t *testing.T) {
	em := &recordingEmitter{}
	p := NewPublisher(mustTestLogger(t), em, PublisherOptions{})
	runID := uuid.New()
	p.Publish(generation.Event{RunID: runID, Stage: generation.StageSubmitted})
	p.Open(runID)
	p.Close(context.Background(), runID)
	p.Publish(generation.Event{RunID: runID, Stage: generation.StageFinalize})
	if n := len(em.snapshot()); n != 0 {
		t.Fatalf("deliveries: want=0 got=%d", n)
	}
}

func TestPublisherDeliveryFailureDoesNotStopQueue(t *testing.T) {
	em := &recordingEmitter{fails: true}
	p := NewPublisher(mustTestLogger(t), em, PublisherOptions{})
	runID := uuid.New()
	p.Open(runID)
	p.Publish(generation.Event{RunID: runID, Stage: generation.StageUnderstanding})
	p.Publish(generation.Event{RunID: runID, Stage: generation.StageInterestMatching})
	p.Close(context.Background(), runID)
	if n := len(em.snapshot()); n != 2 {
		t.Fatalf("attempts: want=2 got=%d", n)
	}
}
