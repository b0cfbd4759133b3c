package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

const defaultQueueSize = 64

type PublisherOptions struct {
	QueueSize   int
	EmitTimeout time.Duration
}

// Publisher fans run events out through an Emitter. Each run gets a bounded
// queue drained by its own goroutine, so events of one run leave in the
// order they were published and a slow emitter never blocks the caller.
type Publisher struct {
	log     *logger.Logger
	emitter Emitter
	opts    PublisherOptions

	mu     sync.Mutex
	runs   map[uuid.UUID]*runQueue
	closed bool
	now    func() time.Time
}

type runQueue struct {
	mu     sync.Mutex
	seq    int64
	closed bool
	ch     chan generation.Event
	done   chan struct{}
}

func NewPublisher(log *logger.Logger, emitter Emitter, opts PublisherOptions) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.EmitTimeout <= 0 {
		opts.EmitTimeout = 5 * time.Second
	}
	return &Publisher{
		log:     log.With("service", "EventPublisher"),
		emitter: emitter,
		opts:    opts,
		runs:    make(map[uuid.UUID]*runQueue),
		now:     time.Now,
	}
}

// Open starts the queue for runID. Calling it again is a no-op.
func (p *Publisher) Open(runID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.runs[runID]; ok {
		return
	}
	q := &runQueue{
		ch:   make(chan generation.Event, p.opts.QueueSize),
		done: make(chan struct{}),
	}
	p.runs[runID] = q
	go p.drain(runID, q)
}

// Publish stamps the event with an id, sequence number and timestamp and
// queues it on its run's queue, which must be open. It never blocks. When
// the queue is full a progress event is dropped; a terminal event evicts the
// oldest queued event instead.
func (p *Publisher) Publish(e generation.Event) generation.Event {
	p.mu.Lock()
	q := p.runs[e.RunID]
	p.mu.Unlock()
	if q == nil {
		p.log.Debug("run not open, dropping event", "run_id", e.RunID, "stage", e.Stage)
		observability.IncEvent("dropped")
		return e
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		p.log.Debug("run queue closed, dropping event", "run_id", e.RunID, "stage", e.Stage)
		observability.IncEvent("dropped")
		return e
	}
	q.seq++
	e.Seq = q.seq
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now().UTC()
	}

	for {
		select {
		case q.ch <- e:
			return e
		default:
		}
		if !e.Terminal {
			observability.IncEvent("dropped")
			p.log.Warn("event queue full, dropping progress event", "run_id", e.RunID, "stage", e.Stage, "seq", e.Seq)
			return e
		}
		select {
		case old := <-q.ch:
			observability.IncEvent("dropped")
			p.log.Warn("event queue full, evicted event for terminal", "run_id", e.RunID, "evicted_seq", old.Seq)
		default:
		}
	}
}

func (p *Publisher) drain(runID uuid.UUID, q *runQueue) {
	defer close(q.done)
	for e := range q.ch {
		for _, msg := range Messages(e) {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.EmitTimeout)
			err := p.emitter.Emit(ctx, msg)
			cancel()
			if err != nil {
				observability.IncEvent("failed")
				p.log.Warn("event delivery failed", "run_id", runID, "channel", msg.Channel, "seq", e.Seq, "error", err)
				continue
			}
			observability.IncEvent("delivered")
		}
	}
}

// Close stops accepting events for runID and waits until the queued ones
// have been emitted or ctx ends.
func (p *Publisher) Close(ctx context.Context, runID uuid.UUID) {
	p.mu.Lock()
	q, ok := p.runs[runID]
	delete(p.runs, runID)
	p.mu.Unlock()
	if !ok {
		return
	}
	q.close()
	select {
	case <-q.done:
	case <-ctx.Done():
		p.log.Warn("timed out draining run events", "run_id", runID)
	}
}

func (q *runQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Shutdown closes every open run queue.
func (p *Publisher) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	ids := make([]uuid.UUID, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Close(ctx, id)
	}
}
