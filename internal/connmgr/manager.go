package connmgr

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type Options struct {
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	JitterFrac       float64
	ReconcileTimeout time.Duration
	// OnStateChange and OnEvent are called from the Run goroutine.
	OnStateChange func(from, to State)
	OnEvent       func(generation.Event)
}

func (o Options) withDefaults() Options {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.JitterFrac < 0 {
		o.JitterFrac = 0
	}
	if o.ReconcileTimeout <= 0 {
		o.ReconcileTimeout = 10 * time.Second
	}
	return o
}

// RunView is the client's belief about one run.
type RunView struct {
	RunID      uuid.UUID
	Status     generation.RunStatus
	Stage      generation.StageName
	Progress   int
	Terminal   bool
	ArtifactID *uuid.UUID
	Missing    []generation.Modality
	Error      string
	lastSeq    int64
}

// Manager keeps one subscription alive for a session and reconciles run
// state every time it connects.
type Manager struct {
	log    *logger.Logger
	source EventSource
	status StatusClient
	notes  *NotificationLog
	opts   Options

	mu    sync.Mutex
	state State
	runs  map[uuid.UUID]*RunView
}

func NewManager(log *logger.Logger, source EventSource, status StatusClient, notes *NotificationLog, opts Options) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		log:    log.With("component", "ConnectionManager"),
		source: source,
		status: status,
		notes:  notes,
		opts:   opts.withDefaults(),
		state:  StateDisconnected,
		runs:   make(map[uuid.UUID]*RunView),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Track marks runID as in flight so reconciliation checks it.
func (m *Manager) Track(runID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		m.runs[runID] = &RunView{RunID: runID, Status: generation.RunStatusPending}
	}
}

func (m *Manager) RunState(runID uuid.UUID) (RunView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.runs[runID]
	if !ok {
		return RunView{}, false
	}
	return *v, true
}

// InFlight lists tracked runs without a known terminal state.
func (m *Manager) InFlight() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for id, v := range m.runs {
		if !v.Terminal {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	if err := ValidateTransition(from, to); err != nil {
		m.mu.Unlock()
		m.log.Error("rejected connection transition", "error", err)
		return
	}
	m.state = to
	m.mu.Unlock()
	m.log.Debug("connection state changed", "from", from, "to", to)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(from, to)
	}
}

// Run keeps the session subscribed until ctx ends, reconnecting with
// backoff after every transport failure.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateDisconnected)
	failures := 0
	for {
		m.setState(StateConnecting)
		stream, err := m.source.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			m.log.Warn("event stream connect failed", "attempt", failures, "error", err)
			m.setState(StateError)
			if err := m.sleep(ctx, failures); err != nil {
				return err
			}
			continue
		}

		m.setState(StateConnected)
		failures = 0
		m.reconcile(ctx)
		err = m.consume(stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		if errors.Is(err, io.EOF) {
			m.log.Info("event stream closed by server")
		} else {
			m.log.Warn("event stream broken", "error", err)
		}
		m.setState(StateError)
		if err := m.sleep(ctx, failures); err != nil {
			return err
		}
	}
}

func (m *Manager) consume(stream Stream) error {
	for {
		e, err := stream.Next()
		if err != nil {
			return err
		}
		m.HandleEvent(context.Background(), e)
	}
}

// HandleEvent applies one delivered event. Duplicates and events older than
// what the run already reported are ignored.
func (m *Manager) HandleEvent(ctx context.Context, e generation.Event) {
	m.mu.Lock()
	v, ok := m.runs[e.RunID]
	if !ok {
		v = &RunView{RunID: e.RunID, Status: generation.RunStatusRunning}
		m.runs[e.RunID] = v
	}
	if v.Terminal || (e.Seq > 0 && e.Seq <= v.lastSeq) {
		m.mu.Unlock()
		return
	}
	if e.Seq > 0 {
		v.lastSeq = e.Seq
	}
	v.Stage = e.Stage
	if e.Progress > v.Progress {
		v.Progress = e.Progress
	}
	if e.Terminal {
		v.Terminal = true
		v.Status = runStatusOf(e.Status)
		v.ArtifactID = e.ArtifactID
		v.Missing = e.Missing
		v.Error = e.Error
	} else if v.Status == generation.RunStatusPending {
		v.Status = generation.RunStatusRunning
	}
	m.mu.Unlock()

	if e.Terminal && m.notes != nil {
		if _, err := m.notes.Add(ctx, e); err != nil {
			m.log.Warn("failed to record notification", "run_id", e.RunID, "error", err)
		}
	}
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(e)
	}
}

// reconcile asks the server for every in-flight run. Runs that finished
// while no event reached us get their terminal state and a notification.
func (m *Manager) reconcile(ctx context.Context) {
	ids := m.InFlight()
	if len(ids) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, m.opts.ReconcileTimeout)
	defer cancel()
	for _, id := range ids {
		run, err := m.status.RunStatus(rctx, id)
		if err != nil {
			if errors.Is(err, ErrRunUnknown) {
				m.log.Warn("tracked run unknown to server, dropping", "run_id", id)
				m.mu.Lock()
				delete(m.runs, id)
				m.mu.Unlock()
				continue
			}
			m.log.Warn("status reconciliation failed", "run_id", id, "error", err)
			continue
		}
		if !run.Terminal() {
			m.mu.Lock()
			if v, ok := m.runs[id]; ok && !v.Terminal {
				v.Status = run.Status
				v.Stage = run.CurrentStage
				if run.Progress > v.Progress {
					v.Progress = run.Progress
				}
			}
			m.mu.Unlock()
			continue
		}
		m.HandleEvent(ctx, terminalEventFromRun(run))
	}
}

func terminalEventFromRun(run *generation.PipelineRun) generation.Event {
	e := generation.Event{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte("reconcile:"+run.ID.String())),
		RequestID:  run.RequestID,
		RunID:      run.ID,
		StudentID:  run.StudentID,
		Stage:      generation.StageFinalize,
		Progress:   run.Progress,
		Error:      run.Error,
		ArtifactID: run.ArtifactID,
		Missing:    run.MissingModalities,
		Terminal:   true,
	}
	switch run.Status {
	case generation.RunStatusFailed:
		e.Status = generation.EventStatusFailed
		e.Stage = run.FailedStage
		e.Message = "Generation failed"
	case generation.RunStatusPartial:
		e.Status = generation.EventStatusPartial
		e.Message = "Ready, but some formats are unavailable"
	default:
		e.Status = generation.EventStatusCompleted
		e.Message = "Your content is ready"
	}
	if run.FinishedAt != nil {
		e.Timestamp = *run.FinishedAt
	}
	return e
}

func runStatusOf(s generation.EventStatus) generation.RunStatus {
	switch s {
	case generation.EventStatusCompleted:
		return generation.RunStatusCompleted
	case generation.EventStatusPartial:
		return generation.RunStatusPartial
	default:
		return generation.RunStatusFailed
	}
}

func (m *Manager) sleep(ctx context.Context, failures int) error {
	t := time.NewTimer(m.backoff(failures))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := time.Duration(float64(m.opts.MinBackoff) * math.Pow(2, float64(failures-1)))
	if d > m.opts.MaxBackoff || d <= 0 {
		d = m.opts.MaxBackoff
	}
	delta := float64(d) * m.opts.JitterFrac
	low := float64(d) - delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*2*delta)
}
