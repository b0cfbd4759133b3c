package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/cache"
	repos "github.com/rich1edwards/vividly-mvp-sub011/internal/data/repos/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/ctxutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/stages"
)

// EventPublisher is the orchestrator's view of realtime.Publisher.
type EventPublisher interface {
	Open(runID uuid.UUID)
	Publish(e generation.Event) generation.Event
	Close(ctx context.Context, runID uuid.UUID)
}

// StageClients are the external calls a run makes. Audio, Video and Images
// may be nil when the deployment has no such backend; requesting that
// modality then yields a partial result.
type StageClients struct {
	Understanding stages.Client[stages.UnderstandingInput, stages.Understanding]
	Interest      stages.Client[stages.InterestInput, string]
	Retrieval     stages.Client[stages.RetrievalInput, []stages.Passage]
	Script        stages.Client[stages.ScriptInput, stages.Script]
	Audio         stages.Client[stages.MediaInput, stages.MediaRef]
	Video         stages.Client[stages.MediaInput, stages.MediaRef]
	Images        stages.Client[stages.MediaInput, []string]
}

type Deps struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Requests repos.RequestRepo
	Runs     repos.RunRepo
	Cache    *cache.ContentCache
	Events   EventPublisher
	Stages   StageClients
}

type Orchestrator struct {
	log      *logger.Logger
	cfg      Config
	db       *gorm.DB
	requests repos.RequestRepo
	runs     repos.RunRepo
	cache    *cache.ContentCache
	events   EventPublisher
	clients  StageClients
	sem      *semaphore.Weighted
	tracer   trace.Tracer
	now      func() time.Time

	baseCtx  context.Context
	stopAll  context.CancelCauseFunc
	mu       sync.Mutex
	closed   bool
	active   map[uuid.UUID]*activeRun
	inflight sync.WaitGroup
}

// activeRun is the in-process handle of a run being executed.
type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	lease     cache.Lease
	stopHold  func()
	releaseFn func(context.Context, cache.Lease) error
	// committing is set once the artifact write starts; cancelling is set
	// once a cancel was accepted. At most one of them is ever true.
	committing bool
	cancelling bool
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if deps.Requests == nil || deps.Runs == nil {
		return nil, fmt.Errorf("request and run repos required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("content cache required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event publisher required")
	}
	c := deps.Stages
	if c.Understanding == nil || c.Interest == nil || c.Retrieval == nil || c.Script == nil {
		return nil, fmt.Errorf("understanding, interest, retrieval and script clients required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		log:      deps.Log.With("service", "PipelineOrchestrator"),
		cfg:      cfg,
		db:       deps.DB,
		requests: deps.Requests,
		runs:     deps.Runs,
		cache:    deps.Cache,
		events:   deps.Events,
		clients:  c,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		tracer:   observability.Tracer("vividly/pipeline"),
		now:      time.Now,
		baseCtx:  base,
		stopAll:  stop,
		active:   make(map[uuid.UUID]*activeRun),
	}, nil
}

// Submit validates and records the request and starts its run in the
// background. The returned run is a snapshot in pending state.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*generation.PipelineRun, error) {
	ctx = ctxutil.Default(ctx)
	v, err := o.validateInput(in)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	req := &generation.GenerationRequest{
		ID:         uuid.New(),
		StudentID:  v.studentID,
		Query:      v.query,
		GradeLevel: v.grade,
		Modalities: datatypes.JSONSlice[generation.Modality](v.modalities),
		Interests:  v.interests,
		CreatedAt:  now,
	}
	run := &generation.PipelineRun{
		ID:           uuid.New(),
		RequestID:    req.ID,
		StudentID:    req.StudentID,
		Status:       generation.RunStatusPending,
		CurrentStage: generation.StageSubmitted,
		CreatedAt:    now,
	}
	run.InitStages()
	if st := run.Stage(generation.StageSubmitted); st != nil {
		st.Status = generation.StageStatusSucceeded
		st.StartedAt = &now
		st.FinishedAt = &now
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	runCtx, cancel := context.WithCancelCause(o.baseCtx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{}), releaseFn: o.cache.ReleaseLock}
	o.active[run.ID] = ar
	o.inflight.Add(1)
	o.mu.Unlock()

	if err := o.persistNew(ctx, req, run); err != nil {
		o.forget(run.ID, ar)
		cancel(err)
		o.inflight.Done()
		return nil, err
	}

	o.events.Open(run.ID)
	o.events.Publish(generation.Event{
		RequestID: req.ID,
		RunID:     run.ID,
		StudentID: req.StudentID,
		Stage:     generation.StageSubmitted,
		Status:    generation.EventStatusPending,
		Message:   "Request received",
	})

	if td := ctxutil.GetTraceData(ctx); td != nil {
		runCtx = ctxutil.WithTraceData(runCtx, td)
	}
	snapshot := cloneRun(run)
	go o.execute(runCtx, ar, req, run)

	o.log.Info("generation run submitted", append(ctxutil.LogFields(ctx),
		"run_id", run.ID, "request_id", req.ID, "student_id", req.StudentID, "modalities", v.modalities.Strings())...)
	return snapshot, nil
}

func (o *Orchestrator) persistNew(ctx context.Context, req *generation.GenerationRequest, run *generation.PipelineRun) error {
	write := func(dbc dbctx.Context) error {
		if err := o.requests.Create(dbc, req); err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if err := o.runs.Create(dbc, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		return nil
	}
	if o.db == nil {
		return write(dbctx.New(ctx))
	}
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return write(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}

func (o *Orchestrator) forget(id uuid.UUID, ar *activeRun) {
	o.mu.Lock()
	if cur, ok := o.active[id]; ok && cur == ar {
		delete(o.active, id)
	}
	o.mu.Unlock()
}

// Cancel stops a live run. The generation lock is released before Cancel
// returns; the run itself records the failure and emits the terminal event.
// A run already writing its artifact can no longer be cancelled and
// reports ErrRunFinished.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		run, err := o.runs.GetByID(dbctx.New(ctxutil.Default(ctx)), runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if run == nil {
			return ErrRunNotFound
		}
		if run.Terminal() {
			return ErrRunFinished
		}
		return fmt.Errorf("%w: run is not executing on this instance", ErrRunNotFound)
	}
	select {
	case <-ar.done:
		return ErrRunFinished
	default:
	}
	if !ar.requestCancel(ErrCancelled) {
		return ErrRunFinished
	}
	ar.releaseLease(context.WithoutCancel(ctxutil.Default(ctx)))
	o.log.Info("generation run cancel requested", "run_id", runID)
	return nil
}

// Status returns the persisted state of a run.
func (o *Orchestrator) Status(ctx context.Context, runID uuid.UUID) (*generation.PipelineRun, error) {
	run, err := o.runs.GetByID(dbctx.New(ctxutil.Default(ctx)), runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (o *Orchestrator) ListByStudent(ctx context.Context, studentID string, limit int) ([]*generation.PipelineRun, error) {
	return o.runs.ListByStudent(dbctx.New(ctxutil.Default(ctx)), studentID, limit)
}

func (o *Orchestrator) Request(ctx context.Context, requestID uuid.UUID) (*generation.GenerationRequest, error) {
	req, err := o.requests.GetByID(dbctx.New(ctxutil.Default(ctx)), requestID)
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	if req == nil {
		return nil, ErrRunNotFound
	}
	return req, nil
}

// Wait blocks until runID finishes on this instance (or ctx ends) and
// returns its final state.
func (o *Orchestrator) Wait(ctx context.Context, runID uuid.UUID) (*generation.PipelineRun, error) {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Status(ctx, runID)
}

// Shutdown stops accepting runs, interrupts the live ones and waits for
// them to record their terminal state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stopAll(ErrInterrupted)

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// RecoverOrphans fails runs left pending or running by a process that died
// mid-run. Runs executing in this process are left alone.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	dbc := dbctx.New(ctxutil.Default(ctx))
	runs, err := o.runs.ListByStatus(dbc, []generation.RunStatus{generation.RunStatusPending, generation.RunStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}
	n := 0
	for _, run := range runs {
		o.mu.Lock()
		_, live := o.active[run.ID]
		o.mu.Unlock()
		if live {
			continue
		}
		now := o.now().UTC()
		run.Status = generation.RunStatusFailed
		run.FailedStage = run.CurrentStage
		run.Error = ErrInterrupted.Error()
		run.FinishedAt = &now
		if st := run.Stage(run.CurrentStage); st != nil && !st.Status.Done() {
			st.Status = generation.StageStatusFailed
			st.FinishedAt = &now
			st.LastError = ErrInterrupted.Error()
		}
		if err := o.runs.Save(dbc, run); err != nil {
			o.log.Warn("failed to mark orphaned run", "run_id", run.ID, "error", err)
			continue
		}
		observability.ObserveRun(string(run.Status), run.CacheHit)
		n++
	}
	if n > 0 {
		o.log.Warn("orphaned generation runs marked failed", "count", n)
	}
	return n, nil
}

func (ar *activeRun) setLease(lease cache.Lease, stopHold func()) {
	ar.mu.Lock()
	ar.lease = lease
	ar.stopHold = stopHold
	ar.mu.Unlock()
}

func (ar *activeRun) requestCancel(cause error) bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.committing {
		return false
	}
	ar.cancelling = true
	ar.cancel(cause)
	return true
}

// startCommit claims the run for the artifact write. It fails when a cancel
// was accepted first.
func (ar *activeRun) startCommit() bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.cancelling {
		return false
	}
	ar.committing = true
	return true
}

// releaseLease is idempotent; Cancel and run completion both call it.
func (ar *activeRun) releaseLease(ctx context.Context) {
	ar.mu.Lock()
	lease, stop := ar.lease, ar.stopHold
	ar.lease, ar.stopHold = cache.Lease{}, nil
	ar.mu.Unlock()
	if stop != nil {
		stop()
	}
	if lease.Valid() && ar.releaseFn != nil {
		_ = ar.releaseFn(ctx, lease)
	}
}

func cloneRun(r *generation.PipelineRun) *generation.PipelineRun {
	cp := *r
	cp.Stages = append(cp.Stages[:0:0], r.Stages...)
	cp.MissingModalities = append(cp.MissingModalities[:0:0], r.MissingModalities...)
	return &cp
}

var errNoClient = errors.New("stage backend not configured")
