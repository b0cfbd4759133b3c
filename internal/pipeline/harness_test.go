package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/cache"
	repos "github.com/rich1edwards/vividly-mvp-sub011/internal/data/repos/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/data/repos/testutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pkg/pointers"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/stages"
)

// recordingEvents is a synchronous EventPublisher.
type recordingEvents struct {
	mu     sync.Mutex
	open   map[uuid.UUID]bool
	seq    map[uuid.UUID]int64
	events []generation.Event
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{open: map[uuid.UUID]bool{}, seq: map[uuid.UUID]int64{}}
}

func (r *recordingEvents) Open(runID uuid.UUID) {
	r.mu.Lock()
	r.open[runID] = true
	r.mu.Unlock()
}

func (r *recordingEvents) Publish(e generation.Event) generation.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open[e.RunID] {
		return e
	}
	r.seq[e.RunID]++
	e.Seq = r.seq[e.RunID]
	e.ID = uuid.New()
	r.events = append(r.events, e)
	return e
}

func (r *recordingEvents) Close(ctx context.Context, runID uuid.UUID) {
	r.mu.Lock()
	delete(r.open, runID)
	r.mu.Unlock()
}

func (r *recordingEvents) forRun(runID uuid.UUID) []generation.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []generation.Event
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingEvents) has(runID uuid.UUID, status generation.EventStatus) bool {
	for _, e := range r.forRun(runID) {
		if e.Status == status {
			return true
		}
	}
	return false
}

type harness struct {
	orch    *Orchestrator
	events  *recordingEvents
	cache   *cache.ContentCache
	clients *StageClients
	calls   map[generation.StageName]*atomic.Int32
}

type harnessOpts struct {
	cfg     func(*Config)
	clients func(*StageClients, map[generation.StageName]*atomic.Int32)
	store   func(cache.ArtifactStore) cache.ArtifactStore
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	log := testutil.Logger(t)
	db := testutil.DB(t)

	cfg := DefaultConfig()
	for name, p := range cfg.Stages {
		p.Timeout = 2 * time.Second
		p.Retry.MinBackoff = time.Millisecond
		p.Retry.MaxBackoff = 2 * time.Millisecond
		cfg.Stages[name] = p
	}
	cfg.AwaitTimeout = 2 * time.Second
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	calls := map[generation.StageName]*atomic.Int32{}
	for _, s := range generation.Stages() {
		calls[s] = &atomic.Int32{}
	}
	clients := defaultClients(calls)
	if opts.clients != nil {
		opts.clients(&clients, calls)
	}

	var store cache.ArtifactStore = repos.NewArtifactRepo(db, log)
	if opts.store != nil {
		store = opts.store(store)
	}
	cc := cache.New(log, store, cache.NewMemoryLocker(), cache.Options{
		LockTTL:      time.Minute,
		PollInterval: 20 * time.Millisecond,
	})
	events := newRecordingEvents()
	orch, err := New(Deps{
		Log:      log,
		DB:       db,
		Requests: repos.NewRequestRepo(db, log),
		Runs:     repos.NewRunRepo(db, log),
		Cache:    cc,
		Events:   events,
		Stages:   clients,
	}, cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, events: events, cache: cc, clients: &clients, calls: calls}
}

func defaultClients(calls map[generation.StageName]*atomic.Int32) StageClients {
	return StageClients{
		Understanding: stages.Func[stages.UnderstandingInput, stages.Understanding](func(ctx context.Context, in stages.UnderstandingInput) (stages.Result[stages.Understanding], error) {
			calls[generation.StageUnderstanding].Add(1)
			return stages.Result[stages.Understanding]{
				Output:     stages.Understanding{TopicID: "newtons_third_law", TopicName: "Newton's Third Law", Subject: "physics"},
				Confidence: pointers.Float64(0.92),
			}, nil
		}),
		Interest: stages.Func[stages.InterestInput, string](func(ctx context.Context, in stages.InterestInput) (stages.Result[string], error) {
			calls[generation.StageInterestMatching].Add(1)
			for _, c := range in.Candidates {
				if strings.EqualFold(c, "chess") {
					return stages.Result[string]{Output: "Chess"}, nil
				}
			}
			return stages.Result[string]{Output: in.Candidates[0]}, nil
		}),
		Retrieval: stages.Func[stages.RetrievalInput, []stages.Passage](func(ctx context.Context, in stages.RetrievalInput) (stages.Result[[]stages.Passage], error) {
			calls[generation.StageRetrieval].Add(1)
			return stages.Result[[]stages.Passage]{Output: []stages.Passage{
				{ID: "p1", Title: "Forces", Source: "openstax", Text: "Every action has an equal and opposite reaction.", Score: 0.9},
				{ID: "p2", Title: "Momentum", Source: "openstax", Text: "Momentum is conserved.", Score: 0.7},
			}}, nil
		}),
		Script: stages.Func[stages.ScriptInput, stages.Script](func(ctx context.Context, in stages.ScriptInput) (stages.Result[stages.Script], error) {
			calls[generation.StageScriptGeneration].Add(1)
			return stages.Result[stages.Script]{Output: stages.Script{Title: "Forces on the board", Body: "When a rook hits a pawn..."}}, nil
		}),
		Audio: stages.Func[stages.MediaInput, stages.MediaRef](func(ctx context.Context, in stages.MediaInput) (stages.Result[stages.MediaRef], error) {
			calls[generation.StageAudioSynthesis].Add(1)
			return stages.Result[stages.MediaRef]{Output: stages.MediaRef{URL: "https://cdn.test/" + in.KeyPrefix + "/narration.mp3", ContentType: "audio/mpeg"}}, nil
		}),
		Video: stages.Func[stages.MediaInput, stages.MediaRef](func(ctx context.Context, in stages.MediaInput) (stages.Result[stages.MediaRef], error) {
			calls[generation.StageVideoGeneration].Add(1)
			return stages.Result[stages.MediaRef]{Output: stages.MediaRef{URL: "https://cdn.test/" + in.KeyPrefix + "/video.mp4", ContentType: "video/mp4"}}, nil
		}),
		Images: stages.Func[stages.MediaInput, []string](func(ctx context.Context, in stages.MediaInput) (stages.Result[[]string], error) {
			calls[generation.StageImageGeneration].Add(1)
			return stages.Result[[]string]{Output: []string{"https://cdn.test/" + in.KeyPrefix + "/image-1.png"}}, nil
		}),
	}
}

func submitInput(modalities []string, interests ...string) SubmitInput {
	if len(interests) == 0 {
		interests = []string{"chess", "music"}
	}
	return SubmitInput{
		StudentID:  "student-1",
		Query:      "Explain Newton's Third Law",
		GradeLevel: 10,
		Modalities: modalities,
		Interests:  interests,
	}
}

func (h *harness) submitAndWait(t *testing.T, in SubmitInput) *generation.PipelineRun {
	t.Helper()
	run, err := h.orch.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return h.wait(t, run.ID)
}

func (h *harness) wait(t *testing.T, runID uuid.UUID) *generation.PipelineRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.orch.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return final
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func terminalEvents(events []generation.Event) []generation.Event {
	var out []generation.Event
	for _, e := range events {
		if e.Terminal {
			out = append(out, e)
		}
	}
	return out
}
