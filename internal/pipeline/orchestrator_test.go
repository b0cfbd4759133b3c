package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/cache"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/data/repos/testutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pkg/pointers"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/stages"
)

var chessKey = cache.NewKey("newtons_third_law", 10, "chess")

func TestRunCompletesAndCaches(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	run := h.submitAndWait(t, submitInput([]string{"text", "audio"}))

	if run.Status != generation.RunStatusCompleted {
		t.Fatalf("status: want=completed got=%s (err=%s)", run.Status, run.Error)
	}
	if run.ArtifactID == nil || run.CacheHit {
		t.Fatalf("artifact: id=%v cacheHit=%v", run.ArtifactID, run.CacheHit)
	}
	if run.Progress != 100 {
		t.Fatalf("progress: want=100 got=%d", run.Progress)
	}
	if run.SelectedInterest != "chess" {
		t.Fatalf("interest: want=chess got=%q", run.SelectedInterest)
	}
	if st := run.Stage(generation.StageVideoGeneration); st == nil || st.Status != generation.StageStatusSkipped {
		t.Fatalf("video stage: want skipped got=%+v", st)
	}

	art, err := h.cache.Lookup(context.Background(), chessKey)
	if err != nil || art == nil {
		t.Fatalf("lookup: art=%v err=%v", art, err)
	}
	if art.ID != *run.ArtifactID || art.AudioURL == "" || len(art.Sources) != 2 {
		t.Fatalf("artifact: %+v", art)
	}

	lease, err := h.cache.AcquireLock(context.Background(), chessKey)
	if err != nil {
		t.Fatalf("lock should be free after completion: %v", err)
	}
	_ = h.cache.ReleaseLock(context.Background(), lease)
}

func TestEventsAreOrderedWithSingleTerminal(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	run := h.submitAndWait(t, submitInput([]string{"text", "audio", "video", "images"}))
	if run.Status != generation.RunStatusCompleted {
		t.Fatalf("status: want=completed got=%s", run.Status)
	}

	events := h.events.forRun(run.ID)
	if len(events) == 0 {
		t.Fatalf("no events")
	}
	lastOrd, lastProgress := -1, -1
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("seq[%d]: want=%d got=%d", i, i+1, e.Seq)
		}
		if e.Stage.Ordinal() < lastOrd {
			t.Fatalf("stage order regressed at %d: %s after ordinal %d", i, e.Stage, lastOrd)
		}
		if e.Progress < lastProgress {
			t.Fatalf("progress regressed at %d: %d after %d", i, e.Progress, lastProgress)
		}
		lastOrd, lastProgress = e.Stage.Ordinal(), e.Progress
	}
	terms := terminalEvents(events)
	if len(terms) != 1 || !events[len(events)-1].Terminal {
		t.Fatalf("terminal events: want exactly one at the end, got=%d", len(terms))
	}
	if terms[0].Status != generation.EventStatusCompleted || terms[0].ArtifactID == nil || terms[0].Progress != 100 {
		t.Fatalf("terminal: %+v", terms[0])
	}
}

func TestIdenticalRequestsGenerateOnce(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, calls map[generation.StageName]*atomic.Int32) {
		c.Script = stages.Func[stages.ScriptInput, stages.Script](func(ctx context.Context, in stages.ScriptInput) (stages.Result[stages.Script], error) {
			calls[generation.StageScriptGeneration].Add(1)
			started <- struct{}{}
			select {
			case <-gate:
			case <-ctx.Done():
				return stages.Result[stages.Script]{}, ctx.Err()
			}
			return stages.Result[stages.Script]{Output: stages.Script{Title: "t", Body: "body"}}, nil
		})
	}})

	first, err := h.orch.Submit(context.Background(), submitInput([]string{"text"}, "chess", "music"))
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	<-started

	second, err := h.orch.Submit(context.Background(), submitInput([]string{"text"}, "chess", "gaming"))
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	waitFor(t, "second run to wait on the lock", func() bool {
		return h.events.has(second.ID, generation.EventStatusWaiting)
	})
	close(gate)

	a := h.wait(t, first.ID)
	b := h.wait(t, second.ID)
	if a.Status != generation.RunStatusCompleted || b.Status != generation.RunStatusCompleted {
		t.Fatalf("status: first=%s second=%s", a.Status, b.Status)
	}
	if !b.CacheHit || b.ArtifactID == nil || *b.ArtifactID != *a.ArtifactID {
		t.Fatalf("second run: cacheHit=%v artifact=%v want=%v", b.CacheHit, b.ArtifactID, a.ArtifactID)
	}
	if got := h.calls[generation.StageScriptGeneration].Load(); got != 1 {
		t.Fatalf("script calls: want=1 got=%d", got)
	}
}

func TestSequentialRequestsWithOverlappingInterestsHitCache(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	a := h.submitAndWait(t, submitInput([]string{"text"}, "chess", "music"))
	b := h.submitAndWait(t, submitInput([]string{"text"}, "gaming", "Chess"))

	if a.CacheHit || !b.CacheHit {
		t.Fatalf("cacheHit: first=%v second=%v", a.CacheHit, b.CacheHit)
	}
	if *a.ArtifactID != *b.ArtifactID {
		t.Fatalf("artifact: want=%s got=%s", a.ArtifactID, b.ArtifactID)
	}
	if got := h.calls[generation.StageRetrieval].Load(); got != 1 {
		t.Fatalf("retrieval calls: want=1 got=%d", got)
	}
	for _, s := range []generation.StageName{generation.StageRetrieval, generation.StageScriptGeneration} {
		if st := b.Stage(s); st.Status != generation.StageStatusSkipped {
			t.Fatalf("%s on hit: want skipped got=%s", s, st.Status)
		}
	}
}

func TestFailedRunReleasesLock(t *testing.T) {
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, calls map[generation.StageName]*atomic.Int32) {
		c.Script = stages.Func[stages.ScriptInput, stages.Script](func(ctx context.Context, in stages.ScriptInput) (stages.Result[stages.Script], error) {
			calls[generation.StageScriptGeneration].Add(1)
			return stages.Result[stages.Script]{}, stages.Fatalf("model refused")
		})
	}})
	run := h.submitAndWait(t, submitInput([]string{"text"}))

	if run.Status != generation.RunStatusFailed || run.FailedStage != generation.StageScriptGeneration {
		t.Fatalf("run: status=%s failed=%s", run.Status, run.FailedStage)
	}
	if got := h.calls[generation.StageScriptGeneration].Load(); got != 1 {
		t.Fatalf("fatal errors must not retry: calls=%d", got)
	}
	if art, _ := h.cache.Lookup(context.Background(), chessKey); art != nil {
		t.Fatalf("failed run must not cache: %+v", art)
	}
	lease, err := h.cache.AcquireLock(context.Background(), chessKey)
	if err != nil {
		t.Fatalf("lock should be free after failure: %v", err)
	}
	_ = h.cache.ReleaseLock(context.Background(), lease)

	terms := terminalEvents(h.events.forRun(run.ID))
	if len(terms) != 1 || terms[0].Status != generation.EventStatusFailed || terms[0].Stage != generation.StageScriptGeneration {
		t.Fatalf("terminal: %+v", terms)
	}
}

func TestAudioFailureYieldsPartialWithTextCached(t *testing.T) {
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, calls map[generation.StageName]*atomic.Int32) {
		c.Audio = stages.Func[stages.MediaInput, stages.MediaRef](func(ctx context.Context, in stages.MediaInput) (stages.Result[stages.MediaRef], error) {
			calls[generation.StageAudioSynthesis].Add(1)
			return stages.Result[stages.MediaRef]{}, stages.Fatalf("voice unavailable")
		})
	}})
	run := h.submitAndWait(t, submitInput([]string{"text", "audio", "video"}))

	if run.Status != generation.RunStatusPartial {
		t.Fatalf("status: want=partial got=%s (err=%s)", run.Status, run.Error)
	}
	missing := strings.Join(modalityStrings(run.MissingModalities), ",")
	if missing != "audio,video" {
		t.Fatalf("missing: want=audio,video got=%s", missing)
	}
	if got := h.calls[generation.StageVideoGeneration].Load(); got != 0 {
		t.Fatalf("video needs audio and must not run: calls=%d", got)
	}
	art, err := h.cache.Lookup(context.Background(), chessKey)
	if err != nil || art == nil || art.Script == "" || art.AudioURL != "" {
		t.Fatalf("artifact: %+v err=%v", art, err)
	}

	again := h.submitAndWait(t, submitInput([]string{"text", "audio"}))
	if !again.CacheHit || again.Status != generation.RunStatusPartial {
		t.Fatalf("second run: cacheHit=%v status=%s", again.CacheHit, again.Status)
	}
	terms := terminalEvents(h.events.forRun(again.ID))
	if len(terms) != 1 || len(terms[0].Missing) != 1 || terms[0].Missing[0] != generation.ModalityAudio {
		t.Fatalf("terminal: %+v", terms)
	}
}

func TestMissingBackendYieldsPartial(t *testing.T) {
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, _ map[generation.StageName]*atomic.Int32) {
		c.Images = nil
	}})
	run := h.submitAndWait(t, submitInput([]string{"text", "images"}))
	if run.Status != generation.RunStatusPartial {
		t.Fatalf("status: want=partial got=%s", run.Status)
	}
	if st := run.Stage(generation.StageImageGeneration); st.Status != generation.StageStatusFailed {
		t.Fatalf("images stage: want failed got=%s", st.Status)
	}
}

func TestAwaitTimeoutGeneratesIndependently(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: func(c *Config) {
		c.AwaitTimeout = 50 * time.Millisecond
	}})
	held, err := h.cache.AcquireLock(context.Background(), chessKey)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = h.cache.ReleaseLock(context.Background(), held) }()

	run := h.submitAndWait(t, submitInput([]string{"text"}))
	if run.Status != generation.RunStatusCompleted || run.CacheHit {
		t.Fatalf("run: status=%s cacheHit=%v", run.Status, run.CacheHit)
	}
	if !h.events.has(run.ID, generation.EventStatusWaiting) {
		t.Fatalf("expected a waiting event")
	}
	if got := h.calls[generation.StageScriptGeneration].Load(); got != 1 {
		t.Fatalf("script calls: want=1 got=%d", got)
	}
}

func TestCancelReleasesLockAndEmitsOneTerminal(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, calls map[generation.StageName]*atomic.Int32) {
		c.Script = stages.Func[stages.ScriptInput, stages.Script](func(ctx context.Context, in stages.ScriptInput) (stages.Result[stages.Script], error) {
			started <- struct{}{}
			<-ctx.Done()
			return stages.Result[stages.Script]{}, ctx.Err()
		})
	}})
	run, err := h.orch.Submit(context.Background(), submitInput([]string{"text"}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	if err := h.orch.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	lease, err := h.cache.AcquireLock(context.Background(), chessKey)
	if err != nil {
		t.Fatalf("lock should be released by cancel: %v", err)
	}
	_ = h.cache.ReleaseLock(context.Background(), lease)

	final := h.wait(t, run.ID)
	if final.Status != generation.RunStatusFailed || !final.Cancelled {
		t.Fatalf("run: status=%s cancelled=%v", final.Status, final.Cancelled)
	}
	terms := terminalEvents(h.events.forRun(run.ID))
	if len(terms) != 1 || terms[0].Status != generation.EventStatusFailed {
		t.Fatalf("terminal: %+v", terms)
	}
	if art, _ := h.cache.Lookup(context.Background(), chessKey); art != nil {
		t.Fatalf("cancelled run must not cache")
	}
	if err := h.orch.Cancel(context.Background(), run.ID); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("second cancel: want ErrRunFinished got=%v", err)
	}
}

func TestLowConfidenceAsksToRephrase(t *testing.T) {
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, _ map[generation.StageName]*atomic.Int32) {
		c.Understanding = stages.Func[stages.UnderstandingInput, stages.Understanding](func(ctx context.Context, in stages.UnderstandingInput) (stages.Result[stages.Understanding], error) {
			return stages.Result[stages.Understanding]{
				Output:     stages.Understanding{TopicID: "forces", TopicName: "Forces", Clarification: "Did you mean friction or gravity?"},
				Confidence: pointers.Float64(0.3),
			}, nil
		})
	}})
	run := h.submitAndWait(t, submitInput([]string{"text"}))
	if run.Status != generation.RunStatusFailed || run.FailedStage != generation.StageUnderstanding {
		t.Fatalf("run: status=%s failed=%s", run.Status, run.FailedStage)
	}
	if !strings.Contains(run.Error, "rephrase") || !strings.Contains(run.Error, "friction") {
		t.Fatalf("error: %q", run.Error)
	}
	if run.Confidence == nil || *run.Confidence != 0.3 {
		t.Fatalf("confidence: %v", run.Confidence)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, calls map[generation.StageName]*atomic.Int32) {
		c.Retrieval = stages.Func[stages.RetrievalInput, []stages.Passage](func(ctx context.Context, in stages.RetrievalInput) (stages.Result[[]stages.Passage], error) {
			if calls[generation.StageRetrieval].Add(1) == 1 {
				return stages.Result[[]stages.Passage]{}, stages.NewError(stages.ClassTransient, "index warming up", nil)
			}
			return stages.Result[[]stages.Passage]{Output: []stages.Passage{{ID: "p1", Text: "x"}}}, nil
		})
	}})
	run := h.submitAndWait(t, submitInput([]string{"text"}))
	if run.Status != generation.RunStatusCompleted {
		t.Fatalf("status: want=completed got=%s (%s)", run.Status, run.Error)
	}
	if st := run.Stage(generation.StageRetrieval); st.Attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", st.Attempts)
	}
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, calls map[generation.StageName]*atomic.Int32) {
		c.Retrieval = stages.Func[stages.RetrievalInput, []stages.Passage](func(ctx context.Context, in stages.RetrievalInput) (stages.Result[[]stages.Passage], error) {
			calls[generation.StageRetrieval].Add(1)
			return stages.Result[[]stages.Passage]{}, context.DeadlineExceeded
		})
	}})
	run := h.submitAndWait(t, submitInput([]string{"text"}))
	if run.Status != generation.RunStatusFailed || run.FailedStage != generation.StageRetrieval {
		t.Fatalf("run: status=%s failed=%s", run.Status, run.FailedStage)
	}
	if got := h.calls[generation.StageRetrieval].Load(); got != 2 {
		t.Fatalf("retrieval calls: want=2 got=%d", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cases := map[string]func(*SubmitInput){
		"blank query":     func(in *SubmitInput) { in.Query = "   " },
		"grade too low":   func(in *SubmitInput) { in.GradeLevel = 0 },
		"grade too high":  func(in *SubmitInput) { in.GradeLevel = 13 },
		"bad modality":    func(in *SubmitInput) { in.Modalities = []string{"hologram"} },
		"no modalities":   func(in *SubmitInput) { in.Modalities = nil },
		"blank interests": func(in *SubmitInput) { in.Interests = []string{" "} },
		"no student":      func(in *SubmitInput) { in.StudentID = "" },
	}
	for name, mutate := range cases {
		in := submitInput([]string{"text"})
		mutate(&in)
		if _, err := h.orch.Submit(context.Background(), in); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: want ErrInvalidRequest got=%v", name, err)
		}
	}
}

func TestShutdownInterruptsRuns(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, _ map[generation.StageName]*atomic.Int32) {
		c.Script = stages.Func[stages.ScriptInput, stages.Script](func(ctx context.Context, in stages.ScriptInput) (stages.Result[stages.Script], error) {
			started <- struct{}{}
			<-ctx.Done()
			return stages.Result[stages.Script]{}, ctx.Err()
		})
	}})
	run, err := h.orch.Submit(context.Background(), submitInput([]string{"text"}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if err := h.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	final, err := h.orch.Status(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if final.Status != generation.RunStatusFailed || final.Error != ErrInterrupted.Error() || final.Cancelled {
		t.Fatalf("run: status=%s error=%q cancelled=%v", final.Status, final.Error, final.Cancelled)
	}
	if _, err := h.orch.Submit(context.Background(), submitInput([]string{"text"})); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("submit after shutdown: want ErrShuttingDown got=%v", err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	db := h.orch.db
	req := testutil.SeedRequest(t, ctx, db, "student-9")
	orphan := testutil.SeedRun(t, ctx, db, req, generation.RunStatusRunning)
	done := testutil.SeedRun(t, ctx, db, req, generation.RunStatusCompleted)

	n, err := h.orch.RecoverOrphans(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	got, _ := h.orch.Status(ctx, orphan.ID)
	if got.Status != generation.RunStatusFailed || got.Error != ErrInterrupted.Error() {
		t.Fatalf("orphan: status=%s error=%q", got.Status, got.Error)
	}
	untouched, _ := h.orch.Status(ctx, done.ID)
	if untouched.Status != generation.RunStatusCompleted {
		t.Fatalf("completed run changed: %s", untouched.Status)
	}
}

func modalityStrings(ms []generation.Modality) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

func TestSubmitPersistsRequestModalities(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	run := h.submitAndWait(t, submitInput([]string{"audio", "text"}))
	req, err := h.orch.Request(context.Background(), run.RequestID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	got := strings.Join(modalityStrings(req.Modalities), ",")
	if got != "text,audio" && got != "audio,text" {
		t.Fatalf("modalities: want=text,audio got=%s", got)
	}
}

func TestHolderFailureLetsOnlyOneWaiterGenerate(t *testing.T) {
	const waiters = 4
	holderIn := make(chan struct{})
	failHolder := make(chan struct{})
	var n, inflight, maxInflight atomic.Int32
	h := newHarness(t, harnessOpts{clients: func(c *StageClients, calls map[generation.StageName]*atomic.Int32) {
		c.Script = stages.Func[stages.ScriptInput, stages.Script](func(ctx context.Context, in stages.ScriptInput) (stages.Result[stages.Script], error) {
			calls[generation.StageScriptGeneration].Add(1)
			cur := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				m := maxInflight.Load()
				if cur <= m || maxInflight.CompareAndSwap(m, cur) {
					break
				}
			}
			if n.Add(1) == 1 {
				close(holderIn)
				<-failHolder
				return stages.Result[stages.Script]{}, stages.Validationf("script rejected")
			}
			time.Sleep(30 * time.Millisecond)
			return stages.Result[stages.Script]{Output: stages.Script{Title: "t", Body: "body"}}, nil
		})
	}})

	holder, err := h.orch.Submit(context.Background(), submitInput([]string{"text"}))
	if err != nil {
		t.Fatalf("submit holder: %v", err)
	}
	<-holderIn

	ids := make([]generation.PipelineRun, 0, waiters)
	for i := 0; i < waiters; i++ {
		run, err := h.orch.Submit(context.Background(), submitInput([]string{"text"}))
		if err != nil {
			t.Fatalf("submit waiter %d: %v", i, err)
		}
		ids = append(ids, *run)
	}
	waitFor(t, "waiters to park on the lock", func() bool {
		for _, r := range ids {
			if !h.events.has(r.ID, generation.EventStatusWaiting) {
				return false
			}
		}
		return true
	})
	close(failHolder)

	if got := h.wait(t, holder.ID); got.Status != generation.RunStatusFailed {
		t.Fatalf("holder: want=failed got=%s", got.Status)
	}
	hits := 0
	for _, r := range ids {
		final := h.wait(t, r.ID)
		if final.Status != generation.RunStatusCompleted {
			t.Fatalf("waiter %s: status=%s err=%s", r.ID, final.Status, final.Error)
		}
		if final.CacheHit {
			hits++
		}
	}
	if got := maxInflight.Load(); got != 1 {
		t.Fatalf("concurrent script generations: want=1 got=%d", got)
	}
	if got := h.calls[generation.StageScriptGeneration].Load(); got != 2 {
		t.Fatalf("script calls: want=2 got=%d", got)
	}
	if hits != waiters-1 {
		t.Fatalf("cache hits: want=%d got=%d", waiters-1, hits)
	}
}

// gatedStore blocks artifact writes until released.
type gatedStore struct {
	cache.ArtifactStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) CreateIfAbsent(ctx context.Context, a *generation.CachedArtifact) (*generation.CachedArtifact, bool, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.ArtifactStore.CreateIfAbsent(ctx, a)
}

func TestCancelDuringArtifactWriteIsRefused(t *testing.T) {
	gs := &gatedStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, harnessOpts{store: func(next cache.ArtifactStore) cache.ArtifactStore {
		gs.ArtifactStore = next
		return gs
	}})
	run, err := h.orch.Submit(context.Background(), submitInput([]string{"text"}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-gs.entered

	if err := h.orch.Cancel(context.Background(), run.ID); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("cancel while storing: want ErrRunFinished got=%v", err)
	}
	if _, err := h.cache.AcquireLock(context.Background(), chessKey); !errors.Is(err, cache.ErrLocked) {
		t.Fatalf("lock must stay held while storing: got=%v", err)
	}
	close(gs.release)

	final := h.wait(t, run.ID)
	if final.Status != generation.RunStatusCompleted || final.Cancelled {
		t.Fatalf("run: status=%s cancelled=%v", final.Status, final.Cancelled)
	}
	terms := terminalEvents(h.events.forRun(run.ID))
	if len(terms) != 1 || terms[0].Status != generation.EventStatusCompleted {
		t.Fatalf("terminal: %+v", terms)
	}
	lease, err := h.cache.AcquireLock(context.Background(), chessKey)
	if err != nil {
		t.Fatalf("lock should be free after completion: %v", err)
	}
	_ = h.cache.ReleaseLock(context.Background(), lease)
}
