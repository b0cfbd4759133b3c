package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/cache"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/stages"
)

// stageProgress is the [start, end] progress percentage of each stage.
var stageProgress = map[generation.StageName][2]int{
	generation.StageSubmitted:        {0, 0},
	generation.StageUnderstanding:    {5, 15},
	generation.StageInterestMatching: {15, 20},
	generation.StageCacheLookup:      {20, 25},
	generation.StageRetrieval:        {25, 35},
	generation.StageScriptGeneration: {35, 55},
	generation.StageAudioSynthesis:   {55, 70},
	generation.StageVideoGeneration:  {70, 85},
	generation.StageImageGeneration:  {85, 95},
	generation.StageFinalize:         {95, 100},
}

type runState struct {
	o          *Orchestrator
	ctx        context.Context
	ar         *activeRun
	log        *logger.Logger
	req        *generation.GenerationRequest
	run        *generation.PipelineRun
	modalities generation.ModalitySet
	finished   bool

	topic     stages.Understanding
	key       cache.Key
	passages  []stages.Passage
	script    stages.Script
	audioURL  string
	videoURL  string
	imageURLs []string
}

func (o *Orchestrator) execute(ctx context.Context, ar *activeRun, req *generation.GenerationRequest, run *generation.PipelineRun) {
	defer o.inflight.Done()
	defer close(ar.done)
	defer o.forget(run.ID, ar)
	defer ar.cancel(nil)

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", run.ID.String()),
		attribute.String("request_id", req.ID.String()),
	))
	defer span.End()

	rs := &runState{
		o:          o,
		ctx:        ctx,
		ar:         ar,
		log:        o.log.With("run_id", run.ID, "request_id", req.ID, "student_id", req.StudentID),
		req:        req,
		run:        run,
		modalities: req.ModalitySet(),
	}
	defer func() {
		if r := recover(); r != nil {
			rs.log.Error("generation run panicked", "panic", r)
			rs.failStage(rs.run.CurrentStage, stages.NewError(stages.ClassFatal, "internal error", fmt.Errorf("panic: %v", r)))
		}
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		rs.failStage(generation.StageSubmitted, rs.interruptedOr(err))
		return
	}
	defer o.sem.Release(1)

	observability.RunsActive.Inc()
	defer observability.RunsActive.Dec()

	rs.runStages()
	if rs.run.Status == generation.RunStatusFailed {
		span.SetStatus(codes.Error, rs.run.Error)
	}
	span.SetAttributes(attribute.String("status", string(rs.run.Status)), attribute.Bool("cache_hit", rs.run.CacheHit))
}

func (rs *runState) runStages() {
	now := rs.o.now().UTC()
	rs.run.Status = generation.RunStatusRunning
	rs.run.StartedAt = &now
	rs.save()

	if !rs.understand() || !rs.matchInterest() {
		return
	}
	if art, ok := rs.cacheLookup(); !ok {
		return
	} else if art != nil {
		rs.completeFromCache(art)
		return
	}
	rs.succeed(generation.StageCacheLookup, "Generating new content", nil)
	if !rs.retrieve() || !rs.writeScript() {
		return
	}
	if !rs.media() {
		return
	}
	rs.finalize()
}

func (rs *runState) understand() bool {
	stage := generation.StageUnderstanding
	rs.begin(stage, "Understanding your question")
	res, err := call(rs, stage, rs.o.clients.Understanding, stages.UnderstandingInput{
		Query:      rs.req.Query,
		GradeLevel: rs.req.GradeLevel,
	})
	if err != nil {
		rs.failStage(stage, err)
		return false
	}
	rs.topic = res.Output
	rs.run.TopicID = res.Output.TopicID
	rs.run.TopicName = res.Output.TopicName
	rs.run.Confidence = res.Confidence
	if st := rs.run.Stage(stage); st != nil {
		st.Confidence = res.Confidence
	}
	if res.Confidence != nil && *res.Confidence < rs.o.cfg.MinConfidence || res.Output.TopicID == "" {
		msg := "We could not tell which topic you mean. Please rephrase your question."
		if c := strings.TrimSpace(res.Output.Clarification); c != "" {
			msg += " " + c
		}
		rs.failStage(stage, stages.Recoverablef("%s", msg))
		return false
	}
	rs.succeed(stage, "Topic: "+res.Output.TopicName, res.Confidence)
	return true
}

func (rs *runState) matchInterest() bool {
	stage := generation.StageInterestMatching
	rs.begin(stage, "Choosing an angle you will enjoy")
	res, err := call(rs, stage, rs.o.clients.Interest, stages.InterestInput{
		Query:      rs.req.Query,
		TopicID:    rs.topic.TopicID,
		TopicName:  rs.topic.TopicName,
		GradeLevel: rs.req.GradeLevel,
		Candidates: rs.req.Interests,
	})
	if err != nil {
		rs.failStage(stage, err)
		return false
	}
	chosen, ok := stages.MatchCandidate(res.Output, rs.req.Interests)
	if !ok {
		rs.failStage(stage, stages.Validationf("selected interest %q is not one of the candidates", res.Output))
		return false
	}
	rs.run.SelectedInterest = chosen
	rs.key = cache.NewKey(rs.topic.TopicID, rs.req.GradeLevel, chosen)
	rs.run.CacheKey = rs.key.String()
	rs.succeed(stage, "Using your interest in "+chosen, nil)
	return true
}

// cacheLookup returns the artifact on a hit. On a miss it leaves the run
// holding the generation lock when it could get it. ok is false when the
// run was stopped.
func (rs *runState) cacheLookup() (*generation.CachedArtifact, bool) {
	stage := generation.StageCacheLookup
	rs.begin(stage, "Checking for existing content")
	art := rs.lookupOrLock()
	if err := rs.interrupted(); err != nil {
		rs.failStage(stage, err)
		return nil, false
	}
	return art, true
}

// lookupOrLock waits for an in-flight build of the same key for at most
// AwaitTimeout in total. When a holder releases without storing, the
// waiters race for the lock again and the losers keep waiting on the
// winner; only an exhausted wait budget lets a run generate without the
// lock.
func (rs *runState) lookupOrLock() *generation.CachedArtifact {
	c := rs.o.cache
	art, err := c.Lookup(rs.ctx, rs.key)
	if err != nil {
		rs.log.Warn("cache lookup failed, treating as miss", "cache_key", rs.key.String(), "error", err)
	} else if art != nil {
		return art
	}

	deadline := time.Now().Add(rs.o.cfg.AwaitTimeout)
	waiting := false
	for {
		lease, err := c.AcquireLock(rs.ctx, rs.key)
		if err == nil {
			return rs.holdAndRecheck(lease)
		}
		if !errors.Is(err, cache.ErrLocked) {
			rs.log.Warn("generation lock unavailable, generating without it", "cache_key", rs.key.String(), "error", err)
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			rs.log.Warn("generating independently while another run holds the lock", "cache_key", rs.key.String())
			return nil
		}
		if !waiting {
			waiting = true
			rs.emit(generation.StageCacheLookup, generation.EventStatusWaiting, "Identical content is being generated, waiting for it", nil, "")
		}

		art, err = c.AwaitCompletion(rs.ctx, rs.key, remaining)
		if art != nil {
			return art
		}
		if rs.interrupted() != nil {
			return nil
		}
		switch {
		case errors.Is(err, cache.ErrLockReleased):
			rs.log.Info("in-flight generation ended without content, retrying the lock", "cache_key", rs.key.String())
		case errors.Is(err, cache.ErrAwaitTimeout):
			// One last acquire below, then the budget is spent.
		default:
			rs.log.Warn("wait for in-flight generation failed", "cache_key", rs.key.String(), "error", err)
			deadline = time.Now()
		}
	}
}

// holdAndRecheck keeps the lease alive and looks once more, since the
// previous holder may have stored just before releasing.
func (rs *runState) holdAndRecheck(lease cache.Lease) *generation.CachedArtifact {
	stop := rs.o.cache.Hold(rs.ctx, lease, func(err error) {
		rs.log.Warn("generation lease lost while generating", "cache_key", rs.key.String(), "error", err)
	})
	rs.ar.setLease(lease, stop)
	if rs.interrupted() != nil {
		rs.ar.releaseLease(context.WithoutCancel(rs.ctx))
		return nil
	}
	if art, err := rs.o.cache.Lookup(rs.ctx, rs.key); err == nil && art != nil {
		rs.ar.releaseLease(context.WithoutCancel(rs.ctx))
		return art
	}
	return nil
}

func (rs *runState) completeFromCache(art *generation.CachedArtifact) {
	rs.run.CacheHit = true
	id := art.ID
	rs.run.ArtifactID = &id
	rs.succeed(generation.StageCacheLookup, "Found existing content", nil)
	missing := art.Missing(rs.modalities)
	status := generation.RunStatusCompleted
	if len(missing) > 0 {
		status = generation.RunStatusPartial
	}
	rs.finish(status, "", nil, missing)
}

func (rs *runState) retrieve() bool {
	stage := generation.StageRetrieval
	rs.begin(stage, "Finding source material")
	topK := rs.o.cfg.RetrievalTopK
	res, err := call(rs, stage, rs.o.clients.Retrieval, stages.RetrievalInput{
		Query:      rs.req.Query,
		TopicID:    rs.topic.TopicID,
		TopicName:  rs.topic.TopicName,
		Subject:    rs.topic.Subject,
		GradeLevel: rs.req.GradeLevel,
		TopK:       topK,
	})
	if err != nil {
		rs.failStage(stage, err)
		return false
	}
	if len(res.Output) == 0 {
		rs.failStage(stage, stages.Fatalf("no source material found"))
		return false
	}
	rs.passages = res.Output
	msg := fmt.Sprintf("Found %d sources", len(res.Output))
	if len(res.Output) < topK {
		msg = fmt.Sprintf("Found %d of %d sources", len(res.Output), topK)
	}
	rs.succeed(stage, msg, nil)
	return true
}

func (rs *runState) writeScript() bool {
	stage := generation.StageScriptGeneration
	rs.begin(stage, "Writing your explanation")
	res, err := call(rs, stage, rs.o.clients.Script, stages.ScriptInput{
		Query:      rs.req.Query,
		TopicName:  rs.topic.TopicName,
		GradeLevel: rs.req.GradeLevel,
		Interest:   rs.run.SelectedInterest,
		Passages:   rs.passages,
	})
	if err != nil {
		rs.failStage(stage, err)
		return false
	}
	rs.script = res.Output
	rs.succeed(stage, "Explanation written", nil)
	return true
}

func (rs *runState) mediaInput() stages.MediaInput {
	return stages.MediaInput{
		KeyPrefix: rs.key.Digest() + "/" + rs.run.ID.String(),
		Title:     rs.script.Title,
		Script:    rs.script.Body,
		Interest:  rs.run.SelectedInterest,
		AudioURL:  rs.audioURL,
		ImageURLs: rs.imageURLs,
	}
}

// media runs the optional stages. A failure only drops that modality; it
// returns false only when the run was stopped.
func (rs *runState) media() bool {
	if rs.modalities.NeedsAudio() {
		stage := generation.StageAudioSynthesis
		rs.begin(stage, "Recording narration")
		res, err := call(rs, stage, rs.o.clients.Audio, rs.mediaInput())
		if !rs.optionalDone(stage, err, "Narration ready") {
			return false
		}
		if err == nil {
			rs.audioURL = res.Output.URL
		}
	} else {
		rs.skip(generation.StageAudioSynthesis, "Narration not requested")
	}

	if rs.modalities.Has(generation.ModalityVideo) {
		stage := generation.StageVideoGeneration
		if rs.audioURL == "" {
			rs.skip(stage, "Video needs narration, which is unavailable")
		} else {
			rs.begin(stage, "Rendering video")
			res, err := call(rs, stage, rs.o.clients.Video, rs.mediaInput())
			if !rs.optionalDone(stage, err, "Video ready") {
				return false
			}
			if err == nil {
				rs.videoURL = res.Output.URL
			}
		}
	} else {
		rs.skip(generation.StageVideoGeneration, "Video not requested")
	}

	if rs.modalities.Has(generation.ModalityImages) {
		stage := generation.StageImageGeneration
		rs.begin(stage, "Drawing illustrations")
		res, err := call(rs, stage, rs.o.clients.Images, rs.mediaInput())
		if !rs.optionalDone(stage, err, "Illustrations ready") {
			return false
		}
		if err == nil {
			rs.imageURLs = res.Output
		}
	} else {
		rs.skip(generation.StageImageGeneration, "Illustrations not requested")
	}
	return true
}

func (rs *runState) optionalDone(stage generation.StageName, err error, okMsg string) bool {
	if err == nil {
		rs.succeed(stage, okMsg, nil)
		return true
	}
	if ierr := rs.interrupted(); ierr != nil {
		rs.failStage(stage, ierr)
		return false
	}
	rs.log.Warn("optional stage failed, continuing without it", "stage", stage, "error", err)
	st := rs.run.Stage(stage)
	now := rs.o.now().UTC()
	st.Status = generation.StageStatusFailed
	st.FinishedAt = &now
	st.LastError = err.Error()
	rs.setProgress(stageProgress[stage][1])
	rs.save()
	rs.emit(stage, generation.EventStatusFailed, "Continuing without this format", nil, stages.Message(err))
	return true
}

func (rs *runState) finalize() {
	stage := generation.StageFinalize
	if err := rs.interrupted(); err != nil {
		rs.failStage(rs.run.CurrentStage, err)
		return
	}
	if !rs.ar.startCommit() {
		rs.failStage(rs.run.CurrentStage, rs.interruptedOr(ErrCancelled))
		return
	}
	rs.begin(stage, "Saving your content")

	sources := make([]generation.SourceRef, 0, len(rs.passages))
	for _, p := range rs.passages {
		sources = append(sources, generation.SourceRef{ID: p.ID, Title: p.Title, Source: p.Source, Score: p.Score})
	}
	art := &generation.CachedArtifact{
		Title:       rs.script.Title,
		Script:      rs.script.Body,
		AudioURL:    rs.audioURL,
		VideoURL:    rs.videoURL,
		ImageURLs:   rs.imageURLs,
		Sources:     sources,
		SourceRunID: rs.run.ID,
	}
	stored, created, err := rs.o.cache.Store(context.WithoutCancel(rs.ctx), rs.key, art)
	if err != nil {
		rs.failStage(stage, fmt.Errorf("store artifact: %w", err))
		return
	}
	if !created {
		rs.log.Info("another run cached this content first, returning its artifact", "artifact_id", stored.ID)
	}
	id := stored.ID
	rs.run.ArtifactID = &id
	missing := stored.Missing(rs.modalities)
	status := generation.RunStatusCompleted
	if len(missing) > 0 {
		status = generation.RunStatusPartial
	}
	rs.finish(status, "", nil, missing)
}

// call invokes one stage with its timeout and retry policy. Only transient
// errors are retried.
func call[I, O any](rs *runState, stage generation.StageName, client stages.Client[I, O], in I) (stages.Result[O], error) {
	var zero stages.Result[O]
	if client == nil {
		return zero, stages.NewError(stages.ClassFatal, string(stage)+" is unavailable", errNoClient)
	}
	policy := rs.o.cfg.Policy(stage)
	maxAttempts := policy.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	st := rs.run.Stage(stage)
	for attempt := 1; ; attempt++ {
		if err := rs.interrupted(); err != nil {
			return zero, err
		}
		if st != nil {
			st.Attempts = attempt
		}
		spanCtx, span := rs.o.tracer.Start(rs.ctx, "stage."+string(stage), trace.WithAttributes(attribute.Int("attempt", attempt)))
		attemptCtx, cancel := context.WithTimeout(spanCtx, policy.Timeout)
		start := time.Now()
		res, err := client.Invoke(attemptCtx, in)
		cancel()
		dur := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err == nil {
			observability.ObserveStage(string(stage), "succeeded", dur)
			return res, nil
		}
		if ierr := rs.interrupted(); ierr != nil {
			observability.ObserveStage(string(stage), "cancelled", dur)
			return zero, ierr
		}
		class := stages.Classify(err)
		observability.ObserveStage(string(stage), string(class), dur)
		if class != stages.ClassTransient || attempt >= maxAttempts {
			return zero, err
		}
		delay := computeBackoff(policy.Retry, attempt)
		rs.log.Warn("stage attempt failed, retrying", "stage", stage, "attempt", attempt, "backoff", delay, "error", err)
		if sleepCtx(rs.ctx, delay) != nil {
			return zero, rs.interruptedOr(err)
		}
	}
}

func (rs *runState) interrupted() error {
	if rs.ctx.Err() == nil {
		return nil
	}
	return context.Cause(rs.ctx)
}

func (rs *runState) interruptedOr(err error) error {
	if ierr := rs.interrupted(); ierr != nil {
		return ierr
	}
	return err
}

func (rs *runState) setProgress(pct int) {
	if pct > rs.run.Progress {
		rs.run.Progress = pct
	}
}

func (rs *runState) begin(name generation.StageName, msg string) {
	now := rs.o.now().UTC()
	if st := rs.run.Stage(name); st != nil {
		st.Status = generation.StageStatusRunning
		st.StartedAt = &now
	}
	rs.run.CurrentStage = name
	rs.setProgress(stageProgress[name][0])
	rs.save()
	rs.emit(name, generation.EventStatusRunning, msg, nil, "")
}

func (rs *runState) succeed(name generation.StageName, msg string, conf *float64) {
	st := rs.run.Stage(name)
	if st == nil || st.Status == generation.StageStatusSucceeded {
		return
	}
	now := rs.o.now().UTC()
	st.Status = generation.StageStatusSucceeded
	st.FinishedAt = &now
	if conf != nil {
		st.Confidence = conf
	}
	rs.setProgress(stageProgress[name][1])
	rs.save()
	rs.emit(name, generation.EventStatusSucceeded, msg, conf, "")
}

func (rs *runState) skip(name generation.StageName, reason string) {
	if st := rs.run.Stage(name); st != nil {
		st.Status = generation.StageStatusSkipped
	}
	rs.setProgress(stageProgress[name][1])
	rs.save()
	rs.emit(name, generation.EventStatusSkipped, reason, nil, "")
}

// failStage records a run-ending failure of name.
func (rs *runState) failStage(name generation.StageName, err error) {
	if rs.finished {
		return
	}
	if st := rs.run.Stage(name); st != nil && st.Status != generation.StageStatusSucceeded {
		now := rs.o.now().UTC()
		st.Status = generation.StageStatusFailed
		st.FinishedAt = &now
		st.LastError = err.Error()
	}
	rs.finish(generation.RunStatusFailed, name, err, nil)
}

// finish records the terminal state and emits the run's only terminal
// event.
func (rs *runState) finish(status generation.RunStatus, failedStage generation.StageName, err error, missing []generation.Modality) {
	if rs.finished {
		return
	}
	rs.finished = true
	rs.ar.releaseLease(context.WithoutCancel(rs.ctx))

	now := rs.o.now().UTC()
	rs.run.Status = status
	rs.run.FinishedAt = &now
	rs.run.MissingModalities = missing

	ev := generation.Event{Terminal: true, Missing: missing, ArtifactID: rs.run.ArtifactID}
	switch status {
	case generation.RunStatusFailed:
		rs.run.FailedStage = failedStage
		rs.run.Error = stages.Message(err)
		rs.run.Cancelled = errors.Is(err, ErrCancelled)
		ev.Stage = failedStage
		ev.Status = generation.EventStatusFailed
		ev.Error = rs.run.Error
		ev.Message = failureMessage(failedStage, err)
	default:
		if st := rs.run.Stage(generation.StageFinalize); st != nil {
			st.Status = generation.StageStatusSucceeded
			if st.StartedAt == nil {
				st.StartedAt = &now
			}
			st.FinishedAt = &now
		}
		rs.run.CurrentStage = generation.StageFinalize
		rs.run.Progress = 100
		ev.Stage = generation.StageFinalize
		if status == generation.RunStatusPartial {
			ev.Status = generation.EventStatusPartial
			ev.Message = "Ready, but some formats are unavailable: " + joinModalities(missing)
		} else {
			ev.Status = generation.EventStatusCompleted
			ev.Message = "Your content is ready"
		}
	}
	for i := range rs.run.Stages {
		if rs.run.Stages[i].Status == generation.StageStatusPending {
			rs.run.Stages[i].Status = generation.StageStatusSkipped
		}
	}
	rs.save()
	ev.Confidence = rs.run.Confidence
	rs.publish(ev)

	observability.ObserveRun(string(status), rs.run.CacheHit)
	rs.log.Info("generation run finished",
		"status", status, "cache_hit", rs.run.CacheHit, "failed_stage", failedStage,
		"elapsed", rs.run.Elapsed(now), "error", rs.run.Error)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(rs.ctx), rs.o.cfg.EventDrainTimeout)
	defer cancel()
	rs.o.events.Close(drainCtx, rs.run.ID)
}

func failureMessage(stage generation.StageName, err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "Generation cancelled"
	case errors.Is(err, ErrInterrupted):
		return "Generation was interrupted, please try again"
	case stages.Classify(err) == stages.ClassRecoverable:
		return stages.Message(err)
	default:
		return fmt.Sprintf("Generation failed during %s", strings.ReplaceAll(string(stage), "_", " "))
	}
}

func joinModalities(ms []generation.Modality) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}

func (rs *runState) emit(name generation.StageName, status generation.EventStatus, msg string, conf *float64, errMsg string) {
	rs.publish(generation.Event{
		Stage:      name,
		Status:     status,
		Message:    msg,
		Confidence: conf,
		Error:      errMsg,
	})
}

func (rs *runState) publish(e generation.Event) {
	e.RequestID = rs.req.ID
	e.RunID = rs.run.ID
	e.StudentID = rs.req.StudentID
	e.Progress = rs.run.Progress
	rs.o.events.Publish(e)
}

func (rs *runState) save() {
	if err := rs.o.runs.Save(dbctx.New(context.WithoutCancel(rs.ctx)), rs.run); err != nil {
		rs.log.Warn("failed to persist run state", "stage", rs.run.CurrentStage, "error", err)
	}
}
