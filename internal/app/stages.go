package app

import (
	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pipeline"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/gcp"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/polly"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/qdrant"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/renderer"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/stages"
)

type stageBackends struct {
	LLM      LLMClients
	Searcher *qdrant.Searcher
	Bucket   *gcp.ArtifactBucket
	Speech   *polly.Synthesizer
	Renderer *renderer.Client
}

func guard[I, O any](log *logger.Logger, cfg Config, stage generation.StageName, next stages.Client[I, O]) stages.Client[I, O] {
	return stages.NewBreaker(log, string(stage), next, stages.BreakerSettings{
		ConsecutiveFailures: cfg.BreakerFailures,
		OpenTimeout:         cfg.BreakerOpenTimeout,
	})
}

// wireStages leaves a client nil when its backend is not configured.
func wireStages(log *logger.Logger, cfg Config, b stageBackends) pipeline.StageClients {
	log.Info("Wiring stage clients...")
	var sc pipeline.StageClients
	if b.LLM.Text != nil {
		sc.Understanding = guard(log, cfg, generation.StageUnderstanding,
			stages.Client[stages.UnderstandingInput, stages.Understanding](stages.NewLLMUnderstander(log, b.LLM.Text)))
		sc.Interest = guard(log, cfg, generation.StageInterestMatching,
			stages.Client[stages.InterestInput, string](stages.NewLLMInterestMatcher(log, b.LLM.Text)))
		sc.Script = guard(log, cfg, generation.StageScriptGeneration,
			stages.Client[stages.ScriptInput, stages.Script](stages.NewLLMScriptWriter(log, b.LLM.Text)))
	}
	if b.LLM.Embed != nil && b.Searcher != nil {
		sc.Retrieval = guard(log, cfg, generation.StageRetrieval,
			stages.Client[stages.RetrievalInput, []stages.Passage](stages.NewVectorRetriever(log, b.LLM.Embed, b.Searcher)))
	} else {
		log.Warn("Retrieval stage disabled; every run will fail at retrieval")
	}
	if b.Bucket != nil {
		if b.Speech != nil {
			sc.Audio = guard(log, cfg, generation.StageAudioSynthesis,
				stages.Client[stages.MediaInput, stages.MediaRef](stages.NewPollySynthesizer(log, b.Speech, b.Bucket)))
		}
		if b.LLM.Images != nil && cfg.ImagesPerArtifact > 0 {
			sc.Images = guard(log, cfg, generation.StageImageGeneration,
				stages.Client[stages.MediaInput, []string](stages.NewOpenAIImageGenerator(log, b.LLM.Images, b.Bucket, cfg.ImagesPerArtifact)))
		}
	}
	if b.Renderer != nil {
		sc.Video = guard(log, cfg, generation.StageVideoGeneration,
			stages.Client[stages.MediaInput, stages.MediaRef](stages.NewRenderServiceVideo(log, b.Renderer, cfg.RendererStyle)))
	}
	log.Info("Stage clients wired",
		"audio", sc.Audio != nil,
		"video", sc.Video != nil,
		"images", sc.Images != nil,
		"retrieval", sc.Retrieval != nil,
	)
	return sc
}
