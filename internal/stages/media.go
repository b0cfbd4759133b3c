package stages

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/llm"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/renderer"
)

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// PollySynthesizer narrates the script and uploads the MP3.
type PollySynthesizer struct {
	log   *logger.Logger
	synth SpeechSynthesizer
	store MediaStore
}

func NewPollySynthesizer(log *logger.Logger, synth SpeechSynthesizer, store MediaStore) *PollySynthesizer {
	if log == nil {
		log = logger.Nop()
	}
	return &PollySynthesizer{log: log.With("stage", "audio_synthesis"), synth: synth, store: store}
}

func (p *PollySynthesizer) Invoke(ctx context.Context, in MediaInput) (Result[MediaRef], error) {
	if strings.TrimSpace(in.Script) == "" {
		return Result[MediaRef]{}, Validationf("no script to narrate")
	}
	audio, err := p.synth.Synthesize(ctx, in.Script)
	if err != nil {
		return Result[MediaRef]{}, fmt.Errorf("synthesize: %w", err)
	}
	if len(audio) == 0 {
		return Result[MediaRef]{}, fmt.Errorf("synthesize: empty audio")
	}
	const ct = "audio/mpeg"
	url, err := p.store.Upload(ctx, path.Join(in.KeyPrefix, "narration.mp3"), audio, ct)
	if err != nil {
		return Result[MediaRef]{}, fmt.Errorf("upload audio: %w", err)
	}
	return Result[MediaRef]{Output: MediaRef{URL: url, ContentType: ct}}, nil
}

type VideoRenderer interface {
	Render(ctx context.Context, req renderer.Request) (renderer.Result, error)
}

// RenderServiceVideo hands the narrated script to the render service.
type RenderServiceVideo struct {
	log    *logger.Logger
	render VideoRenderer
	style  string
}

func NewRenderServiceVideo(log *logger.Logger, render VideoRenderer, style string) *RenderServiceVideo {
	if log == nil {
		log = logger.Nop()
	}
	return &RenderServiceVideo{log: log.With("stage", "video_generation"), render: render, style: style}
}

func (v *RenderServiceVideo) Invoke(ctx context.Context, in MediaInput) (Result[MediaRef], error) {
	if in.AudioURL == "" {
		return Result[MediaRef]{}, Validationf("video needs narration audio")
	}
	res, err := v.render.Render(ctx, renderer.Request{
		Title:     in.Title,
		Script:    in.Script,
		AudioURL:  in.AudioURL,
		ImageURLs: in.ImageURLs,
		Style:     v.style,
	})
	if err != nil {
		return Result[MediaRef]{}, fmt.Errorf("render video: %w", err)
	}
	if res.VideoURL == "" {
		return Result[MediaRef]{}, fmt.Errorf("render video: no url in result")
	}
	return Result[MediaRef]{Output: MediaRef{URL: res.VideoURL, ContentType: "video/mp4"}}, nil
}

// OpenAIImageGenerator draws illustrations for the script. Images returned
// inline are uploaded; hosted URLs are used as is.
type OpenAIImageGenerator struct {
	log   *logger.Logger
	gen   llm.ImageGenerator
	store MediaStore
	count int
}

func NewOpenAIImageGenerator(log *logger.Logger, gen llm.ImageGenerator, store MediaStore, count int) *OpenAIImageGenerator {
	if log == nil {
		log = logger.Nop()
	}
	if count <= 0 {
		count = 1
	}
	return &OpenAIImageGenerator{log: log.With("stage", "image_generation"), gen: gen, store: store, count: count}
}

func (g *OpenAIImageGenerator) Invoke(ctx context.Context, in MediaInput) (Result[[]string], error) {
	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Script) == "" {
		return Result[[]string]{}, Validationf("nothing to illustrate")
	}
	urls := make([]string, 0, g.count)
	for i := 0; i < g.count; i++ {
		img, err := g.gen.GenerateImage(ctx, imagePrompt(in, i, g.count))
		if err != nil {
			return Result[[]string]{}, fmt.Errorf("generate image %d: %w", i+1, err)
		}
		url := img.URL
		if url == "" {
			if len(img.Data) == 0 {
				return Result[[]string]{}, fmt.Errorf("generate image %d: empty image", i+1)
			}
			ct := img.ContentType
			if ct == "" {
				ct = "image/png"
			}
			key := path.Join(in.KeyPrefix, fmt.Sprintf("image-%d%s", i+1, extFor(ct)))
			url, err = g.store.Upload(ctx, key, img.Data, ct)
			if err != nil {
				return Result[[]string]{}, fmt.Errorf("upload image %d: %w", i+1, err)
			}
		}
		urls = append(urls, url)
	}
	return Result[[]string]{Output: urls}, nil
}

func imagePrompt(in MediaInput, i, n int) string {
	excerpt := in.Script
	if len(excerpt) > 600 {
		excerpt = excerpt[:600]
	}
	return fmt.Sprintf("Friendly educational illustration %d of %d for %q, themed around %s. No text in the image. Context: %s",
		i+1, n, in.Title, in.Interest, excerpt)
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
