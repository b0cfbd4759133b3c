package polly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

// Polly rejects plain text requests above 3000 billed characters.
const defaultMaxChunkChars = 2800

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Config struct {
	Region        string
	VoiceID       string
	Engine        string
	MaxChunkChars int
}

func ConfigFromEnv() Config {
	return Config{
		Region:        envutil.String("POLLY_REGION", envutil.String("AWS_REGION", "us-east-1")),
		VoiceID:       envutil.String("POLLY_VOICE", "Joanna"),
		Engine:        envutil.String("POLLY_ENGINE", "neural"),
		MaxChunkChars: envutil.Int("POLLY_MAX_CHUNK_CHARS", defaultMaxChunkChars),
	}
}

// Error is a normalized Polly failure.
type Error struct {
	Code      string
	Reason    string
	retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return "polly synthesis failed"
	}
	if e.Code != "" {
		return fmt.Sprintf("polly %s (%s): %v", e.Reason, e.Code, e.Cause)
	}
	return fmt.Sprintf("polly %s: %v", e.Reason, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Retryable() bool { return e != nil && e.retryable }

// Synthesizer turns narration scripts into a single MP3 stream.
type Synthesizer struct {
	log    *logger.Logger
	cfg    Config
	mu     sync.Mutex
	client synthClient
}

func NewSynthesizer(log *logger.Logger, cfg Config) *Synthesizer {
	return NewSynthesizerWithClient(log, cfg, nil)
}

// NewSynthesizerWithClient injects the SDK client; nil loads the default AWS
// config on first use.
func NewSynthesizerWithClient(log *logger.Logger, cfg Config, client synthClient) *Synthesizer {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = defaultMaxChunkChars
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Synthesizer{
		log:    log.With("service", "PollySynthesizer"),
		cfg:    cfg,
		client: client,
	}
}

// Synthesize renders text as MP3. Long text is split at sentence boundaries
// and the chunk outputs are concatenated in order.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &Error{Reason: "empty_text", Cause: errors.New("text is empty")}
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return nil, err
	}
	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	chunks := SplitText(text, s.cfg.MaxChunkChars)
	var buf bytes.Buffer
	for i, chunk := range chunks {
		out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
			Engine:       engine,
			OutputFormat: pollytypes.OutputFormatMp3,
			Text:         aws.String(chunk),
			TextType:     pollytypes.TextTypeText,
			VoiceId:      pollytypes.VoiceId(s.cfg.VoiceID),
		})
		if err != nil {
			return nil, normalizePollyError(err)
		}
		if out == nil || out.AudioStream == nil {
			return nil, &Error{Reason: "empty_audio", retryable: true, Cause: fmt.Errorf("chunk %d returned no audio", i)}
		}
		_, copyErr := io.Copy(&buf, out.AudioStream)
		_ = out.AudioStream.Close()
		if copyErr != nil {
			return nil, &Error{Reason: "stream_read", retryable: true, Cause: copyErr}
		}
	}
	s.log.Debug("polly synthesis finished", "chunks", len(chunks), "bytes", buf.Len(), "voice", s.cfg.VoiceID)
	return buf.Bytes(), nil
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Reason: "cancelled", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Reason: "timeout", retryable: true, Cause: err}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "TooManyRequestsException", "ThrottlingException":
			return &Error{Code: code, Reason: "overload", retryable: true, Cause: err}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException", "EngineNotSupportedException":
			return &Error{Code: code, Reason: "client_error", Cause: err}
		default:
			return &Error{Code: code, Reason: "server_error", retryable: true, Cause: err}
		}
	}
	return &Error{Reason: "transport_error", retryable: true, Cause: err}
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}

// SplitText breaks text into chunks no longer than max bytes, preferring
// sentence ends, then whitespace, then a hard cut.
func SplitText(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var out []string
	for len(text) > max {
		cut := lastSentenceEnd(text[:max])
		if cut <= 0 {
			cut = strings.LastIndexAny(text[:max], " \n\t")
		}
		if cut <= 0 {
			cut = max
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func lastSentenceEnd(s string) int {
	best := -1
	for _, sep := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(s, sep); i >= 0 && i+1 > best {
			best = i + 1
		}
	}
	return best
}
