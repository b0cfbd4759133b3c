package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

const maxBodyBytes = 64 << 10

// Request describes one narrated video to render.
type Request struct {
	Title     string   `json:"title"`
	Script    string   `json:"script"`
	AudioURL  string   `json:"audio_url"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Style     string   `json:"style,omitempty"`
}

type Result struct {
	VideoURL        string  `json:"video_url"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type job struct {
	ID     string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Result
}

type Error struct {
	Op         string
	StatusCode int
	Message    string
	Cause      error
	timeout    bool
}

func (e *Error) Error() string {
	if e == nil {
		return "render failed"
	}
	if e.Cause != nil {
		return fmt.Sprintf("render %s failed (status=%d): %s: %v", e.Op, e.StatusCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("render %s failed (status=%d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.timeout || e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
}

// Client talks to the video render service. Renders either finish inline
// (200 with video_url) or are accepted as jobs (202 with job_id) that are
// polled until done or ctx expires.
type Client struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func New(log *logger.Logger, cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("RENDERER_URL is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{log: log.With("service", "VideoRenderer"), cfg: cfg, http: httpClient}, nil
}

func (c *Client) Render(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Script) == "" || strings.TrimSpace(req.AudioURL) == "" {
		return Result{}, &Error{Op: "submit", StatusCode: http.StatusBadRequest, Message: "script and audio_url are required"}
	}
	var j job
	status, err := c.doJSON(ctx, "submit", http.MethodPost, "/v1/renders", req, &j)
	if err != nil {
		return Result{}, err
	}
	if status == http.StatusOK && j.VideoURL != "" {
		return j.Result, nil
	}
	if j.ID == "" {
		return Result{}, &Error{Op: "submit", StatusCode: status, Message: "response carried neither video_url nor job_id"}
	}
	c.log.Debug("render job accepted", "job_id", j.ID)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, &Error{Op: "poll", Message: "render did not finish in time", Cause: ctx.Err(), timeout: true}
		case <-ticker.C:
		}
		var polled job
		if _, err := c.doJSON(ctx, "poll", http.MethodGet, "/v1/renders/"+j.ID, nil, &polled); err != nil {
			return Result{}, err
		}
		switch strings.ToLower(polled.Status) {
		case "succeeded", "completed", "done":
			if polled.VideoURL == "" {
				return Result{}, &Error{Op: "poll", StatusCode: http.StatusOK, Message: "render finished without video_url"}
			}
			return polled.Result, nil
		case "failed", "error":
			// A render that failed on the service side is not retried.
			return Result{}, &Error{Op: "poll", StatusCode: http.StatusUnprocessableEntity, Message: polled.Error}
		}
	}
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in any, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, &Error{Op: op, StatusCode: http.StatusBadRequest, Message: "encode request", Cause: err}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, &Error{Op: op, StatusCode: http.StatusBadRequest, Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		e := &Error{Op: op, Message: "transport", Cause: err}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			e.timeout = true
		}
		return 0, e
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, &Error{Op: op, StatusCode: resp.StatusCode, Message: "read response", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &Error{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &Error{Op: op, StatusCode: http.StatusBadGateway, Message: "decode response", Cause: err}
		}
	}
	return resp.StatusCode, nil
}
