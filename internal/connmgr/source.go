package connmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

// EventSource opens the server push stream for one session.
type EventSource interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields events in delivery order. Next returns io.EOF when the
// server ends the stream.
type Stream interface {
	Next() (generation.Event, error)
	Close() error
}

// StatusClient queries the current state of a run.
type StatusClient interface {
	RunStatus(ctx context.Context, runID uuid.UUID) (*generation.PipelineRun, error)
}

// ErrRunUnknown is returned by StatusClient when the server has no such run.
var ErrRunUnknown = errors.New("run unknown to server")

// SSEEventSource subscribes to GET /api/sse/stream for a student.
type SSEEventSource struct {
	BaseURL   string
	StudentID string
	HTTP      *http.Client
}

func NewSSEEventSource(baseURL, studentID string, hc *http.Client) *SSEEventSource {
	if hc == nil {
		hc = &http.Client{}
	}
	return &SSEEventSource{BaseURL: strings.TrimRight(baseURL, "/"), StudentID: studentID, HTTP: hc}
}

func (s *SSEEventSource) Open(ctx context.Context) (Stream, error) {
	q := url.Values{}
	q.Set("student_id", s.StudentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/api/sse/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sse connect: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sse connect: unexpected content type %q", ct)
	}
	return newSSEStream(resp.Body), nil
}

type sseStream struct {
	body io.ReadCloser
	br   *bufio.Reader
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, br: bufio.NewReader(body)}
}

func (s *sseStream) Close() error { return s.body.Close() }

// Next reads frames until one carries an event payload. Comment lines
// (heartbeats) are skipped.
func (s *sseStream) Next() (generation.Event, error) {
	for {
		frame, err := readFrame(s.br)
		if err != nil {
			return generation.Event{}, err
		}
		if frame.data == "" {
			continue
		}
		e, err := decodePayload(frame.data)
		if err != nil {
			return generation.Event{}, fmt.Errorf("decode %s event: %w", frame.event, err)
		}
		if e.ID == uuid.Nil && frame.id != "" {
			if id, err := uuid.Parse(frame.id); err == nil {
				e.ID = id
			}
		}
		return e, nil
	}
}

// The hub wraps events as {"channel","event","data"}; bare events are
// accepted too.
func decodePayload(raw string) (generation.Event, error) {
	var env struct {
		Channel string            `json:"channel"`
		Data    *generation.Event `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return generation.Event{}, err
	}
	if env.Data != nil {
		return *env.Data, nil
	}
	var e generation.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return generation.Event{}, err
	}
	return e, nil
}

type sseFrame struct {
	id    string
	event string
	data  string
}

func readFrame(br *bufio.Reader) (sseFrame, error) {
	var (
		f         sseFrame
		dataLines []string
		sawField  bool
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && len(dataLines) > 0 {
				f.data = strings.Join(dataLines, "\n")
				return f, nil
			}
			return sseFrame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		// Blank line ends the frame.
		if line == "" {
			if !sawField {
				continue
			}
			f.data = strings.Join(dataLines, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		sawField = true
		switch {
		case strings.HasPrefix(line, "id:"):
			f.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

// HTTPStatusClient reads GET /api/generations/:id.
type HTTPStatusClient struct {
	BaseURL string
	HTTP    *http.Client
	Timeout time.Duration
}

func NewHTTPStatusClient(baseURL string, hc *http.Client) *HTTPStatusClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPStatusClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: hc, Timeout: 10 * time.Second}
}

func (c *HTTPStatusClient) RunStatus(ctx context.Context, runID uuid.UUID) (*generation.PipelineRun, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/generations/"+runID.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("run status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRunUnknown
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("run status: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Run *generation.PipelineRun `json:"run"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode run status: %w", err)
	}
	if out.Run == nil {
		return nil, fmt.Errorf("run status: empty response")
	}
	return out.Run, nil
}
