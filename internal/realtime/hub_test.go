package realtime

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func recvMessage(t *testing.T, ch <-chan SSEMessage, timeout time.Duration) SSEMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for SSE message")
	}
	return SSEMessage{}
}

func progressMsg(channel string, seq int64, stage generation.StageName) SSEMessage {
	return SSEMessage{
		Channel: channel,
		Event:   SSEEventGenerationProgress,
		Data:    generation.Event{ID: uuid.New(), Seq: seq, Stage: stage, Status: generation.EventStatusRunning},
	}
}

func TestSSEHubResilienceReconnectAndOrdering(t *testing.T) {
	hub := NewSSEHub(mustTestLogger(t), HubOptions{})
	channel := RunChannel(uuid.New())

	clientA := hub.NewSSEClient("student-1")
	hub.AddChannel(clientA, channel)

	hub.Broadcast(progressMsg(channel, 1, generation.StageUnderstanding))
	hub.Broadcast(progressMsg(channel, 2, generation.StageInterestMatching))

	gotFirst := recvMessage(t, clientA.Outbound, time.Second)
	gotSecond := recvMessage(t, clientA.Outbound, time.Second)
	if gotFirst.Data.Seq != 1 || gotSecond.Data.Seq != 2 {
		t.Fatalf("order: want=1,2 got=%d,%d", gotFirst.Data.Seq, gotSecond.Data.Seq)
	}

	hub.CloseClient(clientA)
	hub.CloseClient(clientA)
	select {
	case _, ok := <-clientA.Outbound:
		if ok {
			t.Fatalf("clientA outbound should be closed after disconnect")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for clientA channel close")
	}
	if n := hub.Subscribers(channel); n != 0 {
		t.Fatalf("subscribers after close: want=0 got=%d", n)
	}

	clientB := hub.NewSSEClient("student-1")
	hub.AddChannel(clientB, channel)
	hub.Broadcast(progressMsg(channel, 3, generation.StageRetrieval))
	gotReconnect := recvMessage(t, clientB.Outbound, time.Second)
	if gotReconnect.Data.Seq != 3 {
		t.Fatalf("reconnect event: want seq=3 got=%d", gotReconnect.Data.Seq)
	}
}

func TestSSEHubDropsWhenClientBufferFull(t *testing.T) {
	hub := NewSSEHub(mustTestLogger(t), HubOptions{ClientBuffer: 1})
	channel := RunChannel(uuid.New())
	client := hub.NewSSEClient("student-1")
	hub.AddChannel(client, channel)

	done := make(chan struct{})
	go func() {
		hub.Broadcast(progressMsg(channel, 1, generation.StageUnderstanding))
		hub.Broadcast(progressMsg(channel, 2, generation.StageInterestMatching))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a full client")
	}
	got := recvMessage(t, client.Outbound, time.Second)
	if got.Data.Seq != 1 {
		t.Fatalf("kept message: want seq=1 got=%d", got.Data.Seq)
	}
}

func TestSubscriptionDeliversEventsInOrder(t *testing.T) {
	hub := NewSSEHub(mustTestLogger(t), HubOptions{})
	runID := uuid.New()
	sub := hub.Subscribe("student-1", RunChannel(runID))
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		hub.Broadcast(progressMsg(RunChannel(runID), i, generation.StageRetrieval))
	}
	for want := int64(1); want <= 5; want++ {
		select {
		case e := <-sub.Events():
			if e.Seq != want {
				t.Fatalf("seq: want=%d got=%d", want, e.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}
}

func TestServeHTTPWritesEventFrames(t *testing.T) {
	hub := NewSSEHub(mustTestLogger(t), HubOptions{Heartbeat: time.Hour})
	runID := uuid.New()
	client := hub.NewSSEClient("student-1")
	hub.AddChannel(client, RunChannel(runID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, client)
	}))
	defer srv.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got=%q", ct)
	}

	msg := progressMsg(RunChannel(runID), 1, generation.StageUnderstanding)
	hub.Broadcast(msg)

	reader := bufio.NewReader(resp.Body)
	var sawID, sawEvent, sawData bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !(sawID && sawEvent && sawData) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "id: "+msg.Data.ID.String()):
			sawID = true
		case strings.HasPrefix(line, "event: "+string(SSEEventGenerationProgress)):
			sawEvent = true
		case strings.HasPrefix(line, "data: {"):
			sawData = true
		}
	}
	if !sawID || !sawEvent || !sawData {
		t.Fatalf("frame incomplete: id=%v event=%v data=%v", sawID, sawEvent, sawData)
	}
}

func TestEventNameByTerminalStatus(t *testing.T) {
	cases := map[generation.EventStatus]SSEEvent{
		generation.EventStatusCompleted: SSEEventGenerationCompleted,
		generation.EventStatusPartial:   SSEEventGenerationPartial,
		generation.EventStatusFailed:    SSEEventGenerationFailed,
	}
	for status, want := range cases {
		if got := EventName(generation.Event{Status: status, Terminal: true}); got != want {
			t.Fatalf("%s: want=%s got=%s", status, want, got)
		}
	}
	if got := EventName(generation.Event{Status: generation.EventStatusFailed}); got != SSEEventGenerationProgress {
		t.Fatalf("non-terminal failure: want=%s got=%s", SSEEventGenerationProgress, got)
	}
}
