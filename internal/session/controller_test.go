package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/conversation"
	"github.com/MegaGrindStone/atlas-chat/internal/models"
	"github.com/MegaGrindStone/atlas-chat/internal/session"
)

type fakeTransport struct {
	mu       sync.Mutex
	requests []models.TurnRequest
	open     func(ctx context.Context) (io.ReadCloser, error)
}

func (f *fakeTransport) StreamTurn(ctx context.Context, req models.TurnRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.open(ctx)
}

type fakeHistory struct {
	transcripts map[string]models.Transcript
	err         error
	calls       int
}

func (f *fakeHistory) FetchThread(_ context.Context, threadID string) (models.Transcript, error) {
	f.calls++
	if f.err != nil {
		return models.Transcript{}, f.err
	}
	tr, ok := f.transcripts[threadID]
	if !ok {
		return models.Transcript{}, fmt.Errorf("thread %s not found", threadID)
	}
	return tr, nil
}

func frame(event, payload string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload)
}

var helloWorldWire = frame("thread_id", `{"thread_id":"T1"}`) +
	frame("node_start", `{"node":"generate_sql","label":"Generating SQL"}`) +
	frame("pipeline_state", `{"stage":"generate_sql","sql":"SELECT 1"}`) +
	frame("agent_talk", `{"content":"Hello "}`) +
	frame("agent_talk", `{"content":"world"}`) +
	frame("done", `{"thread_id":"T1","total_rows":0}`)

func staticBody(wire string) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(wire)), nil
	}
}

var secondThreadWire = frame("thread_id", `{"thread_id":"T2"}`) +
	frame("node_start", `{"node":"classify","label":"Classifying"}`) +
	frame("pipeline_state", `{"stage":"classify","summary":"analytics"}`) +
	frame("agent_talk", `{"content":"Second"}`) +
	frame("done", `{"thread_id":"T2"}`)

// sequenceBodies serves one wire per call, repeating the last one.
func sequenceBodies(wires ...string) func(context.Context) (io.ReadCloser, error) {
	var mu sync.Mutex
	next := 0
	return func(context.Context) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		wire := wires[min(next, len(wires)-1)]
		next++
		return io.NopCloser(strings.NewReader(wire)), nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(
	transport session.Transport,
	history session.HistoryFetcher,
	cache *conversation.ThreadCache,
	opts session.Options,
) *session.Controller {
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Millisecond
	}
	return session.NewController(transport, history, conversation.NewStore(), cache, discardLogger(), opts)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerEndToEnd(t *testing.T) {
	cache := conversation.NewThreadCache()
	c := newController(&fakeTransport{open: staticBody(helloWorldWire)}, &fakeHistory{}, cache, session.Options{})

	if err := c.StartTurn(context.Background(), "Say hello", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	st := c.Store().State()
	if st.ThreadID != "T1" {
		t.Errorf("thread id = %q, want T1", st.ThreadID)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %+v, want 2", st.Messages)
	}
	ai := st.Messages[1]
	if ai.Content != "Hello world" {
		t.Errorf("content = %q, want %q", ai.Content, "Hello world")
	}
	if ai.IsStreaming {
		t.Error("assistant message still streaming")
	}
	if len(ai.SideChannels.SubQueryResults) != 1 || ai.SideChannels.SubQueryResults[0].Query != "SELECT 1" {
		t.Errorf("query results = %+v, want one with SELECT 1", ai.SideChannels.SubQueryResults)
	}
	if len(st.Timeline) != 0 {
		t.Errorf("live timeline = %+v, want empty", st.Timeline)
	}
	if st.Stats == nil || st.Stats.TotalRows != 0 {
		t.Errorf("stats = %+v", st.Stats)
	}
	if st.Error != nil {
		t.Errorf("error = %+v, want nil", st.Error)
	}

	snaps := cache.Snapshots("T1")
	if len(snaps) != 1 || len(snaps[0].Steps) != 1 {
		t.Fatalf("cache entries = %+v, want one timeline of length 1", snaps)
	}
	if snaps[0].Steps[0].Status != models.StepCompleted {
		t.Errorf("cached step = %+v, want completed", snaps[0].Steps[0])
	}
	if !c.IsLive("T1") {
		t.Error("T1 is not live")
	}
	if c.InFlight() {
		t.Error("turn still in flight")
	}
}

func TestControllerContinuesThread(t *testing.T) {
	transport := &fakeTransport{open: staticBody(helloWorldWire)}
	cache := conversation.NewThreadCache()
	c := newController(transport, &fakeHistory{}, cache, session.Options{})

	for i := range 2 {
		if err := c.StartTurn(context.Background(), fmt.Sprintf("q%d", i), "", models.Overrides{"model": "fast"}); err != nil {
			t.Fatalf("StartTurn() error = %v", err)
		}
		c.Wait()
	}

	if len(transport.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(transport.requests))
	}
	if transport.requests[0].ThreadID != "" || transport.requests[1].ThreadID != "T1" {
		t.Errorf("request thread ids = %q, %q, want \"\", T1", transport.requests[0].ThreadID, transport.requests[1].ThreadID)
	}
	if transport.requests[1].Overrides["model"] != "fast" {
		t.Errorf("overrides = %+v", transport.requests[1].Overrides)
	}

	snaps := cache.Snapshots("T1")
	if len(snaps) != 2 || snaps[0].TurnIndex != 0 || snaps[1].TurnIndex != 1 {
		t.Errorf("cache entries = %+v, want turn indexes 0 and 1", snaps)
	}
}

func TestControllerRejectsConcurrentTurn(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	transport := &fakeTransport{open: func(context.Context) (io.ReadCloser, error) { return pr, nil }}
	c := newController(transport, &fakeHistory{}, conversation.NewThreadCache(), session.Options{})

	if err := c.StartTurn(context.Background(), "first", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := c.StartTurn(context.Background(), "second", "", nil); !errors.Is(err, session.ErrTurnInFlight) {
		t.Errorf("StartTurn() error = %v, want ErrTurnInFlight", err)
	}

	c.Cancel()
	c.Wait()

	if got := len(c.Store().State().Messages); got != 1 {
		t.Errorf("messages = %d, want only the first user message", got)
	}
}

func TestControllerCancel(t *testing.T) {
	tests := []struct {
		name         string
		wire         string
		wantMessages int
		wantContent  string
	}{
		{
			name:         "Before content",
			wire:         frame("thread_id", `{"thread_id":"T1"}`) + frame("node_start", `{"node":"classify"}`),
			wantMessages: 1,
		},
		{
			name:         "After partial content",
			wire:         frame("agent_talk", `{"content":"partial"}`),
			wantMessages: 2,
			wantContent:  "partial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr, pw := io.Pipe()
			defer pw.Close()
			transport := &fakeTransport{open: func(context.Context) (io.ReadCloser, error) { return pr, nil }}
			c := newController(transport, &fakeHistory{}, conversation.NewThreadCache(), session.Options{})

			if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
				t.Fatalf("StartTurn() error = %v", err)
			}
			if _, err := pw.Write([]byte(tt.wire)); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if tt.wantContent != "" {
				waitFor(t, func() bool {
					msgs := c.Store().State().Messages
					return len(msgs) == 2 && msgs[1].Content == tt.wantContent
				})
			}

			if !c.Cancel() {
				t.Fatal("Cancel() = false, want true")
			}
			c.Wait()

			st := c.Store().State()
			if len(st.Messages) != tt.wantMessages {
				t.Fatalf("messages = %+v, want %d", st.Messages, tt.wantMessages)
			}
			if tt.wantContent != "" {
				if st.Messages[1].Content != tt.wantContent || st.Messages[1].IsStreaming {
					t.Errorf("assistant = %+v", st.Messages[1])
				}
			}
			if st.Error == nil || st.Error.Kind != conversation.TurnErrorCancelled {
				t.Errorf("error = %+v, want cancelled", st.Error)
			}
			if len(st.Timeline) != 0 {
				t.Errorf("timeline = %+v, want empty", st.Timeline)
			}
			if c.Cancel() {
				t.Error("Cancel() after the turn ended = true")
			}

			// The session stays usable.
			if err := c.StartTurn(context.Background(), "next", "", nil); err != nil {
				t.Errorf("StartTurn() after cancel error = %v", err)
			}
			c.Cancel()
			c.Wait()
		})
	}
}

func TestControllerFirstByteTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	transport := &fakeTransport{open: func(context.Context) (io.ReadCloser, error) { return pr, nil }}
	c := newController(transport, &fakeHistory{}, conversation.NewThreadCache(), session.Options{
		FirstByteTimeout: 20 * time.Millisecond,
	})

	if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	st := c.Store().State()
	if st.Error == nil || st.Error.Kind != conversation.TurnErrorTimeout {
		t.Errorf("error = %+v, want timeout", st.Error)
	}
	if len(st.Messages) != 1 {
		t.Errorf("messages = %+v, want the user message only", st.Messages)
	}
}

func TestControllerTimeoutWhileConnecting(t *testing.T) {
	transport := &fakeTransport{open: func(ctx context.Context) (io.ReadCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := newController(transport, &fakeHistory{}, conversation.NewThreadCache(), session.Options{
		FirstByteTimeout: 10 * time.Millisecond,
	})

	if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	if st := c.Store().State(); st.Error == nil || st.Error.Kind != conversation.TurnErrorTimeout {
		t.Errorf("error = %+v, want timeout", st.Error)
	}
}

func TestControllerTransportFailure(t *testing.T) {
	transport := &fakeTransport{open: func(context.Context) (io.ReadCloser, error) {
		return nil, errors.New("unexpected status code: 502")
	}}
	c := newController(transport, &fakeHistory{}, conversation.NewThreadCache(), session.Options{})

	if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	st := c.Store().State()
	if len(st.Messages) != 0 {
		t.Errorf("messages = %+v, want the turn removed", st.Messages)
	}
	if st.Error == nil || st.Error.Kind != conversation.TurnErrorTransport || !strings.Contains(st.Error.Message, "502") {
		t.Errorf("error = %+v, want transport error", st.Error)
	}
}

func TestControllerStreamEndsWithoutDone(t *testing.T) {
	wire := frame("agent_talk", `{"content":"cut "}`) + frame("agent_talk", `{"content":"off"}`)
	c := newController(&fakeTransport{open: staticBody(wire)}, &fakeHistory{}, conversation.NewThreadCache(), session.Options{})

	if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	st := c.Store().State()
	if len(st.Messages) != 2 || st.Messages[1].Content != "cut off" || st.Messages[1].IsStreaming {
		t.Fatalf("messages = %+v", st.Messages)
	}
	if st.Error == nil || st.Error.Kind != conversation.TurnErrorStream {
		t.Errorf("error = %+v, want stream", st.Error)
	}
}

func TestControllerServerErrorEvent(t *testing.T) {
	wire := frame("agent_talk", `{"content":"so far"}`) + frame("error", `{"message":"pipeline crashed"}`) +
		frame("agent_talk", `{"content":" ignored"}`)
	c := newController(&fakeTransport{open: staticBody(wire)}, &fakeHistory{}, conversation.NewThreadCache(), session.Options{})

	if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	st := c.Store().State()
	if st.Messages[1].Content != "so far" {
		t.Errorf("content = %q, want %q", st.Messages[1].Content, "so far")
	}
	if st.Error == nil || st.Error.Kind != conversation.TurnErrorStream || st.Error.Message != "pipeline crashed" {
		t.Errorf("error = %+v", st.Error)
	}
}

func TestControllerThreadIDAfterContent(t *testing.T) {
	wire := frame("node_start", `{"node":"classify"}`) +
		frame("agent_talk", `{"content":"x"}`) +
		frame("thread_id", `{"thread_id":"T7"}`) +
		frame("done", `{"thread_id":"T7"}`)
	cache := conversation.NewThreadCache()
	c := newController(&fakeTransport{open: staticBody(wire)}, &fakeHistory{}, cache, session.Options{})

	if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	if got := cache.Len("T7"); got != 1 {
		t.Errorf("cache entries for T7 = %d, want 1", got)
	}
}

func TestControllerClearSession(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	transport := &fakeTransport{open: func(context.Context) (io.ReadCloser, error) { return pr, nil }}
	cache := conversation.NewThreadCache()
	cache.Append("T0", 0, []models.PipelineStep{{StageID: "classify"}})
	c := newController(transport, &fakeHistory{}, cache, session.Options{})

	if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if _, err := pw.Write([]byte(frame("thread_id", `{"thread_id":"T1"}`))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	waitFor(t, func() bool { return c.IsLive("T1") })

	c.ClearSession()

	if c.InFlight() {
		t.Error("turn still in flight")
	}
	st := c.Store().State()
	if st.ThreadID != "" || len(st.Messages) != 0 || len(st.Timeline) != 0 {
		t.Errorf("state after clear = %+v", st)
	}
	if c.IsLive("T1") {
		t.Error("T1 still live after clear")
	}
	if cache.Len("T0") != 1 {
		t.Error("cache changed by clear")
	}
}

func TestControllerSwitchesThread(t *testing.T) {
	history := &fakeHistory{transcripts: map[string]models.Transcript{
		"T2": {Messages: []models.TranscriptMessage{
			{Role: models.RoleUser, Content: "earlier"},
			{Role: models.RoleAssistant, Content: "earlier answer"},
		}},
	}}
	transport := &fakeTransport{open: sequenceBodies(helloWorldWire, secondThreadWire)}
	cache := conversation.NewThreadCache()
	c := newController(transport, history, cache, session.Options{})

	if err := c.StartTurn(context.Background(), "Say hello", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	if err := c.StartTurn(context.Background(), "q2", "T2", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	st := c.Store().State()
	if st.ThreadID != "T2" {
		t.Errorf("thread id = %q, want T2", st.ThreadID)
	}
	if len(st.Messages) != 4 || st.Messages[0].Content != "earlier" || st.Messages[3].Content != "Second" {
		t.Fatalf("messages = %+v, want the T2 transcript followed by the new turn", st.Messages)
	}
	if transport.requests[1].ThreadID != "T2" {
		t.Errorf("request thread id = %q, want T2", transport.requests[1].ThreadID)
	}

	if got := cache.Len("T1"); got != 1 {
		t.Errorf("cache entries for T1 = %d, want 1", got)
	}
	snaps := cache.Snapshots("T2")
	if len(snaps) != 1 || snaps[0].TurnIndex != 1 {
		t.Errorf("cache entries for T2 = %+v, want one at turn index 1", snaps)
	}

	if c.IsLive("T1") {
		t.Error("T1 still live after switching to T2")
	}
	if !c.IsLive("T2") {
		t.Error("T2 not live")
	}
}

func TestControllerContinuesThreadWithoutHistory(t *testing.T) {
	history := &fakeHistory{err: errors.New("history unavailable")}
	transport := &fakeTransport{open: staticBody(secondThreadWire)}
	cache := conversation.NewThreadCache()
	c := newController(transport, history, cache, session.Options{})

	if err := c.StartTurn(context.Background(), "q2", "T2", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	c.Wait()

	st := c.Store().State()
	if st.ThreadID != "T2" || len(st.Messages) != 2 || st.Messages[1].Content != "Second" {
		t.Errorf("state = %+v, want the new turn of T2", st)
	}
	if transport.requests[0].ThreadID != "T2" {
		t.Errorf("request thread id = %q, want T2", transport.requests[0].ThreadID)
	}
	// The position of the turn in T2 is unknown, so its timeline is not cached.
	if got := cache.Len("T2"); got != 0 {
		t.Errorf("cache entries for T2 = %d, want 0", got)
	}
}

func TestControllerLoadThreadWhileTurnInFlight(t *testing.T) {
	pr, pw := io.Pipe()
	transport := &fakeTransport{open: func(context.Context) (io.ReadCloser, error) { return pr, nil }}
	history := &fakeHistory{transcripts: map[string]models.Transcript{"T9": helloWorldTranscript()}}
	c := newController(transport, history, conversation.NewThreadCache(), session.Options{})

	if err := c.StartTurn(context.Background(), "q", "", nil); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if _, err := pw.Write([]byte(frame("agent_talk", `{"content":"partial"}`))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if _, err := c.LoadThread(context.Background(), "T9"); !errors.Is(err, session.ErrTurnInFlight) {
		t.Errorf("LoadThread() error = %v, want ErrTurnInFlight", err)
	}
	if history.calls != 0 {
		t.Errorf("history fetched %d times while a turn was in flight", history.calls)
	}
	if !c.InFlight() {
		t.Error("turn stopped by a refused load")
	}

	_ = pw.Close()
	c.Wait()

	if _, err := c.LoadThread(context.Background(), "T9"); err != nil {
		t.Errorf("LoadThread() after the turn error = %v", err)
	}
}
