package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/orchestrator"
)

func streamHandler(t *testing.T, events ...orchestrator.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", orchestrator.ContentType)
		enc := orchestrator.NewEncoder(w)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				t.Errorf("encode: %v", err)
			}
		}
	}
}

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "://bad"} {
		if _, err := New(u, nil); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}

func TestTurn_Streams(t *testing.T) {
	c := newClient(t, streamHandler(t,
		orchestrator.CorrectionEvent(chat.NoSuggestion("Nice.")),
		orchestrator.ChunkEvent("Hello"),
		orchestrator.ChunkEvent(" there"),
		orchestrator.EndEvent(),
	))

	var types []orchestrator.EventType
	err := c.Turn(context.Background(), orchestrator.Request{Message: "hi"}, func(ev orchestrator.Event) error {
		types = append(types, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	want := "correction,chunk,chunk,end"
	if got := joinTypes(types); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestTurn_StreamError(t *testing.T) {
	c := newClient(t, streamHandler(t,
		orchestrator.ChunkEvent("Hel"),
		orchestrator.ErrorEvent(orchestrator.ErrorKindGeneration, "model went away"),
	))

	err := c.Turn(context.Background(), orchestrator.Request{Message: "hi"}, func(orchestrator.Event) error { return nil })
	var se *StreamError
	if !errors.As(err, &se) || se.Kind != orchestrator.ErrorKindGeneration {
		t.Fatalf("Turn() error = %v, want StreamError", err)
	}
}

func TestTurn_Truncated(t *testing.T) {
	c := newClient(t, streamHandler(t, orchestrator.ChunkEvent("Hel")))
	err := c.Turn(context.Background(), orchestrator.Request{Message: "hi"}, func(orchestrator.Event) error { return nil })
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Turn() error = %v, want ErrTruncated", err)
	}
}

func TestTurn_APIError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType string
		wantMsg  string
	}{
		{"envelope", http.StatusBadRequest, `{"error":{"message":"message is empty","type":"invalid_request_error","code":400}}`, "invalid_request_error", "message is empty"},
		{"plain text", http.StatusBadGateway, "bad gateway\n", "", "bad gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			called := false
			err := c.Turn(context.Background(), orchestrator.Request{Message: "x"}, func(orchestrator.Event) error {
				called = true
				return nil
			})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Turn() error = %v, want APIError", err)
			}
			if apiErr.Status != tt.status || apiErr.Type != tt.wantType || apiErr.Message != tt.wantMsg {
				t.Errorf("APIError = %+v", apiErr)
			}
			if called {
				t.Error("onEvent called for a refused turn")
			}
		})
	}
}

func TestTurn_CallbackStops(t *testing.T) {
	c := newClient(t, streamHandler(t, orchestrator.ChunkEvent("a"), orchestrator.ChunkEvent("b"), orchestrator.EndEvent()))
	stop := errors.New("stop")
	n := 0
	err := c.Turn(context.Background(), orchestrator.Request{Message: "x"}, func(orchestrator.Event) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("Turn() = %v after %d events", err, n)
	}
}

func TestProfile(t *testing.T) {
	var saved chat.UserProfile
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/profile" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("id") != "ana" {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":{"message":"profile not found","type":"not_found_error","code":404}}`)
				return
			}
			json.NewEncoder(w).Encode(chat.UserProfile{ID: "ana", LearningLevel: "intermediate"})
		case http.MethodPost:
			json.NewDecoder(r.Body).Decode(&saved)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(saved)
		}
	}))
	ctx := context.Background()

	p, err := c.Profile(ctx, "ana")
	if err != nil || p.LearningLevel != "intermediate" {
		t.Fatalf("Profile() = %+v, %v", p, err)
	}

	_, err = c.Profile(ctx, "nobody")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Type != "not_found_error" {
		t.Errorf("Profile(missing) error = %v", err)
	}

	got, err := c.SaveProfile(ctx, chat.UserProfile{ID: "ben", LearningLevel: "beginner"})
	if err != nil || got.ID != "ben" || saved.LearningLevel != "beginner" {
		t.Errorf("SaveProfile() = %+v, %v (server saw %+v)", got, err, saved)
	}
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() = %v", err)
	}
	healthy.Store(false)
	var apiErr *APIError
	if err := c.Health(context.Background()); !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Health() = %v, want 503", err)
	}
}

func TestSession(t *testing.T) {
	topic := chat.TopicContext{Summary: "A new telescope launched.", Questions: []string{"Do you like space?"}}
	system, err := chat.NewTopicMessage(topic, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	correction := chat.NewSuggestion("I likes it", "I like it", "Agreement.", chat.CorrectionGrammar)

	var (
		mu       sync.Mutex
		requests []orchestrator.Request
	)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.Request
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		requests = append(requests, req)
		turn := len(requests)
		mu.Unlock()
		events := []orchestrator.Event{orchestrator.SystemArticleEvent(system), orchestrator.ChunkEvent("Tell me more."), orchestrator.EndEvent()}
		if turn > 1 {
			events = []orchestrator.Event{orchestrator.CorrectionEvent(correction), orchestrator.ChunkEvent("Why?"), orchestrator.EndEvent()}
		}
		streamHandler(t, events...)(w, r)
	}))

	s := NewSession(c)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 9, 1, 0, 0, time.UTC) }
	ctx := context.Background()

	reply, err := s.Send(ctx, "space news please", nil)
	if err != nil || reply != "Tell me more." {
		t.Fatalf("Send() = %q, %v", reply, err)
	}
	if s.Topic() == nil || s.Topic().Summary != topic.Summary {
		t.Fatalf("Topic() = %+v", s.Topic())
	}
	if len(s.History()) != 3 {
		t.Fatalf("history = %d messages, want 3", len(s.History()))
	}

	var chunks int
	if _, err := s.Send(ctx, "I likes it", func(ev orchestrator.Event) error {
		if ev.Type == orchestrator.EventChunk {
			chunks++
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if chunks != 1 {
		t.Errorf("forwarded chunks = %d", chunks)
	}

	mu.Lock()
	second := requests[1]
	mu.Unlock()
	if len(second.History) != 3 || second.Topic == nil || second.History[0].Sender != chat.SenderSystem {
		t.Errorf("second request = %+v", second)
	}
	h := s.History()
	if len(h) != 5 {
		t.Fatalf("history = %d messages, want 5", len(h))
	}
	if h[3].Correction == nil || h[3].Correction.Corrected != "I like it" {
		t.Errorf("user message correction = %+v", h[3].Correction)
	}
	if h[4].Sender != chat.SenderAssistant || h[4].Text != "Why?" {
		t.Errorf("assistant message = %+v", h[4])
	}
}

func TestSession_FailedTurnLeavesHistory(t *testing.T) {
	c := newClient(t, streamHandler(t, orchestrator.ChunkEvent("Hal"), orchestrator.ErrorEvent(orchestrator.ErrorKindGeneration, "boom")))
	s := NewSession(c)
	if _, err := s.Send(context.Background(), "hello", nil); err == nil {
		t.Fatal("Send() succeeded")
	}
	if len(s.History()) != 0 {
		t.Errorf("history = %+v, want empty", s.History())
	}
}

func joinTypes(types []orchestrator.EventType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
