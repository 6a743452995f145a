package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/orchestrator"
	"github.com/nugget/parley/internal/profile"

	_ "modernc.org/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeTurner emits a scripted stream and then returns result or err.
type fakeTurner struct {
	mu     sync.Mutex
	events []orchestrator.Event
	result *orchestrator.Result
	err    error
	reqs   []orchestrator.Request
}

func (f *fakeTurner) Process(_ context.Context, req orchestrator.Request, emit func(orchestrator.Event) error) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	evs, res, err := f.events, f.result, f.err
	f.mu.Unlock()

	if strings.TrimSpace(req.Message) == "" {
		return nil, orchestrator.ErrEmptyMessage
	}
	for _, ev := range evs {
		if eerr := emit(ev); eerr != nil {
			return nil, eerr
		}
	}
	return res, err
}

func (f *fakeTurner) requests() []orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Request(nil), f.reqs...)
}

type fakeArchiver struct {
	mu      sync.Mutex
	results []*orchestrator.Result
	ctxErr  error
}

func (f *fakeArchiver) Archive(ctx context.Context, res *orchestrator.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	f.ctxErr = ctx.Err()
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func successfulTurn() *fakeTurner {
	sys := chat.NewMessage(chat.SenderSystem, "[TOPIC_CONTEXT]{}", testNow)
	return &fakeTurner{
		events: []orchestrator.Event{
			orchestrator.SystemArticleEvent(sys),
			orchestrator.CorrectionEvent(chat.NewSuggestion("I goes", "I go", "agreement", chat.CorrectionGrammar)),
			orchestrator.ChunkEvent("Hello"),
			orchestrator.ChunkEvent(" there!"),
			orchestrator.EndEvent(),
		},
		result: &orchestrator.Result{TurnID: "turn-1", Reply: "Hello there!", Fragments: 2},
	}
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return NewServer(Config{ProfileID: "learner", CORSOrigins: []string{"https://app.example"}}, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeStream(t *testing.T, body io.Reader) []orchestrator.Event {
	t.Helper()
	var out []orchestrator.Event
	for ev, err := range orchestrator.NewDecoder(body).Events() {
		if err != nil {
			t.Fatalf("decode stream: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func TestChat_StreamsNDJSON(t *testing.T) {
	turner := successfulTurn()
	rec := &fakeArchiver{}
	h := newTestServer(t, Deps{Turns: turner, Recorder: rec}).Handler()

	resp := do(t, h, http.MethodPost, "/api/chat", `{"history":[{"sender":"user","text":"hi"}],"message":"I goes to school"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body)
	}
	if ct := resp.Header().Get("Content-Type"); ct != orchestrator.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	evs := decodeStream(t, resp.Body)
	var types []string
	for _, ev := range evs {
		types = append(types, string(ev.Type))
	}
	if got := strings.Join(types, ","); got != "system-article,correction,chunk,chunk,end" {
		t.Errorf("event types = %s", got)
	}

	reqs := turner.requests()
	if len(reqs) != 1 || reqs[0].Message != "I goes to school" || len(reqs[0].History) != 1 {
		t.Errorf("requests = %+v", reqs)
	}
	if rec.count() != 1 || rec.results[0].TurnID != "turn-1" {
		t.Errorf("archived = %+v", rec.results)
	}
	if rec.ctxErr != nil {
		t.Errorf("archive context already done: %v", rec.ctxErr)
	}
}

func TestChat_ErrorsBeforeOutput(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		message  string
		wantCode int
		wantType string
	}{
		{"empty message", nil, "   ", http.StatusBadRequest, errTypeInvalid},
		{"profile", fmt.Errorf("%w: db locked", orchestrator.ErrProfileUnavailable), "hi", http.StatusServiceUnavailable, errTypeServer},
		{"generation", fmt.Errorf("%w: model down", orchestrator.ErrGenerationFailed), "hi", http.StatusBadGateway, errTypeUpstream},
		{"other", errors.New("boom"), "hi", http.StatusInternalServerError, errTypeServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeArchiver{}
			h := newTestServer(t, Deps{Turns: &fakeTurner{err: tt.err}, Recorder: rec}).Handler()

			body, _ := json.Marshal(map[string]string{"message": tt.message})
			resp := do(t, h, http.MethodPost, "/api/chat", string(body))

			if resp.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.Code, tt.wantCode)
			}
			var env errorEnvelope
			if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
				t.Fatalf("body %s: %v", resp.Body, err)
			}
			if env.Error.Code != tt.wantCode || env.Error.Type != tt.wantType || env.Error.Message == "" {
				t.Errorf("envelope = %+v", env)
			}
			if rec.count() != 0 {
				t.Error("failed turn was archived")
			}
		})
	}
}

func TestChat_FailureMidStream(t *testing.T) {
	turner := &fakeTurner{
		events: []orchestrator.Event{
			orchestrator.ChunkEvent("Hel"),
			orchestrator.ErrorEvent(orchestrator.ErrorKindGeneration, "cut off"),
		},
		err: orchestrator.ErrGenerationFailed,
	}
	rec := &fakeArchiver{}
	h := newTestServer(t, Deps{Turns: turner, Recorder: rec}).Handler()

	resp := do(t, h, http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d; headers were committed by the first chunk", resp.Code)
	}
	evs := decodeStream(t, resp.Body)
	if len(evs) != 2 || evs[1].Type != orchestrator.EventError {
		t.Errorf("events = %+v", evs)
	}
	if rec.count() != 0 {
		t.Error("failed turn was archived")
	}
}

func TestChat_BadRequests(t *testing.T) {
	h := newTestServer(t, Deps{Turns: successfulTurn()}).Handler()
	for name, body := range map[string]string{
		"not json":   `{"message":`,
		"bad sender": `{"history":[{"sender":"robot","text":"x"}],"message":"hi"}`,
		"bad time":   `{"history":[{"sender":"user","text":"x","timestamp":"noon"}],"message":"hi"}`,
	} {
		t.Run(name, func(t *testing.T) {
			if resp := do(t, h, http.MethodPost, "/api/chat", body); resp.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.Code)
			}
		})
	}
}

func setupProfiles(t *testing.T) *profile.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := profile.NewStore(db, 20, nil)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestProfileEndpoints(t *testing.T) {
	store := setupProfiles(t)
	h := newTestServer(t, Deps{Turns: successfulTurn(), Profiles: store}).Handler()
	ctx := context.Background()

	if resp := do(t, h, http.MethodGet, "/api/profile", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("GET missing = %d, want 404", resp.Code)
	}

	body := `{"name":"Mia","interests":["space"],"learningLevel":"Advanced"}`
	resp := do(t, h, http.MethodPost, "/api/profile", body)
	if resp.Code != http.StatusCreated {
		t.Fatalf("POST new = %d, body %s", resp.Code, resp.Body)
	}
	var got chat.UserProfile
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "learner" || got.LearningLevel != "advanced" || got.RecentCorrections == nil {
		t.Errorf("created = %+v", got)
	}

	if err := store.AddCorrection(ctx, "learner", chat.RecentCorrection{Original: "a", Corrected: "b"}); err != nil {
		t.Fatal(err)
	}
	resp = do(t, h, http.MethodPost, "/api/profile", `{"name":"Mia R","learningLevel":"advanced","recentCorrections":[]}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("POST update = %d", resp.Code)
	}
	resp = do(t, h, http.MethodGet, "/api/profile?id=learner", "")
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "Mia R" || len(got.RecentCorrections) != 1 {
		t.Errorf("after update = %+v, want corrections preserved", got)
	}

	if resp := do(t, h, http.MethodPost, "/api/profile", `{"name":"X","learningLevel":"fluent"}`); resp.Code != http.StatusBadRequest {
		t.Errorf("invalid level = %d, want 400", resp.Code)
	}
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, Deps{}).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS headers")
	}
}

func TestHealthAndVersion(t *testing.T) {
	pingErr := errors.New("ollama unreachable")
	h := newTestServer(t, Deps{Ping: func(context.Context) error { return pingErr }}).Handler()

	if resp := do(t, h, http.MethodGet, "/health", ""); resp.Code != http.StatusServiceUnavailable || !strings.Contains(resp.Body.String(), "degraded") {
		t.Errorf("health = %d %s", resp.Code, resp.Body)
	}
	pingErr = nil
	if resp := do(t, h, http.MethodGet, "/health", ""); resp.Code != http.StatusOK {
		t.Errorf("health = %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/api/version", ""); !strings.Contains(resp.Body.String(), "version") {
		t.Errorf("version body = %s", resp.Body)
	}
}

func TestHealth_Services(t *testing.T) {
	h := newTestServer(t, Deps{
		Ping: func(context.Context) error { return errors.New("mqtt: broker gone") },
		Services: func() map[string]connwatch.Status {
			return map[string]connwatch.Status{
				"llm:ollama": {Name: "llm:ollama", Ready: true, Checks: 2},
				"mqtt":       {Name: "mqtt", LastError: "broker gone", Checks: 5},
			}
		},
	}).Handler()

	resp := do(t, h, http.MethodGet, "/health", "")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("health = %d", resp.Code)
	}
	var body struct {
		Status   string                      `json:"status"`
		Error    string                      `json:"error"`
		Services map[string]connwatch.Status `json:"services"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Error != "mqtt: broker gone" {
		t.Errorf("body = %+v", body)
	}
	if !body.Services["llm:ollama"].Ready || body.Services["mqtt"].LastError != "broker gone" {
		t.Errorf("services = %+v", body.Services)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := newTestServer(t, Deps{Turns: successfulTurn(), Metrics: metrics.New()}).Handler()

	do(t, h, http.MethodPost, "/api/chat", `{"message":"hi"}`)
	resp := do(t, h, http.MethodGet, "/metrics", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics = %d", resp.Code)
	}
	if !bytes.Contains(resp.Body.Bytes(), []byte(`http_requests_total{code="200",route="chat"} 1`)) {
		t.Errorf("chat request not counted:\n%s", resp.Body)
	}
}

func TestChat_NotConfigured(t *testing.T) {
	h := newTestServer(t, Deps{}).Handler()
	if resp := do(t, h, http.MethodPost, "/api/chat", `{"message":"hi"}`); resp.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/api/profile", ""); resp.Code != http.StatusServiceUnavailable {
		t.Errorf("profile status = %d", resp.Code)
	}
}
