package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/orchestrator"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) orchestrator.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev orchestrator.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestWSChat(t *testing.T) {
	rec := &fakeArchiver{}
	srv := httptest.NewServer(newTestServer(t, Deps{Turns: successfulTurn(), Recorder: rec}).Handler())
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/chat")

	if err := conn.WriteJSON(orchestrator.Request{Message: "I goes to school"}); err != nil {
		t.Fatal(err)
	}
	var types []string
	for {
		ev := readEvent(t, conn)
		types = append(types, string(ev.Type))
		if ev.Type == orchestrator.EventEnd {
			break
		}
	}
	if got := strings.Join(types, ","); got != "system-article,correction,chunk,chunk,end" {
		t.Errorf("event types = %s", got)
	}

	// A bad message gets an error event and the connection stays usable.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != orchestrator.EventError || ev.Error.Kind != orchestrator.ErrorKindInvalidRequest {
		t.Errorf("bad message event = %+v", ev)
	}
	if err := conn.WriteJSON(orchestrator.Request{Message: " "}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != orchestrator.EventError || ev.Error.Kind != orchestrator.ErrorKindInvalidRequest {
		t.Errorf("empty message event = %+v", ev)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	// Archiving runs after end is sent.
	deadline := time.Now().Add(5 * time.Second)
	for rec.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("archived %d turns, want 1", rec.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// blockingTurner holds every turn open until its context ends.
type blockingTurner struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (b *blockingTurner) Process(ctx context.Context, _ orchestrator.Request, _ func(orchestrator.Event) error) (*orchestrator.Result, error) {
	close(b.started)
	<-ctx.Done()
	close(b.cancelled)
	return nil, ctx.Err()
}

func TestWSChat_ClientGoneCancelsTurn(t *testing.T) {
	turner := &blockingTurner{started: make(chan struct{}), cancelled: make(chan struct{})}
	srv := httptest.NewServer(newTestServer(t, Deps{Turns: turner}).Handler())
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/chat")

	if err := conn.WriteJSON(orchestrator.Request{Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-turner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started")
	}

	conn.Close()
	select {
	case <-turner.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("turn still running after the client disconnected")
	}
}

func TestWSChat_ProfileFailure(t *testing.T) {
	turner := &fakeTurner{err: orchestrator.ErrProfileUnavailable}
	srv := httptest.NewServer(newTestServer(t, Deps{Turns: turner}).Handler())
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/chat")

	if err := conn.WriteJSON(orchestrator.Request{Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != orchestrator.EventError || ev.Error.Kind != orchestrator.ErrorKindProfile {
		t.Errorf("event = %+v", ev)
	}
}

func TestWSEvents(t *testing.T) {
	bus := events.New()
	srv := httptest.NewServer(newTestServer(t, Deps{Bus: bus}).Handler())
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/events")

	deadline := time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.ObserveStage("topic", 120*time.Millisecond, "fetched")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != events.KindStage || got.Data["stage"] != "topic" {
		t.Errorf("event = %+v", got)
	}

	conn.Close()
	deadline = time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler did not unsubscribe after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSEvents_NoBus(t *testing.T) {
	h := newTestServer(t, Deps{}).Handler()
	if resp := do(t, h, "GET", "/ws/events", ""); resp.Code != 503 {
		t.Errorf("status = %d, want 503", resp.Code)
	}
}
