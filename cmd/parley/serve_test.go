package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
)

type pingOnly struct {
	err error
}

func (p pingOnly) Chat(context.Context, string, []llm.Message, llm.Options) (*llm.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (p pingOnly) ChatStream(context.Context, string, []llm.Message, llm.Options, llm.StreamCallback) (*llm.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (p pingOnly) Ping(context.Context) error { return p.err }

func TestWatchUpstreams(t *testing.T) {
	models := llm.NewMultiClient(nil)
	models.AddProvider("ollama", pingOnly{})
	models.AddProvider("gemini", pingOnly{err: errors.New("invalid key")})

	bus := events.New()
	feed := bus.Subscribe(8)
	defer bus.Unsubscribe(feed)

	watch, err := watchUpstreams(context.Background(), models, nil, bus, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	defer watch.Stop()

	select {
	case ev := <-feed:
		if ev.Kind != events.KindService || ev.Data["service"] != "llm:ollama" || ev.Data["ready"] != true {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no service event published")
	}

	status := watch.Status()
	if len(status) != 2 {
		t.Fatalf("watched %d services, want 2", len(status))
	}
	deadline := time.Now().Add(time.Second)
	for status["llm:gemini"].Checks == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		status = watch.Status()
	}
	if err := watch.Ready(); err == nil {
		t.Error("Ready() = nil with gemini failing")
	}
}
