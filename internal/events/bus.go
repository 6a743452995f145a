// Package events is Parley's in-process activity feed. The orchestrator,
// the HTTP API and the ingester publish what they are doing; the
// /ws/events WebSocket and the MQTT publisher subscribe. A nil *Bus is
// valid and drops everything, so publishers need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources of events.
const (
	SourceOrchestrator = "orchestrator"
	SourceAPI          = "api"
	SourceIngest       = "ingest"
	SourceConnwatch    = "connwatch"
)

// Kinds of events.
const (
	// KindStage reports one finished pipeline stage.
	// Data: stage, outcome, elapsed_ms.
	KindStage = "stage"
	// KindTurnComplete reports a finished turn.
	// Data: ok, elapsed_ms, and error when not ok.
	KindTurnComplete = "turn_complete"
	// KindTurnArchived reports a turn written to long-term memory.
	// Data: turn_id, topic, suggestion, fragments.
	KindTurnArchived = "turn_archived"
	// KindProfileUpdated reports a profile change through the API.
	// Data: id, created.
	KindProfileUpdated = "profile_updated"
	// KindIngested reports a learning material file indexed.
	// Data: file, sections.
	KindIngested = "ingested"
	// KindService reports an upstream service becoming ready or
	// unreachable. Data: service, ready, and error when not ready.
	KindService = "service"
)

// Event is one activity record.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to subscribers without blocking. A subscriber
// whose buffer is full misses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// byRecv lets Unsubscribe take the receive-only channel handed to
	// the caller.
	byRecv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		byRecv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room for it. A zero
// Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events. The
// caller must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.byRecv[ch] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.byRecv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.byRecv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ObserveStage publishes a [KindStage] event. With ObserveTurn it lets a
// bus serve as the orchestrator's stage observer.
func (b *Bus) ObserveStage(stage string, d time.Duration, outcome string) {
	b.Publish(Event{
		Source: SourceOrchestrator,
		Kind:   KindStage,
		Data: map[string]any{
			"stage":      stage,
			"outcome":    outcome,
			"elapsed_ms": d.Milliseconds(),
		},
	})
}

// ObserveTurn publishes a [KindTurnComplete] event.
func (b *Bus) ObserveTurn(d time.Duration, err error) {
	data := map[string]any{
		"ok":         err == nil,
		"elapsed_ms": d.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Source: SourceOrchestrator, Kind: KindTurnComplete, Data: data})
}
