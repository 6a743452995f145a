package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/parley/internal/config"
)

type fakeBroker struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakeBroker) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, p)
	if f.err != nil {
		return nil, f.err
	}
	return &paho.PublishResponse{}, nil
}

func (f *fakeBroker) byTopic() map[string]*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*paho.Publish, len(f.msgs))
	for _, m := range f.msgs {
		out[m.Topic] = m
	}
	return out
}

type staticStats struct{}

func (staticStats) Uptime() time.Duration      { return 90*time.Second + 400*time.Millisecond }
func (staticStats) Version() string            { return "v1.2.3" }
func (staticStats) ConversationModel() string { return "gemini-2.0-flash" }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "study-room",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func connected(p *Publisher) *fakeBroker {
	fb := &fakeBroker{}
	p.conn = fb
	return fb
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("instance-abc", "study-room")
	if info.Name != "study-room" || info.Manufacturer != "Parley" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "instance-abc" {
		t.Errorf("Identifiers = %v", info.Identifiers)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", nil, nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"base", p.baseTopic(), "parley/study-room"},
		{"availability", p.availabilityTopic(), "parley/study-room/availability"},
		{"state", p.stateTopic("turns_today"), "parley/study-room/turns_today/state"},
		{"turn", p.turnTopic(), "parley/study-room/turn"},
		{"discovery", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/study-room/uptime/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, "instance-123", nil, nil, nil)

	want := map[string]string{
		"uptime":             "Uptime",
		"version":            "Version",
		"turns_today":        "Turns Today",
		"corrections_today":  "Corrections Today",
		"articles_today":     "Articles Today",
		"last_turn":          "Last Turn",
		"conversation_model": "Conversation Model",
	}
	defs := p.sensorDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(want))
	}

	for _, d := range defs {
		name, ok := want[d.entitySuffix]
		if !ok {
			t.Errorf("unexpected sensor %q", d.entitySuffix)
			continue
		}
		if d.config.Name != name {
			t.Errorf("sensor %s: Name = %q, want %q", d.entitySuffix, d.config.Name, name)
		}
		// HA prefixes the device name itself when HasEntityName is set.
		if strings.Contains(d.config.Name, cfg.DeviceName) || !d.config.HasEntityName {
			t.Errorf("sensor %s: double-prefixed entity name", d.entitySuffix)
		}
		if d.config.ObjectID != d.entitySuffix {
			t.Errorf("sensor %s: ObjectID = %q", d.entitySuffix, d.config.ObjectID)
		}
		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("sensor %s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.AvailabilityTopic != "parley/study-room/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
	}
}

func TestPublisher_Discovery(t *testing.T) {
	p := New(testConfig(), "instance-123", nil, nil, nil)
	fb := &fakeBroker{}

	p.publishDiscovery(context.Background(), fb)
	p.publishAvailability(context.Background(), fb, "online")

	msgs := fb.byTopic()
	cfgMsg, ok := msgs["homeassistant/sensor/study-room/last_turn/config"]
	if !ok {
		t.Fatalf("no discovery for last_turn; topics = %v", len(msgs))
	}
	if !cfgMsg.Retain || cfgMsg.QoS != 1 {
		t.Errorf("discovery retain=%v qos=%d, want retained QoS 1", cfgMsg.Retain, cfgMsg.QoS)
	}
	var sc SensorConfig
	if err := json.Unmarshal(cfgMsg.Payload, &sc); err != nil {
		t.Fatal(err)
	}
	if sc.JsonAttributesTopic != "parley/study-room/turn" {
		t.Errorf("last_turn attributes topic = %q", sc.JsonAttributesTopic)
	}
	if avail := msgs["parley/study-room/availability"]; avail == nil || string(avail.Payload) != "online" {
		t.Errorf("availability = %+v", avail)
	}
}

func TestPublisher_PublishStates(t *testing.T) {
	p := New(testConfig(), "id", nil, staticStats{}, nil)
	fb := connected(p)

	p.publishStates(context.Background())

	msgs := fb.byTopic()
	want := map[string]string{
		"uptime":             "1m30s",
		"version":            "v1.2.3",
		"conversation_model": "gemini-2.0-flash",
		"turns_today":        "0",
		"last_turn":          "never",
	}
	for entity, value := range want {
		m, ok := msgs[p.stateTopic(entity)]
		if !ok {
			t.Errorf("no state for %s", entity)
			continue
		}
		if string(m.Payload) != value {
			t.Errorf("%s = %q, want %q", entity, m.Payload, value)
		}
	}
}

func TestPublisher_PublishTurn(t *testing.T) {
	p := New(testConfig(), "id", nil, nil, nil)
	fb := connected(p)

	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	p.PublishTurn(context.Background(), TurnSummary{
		TurnID:         "t-1",
		Timestamp:      at,
		TopicSource:    "fetched",
		Suggestion:     true,
		CorrectionType: "Grammar",
		Fragments:      4,
		DurationMS:     1200,
	})

	msgs := fb.byTopic()
	turn, ok := msgs["parley/study-room/turn"]
	if !ok {
		t.Fatal("turn summary not published")
	}
	if turn.Retain {
		t.Error("turn summaries should not be retained")
	}
	var got TurnSummary
	if err := json.Unmarshal(turn.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.TurnID != "t-1" || got.CorrectionType != "Grammar" || !got.Timestamp.Equal(at) {
		t.Errorf("summary = %+v", got)
	}

	for entity, value := range map[string]string{
		"turns_today":       "1",
		"corrections_today": "1",
		"articles_today":    "1",
		"last_turn":         at.Format(time.RFC3339),
	} {
		if m := msgs[p.stateTopic(entity)]; m == nil || string(m.Payload) != value {
			t.Errorf("%s state = %+v, want %q", entity, m, value)
		}
	}
	if _, ok := msgs[p.stateTopic("uptime")]; ok {
		t.Error("turn refresh should only touch daily sensors")
	}
}

func TestPublisher_PublishTurn_Disconnected(t *testing.T) {
	p := New(testConfig(), "id", nil, nil, nil)

	p.PublishTurn(context.Background(), TurnSummary{TurnID: "t-1", TopicSource: "found"})

	if turns, _, articles, last := p.daily.Snapshot(); turns != 1 || articles != 0 || last.IsZero() {
		t.Errorf("snapshot = %d turns, %d articles, last %v", turns, articles, last)
	}
}

func TestPublisher_PublishErrorsAreAbsorbed(t *testing.T) {
	p := New(testConfig(), "id", nil, staticStats{}, nil)
	fb := connected(p)
	fb.err = errors.New("broker gone")

	p.PublishTurn(context.Background(), TurnSummary{TurnID: "t-1"})
	p.publishStates(context.Background())

	if len(fb.msgs) == 0 {
		t.Error("expected publish attempts")
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p := New(testConfig(), "id", nil, nil, nil)
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection() should fail before Start")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start = %v", err)
	}
}

func TestDailyStats_Rollover(t *testing.T) {
	now := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	d := NewDailyStats(time.UTC)
	d.now = func() time.Time { return now }
	d.day = now.YearDay()

	d.Record(TurnSummary{Suggestion: true, TopicSource: "fetched", Timestamp: now})
	d.Record(TurnSummary{TopicSource: "found", Timestamp: now})
	if turns, corrections, articles, _ := d.Snapshot(); turns != 2 || corrections != 1 || articles != 1 {
		t.Errorf("before midnight = %d/%d/%d", turns, corrections, articles)
	}

	now = now.Add(2 * time.Minute)
	if turns, corrections, articles, _ := d.Snapshot(); turns != 0 || corrections != 0 || articles != 0 {
		t.Errorf("after midnight = %d/%d/%d, want zeros", turns, corrections, articles)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if !(config.MQTTConfig{Broker: "mqtt://localhost"}).Configured() {
		t.Error("broker set should be configured")
	}
	if (config.MQTTConfig{DeviceName: "parley"}).Configured() {
		t.Error("missing broker should not be configured")
	}
}
