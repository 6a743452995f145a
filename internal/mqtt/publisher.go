package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/parley/internal/config"
)

// StatsSource provides the process-level values the sensors report.
// The concrete adapter is wired in cmd/parley.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ConversationModel returns the model the tutor replies with.
	ConversationModel() string
}

// broker is the slice of [autopaho.ConnectionManager] the publisher
// sends through.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection, publishes HA discovery on
// (re-)connect and pushes sensor states on an interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	daily      *DailyStats
	stats      StatsSource
	logger     *slog.Logger

	mu   sync.RWMutex
	cm   *autopaho.ConnectionManager
	conn broker
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, daily *DailyStats, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if daily == nil {
		daily = NewDailyStats(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		daily:      daily,
		stats:      stats,
		logger:     logger,
	}
}

// Device returns the HA device block the sensors reference.
func (p *Publisher) Device() DeviceInfo { return p.device }

// Start connects to the broker and runs the state loop until ctx is
// cancelled. On every (re-)connect it publishes discovery configs and
// a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "parley-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm, p.conn = cm, cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// PublishTurn counts a finished turn and, when connected, publishes its
// summary on the turn topic and refreshes the daily counters. Publish
// failures are logged; telemetry never fails a turn.
func (p *Publisher) PublishTurn(ctx context.Context, s TurnSummary) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	p.daily.Record(s)

	conn := p.broker()
	if conn == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		p.logger.Error("mqtt marshal turn summary", "turn_id", s.TurnID, "error", err)
		return
	}
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.turnTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt turn publish failed", "turn_id", s.TurnID, "error", err)
	}
	p.publishStates(ctx, dailyEntities...)
}

func (p *Publisher) broker() broker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "parley/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) turnTopic() string {
	return p.baseTopic() + "/turn"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// dailyEntities change with every turn.
var dailyEntities = []string{"turns_today", "corrections_today", "articles_today", "last_turn"}

func (p *Publisher) sensorDefinitions() []sensorDef {
	sensor := func(entity, name, icon string, mod func(*SensorConfig)) sensorDef {
		c := SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		}
		if mod != nil {
			mod(&c)
		}
		return sensorDef{entitySuffix: entity, config: c}
	}
	diagnostic := func(c *SensorConfig) { c.EntityCategory = "diagnostic" }
	counter := func(unit string) func(*SensorConfig) {
		return func(c *SensorConfig) {
			c.StateClass = "total_increasing"
			c.UnitOfMeasurement = unit
		}
	}

	return []sensorDef{
		sensor("uptime", "Uptime", "mdi:clock-outline", diagnostic),
		sensor("version", "Version", "mdi:tag", diagnostic),
		sensor("turns_today", "Turns Today", "mdi:chat-processing", counter("turns")),
		sensor("corrections_today", "Corrections Today", "mdi:spellcheck", counter("corrections")),
		sensor("articles_today", "Articles Today", "mdi:newspaper-variant-outline", counter("articles")),
		sensor("last_turn", "Last Turn", "mdi:clock-check", func(c *SensorConfig) {
			c.EntityCategory = "diagnostic"
			c.JsonAttributesTopic = p.turnTopic()
		}),
		sensor("conversation_model", "Conversation Model", "mdi:brain", diagnostic),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, conn broker) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}
		if _, err := conn.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", s.entitySuffix)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, conn broker, status string) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states computes sensor values. A nil StatsSource leaves out the
// process-level sensors.
func (p *Publisher) states() map[string]string {
	turns, corrections, articles, last := p.daily.Snapshot()
	states := map[string]string{
		"turns_today":       strconv.FormatInt(turns, 10),
		"corrections_today": strconv.FormatInt(corrections, 10),
		"articles_today":    strconv.FormatInt(articles, 10),
		"last_turn":         "never",
	}
	if !last.IsZero() {
		states["last_turn"] = last.Format(time.RFC3339)
	}
	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["conversation_model"] = p.stats.ConversationModel()
	}
	return states
}

// publishStates pushes the named entities, or all of them when none
// are named.
func (p *Publisher) publishStates(ctx context.Context, only ...string) {
	conn := p.broker()
	if conn == nil {
		return
	}
	states := p.states()
	if len(only) > 0 {
		subset := make(map[string]string, len(only))
		for _, e := range only {
			if v, ok := states[e]; ok {
				subset[e] = v
			}
		}
		states = subset
	}

	for entity, value := range states {
		if _, err := conn.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
