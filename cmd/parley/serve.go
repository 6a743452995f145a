package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/mqtt"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), g.configPath)
		},
	}
}

// runServe is the primary operating mode: it loads config, opens the
// database, builds the turn pipeline, starts the optional MQTT
// publisher and serves the API until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Upstream watchers stop probing
//  3. The MQTT publisher marks the device offline and disconnects
//  4. The HTTP server drains in-flight requests
//  5. The database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"search", cfg.Search.Provider,
	)

	// --- Observability ---
	// Stage and turn timings fan out to the event bus (for /ws/events)
	// and, when enabled, Prometheus.
	bus := events.New()
	observers := metrics.Observers{bus}
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		observers = append(observers, collector)
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.buildTurns(ctx, observers); err != nil {
		return err
	}

	// --- MQTT publisher ---
	// Optional: announces Parley as a Home Assistant device and
	// publishes a summary of every turn.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		stats := &mqttStatsAdapter{model: cfg.Agents.Conversation.Model}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyStats(time.Local), stats, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Upstream health ---
	// Model providers and the broker are probed in the background so
	// /health answers from the last result.
	watch, err := watchUpstreams(ctx, a.llm, mqttPub, bus, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Address:     cfg.Listen.Address,
		Port:        cfg.Listen.Port,
		CORSOrigins: cfg.Listen.CORSOrigins,
		ProfileID:   cfg.Profile.ID,
		MetricsPath: cfg.Metrics.Path,
	}, api.Deps{
		Turns:    a.turns,
		Profiles: a.profiles,
		Recorder: newRecorder(a, mqttPub, collector, bus),
		Metrics:  collector,
		Bus:      bus,
		Ping:     func(context.Context) error { return watch.Ready() },
		Services: watch.Status,
	}, logger)

	if cfg.Listen.ShowQR {
		if err := printQR(stdout, publicURL(cfg.Listen)); err != nil {
			logger.Warn("could not render QR code", "error", err)
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		watch.Stop()

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Parley stopped")
	return nil
}

// watchUpstreams starts one watcher per registered model provider and
// one for the MQTT broker when publishing is enabled.
func watchUpstreams(ctx context.Context, models *llm.MultiClient, pub *mqtt.Publisher, bus *events.Bus, logger *slog.Logger) (*connwatch.Manager, error) {
	m := connwatch.NewManager(logger)
	onChange := serviceChanged(bus)

	for _, name := range models.Providers() {
		client := models.Provider(name)
		err := m.Watch(ctx, connwatch.Service{
			Name:     "llm:" + name,
			Probe:    client.Ping,
			OnChange: onChange,
		})
		if err != nil {
			return nil, err
		}
	}

	if pub != nil {
		err := m.Watch(ctx, connwatch.Service{
			Name: "mqtt",
			Probe: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return pub.AwaitConnection(ctx)
			},
			OnChange: onChange,
		})
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// serviceChanged publishes upstream transitions on the activity feed.
func serviceChanged(bus *events.Bus) func(connwatch.Status) {
	return func(st connwatch.Status) {
		data := map[string]any{"service": st.Name, "ready": st.Ready}
		if !st.Ready {
			data["error"] = st.LastError
		}
		bus.Publish(events.Event{
			Source: events.SourceConnwatch,
			Kind:   events.KindService,
			Data:   data,
		})
	}
}

// newRecorder wires the archive sinks that are enabled. Nil pointers are
// kept out of the interfaces so the recorder can test for absence.
func newRecorder(a *app, pub *mqtt.Publisher, collector *metrics.Collector, bus *events.Bus) *api.TurnRecorder {
	opts := api.RecorderOptions{Bus: bus}
	if pub != nil {
		opts.Publisher = pub
	}
	if collector != nil {
		opts.Observer = collector
	}
	return api.NewTurnRecorder(a.memory, a.profiles, opts, a.logger)
}

// publicURL is where learners reach the server.
func publicURL(l config.ListenConfig) string {
	if l.PublicURL != "" {
		return l.PublicURL
	}
	host := l.Address
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d/", host, l.Port)
}

// printQR renders url as a terminal QR code so a phone can join.
func printQR(w io.Writer, url string) error {
	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, q.ToSmallString(false))
	fmt.Fprintf(w, "Scan to open %s\n", url)
	return nil
}

// mqttStatsAdapter bridges build info and configuration to the MQTT
// publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model string
}

func (a *mqttStatsAdapter) Uptime() time.Duration     { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string           { return buildinfo.Version }
func (a *mqttStatsAdapter) ConversationModel() string { return a.model }
