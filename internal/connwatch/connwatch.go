// Package connwatch tracks whether Parley's upstream services are
// reachable: the model providers the agents call and, when configured,
// the MQTT broker.
//
// It complements httpkit's transport retry, which only rides out
// sub-second dial failures. A watcher probes its service with capped
// exponential backoff at startup, then polls on a fixed interval and
// reports every ready/down transition. /health reads the result instead
// of dialing upstreams on each request.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the delay after the first failed startup probe.
	Initial time.Duration
	// Max caps the startup delay growth.
	Max time.Duration
	// Attempts is the number of startup probes before the watcher
	// settles into polling.
	Attempts uint64
	// Poll is the interval between background probes.
	Poll time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... capped at 60s for ten startup
// attempts, then every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  2 * time.Second,
		Max:      60 * time.Second,
		Attempts: 10,
		Poll:     60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Attempts == 0 {
		b.Attempts = d.Attempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// schedule is the startup retry schedule. The first probe is not a
// retry, hence Attempts-1.
func (b Backoff) schedule() retry.Backoff {
	s := retry.NewExponential(b.Initial)
	s = retry.WithCappedDuration(b.Max, s)
	s = retry.WithJitterPercent(10, s)
	return retry.WithMaxRetries(b.Attempts-1, s)
}

// Service describes one upstream to watch.
type Service struct {
	// Name identifies the service in logs and status maps, e.g.
	// "llm:gemini" or "mqtt".
	Name  string
	Probe ProbeFunc
	// Backoff zero fields take [DefaultBackoff] values.
	Backoff Backoff
	// OnChange is called from the watcher goroutine after every
	// ready/down transition, including the first successful probe. It
	// must not block.
	OnChange func(Status)
}

// Status is the health of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Checks    int       `json:"checks"`
}

type watcher struct {
	svc    Service
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	err    error
}

func (w *watcher) snapshot() (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.err
}

// record stores a probe result and reports whether readiness changed.
func (w *watcher) record(err error) (Status, bool) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status.Checks++
	w.status.LastCheck = now
	w.err = err
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}

	// A service starts out not ready, so failures before the first
	// success are not transitions.
	ready := err == nil
	changed := ready != w.status.Ready
	if changed {
		w.status.Ready = ready
		w.status.Since = now
	}
	return w.status, changed
}

func (w *watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.svc.Backoff.Timeout)
	defer cancel()
	err := w.svc.Probe(ctx)
	if st, changed := w.record(err); changed {
		if st.Ready {
			w.logger.Info("service ready", "checks", st.Checks)
		} else {
			w.logger.Warn("service unreachable", "error", err)
		}
		if w.svc.OnChange != nil {
			w.svc.OnChange(st)
		}
	}
	return err
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.done)

	attempt := 0
	err := retry.Do(ctx, w.svc.Backoff.schedule(), func(ctx context.Context) error {
		attempt++
		if err := w.probe(ctx); err != nil {
			w.logger.Debug("startup probe failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.logger.Info("startup probes exhausted, polling in background",
			"attempts", attempt,
			"poll", w.svc.Backoff.Poll,
		)
	}

	ticker := time.NewTicker(w.svc.Backoff.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.probe(ctx)
		}
	}
}

// Manager runs one watcher per service.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*watcher
	logger   *slog.Logger
}

// NewManager creates a manager with no services.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts watching svc until ctx is cancelled or [Manager.Stop] is
// called. Watching a name twice is an error.
func (m *Manager) Watch(ctx context.Context, svc Service) error {
	if svc.Name == "" || svc.Probe == nil {
		return errors.New("connwatch: service needs a name and a probe")
	}
	svc.Backoff = svc.Backoff.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.watchers[svc.Name]; dup {
		return fmt.Errorf("connwatch: %s is already watched", svc.Name)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		svc:    svc,
		logger: m.logger.With("service", svc.Name),
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: svc.Name},
	}
	m.watchers[svc.Name] = w
	go w.run(ctx)
	return nil
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name], _ = w.snapshot()
	}
	return out
}

// Ready returns nil when every watched service is reachable, and
// otherwise one error per unreachable service, in name order. A service
// that has not been probed yet counts as unreachable.
func (m *Manager) Ready() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.watchers))
	for name := range m.watchers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		m.mu.RLock()
		w := m.watchers[name]
		m.mu.RUnlock()

		st, err := w.snapshot()
		switch {
		case st.Ready:
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		default:
			errs = append(errs, fmt.Errorf("%s: not checked yet", name))
		}
	}
	return errors.Join(errs...)
}

// Stop cancels every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.cancel()
		<-w.done
	}
}
