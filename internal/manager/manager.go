// Package manager owns the set of listener supervisors: it loads
// configurations, spawns and stops supervisors to match, and reloads on a
// fixed interval. Config changes are applied as stop+respawn; there is no
// hot-apply.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/orderbook-capture/internal/listener"
	"github.com/rickgao/orderbook-capture/internal/metrics"
	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/sink"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

const (
	// shutdownDeadline bounds parallel supervisor shutdown on exit.
	shutdownDeadline = 10 * time.Second

	// healthInterval is how often listener error counts are inspected.
	healthInterval = time.Minute

	// highErrorThreshold triggers a health warning for a listener.
	highErrorThreshold = 100
)

// Config holds manager settings.
type Config struct {
	ReloadInterval time.Duration
}

// running tracks one spawned supervisor.
type running struct {
	listener *listener.Listener
	cfg      model.ListenerConfig
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager spawns one supervisor per active listener configuration.
type Manager struct {
	cfg     Config
	factory AdapterFactory
	sources []ConfigSource
	snk     sink.Sink
	mets    *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[string]*running
	failed    map[string]struct{} // Auth-failed IDs; not respawned until their config changes
	failedCfg map[string]model.ListenerConfig
}

// New creates a manager. The sink is the single shared instance injected
// into every supervisor.
func New(cfg Config, factory AdapterFactory, sources []ConfigSource, snk sink.Sink, mets *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = time.Minute
	}
	return &Manager{
		cfg:       cfg,
		factory:   factory,
		sources:   sources,
		snk:       snk,
		mets:      mets,
		logger:    logger.With("component", "manager"),
		listeners: make(map[string]*running),
		failed:    make(map[string]struct{}),
		failedCfg: make(map[string]model.ListenerConfig),
	}
}

// Run starts the manager and blocks until the context is cancelled, then
// shuts all supervisors down in parallel under the shutdown deadline.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("manager starting")

	m.reload(ctx)

	ticker := time.NewTicker(m.cfg.ReloadInterval)
	health := time.NewTicker(healthInterval)
	defer ticker.Stop()
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.logger.Info("manager stopped")
			return ctx.Err()
		case <-ticker.C:
			m.reload(ctx)
		case <-health.C:
			m.checkHealth()
		}
	}
}

// Status returns a summary for every running listener.
func (m *Manager) Status() []listener.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]listener.Status, 0, len(m.listeners))
	for _, r := range m.listeners {
		out = append(out, r.listener.Status())
	}
	return out
}

// reload loads active configs and reconciles the running set: new configs
// spawn, missing or inactive ones stop, changed ones stop and respawn.
func (m *Manager) reload(ctx context.Context) {
	var configs []model.ListenerConfig
	for _, src := range m.sources {
		loaded, err := src.LoadActive(ctx)
		if err != nil {
			m.logger.Error("config load failed", "error", err)
			continue
		}
		configs = append(configs, loaded...)
	}

	byID := make(map[string]model.ListenerConfig, len(configs))
	for _, c := range configs {
		byID[c.ID] = c
	}

	m.mu.Lock()
	var toStop []*running
	var toSpawn []model.ListenerConfig

	for id, r := range m.listeners {
		cfg, ok := byID[id]
		if !ok {
			m.logger.Info("listener config gone, stopping", "listener", r.cfg.Name)
			toStop = append(toStop, r)
			delete(m.listeners, id)
			continue
		}
		if !r.cfg.Equal(cfg) {
			m.logger.Info("listener config changed, respawning", "listener", cfg.Name)
			toStop = append(toStop, r)
			delete(m.listeners, id)
			toSpawn = append(toSpawn, cfg)
		}
	}

	for id, cfg := range byID {
		if _, ok := m.listeners[id]; ok {
			continue
		}
		if _, failed := m.failed[id]; failed {
			// Auth failures are not auto-restarted: respawn only when the
			// config itself changed.
			if prev, ok := m.failedCfg[id]; ok && prev.Equal(cfg) {
				continue
			}
			delete(m.failed, id)
			delete(m.failedCfg, id)
		}
		alreadyQueued := false
		for _, c := range toSpawn {
			if c.ID == id {
				alreadyQueued = true
				break
			}
		}
		if !alreadyQueued {
			toSpawn = append(toSpawn, cfg)
		}
	}
	m.mu.Unlock()

	for _, r := range toStop {
		m.stopListener(r)
	}
	for _, cfg := range toSpawn {
		m.spawn(ctx, cfg)
	}

	m.mu.Lock()
	m.mets.SetActiveListeners(len(m.listeners))
	m.mu.Unlock()
}

// spawn builds adapters and starts one supervisor. Construction failures
// (bad filters, missing credentials) skip the listener without affecting
// peers.
func (m *Manager) spawn(ctx context.Context, cfg model.ListenerConfig) {
	discovery, feed, err := m.factory.New(cfg)
	if err != nil {
		m.logger.Error("cannot build listener, skipping", "listener", cfg.Name, "error", err)
		return
	}

	l := listener.New(cfg, discovery, feed, m.snk, m.mets, m.logger)

	lctx, cancel := context.WithCancel(ctx)
	r := &running{
		listener: l,
		cfg:      cfg,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.listeners[cfg.ID] = r
	m.mu.Unlock()

	go func() {
		defer close(r.done)
		err := l.Run(lctx)

		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("listener exited with error", "listener", cfg.Name, "error", err)
			m.mu.Lock()
			delete(m.listeners, cfg.ID)
			if errors.Is(err, venue.ErrAuth) {
				m.failed[cfg.ID] = struct{}{}
				m.failedCfg[cfg.ID] = cfg
			}
			m.mu.Unlock()
		}
	}()

	m.logger.Info("listener spawned", "listener", cfg.Name, "platform", cfg.Platform)
}

// stopListener cancels one supervisor and waits briefly for it to drain.
func (m *Manager) stopListener(r *running) {
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(shutdownDeadline):
		m.logger.Warn("listener stop timed out", "listener", r.cfg.Name)
	}
}

// stopAll shuts every supervisor down in parallel under one deadline.
func (m *Manager) stopAll() {
	m.mu.Lock()
	all := make([]*running, 0, len(m.listeners))
	for id, r := range m.listeners {
		all = append(all, r)
		delete(m.listeners, id)
	}
	m.mu.Unlock()

	if len(all) == 0 {
		return
	}

	deadline := time.After(shutdownDeadline)
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, r := range all {
			wg.Add(1)
			go func(r *running) {
				defer wg.Done()
				r.cancel()
				<-r.done
			}(r)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all listeners stopped", "count", len(all))
	case <-deadline:
		m.logger.Warn("shutdown deadline reached, abandoning remaining listeners")
	}
}

// checkHealth flags listeners accumulating handling errors.
func (m *Manager) checkHealth() {
	for _, st := range m.Status() {
		if st.EventsFailed > highErrorThreshold {
			m.logger.Warn("listener error count high",
				"listener", st.Name,
				"failed", st.EventsFailed,
				"processed", st.EventsProcessed,
			)
		}
	}
}
