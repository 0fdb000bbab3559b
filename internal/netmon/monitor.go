// Package netmon tracks transport-link and backend connectivity, measures
// latency, classifies connection quality and drives automatic reconnection
// with capped exponential backoff.
package netmon

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/openparish/parishd/internal/domain"
	"github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/metrics"
)

// Quality thresholds for measured probe latency.
const (
	excellentThreshold = 200 * time.Millisecond
	goodThreshold      = 500 * time.Millisecond
)

// Config tunes the monitor's timers and the reconnection loop.
type Config struct {
	HealthCheckInterval  time.Duration
	LatencyInterval      time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:  30 * time.Second,
		LatencyInterval:      2 * time.Minute,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 10,
	}
}

// Subscriber receives the full current state synchronously on subscription
// and on every subsequent change.
type Subscriber func(domain.NetworkState)

// Monitor owns the process-wide NetworkState. It is constructed explicitly
// and injected; Start and Destroy bound its timer lifecycle.
type Monitor struct {
	cfg    Config
	prober Prober
	clock  clockwork.Clock
	rng    *rand.Rand

	// probeLimiter keeps event-driven probe triggers (link flaps, focus
	// regains) from stampeding the backend.
	probeLimiter *rate.Limiter

	mu          sync.Mutex
	state       domain.NetworkState
	subscribers map[int]Subscriber
	nextSubID   int

	started       bool
	stopHealth    func()
	stopLatency   func()
	reconnecting  bool
	stopReconnect chan struct{}
}

// NewMonitor creates a monitor. The link starts up and the backend
// unverified until the first probe.
func NewMonitor(cfg Config, prober Prober, clock clockwork.Clock) *Monitor {
	return &Monitor{
		cfg:          cfg,
		prober:       prober,
		clock:        clock,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		probeLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
		state: domain.NetworkState{
			LinkUp:  true,
			Quality: domain.QualityOffline,
		},
		subscribers: make(map[int]Subscriber),
	}
}

// Start probes once and arms the health-check and latency tickers.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.probe(ctx)
	m.stopHealth = m.startTicker(ctx, m.cfg.HealthCheckInterval, m.healthTick)
	m.stopLatency = m.startTicker(ctx, m.cfg.LatencyInterval, m.latencyTick)
}

// Destroy stops all timers and drops subscribers. Idempotent.
func (m *Monitor) Destroy() {
	m.StopReconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopHealth != nil {
		m.stopHealth()
		m.stopHealth = nil
	}
	if m.stopLatency != nil {
		m.stopLatency()
		m.stopLatency = nil
	}
	m.subscribers = make(map[int]Subscriber)
	m.started = false
}

func (m *Monitor) startTicker(ctx context.Context, interval time.Duration, tick func(context.Context)) func() {
	ticker := m.clock.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.Chan():
				tick(ctx)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func (m *Monitor) healthTick(ctx context.Context) {
	m.mu.Lock()
	linkUp := m.state.LinkUp
	m.mu.Unlock()
	if !linkUp {
		return
	}
	m.probe(ctx)
}

// latencyTick refreshes the latency measurement. A timeout here degrades
// quality to poor without flipping backend connectivity; only the health
// check decides reachability.
func (m *Monitor) latencyTick(ctx context.Context) {
	m.mu.Lock()
	reachable := m.state.LinkUp && m.state.BackendConnected
	m.mu.Unlock()
	if !reachable {
		return
	}

	latency, err := m.prober.Probe(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.state.BackendConnected {
			m.state.Quality = domain.QualityPoor
			m.notifyLocked()
		}
		return
	}
	m.state.LatencyMs = latency.Milliseconds()
	m.state.Quality = qualityFor(latency)
	m.publishQualityLocked()
	m.notifyLocked()
}

// State returns a copy of the current state.
func (m *Monitor) State() domain.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a subscriber, delivers the current state to it
// synchronously, and returns an unsubscribe function. Notifications are
// delivered in subscription order and always carry the latest state.
func (m *Monitor) Subscribe(sub Subscriber) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = sub
	snapshot := m.state
	m.mu.Unlock()

	sub(snapshot)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// SetLinkUp feeds the transport-link signal (host network hooks, LB health,
// or tests). Coming up resets reconnect attempts and probes the backend;
// going down marks the backend unreachable immediately without probing.
func (m *Monitor) SetLinkUp(ctx context.Context, up bool) {
	m.mu.Lock()
	if m.state.LinkUp == up {
		m.mu.Unlock()
		return
	}
	m.state.LinkUp = up
	now := m.clock.Now()

	if up {
		m.state.ReconnectAttempts = 0
		// Subscribers see the link transition even when the follow-up probe
		// is rate-limiter suppressed.
		m.notifyLocked()
		m.mu.Unlock()
		slog.Info("Transport link up, probing backend")
		m.ProbeBackend(ctx)
		return
	}

	m.state.BackendConnected = false
	m.state.Quality = domain.QualityOffline
	m.state.LastDisconnectedAt = &now
	m.publishQualityLocked()
	slog.Info("Transport link down")
	m.notifyLocked()
	m.mu.Unlock()
}

// ProbeBackend issues one reachability probe and folds the result into the
// state. Returns whether the backend is reachable. Event-driven triggers are
// rate-limited; the internal timers and the reconnect loop pace themselves.
func (m *Monitor) ProbeBackend(ctx context.Context) bool {
	if !m.probeLimiter.Allow() {
		m.mu.Lock()
		connected := m.state.BackendConnected
		m.mu.Unlock()
		return connected
	}
	return m.probe(ctx)
}

func (m *Monitor) probe(ctx context.Context) bool {
	latency, err := m.prober.Probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if err != nil {
		metrics.BackendProbesTotal.WithLabelValues("failure").Inc()
		wasConnected := m.state.BackendConnected
		m.state.BackendConnected = false
		m.state.Quality = domain.QualityOffline
		if wasConnected {
			m.state.LastDisconnectedAt = &now
		}
		m.publishQualityLocked()
		slog.Warn("Backend probe failed", "error", err, "link_up", m.state.LinkUp)
		m.notifyLocked()
		return false
	}

	metrics.BackendProbesTotal.WithLabelValues("success").Inc()
	metrics.BackendProbeLatency.Observe(latency.Seconds())

	m.state.BackendConnected = true
	m.state.LastConnectedAt = &now
	m.state.LatencyMs = latency.Milliseconds()
	if m.state.LinkUp {
		m.state.Quality = qualityFor(latency)
	} else {
		m.state.Quality = domain.QualityOffline
	}
	m.publishQualityLocked()
	m.notifyLocked()
	return true
}

// StartReconnect begins the reconnection loop: probe, then schedule the next
// attempt after min(base * 2^attempt, cap) plus jitter, until the backend
// answers or attempts are exhausted. A second call while running is a no-op.
func (m *Monitor) StartReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.stopReconnect = make(chan struct{})
	stop := m.stopReconnect
	m.mu.Unlock()

	go m.reconnectLoop(ctx, stop)
}

// StopReconnect halts the loop. Idempotent, safe if never started.
func (m *Monitor) StopReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reconnecting {
		return
	}
	m.reconnecting = false
	close(m.stopReconnect)
}

func (m *Monitor) reconnectLoop(ctx context.Context, stop <-chan struct{}) {
	for attempt := 0; attempt < m.cfg.ReconnectMaxAttempts; attempt++ {
		if m.probe(ctx) {
			metrics.ReconnectAttempts.WithLabelValues("success").Inc()
			m.mu.Lock()
			m.state.ReconnectAttempts = 0
			m.reconnecting = false
			m.notifyLocked()
			m.mu.Unlock()
			return
		}

		metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
		m.mu.Lock()
		m.state.ReconnectAttempts = attempt + 1
		m.notifyLocked()
		m.mu.Unlock()

		delay := m.backoffDelay(attempt)
		slog.Debug("Reconnect attempt failed, backing off",
			"attempt", attempt+1, "delay", delay)

		select {
		case <-m.clock.After(delay):
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}

	metrics.ReconnectAttempts.WithLabelValues("exhausted").Inc()
	slog.Warn("Reconnection attempts exhausted",
		"max_attempts", m.cfg.ReconnectMaxAttempts)
	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
}

func (m *Monitor) backoffDelay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := m.cfg.ReconnectBaseDelay * time.Duration(1<<uint(attempt))
	if delay > m.cfg.ReconnectMaxDelay || delay <= 0 {
		delay = m.cfg.ReconnectMaxDelay
	}
	jitter := time.Duration(m.rng.Int63n(int64(m.cfg.ReconnectBaseDelay)))
	return delay + jitter
}

// StateError translates the current state into a classified error, or nil
// when the backend is reachable. The controller uses this to decide between
// cached fallback and hard failure.
func (m *Monitor) StateError() *errors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.LinkUp {
		return errors.NetworkError("transport link is down", nil)
	}
	if !m.state.BackendConnected {
		return errors.BackendUnavailableError("auth backend is unreachable", nil)
	}
	return nil
}

// notifyLocked delivers the current state to all subscribers in subscription
// order. Caller holds m.mu, so every delivery reflects the latest value.
func (m *Monitor) notifyLocked() {
	snapshot := m.state
	ids := make([]int, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	// map iteration order is random; deliver in subscription (id) order
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for _, id := range ids {
		m.subscribers[id](snapshot)
	}
}

func (m *Monitor) publishQualityLocked() {
	metrics.ConnectionQuality.Set(qualityToFloat(m.state.Quality))
}

func qualityFor(latency time.Duration) domain.ConnectionQuality {
	switch {
	case latency < excellentThreshold:
		return domain.QualityExcellent
	case latency < goodThreshold:
		return domain.QualityGood
	default:
		return domain.QualityPoor
	}
}

func qualityToFloat(q domain.ConnectionQuality) float64 {
	switch q {
	case domain.QualityPoor:
		return 1
	case domain.QualityGood:
		return 2
	case domain.QualityExcellent:
		return 3
	default:
		return 0
	}
}
