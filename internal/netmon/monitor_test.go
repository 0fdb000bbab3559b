package netmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparish/parishd/internal/domain"
	apperrors "github.com/openparish/parishd/internal/errors"
)

type fakeProber struct {
	mu      sync.Mutex
	latency time.Duration
	err     error
}

func (f *fakeProber) Probe(context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latency, f.err
}

func (f *fakeProber) set(latency time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = latency
	f.err = err
}

func newTestMonitor(prober Prober) *Monitor {
	cfg := DefaultConfig()
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 10 * time.Millisecond
	cfg.ReconnectMaxAttempts = 3
	return NewMonitor(cfg, prober, clockwork.NewRealClock())
}

func TestProbeBackend_SuccessSetsQualityByLatency(t *testing.T) {
	tests := []struct {
		name    string
		latency time.Duration
		want    domain.ConnectionQuality
	}{
		{"fast probe is excellent", 50 * time.Millisecond, domain.QualityExcellent},
		{"medium probe is good", 350 * time.Millisecond, domain.QualityGood},
		{"slow probe is poor", 800 * time.Millisecond, domain.QualityPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(&fakeProber{latency: tt.latency})

			ok := m.ProbeBackend(context.Background())

			require.True(t, ok)
			state := m.State()
			assert.True(t, state.BackendConnected)
			assert.Equal(t, tt.want, state.Quality)
			assert.Equal(t, tt.latency.Milliseconds(), state.LatencyMs)
			assert.NotNil(t, state.LastConnectedAt)
		})
	}
}

func TestProbeBackend_FailureMeansOffline(t *testing.T) {
	m := newTestMonitor(&fakeProber{err: errors.New("connection refused")})

	ok := m.ProbeBackend(context.Background())

	require.False(t, ok)
	state := m.State()
	assert.False(t, state.BackendConnected)
	assert.Equal(t, domain.QualityOffline, state.Quality)
}

func TestProbeBackend_DisconnectTimestampOnlyOnTransition(t *testing.T) {
	prober := &fakeProber{latency: 50 * time.Millisecond}
	m := newTestMonitor(prober)

	require.True(t, m.ProbeBackend(context.Background()))

	prober.err = errors.New("connection refused")
	require.False(t, m.ProbeBackend(context.Background()))
	first := m.State().LastDisconnectedAt
	require.NotNil(t, first)

	require.False(t, m.ProbeBackend(context.Background()))
	assert.Equal(t, first, m.State().LastDisconnectedAt)
}

func TestSetLinkUp_DownIsImmediateOffline(t *testing.T) {
	prober := &fakeProber{latency: 50 * time.Millisecond}
	m := newTestMonitor(prober)
	require.True(t, m.ProbeBackend(context.Background()))

	m.SetLinkUp(context.Background(), false)

	state := m.State()
	assert.False(t, state.LinkUp)
	assert.False(t, state.BackendConnected)
	assert.Equal(t, domain.QualityOffline, state.Quality)
	assert.NotNil(t, state.LastDisconnectedAt)
}

func TestSetLinkUp_UpProbesAndResetsAttempts(t *testing.T) {
	prober := &fakeProber{latency: 50 * time.Millisecond}
	m := newTestMonitor(prober)
	m.SetLinkUp(context.Background(), false)

	m.SetLinkUp(context.Background(), true)

	state := m.State()
	assert.True(t, state.LinkUp)
	assert.True(t, state.BackendConnected)
	assert.Equal(t, 0, state.ReconnectAttempts)
	assert.Equal(t, domain.QualityExcellent, state.Quality)
}

func TestSetLinkUp_UpNotifiesEvenWhenProbeSuppressed(t *testing.T) {
	prober := &fakeProber{latency: 50 * time.Millisecond}
	m := newTestMonitor(prober)

	// Drain the probe limiter's burst so the link-up probe is suppressed.
	for i := 0; i < 3; i++ {
		m.ProbeBackend(context.Background())
	}
	m.SetLinkUp(context.Background(), false)

	var linkUps int
	unsubscribe := m.Subscribe(func(s domain.NetworkState) {
		if s.LinkUp {
			linkUps++
		}
	})
	defer unsubscribe()
	linkUps = 0

	m.SetLinkUp(context.Background(), true)

	assert.GreaterOrEqual(t, linkUps, 1, "link-up transition must reach subscribers without a probe")
	assert.True(t, m.State().LinkUp)
}

func TestSubscribe_DeliversSnapshotImmediately(t *testing.T) {
	m := newTestMonitor(&fakeProber{latency: 50 * time.Millisecond})

	var got []domain.NetworkState
	unsubscribe := m.Subscribe(func(s domain.NetworkState) {
		got = append(got, s)
	})
	defer unsubscribe()

	require.Len(t, got, 1)
	assert.True(t, got[0].LinkUp)
	assert.Equal(t, domain.QualityOffline, got[0].Quality)
}

func TestSubscribe_NotifiedOnChangeInOrder(t *testing.T) {
	m := newTestMonitor(&fakeProber{latency: 50 * time.Millisecond})

	var order []string
	unsubA := m.Subscribe(func(domain.NetworkState) { order = append(order, "a") })
	defer unsubA()
	unsubB := m.Subscribe(func(domain.NetworkState) { order = append(order, "b") })
	defer unsubB()

	order = order[:0]
	m.ProbeBackend(context.Background())

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	m := newTestMonitor(&fakeProber{latency: 50 * time.Millisecond})

	calls := 0
	unsubscribe := m.Subscribe(func(domain.NetworkState) { calls++ })
	unsubscribe()

	m.ProbeBackend(context.Background())
	assert.Equal(t, 1, calls, "only the initial snapshot should be delivered")
}

func TestStateError_Mapping(t *testing.T) {
	prober := &fakeProber{latency: 50 * time.Millisecond}
	m := newTestMonitor(prober)

	require.True(t, m.ProbeBackend(context.Background()))
	assert.Nil(t, m.StateError())

	prober.err = errors.New("connection refused")
	m.ProbeBackend(context.Background())
	err := m.StateError()
	require.NotNil(t, err)
	assert.Equal(t, apperrors.ClassBackendUnavailable, err.Class)

	m.SetLinkUp(context.Background(), false)
	err = m.StateError()
	require.NotNil(t, err)
	assert.Equal(t, apperrors.ClassNetwork, err.Class)
}

func TestBackoffDelay_CappedWithJitter(t *testing.T) {
	m := newTestMonitor(&fakeProber{})

	for attempt := 0; attempt < 40; attempt++ {
		delay := m.backoffDelay(attempt)
		assert.GreaterOrEqual(t, delay, m.cfg.ReconnectBaseDelay)
		assert.LessOrEqual(t, delay, m.cfg.ReconnectMaxDelay+m.cfg.ReconnectBaseDelay)
	}
}

func TestStartReconnect_StopsOnSuccess(t *testing.T) {
	prober := &fakeProber{err: errors.New("connection refused")}
	cfg := DefaultConfig()
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.ReconnectMaxAttempts = 10000
	m := NewMonitor(cfg, prober, clockwork.NewRealClock())

	m.StartReconnect(context.Background())
	defer m.StopReconnect()

	require.Eventually(t, func() bool {
		return m.State().ReconnectAttempts >= 1
	}, time.Second, time.Millisecond)

	prober.set(50*time.Millisecond, nil)

	require.Eventually(t, func() bool {
		s := m.State()
		return s.BackendConnected && s.ReconnectAttempts == 0
	}, time.Second, time.Millisecond)
}

func TestStopReconnect_Idempotent(t *testing.T) {
	m := newTestMonitor(&fakeProber{err: errors.New("connection refused")})

	m.StopReconnect()
	m.StartReconnect(context.Background())
	m.StopReconnect()
	m.StopReconnect()
}
