package usecase

import (
	"context"
	"sync"
	"time"

	domrepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"
)

// HealthChecker is anything with a connectivity probe, typically the bar store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthMonitor tracks store connectivity. The pipeline turns unhealthy after
// threshold consecutive failed probes and healthy again on the first success.
type HealthMonitor struct {
	store     HealthChecker
	threshold int
	timeout   time.Duration
	metrics   domrepo.Metrics
	l         *applogger.Logger

	mu        sync.RWMutex
	healthy   bool
	failures  int
	lastErr   error
	lastCheck time.Time
	onRecover []func()
}

func NewHealthMonitor(store HealthChecker, threshold int, metrics domrepo.Metrics, l *applogger.Logger) *HealthMonitor {
	if threshold <= 0 {
		threshold = 1
	}
	if l == nil {
		l = applogger.NewNop()
	}
	metrics.SetStoreHealthy(true)
	return &HealthMonitor{store: store, threshold: threshold, timeout: 5 * time.Second, metrics: metrics, l: l, healthy: true}
}

// OnRecover registers fn to run after the store comes back.
func (m *HealthMonitor) OnRecover(fn func()) {
	m.mu.Lock()
	m.onRecover = append(m.onRecover, fn)
	m.mu.Unlock()
}

// Check probes the store once and returns the resulting health.
func (m *HealthMonitor) Check(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.store.Health(cctx)
	cancel()

	m.mu.Lock()
	m.lastCheck = time.Now()
	m.lastErr = err
	var recovered []func()
	switch {
	case err != nil:
		m.failures++
		if m.healthy && m.failures >= m.threshold {
			m.healthy = false
			m.metrics.SetStoreHealthy(false)
			m.l.Error("store connectivity lost, pausing pipeline",
				applogger.Int("failures", m.failures), applogger.Error(err))
		}
	case !m.healthy:
		m.healthy = true
		m.failures = 0
		m.metrics.SetStoreHealthy(true)
		m.l.Info("store connectivity restored, resuming pipeline")
		recovered = append(recovered, m.onRecover...)
	default:
		m.failures = 0
	}
	healthy := m.healthy
	m.mu.Unlock()

	for _, fn := range recovered {
		fn()
	}
	return healthy
}

// Healthy implements HealthGate.
func (m *HealthMonitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// HealthStatus is the readiness view of the monitor.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check,omitempty"`
}

func (m *HealthMonitor) Status() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := HealthStatus{Healthy: m.healthy, Failures: m.failures, LastCheck: m.lastCheck}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
