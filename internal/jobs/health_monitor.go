package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/metrics"
)

// HealthChecker checks the remote backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Health(ctx context.Context) error { return f(ctx) }

// ConnectivitySink receives connectivity changes.
type ConnectivitySink interface {
	SetConnectivity(ok bool)
}

// ConnectivitySinks fans a change out to several sinks.
type ConnectivitySinks []ConnectivitySink

func (s ConnectivitySinks) SetConnectivity(ok bool) {
	for _, sink := range s {
		sink.SetConnectivity(ok)
	}
}

// HealthMonitor polls the backend health endpoint on an interval. It:
// - exports the result as a gauge
// - logs up/down transitions
// - pushes connectivity changes to the sink
type HealthMonitor struct {
	checker  HealthChecker
	sink     ConnectivitySink
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	known bool
	up    bool
}

// NewHealthMonitor creates a new health monitor. sink and m may be nil.
func NewHealthMonitor(checker HealthChecker, sink ConnectivitySink, m *metrics.Metrics, logger zerolog.Logger, interval time.Duration) *HealthMonitor {
	if interval == 0 {
		interval = 30 * time.Second
	}
	timeout := 10 * time.Second
	if interval < timeout {
		timeout = interval
	}
	return &HealthMonitor{
		checker:  checker,
		sink:     sink,
		metrics:  m,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background job.
func (j *HealthMonitor) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info().Dur("interval", j.interval).Msg("health monitor started")
}

// Stop gracefully stops the background job. It is safe to call twice.
func (j *HealthMonitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

// Up reports the last observed status and whether any check has completed.
func (j *HealthMonitor) Up() (up, known bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.up, j.known
}

func (j *HealthMonitor) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.check()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.check()
		case <-j.stopCh:
			return
		}
	}
}

func (j *HealthMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	err := j.checker.Health(ctx)
	up := err == nil
	j.metrics.SetBackendUp(up)

	j.mu.Lock()
	changed := !j.known || j.up != up
	j.known = true
	j.up = up
	j.mu.Unlock()

	if !changed {
		return
	}
	if up {
		j.logger.Info().Msg("backend reachable")
	} else {
		j.logger.Warn().Err(err).Msg("backend unreachable")
	}
	if j.sink != nil {
		j.sink.SetConnectivity(up)
	}
}
