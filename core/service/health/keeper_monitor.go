// Package health implements the system health monitor. It samples queue
// depth, job error rate, and memory pressure at a bounded interval and
// exposes the aggregate status to the scheduler and cleanup executor, which
// must not start destructive work while the status is critical.
package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Status is the aggregate health level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Signal names reported in snapshots.
const (
	SignalQueueDepth  = "queue_depth"
	SignalErrorRate   = "error_rate"
	SignalHeapBytes   = "heap_bytes"
	SignalGoroutines  = "goroutines"
	SignalStorageUsed = "storage_used_fraction"
)

// EventKind tags monitor events.
type EventKind string

const (
	EventCriticalHealth   EventKind = "criticalHealth"
	EventConnectionClosed EventKind = "connectionClosed"
	EventError            EventKind = "error"
)

// Event is one monitor notification.
type Event struct {
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the monitor's view at one sample.
type Snapshot struct {
	Status          Status             `json:"status"`
	Signals         map[string]float64 `json:"signals"`
	Recommendations []string           `json:"recommendations,omitempty"`
	SampledAt       time.Time          `json:"sampled_at"`
}

// Config sets sampling cadence and thresholds.
type Config struct {
	SampleInterval  time.Duration `json:"sample_interval"`
	ErrorRateWindow time.Duration `json:"error_rate_window"`

	QueueDepthWarn     int64   `json:"queue_depth_warn"`
	QueueDepthCritical int64   `json:"queue_depth_critical"`
	ErrorRateWarn      float64 `json:"error_rate_warn"`
	ErrorRateCritical  float64 `json:"error_rate_critical"`
	HeapWarnBytes      uint64  `json:"heap_warn_bytes"`
	HeapCriticalBytes  uint64  `json:"heap_critical_bytes"`
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() *Config {
	return &Config{
		SampleInterval:     15 * time.Second,
		ErrorRateWindow:    10 * time.Minute,
		QueueDepthWarn:     100,
		QueueDepthCritical: 500,
		ErrorRateWarn:      0.1,
		ErrorRateCritical:  0.5,
		HeapWarnBytes:      1 << 30, // 1 GiB
		HeapCriticalBytes:  2 << 30,
	}
}

type jobOutcome struct {
	at time.Time
	ok bool
}

// Monitor samples system signals and derives the aggregate status.
// DepthFunc and StorageFunc are injected by the bootstrap; either may be
// nil, in which case the signal reads as zero.
type Monitor struct {
	config *Config
	logger zerolog.Logger

	// DepthFunc returns total pending jobs across live user stores.
	DepthFunc func(ctx context.Context) int64

	// StorageFunc returns the used fraction of the storage budget, 0..1.
	StorageFunc func(ctx context.Context) float64

	mu          sync.RWMutex
	outcomes    []jobOutcome
	last        Snapshot
	subscribers []chan Event
	closed      bool
}

// NewMonitor creates the monitor.
func NewMonitor(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		config: config,
		logger: log.With().Str("component", "health_monitor").Logger(),
		last: Snapshot{
			Status:    StatusHealthy,
			Signals:   map[string]float64{},
			SampledAt: time.Now().UTC(),
		},
	}
}

// Run samples until the context ends. Intended as a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			m.closeSubscribers()
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample takes one sample and updates the snapshot.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	signals := map[string]float64{}

	var depth int64
	if m.DepthFunc != nil {
		depth = m.DepthFunc(ctx)
	}
	signals[SignalQueueDepth] = float64(depth)

	errorRate := m.errorRate(time.Now().UTC())
	signals[SignalErrorRate] = errorRate

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	signals[SignalHeapBytes] = float64(mem.HeapAlloc)
	signals[SignalGoroutines] = float64(runtime.NumGoroutine())

	if m.StorageFunc != nil {
		signals[SignalStorageUsed] = m.StorageFunc(ctx)
	}

	status, recommendations := m.assess(depth, errorRate, mem.HeapAlloc)
	snapshot := Snapshot{
		Status:          status,
		Signals:         signals,
		Recommendations: recommendations,
		SampledAt:       time.Now().UTC(),
	}

	m.mu.Lock()
	previous := m.last.Status
	m.last = snapshot
	m.mu.Unlock()

	if status == StatusCritical && previous != StatusCritical {
		m.logger.Warn().Interface("signals", signals).Msg("health turned critical")
		m.publish(Event{Kind: EventCriticalHealth, Message: "system health critical", Timestamp: snapshot.SampledAt})
	}
	return snapshot
}

func (m *Monitor) assess(depth int64, errorRate float64, heap uint64) (Status, []string) {
	var recommendations []string
	status := StatusHealthy

	raise := func(s Status, rec string) {
		if s == StatusCritical || (s == StatusDegraded && status == StatusHealthy) {
			status = s
		}
		recommendations = append(recommendations, rec)
	}

	switch {
	case depth >= m.config.QueueDepthCritical:
		raise(StatusCritical, "queue depth critical; pause destructive work")
	case depth >= m.config.QueueDepthWarn:
		raise(StatusDegraded, "queue backlog building; consider more workers")
	}

	switch {
	case errorRate >= m.config.ErrorRateCritical:
		raise(StatusCritical, "job error rate critical; investigate before new runs")
	case errorRate >= m.config.ErrorRateWarn:
		raise(StatusDegraded, "elevated job error rate")
	}

	switch {
	case heap >= m.config.HeapCriticalBytes:
		raise(StatusCritical, "memory pressure critical")
	case heap >= m.config.HeapWarnBytes:
		raise(StatusDegraded, "memory pressure elevated")
	}

	return status, recommendations
}

// Current returns the latest snapshot without sampling.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// AllowDestructive reports whether new destructive work may start.
func (m *Monitor) AllowDestructive() bool {
	return m.Current().Status != StatusCritical
}

// Pressure maps the current status to a small integer used by the cleanup
// executor's adaptive inter-batch delay.
func (m *Monitor) Pressure() int {
	switch m.Current().Status {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// RecordJobResult feeds the rolling error-rate window.
func (m *Monitor) RecordJobResult(success bool) {
	now := time.Now().UTC()
	m.mu.Lock()
	m.outcomes = append(m.outcomes, jobOutcome{at: now, ok: success})
	m.trimOutcomesLocked(now)
	m.mu.Unlock()
}

func (m *Monitor) errorRate(now time.Time) float64 {
	m.mu.Lock()
	m.trimOutcomesLocked(now)
	outcomes := m.outcomes
	var failed, total int
	for _, o := range outcomes {
		total++
		if !o.ok {
			failed++
		}
	}
	m.mu.Unlock()

	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

func (m *Monitor) trimOutcomesLocked(now time.Time) {
	cutoff := now.Add(-m.config.ErrorRateWindow)
	i := 0
	for ; i < len(m.outcomes); i++ {
		if m.outcomes[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		m.outcomes = append(m.outcomes[:0:0], m.outcomes[i:]...)
	}
}

// Subscribe returns a channel of monitor events. The channel closes when
// the monitor stops. Slow subscribers drop events rather than block.
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 8)
	m.mu.Lock()
	if m.closed {
		close(ch)
	} else {
		m.subscribers = append(m.subscribers, ch)
	}
	m.mu.Unlock()
	return ch
}

func (m *Monitor) publish(event Event) {
	m.mu.RLock()
	subscribers := m.subscribers
	m.mu.RUnlock()
	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (m *Monitor) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}
