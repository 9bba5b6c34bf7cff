package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"strategy-engine/internal/events"
	"strategy-engine/internal/gateway"
)

// SystemMetrics tracks engine activity derived from lifecycle events and API traffic.
type SystemMetrics struct {
	APILatency *LatencyHistogram
	// CycleGap measures the time between consecutive completed cycles of the same task.
	CycleGap *LatencyHistogram

	cyclesCompleted uint64
	iterationErrors uint64
	tasksStarted    uint64
	tasksFailed     uint64
	promotions      uint64
	modeChanges     uint64
	apiRequests     uint64
	apiErrors       uint64

	mu        sync.Mutex
	lastCycle map[string]time.Time // by task id
	running   map[string]struct{}

	poolStats func() gateway.PoolStats
	started   time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a metrics instance. poolStats may be nil.
func NewSystemMetrics(poolStats func() gateway.PoolStats) *SystemMetrics {
	return &SystemMetrics{
		APILatency: NewLatencyHistogram(1000),
		CycleGap:   NewLatencyHistogram(1000),
		lastCycle:  make(map[string]time.Time),
		running:    make(map[string]struct{}),
		poolStats:  poolStats,
		started:    time.Now(),
	}
}

// NewLatencyHistogram creates a histogram with the given window size.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Observe folds one lifecycle event into the counters.
func (m *SystemMetrics) Observe(msg events.Message) {
	switch msg.Event {
	case events.EventTaskStarted:
		atomic.AddUint64(&m.tasksStarted, 1)
		m.mu.Lock()
		m.running[msg.TaskID] = struct{}{}
		m.mu.Unlock()
	case events.EventTaskStopped, events.EventTaskFailed:
		if msg.Event == events.EventTaskFailed {
			atomic.AddUint64(&m.tasksFailed, 1)
		}
		m.mu.Lock()
		delete(m.running, msg.TaskID)
		delete(m.lastCycle, msg.TaskID)
		m.mu.Unlock()
	case events.EventCycleCompleted:
		atomic.AddUint64(&m.cyclesCompleted, 1)
		m.mu.Lock()
		prev, ok := m.lastCycle[msg.TaskID]
		m.lastCycle[msg.TaskID] = msg.Time
		m.mu.Unlock()
		if ok && msg.Time.After(prev) {
			m.CycleGap.RecordDuration(msg.Time.Sub(prev))
		}
	case events.EventIterationError:
		atomic.AddUint64(&m.iterationErrors, 1)
	case events.EventPromoted:
		atomic.AddUint64(&m.promotions, 1)
	case events.EventModeChanged:
		atomic.AddUint64(&m.modeChanges, 1)
	}
}

// ObserveRequest records one API request.
func (m *SystemMetrics) ObserveRequest(latency time.Duration, status int) {
	atomic.AddUint64(&m.apiRequests, 1)
	if status >= 400 {
		atomic.AddUint64(&m.apiErrors, 1)
	}
	m.APILatency.RecordDuration(latency)
}

// MetricsSnapshot is a point-in-time view for the control API.
type MetricsSnapshot struct {
	RunningTasks    int                `json:"running_tasks"`
	TasksStarted    uint64             `json:"tasks_started"`
	TasksFailed     uint64             `json:"tasks_failed"`
	CyclesCompleted uint64             `json:"cycles_completed"`
	IterationErrors uint64             `json:"iteration_errors"`
	Promotions      uint64             `json:"promotions"`
	ModeChanges     uint64             `json:"mode_changes"`
	APIRequests     uint64             `json:"api_requests"`
	APIErrors       uint64             `json:"api_errors"`
	APILatency      LatencyStats       `json:"api_latency_ms"`
	CycleGap        LatencyStats       `json:"cycle_gap_ms"`
	GatewayPool     *gateway.PoolStats `json:"gateway_pool,omitempty"`
	GoroutineCount  int                `json:"goroutine_count"`
	HeapAlloc       uint64             `json:"heap_alloc_bytes"`
	Uptime          string             `json:"uptime"`
	Timestamp       time.Time          `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	running := len(m.running)
	m.mu.Unlock()

	snap := MetricsSnapshot{
		RunningTasks:    running,
		TasksStarted:    atomic.LoadUint64(&m.tasksStarted),
		TasksFailed:     atomic.LoadUint64(&m.tasksFailed),
		CyclesCompleted: atomic.LoadUint64(&m.cyclesCompleted),
		IterationErrors: atomic.LoadUint64(&m.iterationErrors),
		Promotions:      atomic.LoadUint64(&m.promotions),
		ModeChanges:     atomic.LoadUint64(&m.modeChanges),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		APILatency:      m.APILatency.Stats(),
		CycleGap:        m.CycleGap.Stats(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Uptime:          time.Since(m.started).Round(time.Second).String(),
		Timestamp:       time.Now(),
	}
	if m.poolStats != nil {
		ps := m.poolStats()
		snap.GatewayPool = &ps
	}
	return snap
}
