// Package metrics aggregates global and per-host download counters, a
// duration histogram, and a bounded window of recent durations for
// latency percentiles (spec.md §4.10), and exposes them over a
// Prometheus-text HTTP endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlforge/engine/internal/model"
)

// percentileWindowSize bounds the recent-durations ring buffer.
const percentileWindowSize = 200

type activeEntry struct {
	host  string
	start time.Time
}

// Metrics is the engine's aggregated counters and histograms.
type Metrics struct {
	started          int64
	completed        int64
	failed           int64
	transientRetries int64
	totalBytes       int64
	active           int64

	mu              sync.Mutex
	durationBuckets map[string]int64
	hosts           map[string]*model.HostMetrics
	recentDurations []time.Duration
	recentIdx       int
	entries         map[int64]*activeEntry

	startTime time.Time
	now       func() time.Time
}

// New creates an empty Metrics instance.
func New() *Metrics {
	return &Metrics{
		durationBuckets: map[string]int64{
			"lt_5s":     0,
			"5s_30s":    0,
			"30s_2m":    0,
			"2m_10m":    0,
			"10m_30m":   0,
			"gt_30m":    0,
		},
		hosts:     make(map[string]*model.HostMetrics),
		entries:   make(map[int64]*activeEntry),
		startTime: time.Now(),
		now:       time.Now,
	}
}

func (m *Metrics) hostLocked(host string) *model.HostMetrics {
	h, ok := m.hosts[host]
	if !ok {
		h = &model.HostMetrics{Host: host}
		m.hosts[host] = h
	}
	return h
}

// RecordStart records a download beginning transfer on host.
func (m *Metrics) RecordStart(id int64, host string) {
	atomic.AddInt64(&m.started, 1)
	atomic.AddInt64(&m.active, 1)
	m.mu.Lock()
	m.entries[id] = &activeEntry{host: host, start: m.now()}
	m.mu.Unlock()
}

// RecordBytes adds delta to the running global byte total.
func (m *Metrics) RecordBytes(id int64, delta int64) {
	atomic.AddInt64(&m.totalBytes, delta)
}

// RecordCompleted finalizes a successful transfer: updates the host's
// counters, the duration histogram, and the percentile window.
func (m *Metrics) RecordCompleted(id int64, bytes int64) {
	atomic.AddInt64(&m.completed, 1)
	atomic.AddInt64(&m.active, -1)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)

	duration := m.now().Sub(entry.start)
	h := m.hostLocked(entry.host)
	h.Completed++
	h.TotalBytes += bytes
	h.TotalTransferTime += duration
	if h.MinDuration == 0 || duration < h.MinDuration {
		h.MinDuration = duration
	}
	if duration > h.MaxDuration {
		h.MaxDuration = duration
	}

	m.bucketLocked(duration)
	m.pushDurationLocked(duration)
}

// RecordFailed finalizes a failed transfer: updates the host's error
// counter without touching the latency histogram.
func (m *Metrics) RecordFailed(id int64) {
	atomic.AddInt64(&m.failed, 1)
	atomic.AddInt64(&m.active, -1)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)
	m.hostLocked(entry.host).Errors++
}

// RecordTransientRetry counts a retried (not failed) attempt in the
// global transient-retry counter; host is not recorded per host.
func (m *Metrics) RecordTransientRetry(host string) {
	atomic.AddInt64(&m.transientRetries, 1)
}

// RecordCancelledOrPaused removes a download's in-flight bookkeeping
// without counting it as a completion or a failure.
func (m *Metrics) RecordCancelledOrPaused(id int64) {
	atomic.AddInt64(&m.active, -1)
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

func (m *Metrics) bucketLocked(d time.Duration) {
	switch {
	case d < 5*time.Second:
		m.durationBuckets["lt_5s"]++
	case d < 30*time.Second:
		m.durationBuckets["5s_30s"]++
	case d < 2*time.Minute:
		m.durationBuckets["30s_2m"]++
	case d < 10*time.Minute:
		m.durationBuckets["2m_10m"]++
	case d < 30*time.Minute:
		m.durationBuckets["10m_30m"]++
	default:
		m.durationBuckets["gt_30m"]++
	}
}

func (m *Metrics) pushDurationLocked(d time.Duration) {
	if len(m.recentDurations) < percentileWindowSize {
		m.recentDurations = append(m.recentDurations, d)
		return
	}
	m.recentDurations[m.recentIdx] = d
	m.recentIdx = (m.recentIdx + 1) % percentileWindowSize
}

// GlobalStats is returned by GetGlobalMetrics.
type GlobalStats struct {
	Started          int64
	Completed        int64
	Failed           int64
	TransientRetries int64
	TotalBytes       int64
	Active           int64
	DurationBuckets  map[string]int64
	UptimeSeconds    float64
}

// GetGlobalMetrics returns a snapshot of the global counters.
func (m *Metrics) GetGlobalMetrics() GlobalStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	buckets := make(map[string]int64, len(m.durationBuckets))
	for k, v := range m.durationBuckets {
		buckets[k] = v
	}
	return GlobalStats{
		Started:          atomic.LoadInt64(&m.started),
		Completed:        atomic.LoadInt64(&m.completed),
		Failed:           atomic.LoadInt64(&m.failed),
		TransientRetries: atomic.LoadInt64(&m.transientRetries),
		TotalBytes:       atomic.LoadInt64(&m.totalBytes),
		Active:           atomic.LoadInt64(&m.active),
		DurationBuckets:  buckets,
		UptimeSeconds:    m.now().Sub(m.startTime).Seconds(),
	}
}

// GetHostMetrics returns a snapshot of one host's counters. The zero
// value is returned for a host never seen.
func (m *Metrics) GetHostMetrics(host string) model.HostMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hosts[host]; ok {
		return *h
	}
	return model.HostMetrics{Host: host}
}

// GetErrorRate returns failed / (completed+failed), or 0 if nothing has
// finished yet.
func (m *Metrics) GetErrorRate() float64 {
	completed := atomic.LoadInt64(&m.completed)
	failed := atomic.LoadInt64(&m.failed)
	total := completed + failed
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// LatencyPercentiles holds p50/p95/p99 over the recent-durations window.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// GetLatencyPercentiles computes p50/p95/p99 over up to the last 200
// completed-download durations.
func (m *Metrics) GetLatencyPercentiles() LatencyPercentiles {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recentDurations) == 0 {
		return LatencyPercentiles{}
	}
	sorted := make([]time.Duration, len(m.recentDurations))
	copy(sorted, m.recentDurations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentileOf(sorted, 0.50),
		P95: percentileOf(sorted, 0.95),
		P99: percentileOf(sorted, 0.99),
	}
}

func percentileOf(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Reset clears every counter, histogram bucket, host entry, and
// in-flight bookkeeping entry.
func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.started, 0)
	atomic.StoreInt64(&m.completed, 0)
	atomic.StoreInt64(&m.failed, 0)
	atomic.StoreInt64(&m.transientRetries, 0)
	atomic.StoreInt64(&m.totalBytes, 0)
	atomic.StoreInt64(&m.active, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.durationBuckets {
		m.durationBuckets[k] = 0
	}
	m.hosts = make(map[string]*model.HostMetrics)
	m.entries = make(map[int64]*activeEntry)
	m.recentDurations = nil
	m.recentIdx = 0
	m.startTime = m.now()
}

// Handler returns an HTTP handler exposing the metrics in Prometheus
// text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		g := m.GetGlobalMetrics()
		lat := m.GetLatencyPercentiles()

		fmt.Fprintln(w, "# HELP dlforge_downloads_started_total Total downloads admitted")
		fmt.Fprintln(w, "# TYPE dlforge_downloads_started_total counter")
		fmt.Fprintf(w, "dlforge_downloads_started_total %d\n", g.Started)

		fmt.Fprintln(w, "# HELP dlforge_downloads_completed_total Successfully completed downloads")
		fmt.Fprintln(w, "# TYPE dlforge_downloads_completed_total counter")
		fmt.Fprintf(w, "dlforge_downloads_completed_total %d\n", g.Completed)

		fmt.Fprintln(w, "# HELP dlforge_downloads_failed_total Failed downloads")
		fmt.Fprintln(w, "# TYPE dlforge_downloads_failed_total counter")
		fmt.Fprintf(w, "dlforge_downloads_failed_total %d\n", g.Failed)

		fmt.Fprintln(w, "# HELP dlforge_transient_retries_total Retried transient errors")
		fmt.Fprintln(w, "# TYPE dlforge_transient_retries_total counter")
		fmt.Fprintf(w, "dlforge_transient_retries_total %d\n", g.TransientRetries)

		fmt.Fprintln(w, "# HELP dlforge_bytes_downloaded_total Total bytes downloaded")
		fmt.Fprintln(w, "# TYPE dlforge_bytes_downloaded_total counter")
		fmt.Fprintf(w, "dlforge_bytes_downloaded_total %d\n", g.TotalBytes)

		fmt.Fprintln(w, "# HELP dlforge_active_downloads Currently active downloads")
		fmt.Fprintln(w, "# TYPE dlforge_active_downloads gauge")
		fmt.Fprintf(w, "dlforge_active_downloads %d\n", g.Active)

		fmt.Fprintln(w, "# HELP dlforge_uptime_seconds Time since start in seconds")
		fmt.Fprintln(w, "# TYPE dlforge_uptime_seconds counter")
		fmt.Fprintf(w, "dlforge_uptime_seconds %f\n", g.UptimeSeconds)

		fmt.Fprintln(w, "# HELP dlforge_download_duration_seconds_bucket Download duration histogram")
		fmt.Fprintln(w, "# TYPE dlforge_download_duration_seconds_bucket histogram")
		for _, b := range []struct {
			label string
			le    string
		}{
			{"lt_5s", "5"}, {"5s_30s", "30"}, {"30s_2m", "120"},
			{"2m_10m", "600"}, {"10m_30m", "1800"}, {"gt_30m", "+Inf"},
		} {
			fmt.Fprintf(w, "dlforge_download_duration_seconds_bucket{le=%q} %d\n", b.le, g.DurationBuckets[b.label])
		}

		fmt.Fprintln(w, "# HELP dlforge_download_duration_seconds Recent download duration percentiles")
		fmt.Fprintln(w, "# TYPE dlforge_download_duration_seconds summary")
		fmt.Fprintf(w, "dlforge_download_duration_seconds{quantile=\"0.5\"} %f\n", lat.P50.Seconds())
		fmt.Fprintf(w, "dlforge_download_duration_seconds{quantile=\"0.95\"} %f\n", lat.P95.Seconds())
		fmt.Fprintf(w, "dlforge_download_duration_seconds{quantile=\"0.99\"} %f\n", lat.P99.Seconds())

		m.mu.Lock()
		hosts := make([]*model.HostMetrics, 0, len(m.hosts))
		for _, h := range m.hosts {
			hosts = append(hosts, h)
		}
		m.mu.Unlock()

		fmt.Fprintln(w, "# HELP dlforge_host_completed_total Completed downloads per host")
		fmt.Fprintln(w, "# TYPE dlforge_host_completed_total counter")
		for _, h := range hosts {
			fmt.Fprintf(w, "dlforge_host_completed_total{host=%q} %d\n", h.Host, h.Completed)
		}

		fmt.Fprintln(w, "# HELP dlforge_host_errors_total Errors per host")
		fmt.Fprintln(w, "# TYPE dlforge_host_errors_total counter")
		for _, h := range hosts {
			fmt.Fprintf(w, "dlforge_host_errors_total{host=%q} %d\n", h.Host, h.Errors)
		}

		fmt.Fprintln(w, "# HELP dlforge_host_avg_speed_bytes Average throughput per host")
		fmt.Fprintln(w, "# TYPE dlforge_host_avg_speed_bytes gauge")
		for _, h := range hosts {
			fmt.Fprintf(w, "dlforge_host_avg_speed_bytes{host=%q} %f\n", h.Host, h.AverageSpeed())
		}
	})
}

// Server wraps an HTTP server exposing /metrics and /health.
type Server struct {
	server  *http.Server
	metrics *Metrics
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server:  &http.Server{Addr: addr, Handler: mux},
		metrics: m,
	}
}

// Start launches the metrics server in a background goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop closes the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}

// Addr returns the server's bind address.
func (s *Server) Addr() string {
	return s.server.Addr
}
