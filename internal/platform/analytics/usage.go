// Package analytics keeps in-memory usage statistics for catalogue query
// runs: how often each query runs, how it fails, and how long it takes.
package analytics

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Time series bounds. Requests outside them are clamped so a single call
// cannot allocate an unbounded number of buckets.
const (
	MinSeriesInterval = time.Second
	MaxSeriesDuration = 30 * 24 * time.Hour
	MaxSeriesBuckets  = 10000
)

// OutcomeOK marks a run that returned rows. Failed runs carry the error code
// the HTTP layer reported (invalid_parameter, timeout, data_source).
const OutcomeOK = "ok"

// ---------------------------------------------------------------------------
// Core metric type
// ---------------------------------------------------------------------------

// RunMetric captures a single query run.
type RunMetric struct {
	Timestamp time.Time     `json:"timestamp"`
	Query     string        `json:"query"`
	Outcome   string        `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Rows      int           `json:"rows"`
}

func (m *RunMetric) failed() bool { return m.Outcome != OutcomeOK }

// ---------------------------------------------------------------------------
// Internal counter types
// ---------------------------------------------------------------------------

type queryStats struct {
	Query         string
	TotalRuns     int64
	TotalFailures int64
	TotalDuration int64 // nanoseconds
	TotalRows     int64
	Outcomes      map[string]int64
	LastRunAt     time.Time
	mu            sync.Mutex
}

// ---------------------------------------------------------------------------
// Summary types
// ---------------------------------------------------------------------------

// QuerySummary aggregates the runs of one query.
type QuerySummary struct {
	Query       string           `json:"query"`
	TotalRuns   int64            `json:"total_runs"`
	FailureRate float64          `json:"failure_rate"`
	AvgLatency  time.Duration    `json:"avg_latency"`
	P95Latency  time.Duration    `json:"p95_latency"`
	AvgRows     float64          `json:"avg_rows"`
	LastRunAt   time.Time        `json:"last_run_at"`
	Outcomes    map[string]int64 `json:"outcomes"`
}

// UsageOverview summarizes every recorded run.
type UsageOverview struct {
	TotalRuns     int64           `json:"total_runs"`
	TotalFailures int64           `json:"total_failures"`
	FailureRate   float64         `json:"failure_rate"`
	AvgLatency    time.Duration   `json:"avg_latency"`
	UniqueQueries int             `json:"unique_queries"`
	TopQueries    []*QuerySummary `json:"top_queries"`
}

// TimeSeriesBucket holds aggregated runs for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time     `json:"timestamp"`
	RunCount     int64         `json:"run_count"`
	FailureCount int64         `json:"failure_count"`
	AvgLatency   time.Duration `json:"avg_latency"`
}

// ---------------------------------------------------------------------------
// UsageTracker
// ---------------------------------------------------------------------------

// UsageTracker is a thread-safe aggregator: a ring buffer of recent runs
// plus per-query counters that never roll over.
type UsageTracker struct {
	metrics       []*RunMetric
	maxMetrics    int
	writePos      int
	full          bool
	queryCounters map[string]*queryStats
	mu            sync.RWMutex
	totalRuns     int64
	totalFailures int64
	totalDuration int64 // nanoseconds
}

// NewUsageTracker creates a UsageTracker keeping at most maxMetrics recent
// runs for latency percentiles and time series.
func NewUsageTracker(maxMetrics int) *UsageTracker {
	if maxMetrics <= 0 {
		maxMetrics = 10000
	}
	return &UsageTracker{
		metrics:       make([]*RunMetric, 0, maxMetrics),
		maxMetrics:    maxMetrics,
		queryCounters: make(map[string]*queryStats),
	}
}

// RecordRun records one run. It lets the tracker serve as the reporting
// handler's recorder.
func (ut *UsageTracker) RecordRun(query, outcome string, d time.Duration, rows int) {
	ut.Record(&RunMetric{
		Timestamp: time.Now(),
		Query:     query,
		Outcome:   outcome,
		Duration:  d,
		Rows:      rows,
	})
}

// Record appends a metric to the ring buffer and updates the counters.
func (ut *UsageTracker) Record(metric *RunMetric) {
	failed := metric.failed()

	atomic.AddInt64(&ut.totalRuns, 1)
	if failed {
		atomic.AddInt64(&ut.totalFailures, 1)
	}
	atomic.AddInt64(&ut.totalDuration, int64(metric.Duration))

	ut.mu.Lock()
	if ut.full {
		ut.metrics[ut.writePos] = metric
	} else {
		ut.metrics = append(ut.metrics, metric)
	}
	ut.writePos++
	if ut.writePos >= ut.maxMetrics {
		ut.writePos = 0
		ut.full = true
	}

	qs, ok := ut.queryCounters[metric.Query]
	if !ok {
		qs = &queryStats{Query: metric.Query, Outcomes: make(map[string]int64)}
		ut.queryCounters[metric.Query] = qs
	}
	ut.mu.Unlock()

	// Per-query mutex keeps contention off the tracker lock.
	qs.mu.Lock()
	qs.TotalRuns++
	if failed {
		qs.TotalFailures++
	}
	qs.TotalDuration += int64(metric.Duration)
	qs.TotalRows += int64(metric.Rows)
	qs.Outcomes[metric.Outcome]++
	if metric.Timestamp.After(qs.LastRunAt) {
		qs.LastRunAt = metric.Timestamp
	}
	qs.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Query methods
// ---------------------------------------------------------------------------

// GetQueryStats returns aggregated stats for one query, or nil if it never ran.
func (ut *UsageTracker) GetQueryStats(name string) *QuerySummary {
	ut.mu.RLock()
	qs, ok := ut.queryCounters[name]
	ut.mu.RUnlock()
	if !ok {
		return nil
	}
	return ut.buildQuerySummary(qs)
}

// GetOverview returns a high-level usage summary.
func (ut *UsageTracker) GetOverview() *UsageOverview {
	total := atomic.LoadInt64(&ut.totalRuns)
	failures := atomic.LoadInt64(&ut.totalFailures)
	dur := atomic.LoadInt64(&ut.totalDuration)

	var failureRate float64
	var avgLatency time.Duration
	if total > 0 {
		failureRate = float64(failures) / float64(total)
		avgLatency = time.Duration(dur / total)
	}

	ut.mu.RLock()
	uniqueQueries := len(ut.queryCounters)
	ut.mu.RUnlock()

	return &UsageOverview{
		TotalRuns:     total,
		TotalFailures: failures,
		FailureRate:   failureRate,
		AvgLatency:    avgLatency,
		UniqueQueries: uniqueQueries,
		TopQueries:    ut.GetTopQueries(5),
	}
}

// GetTopQueries returns the top N queries by run count, ties broken by name.
func (ut *UsageTracker) GetTopQueries(limit int) []*QuerySummary {
	ut.mu.RLock()
	all := make([]*queryStats, 0, len(ut.queryCounters))
	for _, qs := range ut.queryCounters {
		all = append(all, qs)
	}
	ut.mu.RUnlock()

	summaries := make([]*QuerySummary, 0, len(all))
	for _, qs := range all {
		summaries = append(summaries, ut.buildQuerySummary(qs))
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].TotalRuns != summaries[j].TotalRuns {
			return summaries[i].TotalRuns > summaries[j].TotalRuns
		}
		return summaries[i].Query < summaries[j].Query
	})

	if limit > len(summaries) {
		limit = len(summaries)
	}
	return summaries[:limit]
}

// GetTimeSeries returns run counts bucketed by interval over the lookback
// duration.
func (ut *UsageTracker) GetTimeSeries(interval, duration time.Duration) []*TimeSeriesBucket {
	interval, duration = clampSeries(interval, duration)
	now := time.Now()
	start := now.Add(-duration).Truncate(interval)
	numBuckets := int(duration/interval) + 1

	buckets := make([]*TimeSeriesBucket, numBuckets)
	for i := range buckets {
		buckets[i] = &TimeSeriesBucket{Timestamp: start.Add(time.Duration(i) * interval)}
	}

	for _, m := range ut.snapshot() {
		if m.Timestamp.Before(start) || m.Timestamp.After(now) {
			continue
		}
		idx := int(m.Timestamp.Sub(start) / interval)
		if idx < 0 || idx >= numBuckets {
			continue
		}
		buckets[idx].RunCount++
		if m.failed() {
			buckets[idx].FailureCount++
		}
		buckets[idx].AvgLatency += m.Duration // summed here, averaged below
	}

	for _, b := range buckets {
		if b.RunCount > 0 {
			b.AvgLatency = time.Duration(int64(b.AvgLatency) / b.RunCount)
		}
	}
	return buckets
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// clampSeries bounds duration to MaxSeriesDuration and widens interval until
// the series fits in MaxSeriesBuckets.
func clampSeries(interval, duration time.Duration) (time.Duration, time.Duration) {
	if duration <= 0 {
		duration = time.Hour
	}
	if duration > MaxSeriesDuration {
		duration = MaxSeriesDuration
	}
	if interval < MinSeriesInterval {
		interval = MinSeriesInterval
	}
	if interval > duration {
		interval = duration
	}
	const steps = MaxSeriesBuckets - 1
	if duration/interval > steps {
		interval = (duration + steps - 1) / steps
	}
	return interval, duration
}

func (ut *UsageTracker) snapshot() []*RunMetric {
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	out := make([]*RunMetric, len(ut.metrics))
	copy(out, ut.metrics)
	return out
}

func (ut *UsageTracker) buildQuerySummary(qs *queryStats) *QuerySummary {
	// P95 reads the ring buffer, so compute it before taking qs.mu.
	p95 := ut.computeP95ForQuery(qs.Query)

	qs.mu.Lock()
	defer qs.mu.Unlock()

	s := &QuerySummary{
		Query:      qs.Query,
		TotalRuns:  qs.TotalRuns,
		P95Latency: p95,
		LastRunAt:  qs.LastRunAt,
		Outcomes:   make(map[string]int64, len(qs.Outcomes)),
	}
	for k, v := range qs.Outcomes {
		s.Outcomes[k] = v
	}
	if qs.TotalRuns > 0 {
		s.FailureRate = float64(qs.TotalFailures) / float64(qs.TotalRuns)
		s.AvgLatency = time.Duration(qs.TotalDuration / qs.TotalRuns)
	}
	if ok := qs.TotalRuns - qs.TotalFailures; ok > 0 {
		s.AvgRows = float64(qs.TotalRows) / float64(ok)
	}
	return s
}

func (ut *UsageTracker) computeP95ForQuery(query string) time.Duration {
	var durations []time.Duration
	for _, m := range ut.snapshot() {
		if m.Query == query {
			durations = append(durations, m.Duration)
		}
	}
	if len(durations) == 0 {
		return 0
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := int(float64(len(durations)) * 0.95)
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

// ---------------------------------------------------------------------------
// Echo HTTP handler
// ---------------------------------------------------------------------------

// UsageHandler serves the usage statistics.
type UsageHandler struct {
	tracker *UsageTracker
}

// NewUsageHandler creates a new handler backed by the given tracker.
func NewUsageHandler(tracker *UsageTracker) *UsageHandler {
	return &UsageHandler{tracker: tracker}
}

// RegisterRoutes registers the usage endpoints on the provided group.
func (h *UsageHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/usage/overview", h.HandleOverview)
	g.GET("/usage/queries", h.HandleTopQueries)
	g.GET("/usage/queries/:name", h.HandleQueryStats)
	g.GET("/usage/timeseries", h.HandleTimeSeries)
}

func (h *UsageHandler) HandleOverview(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.GetOverview())
}

func (h *UsageHandler) HandleTopQueries(c echo.Context) error {
	limit := 20
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return c.JSON(http.StatusOK, h.tracker.GetTopQueries(limit))
}

func (h *UsageHandler) HandleQueryStats(c echo.Context) error {
	summary := h.tracker.GetQueryStats(c.Param("name"))
	if summary == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no runs recorded for query"})
	}
	return c.JSON(http.StatusOK, summary)
}

// HandleTimeSeries returns time-bucketed run counts.
func (h *UsageHandler) HandleTimeSeries(c echo.Context) error {
	interval := parseDurationParam(c.QueryParam("interval"), time.Minute)
	duration := parseDurationParam(c.QueryParam("duration"), time.Hour)
	if interval > duration {
		interval = duration
	}
	return c.JSON(http.StatusOK, h.tracker.GetTimeSeries(interval, duration))
}

// parseDurationParam parses "1m", "5m", "1h", "24h" or "7d". Invalid or
// non-positive values fall back to defaultVal.
func parseDurationParam(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}

	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			if n > int(MaxSeriesDuration/(24*time.Hour)) {
				return MaxSeriesDuration
			}
			return time.Duration(n) * 24 * time.Hour
		}
		return defaultVal
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
