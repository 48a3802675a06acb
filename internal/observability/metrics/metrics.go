package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobEventLabel identifies a job lifecycle event by the source type of the
// request ("url" or "local") and the event status ("start", "complete",
// "fail", "cancel").
type JobEventLabel struct {
	Source string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// summary job lifecycle events, pipeline stage activity, cache lookups, upload
// handling, and rate limiting. It coordinates concurrent writers via a RWMutex
// while exposing thread-safe gauges for active job and queue depth tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	jobEvents        map[JobEventLabel]uint64
	stageAttempts    map[string]uint64
	stageFailures    map[string]uint64
	stageDuration    map[string]time.Duration
	cacheLookups     map[string]uint64
	uploadEvents     map[string]uint64
	rateLimited      map[string]uint64
	dependencyValue  map[string]float64
	dependencyState  map[string]string
	uploadBytesTotal atomic.Int64
	activeJobs       atomic.Int64
	queueDepth       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobEvents:       make(map[JobEventLabel]uint64),
		stageAttempts:   make(map[string]uint64),
		stageFailures:   make(map[string]uint64),
		stageDuration:   make(map[string]time.Duration),
		cacheLookups:    make(map[string]uint64),
		uploadEvents:    make(map[string]uint64),
		rateLimited:     make(map[string]uint64),
		dependencyValue: make(map[string]float64),
		dependencyState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobStarted records a job start event for the given source type and
// increments the active job gauge atomically.
func (r *Recorder) JobStarted(source string) {
	r.recordJobEvent(source, "start")
	r.activeJobs.Add(1)
}

// JobCompleted records a successful job completion and decrements the active
// job gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) JobCompleted(source string) {
	r.recordJobEvent(source, "complete")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed job and decrements the active job gauge.
func (r *Recorder) JobFailed(source string) {
	r.recordJobEvent(source, "fail")
	r.decrementGauge(&r.activeJobs)
}

// JobCancelled records a cancelled job and decrements the active job gauge.
func (r *Recorder) JobCancelled(source string) {
	r.recordJobEvent(source, "cancel")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordJobEvent(source, status string) {
	label := JobEventLabel{
		Source: normalizeName(source),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// SetQueueDepth records the current number of jobs waiting in the queue.
func (r *Recorder) SetQueueDepth(depth int64) {
	if depth < 0 {
		depth = 0
	}
	r.queueDepth.Store(depth)
}

// ObserveStageAttempt records a pipeline stage execution attempt keyed by
// stage name (e.g., "download", "transcribe", "summarize").
func (r *Recorder) ObserveStageAttempt(stage string) {
	name := normalizeName(stage)
	r.mu.Lock()
	r.stageAttempts[name]++
	r.mu.Unlock()
}

// ObserveStageFailure records a failed pipeline stage keyed by stage name. The
// caller should also record the attempt separately.
func (r *Recorder) ObserveStageFailure(stage string) {
	name := normalizeName(stage)
	r.mu.Lock()
	r.stageFailures[name]++
	r.mu.Unlock()
}

// ObserveStageDuration accumulates wall-clock time spent in a pipeline stage.
func (r *Recorder) ObserveStageDuration(stage string, duration time.Duration) {
	name := normalizeName(stage)
	r.mu.Lock()
	r.stageDuration[name] += duration
	r.mu.Unlock()
}

// ObserveCacheLookup records a cache lookup outcome ("hit", "miss", "stale").
func (r *Recorder) ObserveCacheLookup(result string) {
	normalized := normalizeName(result)
	r.mu.Lock()
	r.cacheLookups[normalized]++
	r.mu.Unlock()
}

// ObserveUploadEvent records an upload handling event ("stored",
// "deduplicated", "rejected", "expired", "deleted").
func (r *Recorder) ObserveUploadEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	r.mu.Unlock()
}

// AddUploadBytes accumulates the total number of upload bytes written to disk.
func (r *Recorder) AddUploadBytes(n int64) {
	if n <= 0 {
		return
	}
	r.uploadBytesTotal.Add(n)
}

// ObserveRateLimited records a rejected request keyed by limiter scope
// ("upload" or "summary").
func (r *Recorder) ObserveRateLimited(scope string) {
	normalized := normalizeName(scope)
	r.mu.Lock()
	r.rateLimited[normalized]++
	r.mu.Unlock()
}

// SetDependencyHealth normalizes external tool identifiers, maps status
// strings to numeric health values, and stores both representations for
// export.
func (r *Recorder) SetDependencyHealth(dependency, status string) {
	normalizedDependency := normalizeName(dependency)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "available":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedDependency] = value
	r.dependencyState[normalizedDependency] = normalizedStatus
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of concurrently running jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// QueueDepth exposes the last recorded queue depth.
func (r *Recorder) QueueDepth() int64 {
	return r.queueDepth.Load()
}

// JobCounts returns copies of job event counters and the current active job
// gauge value for testing and reporting purposes.
func (r *Recorder) JobCounts() (events map[JobEventLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobEventLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// StageCounts returns copies of stage attempt and failure counters.
func (r *Recorder) StageCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.stageAttempts))
	for k, v := range r.stageAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.stageFailures))
	for k, v := range r.stageFailures {
		failures[k] = v
	}
	return attempts, failures
}

// CacheLookupCounts returns a copy of cache lookup outcome counters.
func (r *Recorder) CacheLookupCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lookups := make(map[string]uint64, len(r.cacheLookups))
	for k, v := range r.cacheLookups {
		lookups[k] = v
	}
	return lookups
}

// UploadCounts returns a copy of upload event counters plus total bytes.
func (r *Recorder) UploadCounts() (events map[string]uint64, bytes int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		events[k] = v
	}
	return events, r.uploadBytesTotal.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[JobEventLabel]uint64)
	r.stageAttempts = make(map[string]uint64)
	r.stageFailures = make(map[string]uint64)
	r.stageDuration = make(map[string]time.Duration)
	r.cacheLookups = make(map[string]uint64)
	r.uploadEvents = make(map[string]uint64)
	r.rateLimited = make(map[string]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.uploadBytesTotal.Store(0)
	r.activeJobs.Store(0)
	r.queueDepth.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()
	stages := r.sortedStages()
	cacheResults := sortedKeys(r.cacheLookups)
	uploadEvents := sortedKeys(r.uploadEvents)
	rateScopes := sortedKeys(r.rateLimited)
	dependencies := sortedKeys(r.dependencyValue)

	fmt.Fprintln(w, "# HELP videosummary_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE videosummary_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "videosummary_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP videosummary_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE videosummary_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "videosummary_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP videosummary_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE videosummary_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "videosummary_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP videosummary_jobs_total Summary job lifecycle events by source type and status")
	fmt.Fprintln(w, "# TYPE videosummary_jobs_total counter")
	for _, label := range jobLabels {
		count := r.jobEvents[label]
		fmt.Fprintf(w, "videosummary_jobs_total{source=\"%s\",status=\"%s\"} %d\n", label.Source, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP videosummary_active_jobs Current number of jobs being processed by workers")
	fmt.Fprintln(w, "# TYPE videosummary_active_jobs gauge")
	fmt.Fprintf(w, "videosummary_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP videosummary_queue_depth Current number of jobs waiting in the queue")
	fmt.Fprintln(w, "# TYPE videosummary_queue_depth gauge")
	fmt.Fprintf(w, "videosummary_queue_depth %d\n", r.queueDepth.Load())

	fmt.Fprintln(w, "# HELP videosummary_stage_attempts_total Pipeline stage executions attempted by stage")
	fmt.Fprintln(w, "# TYPE videosummary_stage_attempts_total counter")
	for _, stage := range stages {
		count := r.stageAttempts[stage]
		fmt.Fprintf(w, "videosummary_stage_attempts_total{stage=\"%s\"} %d\n", stage, count)
	}

	fmt.Fprintln(w, "# HELP videosummary_stage_failures_total Pipeline stage failures by stage")
	fmt.Fprintln(w, "# TYPE videosummary_stage_failures_total counter")
	for _, stage := range stages {
		count := r.stageFailures[stage]
		fmt.Fprintf(w, "videosummary_stage_failures_total{stage=\"%s\"} %d\n", stage, count)
	}

	fmt.Fprintln(w, "# HELP videosummary_stage_duration_seconds_sum Cumulative wall-clock time spent in pipeline stages")
	fmt.Fprintln(w, "# TYPE videosummary_stage_duration_seconds_sum counter")
	for _, stage := range stages {
		duration := r.stageDuration[stage].Seconds()
		fmt.Fprintf(w, "videosummary_stage_duration_seconds_sum{stage=\"%s\"} %f\n", stage, duration)
	}

	fmt.Fprintln(w, "# HELP videosummary_cache_lookups_total Cache lookup outcomes by result")
	fmt.Fprintln(w, "# TYPE videosummary_cache_lookups_total counter")
	for _, result := range cacheResults {
		count := r.cacheLookups[result]
		fmt.Fprintf(w, "videosummary_cache_lookups_total{result=\"%s\"} %d\n", result, count)
	}

	fmt.Fprintln(w, "# HELP videosummary_uploads_total Upload handling events by type")
	fmt.Fprintln(w, "# TYPE videosummary_uploads_total counter")
	for _, event := range uploadEvents {
		count := r.uploadEvents[event]
		fmt.Fprintf(w, "videosummary_uploads_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP videosummary_upload_bytes_total Total upload bytes written to storage")
	fmt.Fprintln(w, "# TYPE videosummary_upload_bytes_total counter")
	fmt.Fprintf(w, "videosummary_upload_bytes_total %d\n", r.uploadBytesTotal.Load())

	fmt.Fprintln(w, "# HELP videosummary_rate_limited_total Requests rejected by rate limiting by scope")
	fmt.Fprintln(w, "# TYPE videosummary_rate_limited_total counter")
	for _, scope := range rateScopes {
		count := r.rateLimited[scope]
		fmt.Fprintf(w, "videosummary_rate_limited_total{scope=\"%s\"} %d\n", scope, count)
	}

	fmt.Fprintln(w, "# HELP videosummary_dependency_health Health status reported for external tools (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE videosummary_dependency_health gauge")
	for _, dependency := range dependencies {
		value := r.dependencyValue[dependency]
		status := r.dependencyState[dependency]
		fmt.Fprintf(w, "videosummary_dependency_health{dependency=\"%s\",status=\"%s\"} %f\n", dependency, status, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobEventLabel {
	labels := make([]JobEventLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Source != labels[j].Source {
			return labels[i].Source < labels[j].Source
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedStages() []string {
	seen := make(map[string]struct{}, len(r.stageAttempts)+len(r.stageFailures)+len(r.stageDuration))
	for stage := range r.stageAttempts {
		seen[stage] = struct{}{}
	}
	for stage := range r.stageFailures {
		seen[stage] = struct{}{}
	}
	for stage := range r.stageDuration {
		seen[stage] = struct{}{}
	}
	stages := make([]string, 0, len(seen))
	for stage := range seen {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	return stages
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier reports whether a path segment is a generated resource
// identifier. File and job IDs carry f_/j_ prefixes, cache keys are 64 hex
// characters, so route words like "summaries" stay intact.
func looksLikeIdentifier(segment string) bool {
	if strings.HasPrefix(segment, "f_") || strings.HasPrefix(segment, "j_") {
		return true
	}
	if len(segment) >= 32 && isHexString(segment) {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func isHexString(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// JobStarted increments counters on the default recorder.
func JobStarted(source string) {
	defaultRecorder.JobStarted(source)
}

// JobCompleted records a completed job on the default recorder.
func JobCompleted(source string) {
	defaultRecorder.JobCompleted(source)
}

// JobFailed records a failed job on the default recorder.
func JobFailed(source string) {
	defaultRecorder.JobFailed(source)
}

// JobCancelled records a cancelled job on the default recorder.
func JobCancelled(source string) {
	defaultRecorder.JobCancelled(source)
}

// SetQueueDepth updates the queue depth gauge on the default recorder.
func SetQueueDepth(depth int64) {
	defaultRecorder.SetQueueDepth(depth)
}

// ObserveStageAttempt records a stage attempt on the default recorder.
func ObserveStageAttempt(stage string) {
	defaultRecorder.ObserveStageAttempt(stage)
}

// ObserveStageFailure records a stage failure on the default recorder.
func ObserveStageFailure(stage string) {
	defaultRecorder.ObserveStageFailure(stage)
}

// ObserveStageDuration records stage wall-clock time on the default recorder.
func ObserveStageDuration(stage string, duration time.Duration) {
	defaultRecorder.ObserveStageDuration(stage, duration)
}

// ObserveCacheLookup records a cache lookup outcome on the default recorder.
func ObserveCacheLookup(result string) {
	defaultRecorder.ObserveCacheLookup(result)
}

// ObserveUploadEvent records an upload event on the default recorder.
func ObserveUploadEvent(event string) {
	defaultRecorder.ObserveUploadEvent(event)
}

// AddUploadBytes accumulates upload bytes on the default recorder.
func AddUploadBytes(n int64) {
	defaultRecorder.AddUploadBytes(n)
}

// ObserveRateLimited records a rate limited request on the default recorder.
func ObserveRateLimited(scope string) {
	defaultRecorder.ObserveRateLimited(scope)
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(dependency, status string) {
	defaultRecorder.SetDependencyHealth(dependency, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
