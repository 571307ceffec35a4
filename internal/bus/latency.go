package bus

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	loggingpkg "github.com/quantmesh/agentbus/internal/bus/logging"
)

// Severity grades an observed latency against the SLA thresholds.
type Severity string

const (
	SeverityNormal    Severity = "normal"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityEmergency:
		return 3
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Default SLA thresholds and bookkeeping bounds.
const (
	DefaultLatencyTarget    = 500 * time.Millisecond
	DefaultWarningLatency   = time.Second
	DefaultCriticalLatency  = 3 * time.Second
	DefaultEmergencyLatency = 10 * time.Second

	DefaultViolationRateThreshold = 0.05
	DefaultHealthWindow           = 5 * time.Minute
	DefaultRetention              = time.Hour
	DefaultMaintenanceInterval    = 30 * time.Second

	maxAlertHistory       = 256
	maxMeasurementHistory = 8192
	flowWindowSize        = 256
	percentileMinSamples  = 10
)

// LatencySLA holds the target plus escalating thresholds a flow is judged
// against. Thresholds must be ordered warning < critical < emergency.
type LatencySLA struct {
	Target    time.Duration `json:"target"`
	Warning   time.Duration `json:"warning"`
	Critical  time.Duration `json:"critical"`
	Emergency time.Duration `json:"emergency"`

	// ViolationRateThreshold is the fraction of critical-or-worse
	// measurements in the health window at which IsHealthy flips false.
	ViolationRateThreshold float64 `json:"violation_rate_threshold"`
}

// DefaultLatencySLA returns the stock SLA used when none is configured.
func DefaultLatencySLA() LatencySLA {
	return LatencySLA{
		Target:                 DefaultLatencyTarget,
		Warning:                DefaultWarningLatency,
		Critical:               DefaultCriticalLatency,
		Emergency:              DefaultEmergencyLatency,
		ViolationRateThreshold: DefaultViolationRateThreshold,
	}
}

// Severity grades one latency. The grade is non-decreasing in latency.
func (s LatencySLA) Severity(latency time.Duration) Severity {
	switch {
	case latency >= s.Emergency:
		return SeverityEmergency
	case latency >= s.Critical:
		return SeverityCritical
	case latency >= s.Warning:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

// threshold returns the boundary the given severity crossed.
func (s LatencySLA) threshold(severity Severity) time.Duration {
	switch severity {
	case SeverityEmergency:
		return s.Emergency
	case SeverityCritical:
		return s.Critical
	case SeverityWarning:
		return s.Warning
	default:
		return s.Target
	}
}

// FlowKey identifies one delivery flow.
type FlowKey struct {
	SourceAgent string    `json:"source_agent"`
	TargetAgent string    `json:"target_agent"`
	EventType   EventType `json:"event_type"`
}

// LatencyMeasurement is one observed end-to-end delivery.
type LatencyMeasurement struct {
	EventID       string        `json:"event_id"`
	CorrelationID string        `json:"correlation_id"`
	Flow          FlowKey       `json:"flow"`
	Topic         string        `json:"topic"`
	Latency       time.Duration `json:"latency"`
	ConsumedAt    time.Time     `json:"consumed_at"`
	Severity      Severity      `json:"severity"`
}

// LatencyAlert records one SLA violation.
type LatencyAlert struct {
	Severity    Severity           `json:"severity"`
	Threshold   time.Duration      `json:"threshold"`
	Measurement LatencyMeasurement `json:"measurement"`
	RaisedAt    time.Time          `json:"raised_at"`
}

// LatencyFilter narrows Statistics to a flow and a trailing window. Zero
// fields match everything; a zero Window covers all retained history.
type LatencyFilter struct {
	SourceAgent string
	TargetAgent string
	EventType   EventType
	Window      time.Duration
}

func (f LatencyFilter) matches(m LatencyMeasurement) bool {
	if f.SourceAgent != "" && f.SourceAgent != m.Flow.SourceAgent {
		return false
	}
	if f.TargetAgent != "" && f.TargetAgent != m.Flow.TargetAgent {
		return false
	}
	if f.EventType != "" && f.EventType != m.Flow.EventType {
		return false
	}
	return true
}

// LatencyStatistics aggregates measurements matching a filter. Percentiles
// are populated only once at least ten samples exist.
type LatencyStatistics struct {
	Count  int           `json:"count"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	Median time.Duration `json:"median"`

	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`

	// ComplianceRate is 1 minus the fraction of measurements at or above
	// the SLA target.
	ComplianceRate float64 `json:"compliance_rate"`
}

// FlowStatistics summarises one flow's sliding window.
type FlowStatistics struct {
	Flow          FlowKey       `json:"flow"`
	Count         int           `json:"count"`
	P50           time.Duration `json:"p50"`
	P95           time.Duration `json:"p95"`
	P99           time.Duration `json:"p99"`
	Violations    uint64        `json:"violations"`
	Total         uint64        `json:"total"`
	ViolationRate float64       `json:"violation_rate"`
}

type flowState struct {
	window     *latencyWindow
	violations uint64
	total      uint64
}

// latencyWindow is a fixed-size ring of latency samples in nanoseconds.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = flowWindowSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

// sorted returns the window's samples in ascending order.
func (lw *latencyWindow) sorted() []int64 {
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples
}

// percentile interpolates between neighbouring sorted samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// LatencyMonitorOption customises a LatencyMonitor at construction.
type LatencyMonitorOption func(*LatencyMonitor)

// WithSLA replaces the default SLA.
func WithSLA(sla LatencySLA) LatencyMonitorOption {
	return func(m *LatencyMonitor) { m.sla = sla }
}

// WithAlertFunc registers a callback invoked on every SLA violation. The
// callback runs on the consumer's dispatch task and must not block.
func WithAlertFunc(fn func(LatencyAlert)) LatencyMonitorOption {
	return func(m *LatencyMonitor) { m.alertFn = fn }
}

// WithRetention bounds how long measurements stay in the global history.
func WithRetention(retention time.Duration) LatencyMonitorOption {
	return func(m *LatencyMonitor) { m.retention = retention }
}

// WithMaintenanceInterval paces the Run loop's pruning and gauge refresh.
func WithMaintenanceInterval(interval time.Duration) LatencyMonitorOption {
	return func(m *LatencyMonitor) { m.maintenanceInterval = interval }
}

// WithLatencyRegisterer redirects latency metrics to the given registry.
func WithLatencyRegisterer(registerer prometheus.Registerer) LatencyMonitorOption {
	return func(m *LatencyMonitor) { m.registerer = registerer }
}

// LatencyMonitor measures end-to-end delivery latency per
// (source agent, target agent, event type) flow and raises alerts when SLA
// thresholds are crossed.
type LatencyMonitor struct {
	sla    LatencySLA
	logger loggingpkg.ServiceLogger

	mu      sync.Mutex
	history []LatencyMeasurement
	flows   map[FlowKey]*flowState
	alerts  []LatencyAlert

	alertFn             func(LatencyAlert)
	retention           time.Duration
	maintenanceInterval time.Duration

	registerer        prometheus.Registerer
	currentLatency    *prometheus.GaugeVec
	percentileSeconds *prometheus.GaugeVec
	violationsTotal   *prometheus.CounterVec

	now func() time.Time
}

// NewLatencyMonitor builds a monitor with the default SLA unless overridden.
func NewLatencyMonitor(logger loggingpkg.ServiceLogger, opts ...LatencyMonitorOption) *LatencyMonitor {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	m := &LatencyMonitor{
		sla:                 DefaultLatencySLA(),
		logger:              logger.With(loggingpkg.LogFields{"component": "latency_monitor"}),
		flows:               make(map[FlowKey]*flowState),
		retention:           DefaultRetention,
		maintenanceInterval: DefaultMaintenanceInterval,
		currentLatency: newGaugeVec("latency", "e2e_seconds",
			"Most recent end-to-end latency per flow.",
			[]string{"source_agent", "target_agent", "event_type"}),
		percentileSeconds: newGaugeVec("latency", "percentile_seconds",
			"Sliding-window latency percentiles per flow.",
			[]string{"source_agent", "target_agent", "event_type", "quantile"}),
		violationsTotal: newCounterVec("latency", "violations_total",
			"SLA violations per flow and severity.",
			[]string{"source_agent", "target_agent", "event_type", "severity"}),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registerer == nil {
		m.registerer = prometheus.DefaultRegisterer
	}
	return m
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *LatencyMonitor) Register() error {
	return registerAll(m.registerer, m.currentLatency, m.percentileSeconds, m.violationsTotal)
}

// RecordConsumed measures one delivery: latency is the consumed time minus
// the event's origin timestamp. Non-normal severities append an alert and
// fire the alert callback.
func (m *LatencyMonitor) RecordConsumed(event *Event, topic, targetAgent string, consumedAt time.Time) LatencyMeasurement {
	latency := consumedAt.Sub(event.Timestamp)
	if latency < 0 {
		latency = 0
	}
	severity := m.sla.Severity(latency)

	measurement := LatencyMeasurement{
		EventID:       event.EventID,
		CorrelationID: event.CorrelationID,
		Flow: FlowKey{
			SourceAgent: event.SourceAgent,
			TargetAgent: targetAgent,
			EventType:   event.Type,
		},
		Topic:      topic,
		Latency:    latency,
		ConsumedAt: consumedAt,
		Severity:   severity,
	}

	m.mu.Lock()
	m.history = append(m.history, measurement)
	if len(m.history) > maxMeasurementHistory {
		m.history = m.history[len(m.history)-maxMeasurementHistory:]
	}

	flow := m.flows[measurement.Flow]
	if flow == nil {
		flow = &flowState{window: newLatencyWindow(flowWindowSize)}
		m.flows[measurement.Flow] = flow
	}
	flow.window.Add(latency)
	flow.total++

	var alert LatencyAlert
	violated := severity != SeverityNormal
	if violated {
		flow.violations++
		alert = LatencyAlert{
			Severity:    severity,
			Threshold:   m.sla.threshold(severity),
			Measurement: measurement,
			RaisedAt:    m.now(),
		}
		m.alerts = append(m.alerts, alert)
		if len(m.alerts) > maxAlertHistory {
			m.alerts = m.alerts[len(m.alerts)-maxAlertHistory:]
		}
	}
	m.mu.Unlock()

	m.currentLatency.
		WithLabelValues(measurement.Flow.SourceAgent, measurement.Flow.TargetAgent, string(measurement.Flow.EventType)).
		Set(latency.Seconds())

	if violated {
		m.violationsTotal.
			WithLabelValues(measurement.Flow.SourceAgent, measurement.Flow.TargetAgent, string(measurement.Flow.EventType), string(severity)).
			Inc()
		m.logger.Info("Latency SLA violated", loggingpkg.LogFields{
			"event_id":     event.EventID,
			"source_agent": measurement.Flow.SourceAgent,
			"target_agent": measurement.Flow.TargetAgent,
			"event_type":   string(event.Type),
			"latency":      latency.String(),
			"severity":     string(severity),
		})
		if m.alertFn != nil {
			m.alertFn(alert)
		}
	}
	return measurement
}

// Statistics aggregates the retained history matching the filter.
func (m *LatencyMonitor) Statistics(filter LatencyFilter) LatencyStatistics {
	now := m.now()
	cutoff := time.Time{}
	if filter.Window > 0 {
		cutoff = now.Add(-filter.Window)
	}

	m.mu.Lock()
	samples := make([]int64, 0, len(m.history))
	violations := 0
	for _, measurement := range m.history {
		if !filter.matches(measurement) {
			continue
		}
		if !cutoff.IsZero() && measurement.ConsumedAt.Before(cutoff) {
			continue
		}
		samples = append(samples, int64(measurement.Latency))
		if measurement.Latency >= m.sla.Target {
			violations++
		}
	}
	m.mu.Unlock()

	stats := LatencyStatistics{Count: len(samples)}
	if len(samples) == 0 {
		return stats
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var sum int64
	for _, v := range samples {
		sum += v
	}
	stats.Min = time.Duration(samples[0])
	stats.Max = time.Duration(samples[len(samples)-1])
	stats.Mean = time.Duration(sum / int64(len(samples)))
	stats.Median = time.Duration(percentile(samples, 0.50))
	stats.ComplianceRate = 1 - float64(violations)/float64(len(samples))

	if len(samples) >= percentileMinSamples {
		stats.P50 = time.Duration(percentile(samples, 0.50))
		stats.P90 = time.Duration(percentile(samples, 0.90))
		stats.P95 = time.Duration(percentile(samples, 0.95))
		stats.P99 = time.Duration(percentile(samples, 0.99))
	}
	return stats
}

// FlowStatistics returns the sliding-window summary for one flow.
func (m *LatencyMonitor) FlowStatistics(sourceAgent, targetAgent string, eventType EventType) (FlowStatistics, bool) {
	key := FlowKey{SourceAgent: sourceAgent, TargetAgent: targetAgent, EventType: eventType}

	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[key]
	if !ok {
		return FlowStatistics{}, false
	}

	sorted := flow.window.sorted()
	stats := FlowStatistics{
		Flow:       key,
		Count:      len(sorted),
		P50:        time.Duration(percentile(sorted, 0.50)),
		P95:        time.Duration(percentile(sorted, 0.95)),
		P99:        time.Duration(percentile(sorted, 0.99)),
		Violations: flow.violations,
		Total:      flow.total,
	}
	if flow.total > 0 {
		stats.ViolationRate = float64(flow.violations) / float64(flow.total)
	}
	return stats, true
}

// RecentAlerts returns up to limit alerts, newest first. A non-positive
// limit returns everything retained.
func (m *LatencyMonitor) RecentAlerts(limit int) []LatencyAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	alerts := make([]LatencyAlert, 0, limit)
	for i := len(m.alerts) - 1; i >= len(m.alerts)-limit; i-- {
		alerts = append(alerts, m.alerts[i])
	}
	return alerts
}

// IsHealthy reports whether the fraction of critical-or-worse measurements
// in the trailing five minutes stays under the violation-rate threshold.
// True when no recent data exists.
func (m *LatencyMonitor) IsHealthy() bool {
	cutoff := m.now().Add(-DefaultHealthWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	total, severe := 0, 0
	for _, measurement := range m.history {
		if measurement.ConsumedAt.Before(cutoff) {
			continue
		}
		total++
		if severityRank(measurement.Severity) >= severityRank(SeverityCritical) {
			severe++
		}
	}
	if total == 0 {
		return true
	}
	return float64(severe)/float64(total) < m.sla.ViolationRateThreshold
}

// Run prunes expired history and refreshes percentile gauges until the
// context is cancelled.
func (m *LatencyMonitor) Run(ctx context.Context) error {
	if err := m.Register(); err != nil {
		return err
	}

	ticker := time.NewTicker(m.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.maintain()
		}
	}
}

func (m *LatencyMonitor) maintain() {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	kept := m.history[:0]
	for _, measurement := range m.history {
		if !measurement.ConsumedAt.Before(cutoff) {
			kept = append(kept, measurement)
		}
	}
	m.history = kept

	type flowQuantiles struct {
		key           FlowKey
		p50, p95, p99 int64
	}
	refreshed := make([]flowQuantiles, 0, len(m.flows))
	for key, flow := range m.flows {
		sorted := flow.window.sorted()
		if len(sorted) == 0 {
			continue
		}
		refreshed = append(refreshed, flowQuantiles{
			key: key,
			p50: percentile(sorted, 0.50),
			p95: percentile(sorted, 0.95),
			p99: percentile(sorted, 0.99),
		})
	}
	m.mu.Unlock()

	for _, fq := range refreshed {
		labels := []string{fq.key.SourceAgent, fq.key.TargetAgent, string(fq.key.EventType)}
		m.percentileSeconds.WithLabelValues(append(labels, "0.50")...).Set(time.Duration(fq.p50).Seconds())
		m.percentileSeconds.WithLabelValues(append(labels, "0.95")...).Set(time.Duration(fq.p95).Seconds())
		m.percentileSeconds.WithLabelValues(append(labels, "0.99")...).Set(time.Duration(fq.p99).Seconds())
	}
}
