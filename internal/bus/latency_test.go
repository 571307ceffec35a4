package bus

import (
	"testing"
	"time"
)

func testSLA() LatencySLA {
	return LatencySLA{
		Target:                 100 * time.Millisecond,
		Warning:                200 * time.Millisecond,
		Critical:               500 * time.Millisecond,
		Emergency:              2 * time.Second,
		ViolationRateThreshold: 0.05,
	}
}

func recordWithLatency(t *testing.T, monitor *LatencyMonitor, event *Event, latency time.Duration) LatencyMeasurement {
	t.Helper()
	consumedAt := time.Now().UTC()
	event.Timestamp = consumedAt.Add(-latency)
	return monitor.RecordConsumed(event, Route(event.Type), "target-agent", consumedAt)
}

func TestSLASeverityMonotonic(t *testing.T) {
	sla := testSLA()

	cases := []struct {
		latency time.Duration
		want    Severity
	}{
		{0, SeverityNormal},
		{199 * time.Millisecond, SeverityNormal},
		{200 * time.Millisecond, SeverityWarning},
		{499 * time.Millisecond, SeverityWarning},
		{500 * time.Millisecond, SeverityCritical},
		{time.Second, SeverityCritical},
		{2 * time.Second, SeverityEmergency},
		{time.Minute, SeverityEmergency},
	}
	prevRank := -1
	for _, tc := range cases {
		got := sla.Severity(tc.latency)
		if got != tc.want {
			t.Fatalf("Severity(%v) = %q, want %q", tc.latency, got, tc.want)
		}
		if rank := severityRank(got); rank < prevRank {
			t.Fatalf("severity decreased at latency %v", tc.latency)
		} else {
			prevRank = rank
		}
	}
}

func TestRecordConsumedMeasuresAndAlerts(t *testing.T) {
	var alerts []LatencyAlert
	monitor := NewLatencyMonitor(nil,
		WithSLA(testSLA()),
		WithAlertFunc(func(alert LatencyAlert) { alerts = append(alerts, alert) }),
	)

	event := mustEvent(t, EventTypeMarketSignal, "corr-lat")
	measurement := recordWithLatency(t, monitor, event, 50*time.Millisecond)
	if measurement.Severity != SeverityNormal {
		t.Fatalf("expected normal severity, got %q", measurement.Severity)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alert for a normal measurement, got %d", len(alerts))
	}

	measurement = recordWithLatency(t, monitor, event, 600*time.Millisecond)
	if measurement.Severity != SeverityCritical {
		t.Fatalf("expected critical severity, got %q", measurement.Severity)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].Threshold != 500*time.Millisecond {
		t.Fatalf("expected the crossed critical threshold, got %v", alerts[0].Threshold)
	}
	if alerts[0].Measurement.Flow.SourceAgent != "test-agent" {
		t.Fatalf("unexpected alert flow: %+v", alerts[0].Measurement.Flow)
	}
}

func TestRecordConsumedClampsClockSkew(t *testing.T) {
	monitor := NewLatencyMonitor(nil, WithSLA(testSLA()))

	event := mustEvent(t, EventTypeMarketSignal, "corr-skew")
	// Producer clock ahead of consumer clock.
	consumedAt := time.Now().UTC()
	event.Timestamp = consumedAt.Add(time.Second)

	measurement := monitor.RecordConsumed(event, Route(event.Type), "target-agent", consumedAt)
	if measurement.Latency != 0 {
		t.Fatalf("expected skewed latency clamped to zero, got %v", measurement.Latency)
	}
}

func TestStatisticsComplianceAndPercentiles(t *testing.T) {
	monitor := NewLatencyMonitor(nil, WithSLA(testSLA()))

	for i := 0; i < 20; i++ {
		event := mustEvent(t, EventTypeTradeIntent, "corr-stats")
		recordWithLatency(t, monitor, event, time.Duration(i+1)*time.Millisecond)
	}

	stats := monitor.Statistics(LatencyFilter{})
	if stats.Count != 20 {
		t.Fatalf("expected 20 measurements, got %d", stats.Count)
	}
	if stats.ComplianceRate != 1.0 {
		t.Fatalf("expected full compliance below target, got %v", stats.ComplianceRate)
	}
	if stats.Min != time.Millisecond || stats.Max != 20*time.Millisecond {
		t.Fatalf("unexpected min/max: %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 == 0 || stats.P99 == 0 {
		t.Fatal("expected percentiles with 20 samples")
	}
	if stats.P50 > stats.P90 || stats.P90 > stats.P95 || stats.P95 > stats.P99 {
		t.Fatalf("expected ordered percentiles, got p50=%v p90=%v p95=%v p99=%v",
			stats.P50, stats.P90, stats.P95, stats.P99)
	}

	// Below ten samples, percentile estimates are withheld.
	small := NewLatencyMonitor(nil, WithSLA(testSLA()))
	for i := 0; i < 5; i++ {
		event := mustEvent(t, EventTypeTradeIntent, "corr-small")
		recordWithLatency(t, small, event, time.Millisecond)
	}
	smallStats := small.Statistics(LatencyFilter{})
	if smallStats.Count != 5 || smallStats.P99 != 0 {
		t.Fatalf("expected withheld percentiles under 10 samples, got %+v", smallStats)
	}
	if smallStats.Median == 0 {
		t.Fatal("expected the median even with few samples")
	}
}

func TestStatisticsFilters(t *testing.T) {
	monitor := NewLatencyMonitor(nil, WithSLA(testSLA()))

	signal := mustEvent(t, EventTypeMarketSignal, "corr-f1")
	intent := mustEvent(t, EventTypeTradeIntent, "corr-f2")
	recordWithLatency(t, monitor, signal, 10*time.Millisecond)
	recordWithLatency(t, monitor, intent, 20*time.Millisecond)

	byType := monitor.Statistics(LatencyFilter{EventType: EventTypeMarketSignal})
	if byType.Count != 1 {
		t.Fatalf("expected one market signal measurement, got %d", byType.Count)
	}
	bySource := monitor.Statistics(LatencyFilter{SourceAgent: "nobody"})
	if bySource.Count != 0 {
		t.Fatalf("expected no measurements for an unknown source, got %d", bySource.Count)
	}
}

func TestFlowStatistics(t *testing.T) {
	monitor := NewLatencyMonitor(nil, WithSLA(testSLA()))

	for i := 0; i < 10; i++ {
		event := mustEvent(t, EventTypePositionUpdate, "corr-flow")
		latency := 10 * time.Millisecond
		if i == 9 {
			latency = 600 * time.Millisecond
		}
		recordWithLatency(t, monitor, event, latency)
	}

	stats, ok := monitor.FlowStatistics("test-agent", "target-agent", EventTypePositionUpdate)
	if !ok {
		t.Fatal("expected flow statistics for a recorded flow")
	}
	if stats.Total != 10 || stats.Violations != 1 {
		t.Fatalf("unexpected flow counters: %+v", stats)
	}
	if stats.ViolationRate != 0.1 {
		t.Fatalf("expected violation rate 0.1, got %v", stats.ViolationRate)
	}
	if stats.P50 >= stats.P99 {
		t.Fatalf("expected percentile spread with one outlier, got p50=%v p99=%v", stats.P50, stats.P99)
	}

	if _, ok := monitor.FlowStatistics("ghost", "target-agent", EventTypePositionUpdate); ok {
		t.Fatal("expected no statistics for an unknown flow")
	}
}

func TestRecentAlertsNewestFirst(t *testing.T) {
	monitor := NewLatencyMonitor(nil, WithSLA(testSLA()))

	for i := 0; i < 3; i++ {
		event := mustEvent(t, EventTypeAgentStatus, "corr-alerts")
		recordWithLatency(t, monitor, event, time.Duration(i+1)*time.Second)
	}

	alerts := monitor.RecentAlerts(2)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].Measurement.Latency < alerts[1].Measurement.Latency {
		t.Fatal("expected newest alert first")
	}

	all := monitor.RecentAlerts(0)
	if len(all) != 3 {
		t.Fatalf("expected all 3 alerts, got %d", len(all))
	}
}

// A flow with 6 critical measurements out of 100 is unhealthy at a 5%
// violation-rate threshold and healthy at 10%.
func TestIsHealthyViolationRate(t *testing.T) {
	record := func(monitor *LatencyMonitor) {
		for i := 0; i < 100; i++ {
			event := mustEvent(t, EventTypeTradeExecution, "corr-health")
			latency := 10 * time.Millisecond
			if i < 6 {
				latency = 600 * time.Millisecond
			}
			recordWithLatency(t, monitor, event, latency)
		}
	}

	strict := NewLatencyMonitor(nil, WithSLA(testSLA()))
	record(strict)
	if strict.IsHealthy() {
		t.Fatal("expected unhealthy at a 5% threshold with 6% critical violations")
	}

	lenientSLA := testSLA()
	lenientSLA.ViolationRateThreshold = 0.10
	lenient := NewLatencyMonitor(nil, WithSLA(lenientSLA))
	record(lenient)
	if !lenient.IsHealthy() {
		t.Fatal("expected healthy at a 10% threshold with 6% critical violations")
	}

	idle := NewLatencyMonitor(nil, WithSLA(testSLA()))
	if !idle.IsHealthy() {
		t.Fatal("expected vacuous health with no recent data")
	}
}

func TestMaintainPrunesExpiredHistory(t *testing.T) {
	monitor := NewLatencyMonitor(nil,
		WithSLA(testSLA()),
		WithRetention(time.Minute),
	)

	old := mustEvent(t, EventTypeAccountSnapshot, "corr-old")
	staleAt := time.Now().UTC().Add(-2 * time.Minute)
	old.Timestamp = staleAt.Add(-10 * time.Millisecond)
	monitor.RecordConsumed(old, Route(old.Type), "target-agent", staleAt)

	fresh := mustEvent(t, EventTypeAccountSnapshot, "corr-fresh")
	recordWithLatency(t, monitor, fresh, 10*time.Millisecond)

	if got := monitor.Statistics(LatencyFilter{}).Count; got != 2 {
		t.Fatalf("expected both measurements before maintenance, got %d", got)
	}

	monitor.maintain()

	if got := monitor.Statistics(LatencyFilter{}).Count; got != 1 {
		t.Fatalf("expected the stale measurement pruned, got %d", got)
	}
}
