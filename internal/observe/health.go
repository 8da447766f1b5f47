// internal/observe/health.go
package observe

import (
	"fmt"
)

// Thresholds gate the healthy flag in the observability read surface.
type Thresholds struct {
	MaxErrorRate       float64 `json:"max_error_rate"`
	MaxVoiceFailRate   float64 `json:"max_voice_fail_rate"`
	MaxQueueUtilizaton float64 `json:"max_queue_utilization"`
}

// DefaultThresholds returns the default alerting thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:       0.1,
		MaxVoiceFailRate:   0.3,
		MaxQueueUtilizaton: 0.9,
	}
}

// Report is the computed health view for the observability endpoint.
type Report struct {
	Healthy bool           `json:"healthy"`
	Alerts  []string       `json:"alerts"`
	Rates   map[string]any `json:"rates"`
}

// Evaluate computes rates from a metrics snapshot plus the ingest queue
// utilization, and compares them against the thresholds.
func Evaluate(snapshot map[string]any, queueUtilization float64, t Thresholds) Report {
	report := Report{Healthy: true, Alerts: []string{}, Rates: map[string]any{}}

	eventsTotal, _ := snapshot["events_total"].(int64)
	errors, _ := snapshot["errors"].(int64)
	var errorRate float64
	if eventsTotal > 0 {
		errorRate = float64(errors) / float64(eventsTotal)
	}
	report.Rates["error_rate"] = errorRate
	if errorRate > t.MaxErrorRate {
		report.Healthy = false
		report.Alerts = append(report.Alerts,
			fmt.Sprintf("error rate %.3f above %.3f", errorRate, t.MaxErrorRate))
	}

	var voiceFailRate float64
	if voice, ok := snapshot["voice"].(map[string]any); ok {
		turns, _ := voice["turns"].(int64)
		failures, _ := voice["failures"].(int64)
		if turns > 0 {
			voiceFailRate = float64(failures) / float64(turns)
		}
	}
	report.Rates["voice_failure_rate"] = voiceFailRate
	if voiceFailRate > t.MaxVoiceFailRate {
		report.Healthy = false
		report.Alerts = append(report.Alerts,
			fmt.Sprintf("voice failure rate %.3f above %.3f", voiceFailRate, t.MaxVoiceFailRate))
	}

	report.Rates["ingest_queue_utilization"] = queueUtilization
	if queueUtilization > t.MaxQueueUtilizaton {
		report.Healthy = false
		report.Alerts = append(report.Alerts,
			fmt.Sprintf("ingest queue utilization %.2f above %.2f", queueUtilization, t.MaxQueueUtilizaton))
	}
	return report
}

// Bucket is one trend point in the observability history.
type Bucket struct {
	TSMS   int64          `json:"ts_ms"`
	Sample map[string]any `json:"sample"`
}
