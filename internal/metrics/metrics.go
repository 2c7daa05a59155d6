// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline, the correlation engine, and triage activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_ingest_records_total",
			Help: "Total number of telemetry records accepted by stream",
		},
		[]string{"stream"},
	)

	IngestFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_ingest_failures_total",
			Help: "Total number of rejected or failed uploads by stream",
		},
		[]string{"stream"},
	)

	// Alert lifecycle metrics
	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_alerts_emitted_total",
			Help: "Total number of alerts raised by rule and severity",
		},
		[]string{"rule", "severity"},
	)

	AlertsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_alerts_suppressed_total",
			Help: "Total number of alerts dropped as duplicates by rule",
		},
		[]string{"rule"},
	)

	CorrelationPassSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_correlation_pass_seconds",
			Help:    "Duration of one correlation pass over all rules",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Incident metrics
	IncidentsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_incidents_created_total",
			Help: "Total number of incidents created by attack vector",
		},
		[]string{"attack_vector"},
	)

	// Triage metrics
	TriageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_triage_transitions_total",
			Help: "Total number of triage actions by action name",
		},
		[]string{"action"},
	)

	// Fleet metrics
	DevicesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_devices_online",
			Help: "Number of devices currently reporting",
		},
	)

	DevicesScoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_devices_scored_total",
			Help: "Total number of anomaly scoring runs by result",
		},
		[]string{"result"}, // normal, anomaly, skipped
	)

	// Maintenance metrics
	RetentionRowsPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_retention_rows_purged_total",
			Help: "Total number of telemetry rows deleted by retention, per table",
		},
		[]string{"table"},
	)
)

// RecordIngest records accepted telemetry records for one stream.
func RecordIngest(stream string, count int) {
	if count <= 0 {
		return
	}
	IngestRecordsTotal.WithLabelValues(stream).Add(float64(count))
}

// RecordIngestFailure records one rejected or failed upload.
func RecordIngestFailure(stream string) {
	IngestFailuresTotal.WithLabelValues(stream).Inc()
}

// RecordAlertEmitted records a newly raised alert.
func RecordAlertEmitted(rule, severity string) {
	AlertsEmittedTotal.WithLabelValues(rule, severity).Inc()
}

// RecordAlertSuppressed records an alert dropped by duplicate suppression.
func RecordAlertSuppressed(rule string) {
	AlertsSuppressedTotal.WithLabelValues(rule).Inc()
}

// ObserveCorrelationPass records the duration of one correlation pass.
func ObserveCorrelationPass(d time.Duration) {
	CorrelationPassSeconds.Observe(d.Seconds())
}

// RecordIncidentCreated records a new incident.
func RecordIncidentCreated(attackVector string) {
	IncidentsCreatedTotal.WithLabelValues(attackVector).Inc()
}

// RecordTriageTransition records one triage action (claim, status change,
// escalation, comment, bulk assign).
func RecordTriageTransition(action string) {
	TriageTransitionsTotal.WithLabelValues(action).Inc()
}

// SetDevicesOnline updates the online device gauge.
func SetDevicesOnline(n int) {
	DevicesOnline.Set(float64(n))
}

// RecordDeviceScored records one anomaly scoring result.
func RecordDeviceScored(result string) {
	DevicesScoredTotal.WithLabelValues(result).Inc()
}

// RecordRowsPurged records rows removed from one table by retention.
func RecordRowsPurged(table string, n int64) {
	if n <= 0 {
		return
	}
	RetentionRowsPurgedTotal.WithLabelValues(table).Add(float64(n))
}
