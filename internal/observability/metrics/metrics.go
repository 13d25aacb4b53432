package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "ledger_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	cycleTotal   *prometheus.CounterVec
	cycleLatency *prometheus.HistogramVec

	settlementTotal *prometheus.CounterVec

	meterFaults *prometheus.CounterVec

	matchedKWh    prometheus.Counter
	poolAvailable prometheus.Gauge

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges. tables maps a
// participant name to its ledger table so row counts can be exposed per
// participant; pass nil when persistence is not SQL-backed.
func Init(db *sql.DB, tables map[string]string, logger *log.Logger) {
	registerOnce.Do(func() {
		cycleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycle_total",
				Help: "Total completed cycles by participant and result",
			},
			[]string{"participant", "result"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cycle_latency_seconds",
				Help:    "Cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"participant", "result"},
		)

		settlementTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_total",
				Help: "Total settlement submissions by operation and result",
			},
			[]string{"op", "result"},
		)

		meterFaults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "meter_faults_total",
				Help: "Total meter read faults by participant",
			},
			[]string{"participant"},
		)

		matchedKWh = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "matched_kwh_total",
				Help: "Total consumption matched against pooled supply in kWh",
			},
		)
		poolAvailable = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "pool_available_kwh",
				Help: "Unmatched supply currently in the pool in kWh",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total monthly export operations by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Monthly export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			cycleTotal,
			cycleLatency,
			settlementTotal,
			meterFaults,
			matchedKWh,
			poolAvailable,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, tables, logger)
		}
	})
}

// ObserveCycle records cycle duration and result for one participant.
func ObserveCycle(participant, result string, duration time.Duration) {
	if participant == "" {
		participant = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if cycleTotal != nil {
		cycleTotal.WithLabelValues(participant, result).Inc()
	}
	if cycleLatency != nil {
		cycleLatency.WithLabelValues(participant, result).Observe(duration.Seconds())
	}
}

// IncSettlement increments the settlement counter for one contract operation.
func IncSettlement(op, result string) {
	if op == "" {
		op = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if settlementTotal != nil {
		settlementTotal.WithLabelValues(op, result).Inc()
	}
}

// IncMeterFault increments the meter fault counter.
func IncMeterFault(participant string) {
	if participant == "" {
		participant = "unknown"
	}
	if meterFaults != nil {
		meterFaults.WithLabelValues(participant).Inc()
	}
}

// AddMatched adds matched consumption to the running total.
func AddMatched(kwh float64) {
	if kwh <= 0 {
		return
	}
	if matchedKWh != nil {
		matchedKWh.Add(kwh)
	}
}

// SetPoolAvailable sets the current unmatched pool supply.
func SetPoolAvailable(kwh float64) {
	if kwh < 0 {
		kwh = 0
	}
	if poolAvailable != nil {
		poolAvailable.Set(kwh)
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
