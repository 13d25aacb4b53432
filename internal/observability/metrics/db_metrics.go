package metrics

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, tables map[string]string, logger *log.Logger) {
	for participant, table := range tables {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "rows",
				Help:        "Persisted ledger rows",
				ConstLabels: prometheus.Labels{"participant": participant},
			},
			func() float64 {
				return queryCount(db, logger, query)
			},
		))
	}
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
