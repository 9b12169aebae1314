package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "repair_tasks_pending",
			Help: "Pending repair tasks",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM repair_tasks WHERE status = 'pending'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "repair_tasks_dead",
			Help: "Repair tasks that exhausted their attempts",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM repair_tasks WHERE status = 'dead'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "units_active",
			Help: "Active registered units",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM units WHERE active")
		},
	))
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
