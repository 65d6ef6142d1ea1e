package database

import (
	"github.com/prometheus/client_golang/prometheus"
)

// poolStatsCollector exports the sql.DB connection pool counters on scrape,
// so pool exhaustion shows up next to the append and projection metrics.
type poolStatsCollector struct {
	db *DB

	open     *prometheus.Desc
	inUse    *prometheus.Desc
	idle     *prometheus.Desc
	waits    *prometheus.Desc
	waitTime *prometheus.Desc
	maxOpen  *prometheus.Desc
}

// RegisterPoolMetrics registers the pool collector on the default registry.
func (db *DB) RegisterPoolMetrics() error {
	c := &poolStatsCollector{
		db: db,
		open: prometheus.NewDesc("careflow_db_connections_open",
			"Open connections, both idle and in use", nil, nil),
		inUse: prometheus.NewDesc("careflow_db_connections_in_use",
			"Connections currently executing a statement", nil, nil),
		idle: prometheus.NewDesc("careflow_db_connections_idle",
			"Idle connections in the pool", nil, nil),
		waits: prometheus.NewDesc("careflow_db_connection_waits_total",
			"Times a caller waited for a free connection", nil, nil),
		waitTime: prometheus.NewDesc("careflow_db_connection_wait_seconds_total",
			"Total time spent waiting for a free connection", nil, nil),
		maxOpen: prometheus.NewDesc("careflow_db_connections_max",
			"Configured connection limit", nil, nil),
	}
	return prometheus.Register(c)
}

func (c *poolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waits
	ch <- c.waitTime
	ch <- c.maxOpen
}

func (c *poolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	sqlDB, err := c.db.DB.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(stats.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stats.Idle))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(stats.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.waitTime, prometheus.CounterValue, stats.WaitDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(c.maxOpen, prometheus.GaugeValue, float64(stats.MaxOpenConnections))
}
