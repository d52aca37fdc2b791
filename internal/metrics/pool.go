package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time view of the settings store connection pool.
type PoolStats struct {
	Acquired        int32
	Idle            int32
	Total           int32
	Max             int32
	AcquireCount    int64
	AcquireDuration float64
}

type poolCollector struct {
	stats func() PoolStats

	acquiredConns   *prometheus.Desc
	idleConns       *prometheus.Desc
	totalConns      *prometheus.Desc
	maxConns        *prometheus.Desc
	acquireCount    *prometheus.Desc
	acquireDuration *prometheus.Desc
}

// RegisterPoolMetrics registers gauges that read the settings store pgxpool
// statistics on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	registerPoolStats(reg, func() PoolStats {
		stat := pool.Stat()
		return PoolStats{
			Acquired:        stat.AcquiredConns(),
			Idle:            stat.IdleConns(),
			Total:           stat.TotalConns(),
			Max:             stat.MaxConns(),
			AcquireCount:    stat.AcquireCount(),
			AcquireDuration: stat.AcquireDuration().Seconds(),
		}
	})
}

func registerPoolStats(reg prometheus.Registerer, stats func() PoolStats) {
	reg.MustRegister(newPoolCollector(stats))
}

func newPoolCollector(stats func() PoolStats) *poolCollector {
	return &poolCollector{
		stats: stats,
		acquiredConns: prometheus.NewDesc(
			"cardz_db_pool_acquired",
			"Number of currently acquired database connections.",
			nil, nil,
		),
		idleConns: prometheus.NewDesc(
			"cardz_db_pool_idle",
			"Number of idle database connections in the pool.",
			nil, nil,
		),
		totalConns: prometheus.NewDesc(
			"cardz_db_pool_total",
			"Total number of database connections in the pool.",
			nil, nil,
		),
		maxConns: prometheus.NewDesc(
			"cardz_db_pool_max",
			"Maximum number of database connections allowed in the pool.",
			nil, nil,
		),
		acquireCount: prometheus.NewDesc(
			"cardz_db_pool_acquires_total",
			"Cumulative number of successful connection acquires.",
			nil, nil,
		),
		acquireDuration: prometheus.NewDesc(
			"cardz_db_pool_acquire_seconds_total",
			"Cumulative time spent acquiring connections.",
			nil, nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquiredConns
	ch <- c.idleConns
	ch <- c.totalConns
	ch <- c.maxConns
	ch <- c.acquireCount
	ch <- c.acquireDuration
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stats()

	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(stat.Acquired))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stat.Idle))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stat.Total))
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(stat.Max))
	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(stat.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.acquireDuration, prometheus.CounterValue, stat.AcquireDuration)
}
