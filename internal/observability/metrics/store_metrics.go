package metrics

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const storeCountTimeout = 2 * time.Second

// StoreCounter reports how much telemetry is stored.
type StoreCounter interface {
	CountStored(ctx context.Context) (records, robots int64, err error)
}

// storeCollector runs one count per scrape and reports both gauges from it.
type storeCollector struct {
	counter StoreCounter
	logger  *log.Logger
	records *prometheus.Desc
	robots  *prometheus.Desc
	up      *prometheus.Desc
}

func newStoreCollector(counter StoreCounter, logger *log.Logger) *storeCollector {
	if logger == nil {
		logger = log.Default()
	}
	return &storeCollector{
		counter: counter,
		logger:  logger,
		records: prometheus.NewDesc(metricPrefix+"stored_records", "Telemetry records currently stored", nil, nil),
		robots:  prometheus.NewDesc(metricPrefix+"stored_robots", "Distinct robots with stored telemetry", nil, nil),
		up:      prometheus.NewDesc(metricPrefix+"store_up", "Whether the last store count succeeded", nil, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.robots
	ch <- c.up
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), storeCountTimeout)
	defer cancel()
	records, robots, err := c.counter.CountStored(ctx)
	if err != nil {
		c.logger.Printf("metrics: store count failed: %v", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(max(records, 0)))
	ch <- prometheus.MustNewConstMetric(c.robots, prometheus.GaugeValue, float64(max(robots, 0)))
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
}
