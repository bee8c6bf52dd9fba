// Package metrics exports seeder state to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spacedatanetwork/sdn-seeder/internal/seeder"
)

var log = logging.Logger("sdn-metrics")

// Source lists tracked resources.
type Source interface {
	Filter(fn func(*seeder.Resource) bool) []*seeder.Resource
}

var trackedTypes = []string{seeder.TypeCore, seeder.TypeBee, seeder.TypeDrive, seeder.TypeList}

// Collector reads rates and counts from the tracker on every scrape.
type Collector struct {
	source Source

	blockRate *prometheus.Desc
	byteRate  *prometheus.Desc
	resources *prometheus.Desc
	peers     *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		blockRate: prometheus.NewDesc("sdn_seeder_block_rate",
			"Blocks per second over the meter window",
			[]string{"key", "type", "direction"}, nil),
		byteRate: prometheus.NewDesc("sdn_seeder_byte_rate",
			"Bytes per second over the meter window",
			[]string{"key", "type", "direction"}, nil),
		resources: prometheus.NewDesc("sdn_seeder_resources",
			"Tracked resources by type",
			[]string{"type"}, nil),
		peers: prometheus.NewDesc("sdn_seeder_peers",
			"Peers replicating a resource",
			[]string{"key", "type"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.blockRate
	ch <- c.byteRate
	ch <- c.resources
	ch <- c.peers
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[string]int, len(trackedTypes))
	for _, r := range c.source.Filter(nil) {
		counts[r.Type]++

		ch <- prometheus.MustNewConstMetric(c.blockRate, prometheus.GaugeValue, r.Blocks.Down.Rate(), r.Key, r.Type, "down")
		ch <- prometheus.MustNewConstMetric(c.blockRate, prometheus.GaugeValue, r.Blocks.Up.Rate(), r.Key, r.Type, "up")
		ch <- prometheus.MustNewConstMetric(c.byteRate, prometheus.GaugeValue, r.Bytes.Down.Rate(), r.Key, r.Type, "down")
		ch <- prometheus.MustNewConstMetric(c.byteRate, prometheus.GaugeValue, r.Bytes.Up.Rate(), r.Key, r.Type, "up")

		peers := 0
		for _, core := range r.Cores() {
			peers += core.Peers()
		}
		ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(peers), r.Key, r.Type)
	}

	for _, t := range trackedTypes {
		ch <- prometheus.MustNewConstMetric(c.resources, prometheus.GaugeValue, float64(counts[t]), t)
	}
}

// NewRegistry returns a registry holding the seeder collector and the Go
// runtime collectors.
func NewRegistry(source Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
