// Package stats publishes per-region collection counters. The authoritative
// copy lives in the cache under stats:{region}:* so every process sharing
// the cache sees the same numbers; a Prometheus mirror serves /metrics for
// scrape-based monitoring.
//
// All counters are advisory. They carry no TTL and may be reset at will.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jeffstrout/flightTrackerCollector/internal/cache"
)

// Histogram bucket upper bounds for cycle duration, in milliseconds.
var durationBucketsMs = []int64{100, 250, 500, 1000, 2500, 5000, 10000}

var (
	promCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_tracker_cycles_total",
		Help: "Completed collection cycles per region.",
	}, []string{"region"})

	promAircraft = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_tracker_aircraft_observed_total",
		Help: "Blended aircraft observed per region.",
	}, []string{"region"})

	promSourceReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_tracker_source_reports_total",
		Help: "Reports contributed per source after filtering.",
	}, []string{"region", "source"})

	promHelicopters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_tracker_helicopters_total",
		Help: "Helicopters identified per region.",
	}, []string{"region"})

	promTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_tracker_source_timeouts_total",
		Help: "Sources that missed the fan-out deadline.",
	}, []string{"region"})

	promCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flight_tracker_cycle_duration_seconds",
		Help:    "Collection cycle wall-clock duration.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"region"})
)

// Cycle summarizes one completed collection cycle.
type Cycle struct {
	Region         string
	Duration       time.Duration
	TotalReports   int
	UniqueAircraft int
	BlendedCount   int
	Helicopters    int
	Timeouts       int
	EnrichmentHits int
	PerSource      map[string]int
}

// Recorder writes cycle stats to the cache and the Prometheus registry.
type Recorder struct {
	cache *cache.Client
	log   *slog.Logger
}

// NewRecorder creates a Recorder backed by the shared cache client.
func NewRecorder(cacheClient *cache.Client, log *slog.Logger) *Recorder {
	return &Recorder{cache: cacheClient, log: log}
}

// RecordCycle publishes one cycle's counters in a single pipeline. Stats are
// advisory, so a failed write is logged and dropped rather than propagated.
func (r *Recorder) RecordCycle(ctx context.Context, c Cycle) {
	region := c.Region
	ms := c.Duration.Milliseconds()

	pipe := r.cache.Pipeline()
	pipe.IncrBy(ctx, cache.StatsKey(region, "cycles"), 1)
	pipe.IncrBy(ctx, cache.StatsKey(region, "aircraft_observed"), int64(c.UniqueAircraft))
	pipe.IncrBy(ctx, cache.StatsKey(region, "helicopters"), int64(c.Helicopters))
	pipe.IncrBy(ctx, cache.StatsKey(region, "timeouts"), int64(c.Timeouts))
	for source, n := range c.PerSource {
		pipe.IncrBy(ctx, cache.StatsKey(region, "source:"+source), int64(n))
	}
	pipe.IncrBy(ctx, cache.StatsKey(region, durationBucket(ms)), 1)

	pipe.Set(ctx, cache.StatsKey(region, "last_cycle_ms"), strconv.FormatInt(ms, 10), 0)
	pipe.Set(ctx, cache.StatsKey(region, "last_aircraft_count"), strconv.Itoa(c.UniqueAircraft), 0)
	pipe.Set(ctx, cache.StatsKey(region, "dedup_ratio"), formatRatio(c.UniqueAircraft, c.TotalReports), 0)
	pipe.Set(ctx, cache.StatsKey(region, "enrichment_hit_rate"), formatRatio(c.EnrichmentHits, c.UniqueAircraft), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("failed to record cycle stats", "region", region, "error", err)
	}

	promCycles.WithLabelValues(region).Inc()
	promAircraft.WithLabelValues(region).Add(float64(c.UniqueAircraft))
	promHelicopters.WithLabelValues(region).Add(float64(c.Helicopters))
	promTimeouts.WithLabelValues(region).Add(float64(c.Timeouts))
	promCycleDuration.WithLabelValues(region).Observe(c.Duration.Seconds())
	for source, n := range c.PerSource {
		promSourceReports.WithLabelValues(region, source).Add(float64(n))
	}
}

// durationBucket names the histogram counter a cycle duration falls into.
func durationBucket(ms int64) string {
	for _, le := range durationBucketsMs {
		if ms <= le {
			return fmt.Sprintf("cycle_ms_le_%d", le)
		}
	}
	return "cycle_ms_le_inf"
}

func formatRatio(num, den int) string {
	if den == 0 {
		return "0"
	}
	return strconv.FormatFloat(float64(num)/float64(den), 'f', 3, 64)
}
