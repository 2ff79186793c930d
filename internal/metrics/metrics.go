package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bus-bunching/internal/report"
	"github.com/bus-bunching/pkg/models"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles        *prometheus.CounterVec // outcome label: success|failure
	StageFailures *prometheus.CounterVec // stage label
	StageDuration *prometheus.HistogramVec

	RouteHealthScore *prometheus.GaugeVec // route_id, direction_id
	RoutesBySeverity *prometheus.GaugeVec // severity
	RoutesScored     prometheus.Gauge
	VehiclesObserved prometheus.Gauge
	RowsDropped      prometheus.Gauge
	LastSuccess      prometheus.Gauge // unix seconds

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bunching_cycles_total",
			Help: "Pipeline cycles by outcome.",
		}, []string{"outcome"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bunching_stage_failures_total",
			Help: "Pipeline stage failures.",
		}, []string{"stage"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bunching_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"stage"}),
		RouteHealthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bunching_route_health_score",
			Help: "Latest headway health score per route and direction. Lower is healthier.",
		}, []string{"route_id", "direction_id"}),
		RoutesBySeverity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bunching_routes_by_severity",
			Help: "Routes in the latest score table per severity.",
		}, []string{"severity"}),
		RoutesScored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bunching_routes_scored",
			Help: "Rows in the latest score table.",
		}),
		VehiclesObserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bunching_vehicles_observed",
			Help: "Vehicles in the latest snapshot.",
		}),
		RowsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bunching_rows_dropped",
			Help: "Observations dropped for null route, direction or timestamp in the latest snapshot.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bunching_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bunching_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bunching_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bunching_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bunching_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.Cycles, c.StageFailures, c.StageDuration,
		c.RouteHealthScore, c.RoutesBySeverity, c.RoutesScored,
		c.VehiclesObserved, c.RowsDropped, c.LastSuccess,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the private registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// ObserveStage records a stage's duration and whether it failed.
func (c *Collector) ObserveStage(stage string, d time.Duration, err error) {
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		c.StageFailures.WithLabelValues(stage).Inc()
	}
}

// CycleFinished counts a cycle outcome.
func (c *Collector) CycleFinished(err error) {
	if err != nil {
		c.Cycles.WithLabelValues("failure").Inc()
		return
	}
	c.Cycles.WithLabelValues("success").Inc()
	c.LastSuccess.Set(float64(time.Now().Unix()))
}

// RecordSnapshot replaces the per-route gauges with the latest score table.
func (c *Collector) RecordSnapshot(scores []models.RouteHeadwayScore, vehicles, dropped int) {
	c.RouteHealthScore.Reset()
	c.RoutesBySeverity.Reset()

	for _, sev := range []report.Severity{report.SeverityHealthy, report.SeverityMild, report.SeverityNoticeable, report.SeveritySevere} {
		c.RoutesBySeverity.WithLabelValues(sev.String()).Set(0)
	}
	for _, s := range scores {
		c.RouteHealthScore.WithLabelValues(s.RouteID, strconv.Itoa(s.DirectionID)).Set(s.HeadwayHealthScore)
		c.RoutesBySeverity.WithLabelValues(report.Classify(s.HeadwayHealthScore).String()).Inc()
	}

	c.RoutesScored.Set(float64(len(scores)))
	c.VehiclesObserved.Set(float64(vehicles))
	c.RowsDropped.Set(float64(dropped))
}

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }

func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}
