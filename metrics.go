package refsender

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "refsender_"

// PrometheusObserver exports dispatched values and dropped records as prometheus
// counters. Values are counted when a batch is drained, before the sinks are
// written, so failed dispatches are included. Sender.Stats reports successful
// sends only.
type PrometheusObserver struct {
	valuesDispatched prometheus.Counter
	recordsDropped   prometheus.Counter
}

// NewPrometheusObserver registers the counters with reg. A nil reg uses the
// default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusObserver{
		valuesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "values_dispatched_total",
			Help: "Number of reference data values drained for dispatch, including dispatches that failed",
		}),
		recordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "records_dropped_total",
			Help: "Number of records evicted from the full queue",
		}),
	}
}

func (o *PrometheusObserver) RecordSent(count int) {
	o.valuesDispatched.Add(float64(count))
}

func (o *PrometheusObserver) RecordDropped(count int) {
	o.recordsDropped.Add(float64(count))
}
