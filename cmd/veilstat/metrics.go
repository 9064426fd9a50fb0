package main

import (
	dto "github.com/prometheus/client_model/go"
)

// metricFamily wraps one scraped Prometheus metric family and sums its
// samples across every label combination; veilstat reports aggregate
// totals, not per-label breakdowns.
type metricFamily struct {
	raw *dto.MetricFamily
}

func newMetricFamily(raw *dto.MetricFamily) *metricFamily {
	return &metricFamily{raw: raw}
}

func (f *metricFamily) sum() float64 {
	if f == nil || f.raw == nil {
		return 0
	}

	var total float64
	for _, m := range f.raw.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Histogram != nil:
			total += m.Histogram.GetSampleSum()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
