// Copyright © 2024 Pipewright Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prometheus

import (
	"time"

	"github.com/pipewright/pipewright/pkg/foundation/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type counter struct {
	pc prometheus.Counter
}

func (c *counter) Inc(vs ...float64) {
	if len(vs) == 0 {
		c.pc.Inc()
		return
	}
	c.pc.Add(sumFloat64(vs...))
}

func (c *counter) Describe(ch chan<- *prometheus.Desc) {
	c.pc.Describe(ch)
}

func (c *counter) Collect(ch chan<- prometheus.Metric) {
	c.pc.Collect(ch)
}

type labeledCounter struct {
	pc *prometheus.CounterVec
}

func (lc *labeledCounter) WithValues(vs ...string) metrics.Counter {
	return &counter{pc: lc.pc.WithLabelValues(vs...)}
}

func (lc *labeledCounter) Describe(ch chan<- *prometheus.Desc) {
	lc.pc.Describe(ch)
}

func (lc *labeledCounter) Collect(ch chan<- prometheus.Metric) {
	lc.pc.Collect(ch)
}

type gauge struct {
	pg prometheus.Gauge
}

func (g *gauge) Inc(vs ...float64) {
	if len(vs) == 0 {
		g.pg.Inc()
		return
	}
	g.pg.Add(sumFloat64(vs...))
}

func (g *gauge) Dec(vs ...float64) {
	if len(vs) == 0 {
		g.pg.Dec()
		return
	}
	g.pg.Sub(sumFloat64(vs...))
}

func (g *gauge) Set(v float64) {
	g.pg.Set(v)
}

func (g *gauge) Describe(ch chan<- *prometheus.Desc) {
	g.pg.Describe(ch)
}

func (g *gauge) Collect(ch chan<- prometheus.Metric) {
	g.pg.Collect(ch)
}

type labeledGauge struct {
	pg *prometheus.GaugeVec
}

func (lg *labeledGauge) WithValues(vs ...string) metrics.Gauge {
	return &gauge{pg: lg.pg.WithLabelValues(vs...)}
}

func (lg *labeledGauge) Describe(ch chan<- *prometheus.Desc) {
	lg.pg.Describe(ch)
}

func (lg *labeledGauge) Collect(ch chan<- prometheus.Metric) {
	lg.pg.Collect(ch)
}

type histogram struct {
	ph prometheus.Histogram
}

func (h *histogram) Observe(v float64) {
	h.ph.Observe(v)
}

func (h *histogram) Describe(ch chan<- *prometheus.Desc) {
	h.ph.Describe(ch)
}

func (h *histogram) Collect(ch chan<- prometheus.Metric) {
	h.ph.Collect(ch)
}

type labeledHistogram struct {
	ph *prometheus.HistogramVec
}

func (lh *labeledHistogram) WithValues(vs ...string) metrics.Histogram {
	return &histogram{ph: lh.ph.WithLabelValues(vs...).(prometheus.Histogram)}
}

func (lh *labeledHistogram) Describe(ch chan<- *prometheus.Desc) {
	lh.ph.Describe(ch)
}

func (lh *labeledHistogram) Collect(ch chan<- prometheus.Metric) {
	lh.ph.Collect(ch)
}

type timer struct {
	h *histogram
}

func (t *timer) Update(d time.Duration) {
	t.h.Observe(d.Seconds())
}

func (t *timer) UpdateSince(start time.Time) {
	t.h.Observe(time.Since(start).Seconds())
}

type labeledTimer struct {
	h *labeledHistogram
}

func (lt *labeledTimer) WithValues(vs ...string) metrics.Timer {
	return &timer{h: lt.h.WithValues(vs...).(*histogram)}
}

func sumFloat64(vs ...float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum
}
