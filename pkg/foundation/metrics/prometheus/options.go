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
	"github.com/prometheus/client_golang/prometheus"
)

// counterOption is applied to prometheus counter opts before creation.
type counterOption interface {
	applyCounter(prometheus.CounterOpts) prometheus.CounterOpts
}

// gaugeOption is applied to prometheus gauge opts before creation.
type gaugeOption interface {
	applyGauge(prometheus.GaugeOpts) prometheus.GaugeOpts
}

// histogramOption is applied to prometheus histogram opts before creation.
type histogramOption interface {
	applyHistogram(prometheus.HistogramOpts) prometheus.HistogramOpts
}

// HistogramOpts allows the caller to override prometheus histogram options.
// Only the Buckets field is applied.
type HistogramOpts struct {
	Buckets []float64
}

func (o HistogramOpts) applyHistogram(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
	if o.Buckets != nil {
		opts.Buckets = o.Buckets
	}
	return opts
}
