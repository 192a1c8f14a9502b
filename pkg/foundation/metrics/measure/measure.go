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

package measure

import (
	"github.com/pipewright/pipewright/pkg/foundation/metrics"
	"github.com/pipewright/pipewright/pkg/foundation/metrics/prometheus"
)

// Any changes in metrics defined below should also be reflected in the metrics
// documentation.
var (
	PipelinesGauge = metrics.NewGauge("pipewright_pipelines",
		"Number of pipelines currently executing.")

	EnqueuedCounter = metrics.NewLabeledCounter("pipewright_inputs_enqueued",
		"Number of inputs accepted into a worker queue by fitting.",
		[]string{"fitting"})
	ProcessedCounter = metrics.NewLabeledCounter("pipewright_inputs_processed",
		"Number of inputs processed by fitting.",
		[]string{"fitting"})
	ForwardedCounter = metrics.NewLabeledCounter("pipewright_inputs_forwarded",
		"Number of inputs forwarded to an alternate partition by fitting.",
		[]string{"fitting"})
	DroppedCounter = metrics.NewLabeledCounter("pipewright_inputs_dropped",
		"Number of inputs dropped because their preflist was exhausted, by fitting.",
		[]string{"fitting"})
	WorkerRestartCounter = metrics.NewLabeledCounter("pipewright_worker_restarts",
		"Number of worker restarts after an abnormal exit, by fitting.",
		[]string{"fitting"})

	QueueLengthGauge = metrics.NewLabeledGauge("pipewright_queue_length",
		"Number of inputs waiting in worker queues by fitting.",
		[]string{"fitting"})
	BlockingLengthGauge = metrics.NewLabeledGauge("pipewright_blocking_length",
		"Number of senders blocked on full worker queues by fitting.",
		[]string{"fitting"})

	ProcessDurationTimer = metrics.NewLabeledTimer("pipewright_process_duration_seconds",
		"Amount of time spent in a behavior's Process call by fitting.",
		[]string{"fitting"},
		prometheus.HistogramOpts{Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}},
	)
	EnqueueDurationTimer = metrics.NewLabeledTimer("pipewright_enqueue_duration_seconds",
		"Amount of time senders spent waiting for queue space by fitting.",
		[]string{"fitting"},
		prometheus.HistogramOpts{Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}},
	)
)
