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

package pipe

import (
	"context"

	"github.com/google/uuid"
	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/foundation/log"
	"github.com/pipewright/pipewright/pkg/foundation/metrics/measure"
	"github.com/pipewright/pipewright/pkg/ring"
	"gopkg.in/tomb.v2"
)

// Options configure one pipeline execution.
type Options struct {
	// Sink receives the pipeline's records. When nil a fresh sink is created
	// and owned by the handle; supplying a sink lets many pipelines
	// multiplex into one.
	Sink *Sink

	// Log selects where log records are delivered. The default drops them.
	Log LogMode

	// Trace selects which trace records are emitted. The default drops all.
	Trace TraceFilter
}

// Handle is the client's grip on a running pipeline.
type Handle struct {
	// Ref uniquely identifies this pipeline execution; every record the
	// pipeline emits carries it.
	Ref uuid.UUID

	cluster *Cluster
	coords  []*Coordinator
	head    *Details
	sink    *Sink
	t       *tomb.Tomb
}

// Exec validates the stage specs, builds a coordinator per stage from the
// tail forward and returns the handle for feeding the pipeline. All
// coordinators join one shutdown group: if any of them dies the whole
// pipeline is torn down and queued items are discarded.
func (c *Cluster) Exec(specs []fitting.Spec, opts Options) (*Handle, error) {
	if len(specs) == 0 {
		return nil, cerrors.New("pipeline needs at least one fitting")
	}
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		// status and handoff address stages by name, they must not collide
		if _, ok := seen[spec.Name]; ok {
			return nil, cerrors.Errorf("duplicate fitting name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	if specs[0].Partitioner == fitting.Follow {
		return nil, cerrors.Errorf("fitting %q: the first fitting cannot be follow partitioned, there is no producing partition to follow", specs[0].Name)
	}

	ref := uuid.New()
	sink := opts.Sink
	if sink == nil {
		sink = NewSink()
	}

	t := &tomb.Tomb{}
	ctx := t.Context(context.Background())

	// build from the tail so every coordinator knows its downstream
	var next *Details
	coords := make([]*Coordinator, len(specs))
	for i := len(specs) - 1; i >= 0; i-- {
		co := newCoordinator(c.logger, ctx)
		co.details = &Details{
			Spec:        specs[i],
			Ref:         ref,
			Coordinator: co,
			Next:        next,
			sink:        sink,
			logger:      c.logger,
			logMode:     opts.Log,
			trace:       opts.Trace,
		}
		coords[i] = co
		next = co.details
	}

	for _, co := range coords {
		co := co
		t.Go(func() error {
			select {
			case <-co.done:
				return nil
			case <-t.Dying():
				return nil
			}
		})
	}

	measure.PipelinesGauge.Inc()
	go func() {
		defer measure.PipelinesGauge.Dec()
		for _, co := range coords {
			select {
			case <-co.done:
			case <-t.Dying():
				return
			}
		}
		// all stages closed cleanly, release the shutdown group
		t.Kill(nil)
	}()

	c.logger.Info(ctx).
		Str(log.PipelineField, ref.String()).
		Int("stages", len(specs)).
		Msg("pipeline created")

	return &Handle{
		Ref:     ref,
		cluster: c,
		coords:  coords,
		head:    next,
		sink:    sink,
		t:       t,
	}, nil
}

// QueueWork submits one input to the first stage. It blocks while the target
// queue is full and returns an error wrapping ErrRejected if the pipeline no
// longer accepts inputs.
func (h *Handle) QueueWork(ctx context.Context, input any) error {
	return h.cluster.queueWork(ctx, h.head, nil, input)
}

// EOI requests end-of-input for the pipeline. The request is asynchronous:
// completion is observed through the EOIRecord arriving at the sink. Repeat
// calls are ignored.
func (h *Handle) EOI() {
	h.coords[0].ClientEOI()
}

// ReceiveResult returns the next record of the pipeline's sink.
func (h *Handle) ReceiveResult(ctx context.Context) (Record, error) {
	return h.sink.Receive(ctx)
}

// CollectResults drains the sink until the pipeline's end-of-input record
// arrives, returning its results and log records. Records of other pipelines
// sharing the sink, and trace records, are skipped.
func (h *Handle) CollectResults(ctx context.Context) ([]Result, []LogRecord, error) {
	var results []Result
	var logs []LogRecord
	for {
		rec, err := h.sink.Receive(ctx)
		if err != nil {
			return results, logs, err
		}
		if rec.PipelineRef() != h.Ref {
			continue
		}
		switch r := rec.(type) {
		case Result:
			results = append(results, r)
		case LogRecord:
			logs = append(logs, r)
		case EOIRecord:
			return results, logs, nil
		}
	}
}

// Sink returns the sink this pipeline delivers to.
func (h *Handle) Sink() *Sink { return h.sink }

// HandoffPartition moves the named fitting's worker on partition p to another
// node, carrying the archived behavior state and the queued inputs along.
// Call it when ring ownership of p changes; the ring itself is not touched.
func (h *Handle) HandoffPartition(fittingName string, p ring.Partition, dest ring.NodeID) error {
	var co *Coordinator
	for _, c := range h.coords {
		if c.details.Spec.Name == fittingName {
			co = c
			break
		}
	}
	if co == nil {
		return cerrors.Errorf("pipeline has no fitting %q", fittingName)
	}

	destMgr, ok := h.cluster.Node(dest)
	if !ok {
		return cerrors.Errorf("node %q is not part of the cluster", dest)
	}
	src, ok := co.workingSet()[p]
	if !ok {
		return cerrors.Errorf("handoff of %q %s: %w", fittingName, p, ErrNoSuchWorker)
	}
	return src.handoffPartition(co, p, destMgr)
}

// Destroy tears the pipeline down: coordinators, workers and queues are
// killed and queued items discarded. Destroying a finished pipeline is a
// no-op.
func (h *Handle) Destroy() {
	select {
	case <-h.t.Dead():
		return
	default:
	}
	h.t.Kill(ErrPipelineDestroyed)
}

// Wait blocks until the pipeline's shutdown group is fully released, either
// because every stage closed after end-of-input or because the pipeline was
// destroyed.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.t.Dead():
		if err := h.t.Err(); err != nil && !cerrors.Is(err, tomb.ErrStillAlive) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
