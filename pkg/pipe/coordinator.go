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
	"sync"

	"github.com/pipewright/pipewright/pkg/foundation/log"
	"github.com/pipewright/pipewright/pkg/ring"
)

// Coordinator serves the details of one fitting of one pipeline and drives
// its end-of-input. It tracks the set of partitions that fetched its details,
// which is exactly the set of queues that may still hold inputs for the
// stage.
//
// Because every producer blocks until its output is enqueued downstream, the
// moment end-of-input has been broadcast and every tracked queue has drained
// and reported done, no input for this stage can be in flight anywhere. No
// watermark bookkeeping is needed.
type Coordinator struct {
	details *Details
	logger  log.CtxLogger
	ctx     context.Context

	mu           sync.Mutex
	working      map[ring.Partition]*Manager
	eoiRequested bool
	closed       bool

	// done is closed once the coordinator has forwarded end-of-input and
	// shut down.
	done chan struct{}
}

func newCoordinator(logger log.CtxLogger, ctx context.Context) *Coordinator {
	return &Coordinator{
		logger:  logger.WithComponent("pipe.Coordinator"),
		ctx:     ctx,
		working: make(map[ring.Partition]*Manager),
		done:    make(chan struct{}),
	}
}

// Details returns the fitting details this coordinator serves.
func (c *Coordinator) Details() *Details { return c.details }

// GetDetails hands the fitting details to a queue manager and registers the
// calling (partition, manager) pair in the working set. Registration happens
// before the queue accepts its first input, so a stage can never close while
// an accepted input exists that it does not know about.
//
// The second return value reports whether end-of-input was already requested;
// a late queue must drain as soon as it has processed what it accepted.
func (c *Coordinator) GetDetails(m *Manager, p ring.Partition) (*Details, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrFittingClosed
	}
	c.working[p] = m
	return c.details, c.eoiRequested, nil
}

// WorkerDone removes a partition from the working set, either because its
// queue drained after end-of-input or because the worker went down for good
// and the queue manager's forwarding already dealt with its in-flight items.
// The last removal after an end-of-input request closes the stage.
func (c *Coordinator) WorkerDone(p ring.Partition) {
	c.mu.Lock()
	delete(c.working, p)
	closing := c.eoiRequested && len(c.working) == 0 && !c.closed
	if closing {
		c.closed = true
	}
	c.mu.Unlock()

	if closing {
		c.forwardEOI()
	}
}

// ClientEOI requests end-of-input for this stage: no further inputs will
// arrive from upstream. Every registered queue is told to drain; once all of
// them report done the stage forwards end-of-input and shuts down. Repeated
// calls are ignored.
func (c *Coordinator) ClientEOI() {
	c.mu.Lock()
	if c.eoiRequested {
		c.mu.Unlock()
		return
	}
	c.eoiRequested = true

	if len(c.working) == 0 {
		// no inputs were ever routed through this stage
		c.closed = true
		c.mu.Unlock()
		c.forwardEOI()
		return
	}

	type entry struct {
		p ring.Partition
		m *Manager
	}
	snapshot := make([]entry, 0, len(c.working))
	for p, m := range c.working {
		snapshot = append(snapshot, entry{p, m})
	}
	c.mu.Unlock()

	for _, e := range snapshot {
		e.m.MarkEOI(c, e.p)
	}
}

// forwardEOI propagates end-of-input to the next stage, or delivers the
// pipeline's end-of-input record when this is the last stage, and shuts the
// coordinator down.
func (c *Coordinator) forwardEOI() {
	d := c.details
	c.logger.Debug(c.ctx).
		Str(log.FittingField, d.Spec.Name).
		Str(log.PipelineField, d.Ref.String()).
		Msg("stage drained, forwarding end of input")

	if d.Next != nil {
		d.Next.Coordinator.ClientEOI()
	} else {
		d.sendEOI()
	}
	close(c.done)
}

// workingSet returns a snapshot of the partitions currently registered and
// the managers hosting them.
func (c *Coordinator) workingSet() map[ring.Partition]*Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ring.Partition]*Manager, len(c.working))
	for p, m := range c.working {
		out[p] = m
	}
	return out
}
