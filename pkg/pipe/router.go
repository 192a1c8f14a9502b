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

	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/foundation/metrics/measure"
	"github.com/pipewright/pipewright/pkg/ring"
)

// queueWork routes one input to the stage described by d. src is the
// partition of the producing worker, nil for client submissions; a follow
// partitioned stage routes on it directly and skips hashing. The call blocks
// until the owning queue accepts or rejects the input.
//
// A routing-time empty preflist drops the input with a preflist_exhausted log
// record and reports success, the loss is observable at the sink only.
func (c *Cluster) queueWork(ctx context.Context, d *Details, src *ring.Partition, input any) error {
	var preflist []ring.Partition
	if d.Spec.Partitioner == fitting.Follow {
		if src == nil {
			return cerrors.Errorf("fitting %q is follow partitioned and cannot take client inputs", d.Spec.Name)
		}
		preflist = []ring.Partition{*src}
	} else {
		h := d.Spec.Partitioner.Partition(input)
		preflist = c.ring.Preflist(h, d.Spec.NVal)
	}

	if len(preflist) == 0 {
		d.sendLog(LogRecord{
			Kind:  LogKindPreflistExhausted,
			Msg:   "no partitions available for input",
			Input: input,
		})
		measure.DroppedCounter.WithValues(d.Spec.Name).Inc()
		return nil
	}

	env := &Envelope{
		Ref:             d.Ref,
		Coordinator:     d.Coordinator,
		Fitting:         d.Spec.Name,
		SourcePartition: src,
		Input:           input,
		Preflist:        preflist,
	}
	return c.deliver(ctx, d, env)
}

// deliver enqueues the envelope at the head partition of its preflist,
// blocking until the queue accepts it. An unreachable owner is skipped like a
// failed worker: the envelope is forwarded down the preflist.
func (c *Cluster) deliver(ctx context.Context, d *Details, env *Envelope) error {
	m, ok := c.managerFor(env.Preflist[0])
	if !ok {
		c.logger.Warn(ctx).
			Stringer("partition", env.Preflist[0]).
			Str("fitting", env.Fitting).
			Msg("partition owner is not part of the cluster, forwarding")
		return c.forwardFrom(ctx, d, env)
	}
	return m.Enqueue(ctx, env)
}

// forwardFrom moves the envelope past the head of its preflist and delivers
// it to the next partition. When no partitions remain the input is dropped
// with a forward_preflist_exhausted log record.
func (c *Cluster) forwardFrom(ctx context.Context, d *Details, env *Envelope) error {
	rest := env.Preflist[1:]
	if len(rest) == 0 {
		failed := env.Preflist[0]
		d.sendLog(LogRecord{
			Kind:      LogKindForwardExhausted,
			Msg:       "input forwarded past the last partition of its preflist",
			Partition: &failed,
			Input:     env.Input,
		})
		measure.DroppedCounter.WithValues(d.Spec.Name).Inc()
		return nil
	}

	measure.ForwardedCounter.WithValues(d.Spec.Name).Inc()
	next := &Envelope{
		Ref:             env.Ref,
		Coordinator:     env.Coordinator,
		Fitting:         env.Fitting,
		SourcePartition: env.SourcePartition,
		Input:           env.Input,
		Preflist:        rest,
	}
	return c.deliver(ctx, d, next)
}
