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
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/fitting/builtin"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/foundation/log"
	"github.com/pipewright/pipewright/pkg/ring"
)

// a sender on a full queue parks until the worker makes room.
func TestManager_EnqueueBlocksWhenFull(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	gate := make(chan struct{})
	spec := constSpec("gated", "test.gate", gate)
	spec.QLimit = 1

	h, err := c.Exec([]fitting.Spec{spec}, Options{Log: LogSink})
	is.NoErr(err)

	// first input goes to the worker, second fills the single ready slot
	is.NoErr(h.QueueWork(ctx, 1))
	is.NoErr(h.QueueWork(ctx, 2))

	third := make(chan error, 1)
	go func() {
		third <- h.QueueWork(ctx, 3)
	}()

	select {
	case err := <-third:
		t.Fatalf("enqueue on a full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
		// still parked, as it should be
	}

	close(gate)
	select {
	case err := <-third:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue never unblocked")
	}

	h.EOI()
	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(logs), 0)
	is.Equal(len(results), 3) // the parked input was not lost
}

// once a queue has seen end-of-input it rejects new work.
func TestManager_EnqueueAfterEOIRejected(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	gate := make(chan struct{})
	spec := constSpec("gated", "test.gate", gate)

	h, err := c.Exec([]fitting.Spec{spec}, Options{Log: LogSink})
	is.NoErr(err)

	is.NoErr(h.QueueWork(ctx, 1))
	h.EOI() // broadcast is synchronous, the queue is marked before this returns

	err = h.QueueWork(ctx, 2)
	is.True(cerrors.Is(err, ErrRejected))
	is.True(cerrors.Is(err, ErrEOIClosed))

	close(gate)
	results, _, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(results), 1)
}

// a sender parked on a full queue is rejected by end-of-input rather than
// left hanging.
func TestManager_EOIUnblocksParkedSender(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	gate := make(chan struct{})
	spec := constSpec("gated", "test.gate", gate)
	spec.QLimit = 1

	h, err := c.Exec([]fitting.Spec{spec}, Options{Log: LogSink})
	is.NoErr(err)

	is.NoErr(h.QueueWork(ctx, 1))
	is.NoErr(h.QueueWork(ctx, 2))

	parked := make(chan error, 1)
	go func() {
		parked <- h.QueueWork(ctx, 3)
	}()
	time.Sleep(20 * time.Millisecond) // let the sender park

	h.EOI()
	select {
	case err := <-parked:
		is.True(cerrors.Is(err, ErrEOIClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("parked sender was not woken by end-of-input")
	}

	close(gate)
	results, _, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(results), 2) // inputs 1 and 2 survive, 3 was rejected
}

// handing a partition off re-creates its worker on the destination node with
// the archived behavior state applied, so a reduce keeps its partial sums.
func TestManager_HandoffPartition(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)

	nodes := []ring.NodeID{"node-a", "node-b"}
	r, err := ring.NewStatic(4, nodes)
	is.NoErr(err)
	c, err := NewCluster(Config{}, log.Nop(), r, nodes)
	is.NoErr(err)

	var sum builtin.ReduceFunc = func(_ string, acc, value any) (any, error) {
		if acc == nil {
			return value, nil
		}
		return acc.(int) + value.(int), nil
	}
	spec := fitting.Spec{
		Name:     "sum",
		Behavior: builtin.Reduce,
		Arg:      sum,
		Partitioner: fitting.PartitionerFunc(func(input any) ring.Hash {
			return ring.HashOf([]byte(input.(builtin.KV).Key))
		}),
		NVal:   1,
		QLimit: 64,
	}

	h, err := c.Exec([]fitting.Spec{spec}, Options{Log: LogSink})
	is.NoErr(err)

	is.NoErr(h.QueueWork(ctx, builtin.KV{Key: "a", Value: 1}))
	is.NoErr(h.QueueWork(ctx, builtin.KV{Key: "a", Value: 2}))

	p := r.Preflist(ring.HashOf([]byte("a")), 1)[0]
	var destID ring.NodeID = "node-a"
	if r.Owner(p) == destID {
		destID = "node-b"
	}

	err = h.HandoffPartition("sum", p, destID)
	is.NoErr(err)

	// follow the ring change and keep feeding the moved partition
	r.Reassign(p, destID)
	is.NoErr(h.QueueWork(ctx, builtin.KV{Key: "a", Value: 3}))
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(logs), 0)
	is.Equal(len(results), 1)
	is.Equal(results[0].Value, builtin.KV{Key: "a", Value: 6}) // archived sums survived the move
}

// handing off a partition nobody works on fails cleanly.
func TestManager_HandoffNoWorker(t *testing.T) {
	is := is.New(t)
	c := testCluster(t, Config{}, 8, "node-a", "node-b")

	h, err := c.Exec([]fitting.Spec{constSpec("idle", builtin.Pass, nil)}, Options{})
	is.NoErr(err)

	err = h.HandoffPartition("idle", 0, "node-b")
	is.True(cerrors.Is(err, ErrNoSuchWorker)) // no input ever reached the partition

	err = h.HandoffPartition("nope", 0, "node-b")
	is.True(err != nil) // unknown fitting
}
