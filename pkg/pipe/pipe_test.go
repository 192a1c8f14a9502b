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
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/fitting/builtin"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/foundation/csync"
	"github.com/pipewright/pipewright/pkg/foundation/log"
	"github.com/pipewright/pipewright/pkg/ring"
)

// emitBehavior emits its input unchanged.
type emitBehavior struct {
	env fitting.Env
}

func (b *emitBehavior) Init(_ context.Context, env fitting.Env) error {
	b.env = env
	return nil
}

func (b *emitBehavior) Process(ctx context.Context, input any, _ bool) (fitting.Verdict, error) {
	if err := b.env.Emit(ctx, input); err != nil {
		return fitting.VerdictError, err
	}
	return fitting.VerdictOK, nil
}

func (b *emitBehavior) Done(context.Context) error { return nil }

// sleepBehavior sleeps for the duration in its arg before emitting.
type sleepBehavior struct {
	emitBehavior
	delay time.Duration
}

func (b *sleepBehavior) Init(ctx context.Context, env fitting.Env) error {
	b.delay = env.Arg().(time.Duration)
	return b.emitBehavior.Init(ctx, env)
}

func (b *sleepBehavior) Process(ctx context.Context, input any, last bool) (fitting.Verdict, error) {
	time.Sleep(b.delay)
	return b.emitBehavior.Process(ctx, input, last)
}

// forwardOnceBehavior forwards on the first Process call of the whole stage
// (the counter in its arg is shared across partitions) and emits afterwards.
type forwardOnceBehavior struct {
	emitBehavior
	calls *atomic.Int32
}

func (b *forwardOnceBehavior) Init(ctx context.Context, env fitting.Env) error {
	b.calls = env.Arg().(*atomic.Int32)
	return b.emitBehavior.Init(ctx, env)
}

func (b *forwardOnceBehavior) Process(ctx context.Context, input any, last bool) (fitting.Verdict, error) {
	if b.calls.Add(1) == 1 {
		return fitting.VerdictForward, nil
	}
	return b.emitBehavior.Process(ctx, input, last)
}

// panicOnBehavior panics on the n-th Process call of the whole stage and
// emits otherwise. Arg is a *panicSpec.
type panicSpec struct {
	calls atomic.Int32
	on    int32
}

type panicOnBehavior struct {
	emitBehavior
	spec *panicSpec
}

func (b *panicOnBehavior) Init(ctx context.Context, env fitting.Env) error {
	b.spec = env.Arg().(*panicSpec)
	return b.emitBehavior.Init(ctx, env)
}

func (b *panicOnBehavior) Process(ctx context.Context, input any, last bool) (fitting.Verdict, error) {
	if b.spec.calls.Add(1) == b.spec.on {
		panic("behavior blew up")
	}
	return b.emitBehavior.Process(ctx, input, last)
}

// gateBehavior blocks each Process call until the channel in its arg yields,
// then emits.
type gateBehavior struct {
	emitBehavior
	gate chan struct{}
}

func (b *gateBehavior) Init(ctx context.Context, env fitting.Env) error {
	b.gate = env.Arg().(chan struct{})
	return b.emitBehavior.Init(ctx, env)
}

func (b *gateBehavior) Process(ctx context.Context, input any, last bool) (fitting.Verdict, error) {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return fitting.VerdictError, ctx.Err()
	}
	return b.emitBehavior.Process(ctx, input, last)
}

// recordBehavior stores input -> partition in the sync.Map of its arg before
// emitting.
type recordBehavior struct {
	emitBehavior
	seen *sync.Map
}

func (b *recordBehavior) Init(ctx context.Context, env fitting.Env) error {
	b.seen = env.Arg().(*sync.Map)
	return b.emitBehavior.Init(ctx, env)
}

func (b *recordBehavior) Process(ctx context.Context, input any, last bool) (fitting.Verdict, error) {
	b.seen.Store(input, b.env.Partition())
	return b.emitBehavior.Process(ctx, input, last)
}

func init() {
	fitting.Register("test.emit", func() fitting.Behavior { return &emitBehavior{} })
	fitting.Register("test.sleep", func() fitting.Behavior { return &sleepBehavior{} })
	fitting.Register("test.forward_once", func() fitting.Behavior { return &forwardOnceBehavior{} })
	fitting.Register("test.panic_on", func() fitting.Behavior { return &panicOnBehavior{} })
	fitting.Register("test.gate", func() fitting.Behavior { return &gateBehavior{} })
	fitting.Register("test.record", func() fitting.Behavior { return &recordBehavior{} })
}

func testCluster(t *testing.T, cfg Config, partitions int, nodes ...ring.NodeID) *Cluster {
	t.Helper()
	if len(nodes) == 0 {
		nodes = []ring.NodeID{"node-a"}
	}
	r, err := ring.NewStatic(partitions, nodes)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCluster(cfg, log.Nop(), r, nodes)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func constSpec(name, behavior string, arg any) fitting.Spec {
	return fitting.Spec{
		Name:        name,
		Behavior:    behavior,
		Arg:         arg,
		Partitioner: fitting.ConstantPartitioner(ring.Hash{}),
		NVal:        1,
		QLimit:      64,
	}
}

// S1: a one-stage identity pipeline delivers results in order, then exactly
// one end-of-input record.
func TestPipeline_Identity(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	h, err := c.Exec([]fitting.Spec{constSpec("pass", builtin.Pass, nil)}, Options{Log: LogSink})
	is.NoErr(err)

	for _, in := range []string{"a", "b", "c"} {
		is.NoErr(h.QueueWork(ctx, in))
	}
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(logs), 0)
	is.Equal(len(results), 3)
	for i, want := range []string{"a", "b", "c"} {
		is.Equal(results[i].Value, want)
		is.Equal(results[i].From, "pass")
	}

	// the end-of-input record is terminal
	recvCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.ReceiveResult(recvCtx)
	is.True(cerrors.Is(err, context.DeadlineExceeded))
}

// S2: a bounded queue back-pressures the senders; nothing is dropped and the
// wall clock reflects the serialized downstream stage.
func TestPipeline_BackPressure(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	const n = 10
	delay := 20 * time.Millisecond

	specA := constSpec("a", "test.emit", nil)
	specA.QLimit = 2
	specB := constSpec("b", "test.sleep", delay)
	specB.QLimit = 2

	h, err := c.Exec([]fitting.Spec{specA, specB}, Options{Log: LogSink})
	is.NoErr(err)

	start := time.Now()
	for i := 0; i < n; i++ {
		is.NoErr(h.QueueWork(ctx, i))
	}
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.True(time.Since(start) >= n*delay) // the sleeper serializes everything
	is.Equal(len(logs), 0)
	is.Equal(len(results), n) // no drops
}

// queue bound invariant: the ready list never exceeds the effective q_limit.
func TestPipeline_QueueBound(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	spec := constSpec("slow", "test.sleep", 5*time.Millisecond)
	spec.QLimit = 2

	h, err := c.Exec([]fitting.Spec{spec}, Options{})
	is.NoErr(err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = h.QueueWork(ctx, i)
		}
		h.EOI()
	}()

	for {
		var finished bool
		select {
		case <-done:
			finished = true
		default:
		}
		for _, stage := range h.Status() {
			for _, w := range stage.Workers {
				is.True(w.QueueLength <= 2) // |ready| <= effective q_limit
			}
		}
		if finished {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	_, _, err = h.CollectResults(ctx)
	is.NoErr(err)
}

// S3: a keyed reducer folds everything under each key and emits once on
// end-of-input.
func TestPipeline_Reduce(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8, "node-a", "node-b")

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

	kvs := []builtin.KV{
		{Key: "a", Value: 1},
		{Key: "b", Value: 2},
		{Key: "a", Value: 3},
		{Key: "b", Value: 4},
	}
	for _, kv := range kvs {
		is.NoErr(h.QueueWork(ctx, kv))
	}
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(logs), 0)
	is.Equal(len(results), 2)

	got := map[string]int{}
	for _, res := range results {
		kv := res.Value.(builtin.KV)
		got[kv.Key] = kv.Value.(int)
	}
	is.Equal(got, map[string]int{"a": 4, "b": 6})
}

// S4: a forward_preflist verdict retries the input on the next partition of
// its preflist; with nval=2 the second partition produces the result and no
// log record is emitted.
func TestPipeline_PreflistForward(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	spec := constSpec("fwd", "test.forward_once", new(atomic.Int32))
	spec.NVal = 2

	h, err := c.Exec([]fitting.Spec{spec}, Options{Log: LogSink})
	is.NoErr(err)

	is.NoErr(h.QueueWork(ctx, "x"))
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(logs), 0)
	is.Equal(len(results), 1)
	is.Equal(results[0].Value, "x")
}

// S5: the same stage with nval=1 exhausts the preflist: no result, exactly
// one forward_preflist_exhausted log record.
func TestPipeline_PreflistExhausted(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	spec := constSpec("fwd", "test.forward_once", new(atomic.Int32))
	spec.NVal = 1

	h, err := c.Exec([]fitting.Spec{spec}, Options{Log: LogSink})
	is.NoErr(err)

	is.NoErr(h.QueueWork(ctx, "x"))
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(results), 0)
	is.Equal(len(logs), 1)
	is.Equal(logs[0].Kind, LogKindForwardExhausted)
	is.Equal(logs[0].From, "fwd")
}

// S6: a behavior panic kills the worker, the input is lost, the restarted
// worker handles the rest.
func TestPipeline_ExceptionRecovery(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{WorkerRestartLimit: 1}, 8)

	h, err := c.Exec(
		[]fitting.Spec{constSpec("shaky", "test.panic_on", &panicSpec{on: 3})},
		Options{Log: LogSink},
	)
	is.NoErr(err)

	for i := 1; i <= 5; i++ {
		is.NoErr(h.QueueWork(ctx, i))
	}
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)

	got := make([]int, 0, len(results))
	for _, res := range results {
		got = append(got, res.Value.(int))
	}
	is.Equal(got, []int{1, 2, 4, 5}) // input 3 was lost to the panic

	is.Equal(len(logs), 1)
	is.Equal(logs[0].Kind, LogKindException)
}

// A crashed worker whose restart budget is spent converts its queue into
// preflist forwards; queued inputs survive on the fallback partition.
func TestPipeline_CrashForwardsQueue(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{WorkerRestartLimit: -1}, 8)

	spec := constSpec("crashy", "test.panic_on", &panicSpec{on: 1})
	spec.NVal = 2

	h, err := c.Exec([]fitting.Spec{spec}, Options{Log: LogSink})
	is.NoErr(err)

	for i := 1; i <= 3; i++ {
		is.NoErr(h.QueueWork(ctx, i))
	}
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)

	got := map[int]bool{}
	for _, res := range results {
		got[res.Value.(int)] = true
	}
	is.Equal(got, map[int]bool{2: true, 3: true}) // input 1 was lost to the panic

	var exceptions, restartFailures int
	for _, l := range logs {
		switch l.Kind {
		case LogKindException:
			exceptions++
		case LogKindRestartFailed:
			restartFailures++
		}
	}
	is.Equal(exceptions, 1)
	is.Equal(restartFailures, 1)
}

// follow locality: every input of a follow stage arrives on the partition
// that produced it.
func TestPipeline_FollowLocality(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 16, "node-a", "node-b")

	var first, second sync.Map

	specA := fitting.Spec{
		Name:        "spread",
		Behavior:    "test.record",
		Arg:         &first,
		Partitioner: fitting.BytesPartitioner(),
		NVal:        1,
		QLimit:      64,
	}
	specB := fitting.Spec{
		Name:        "local",
		Behavior:    "test.record",
		Arg:         &second,
		Partitioner: fitting.Follow,
		NVal:        1,
		QLimit:      64,
	}

	h, err := c.Exec([]fitting.Spec{specA, specB}, Options{Log: LogSink})
	is.NoErr(err)

	inputs := []string{"one", "two", "three", "four", "five", "six"}
	for _, in := range inputs {
		is.NoErr(h.QueueWork(ctx, in))
	}
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(logs), 0)
	is.Equal(len(results), len(inputs))

	for _, in := range inputs {
		p1, ok := first.Load(in)
		is.True(ok)
		p2, ok := second.Load(in)
		is.True(ok)
		is.Equal(p1, p2) // follow keeps the input on the producing partition
	}
}

// many concurrent producers funnel through the bounded queues without loss.
func TestPipeline_ConcurrentProducers(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 16, "node-a", "node-b", "node-c")

	var count builtin.ReduceFunc = func(_ string, acc, _ any) (any, error) {
		if acc == nil {
			return 1, nil
		}
		return acc.(int) + 1, nil
	}
	spec := fitting.Spec{
		Name:     "tally",
		Behavior: builtin.Reduce,
		Arg:      count,
		Partitioner: fitting.PartitionerFunc(func(input any) ring.Hash {
			return ring.HashOf([]byte(input.(builtin.KV).Key))
		}),
		NVal:   1,
		QLimit: 4,
	}

	h, err := c.Exec([]fitting.Spec{spec}, Options{Log: LogSink})
	is.NoErr(err)

	const producers, perProducer = 8, 25
	var wg csync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			for j := 0; j < perProducer; j++ {
				if err := h.QueueWork(ctx, builtin.KV{Key: key, Value: j}); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	is.NoErr(wg.Wait(ctx))
	h.EOI()

	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(logs), 0)
	is.Equal(len(results), producers)
	for _, res := range results {
		is.Equal(res.Value.(builtin.KV).Value, perProducer)
	}
}

// repeated EOI calls collapse into one; the sink sees exactly one
// end-of-input record.
func TestPipeline_IdempotentEOI(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	h, err := c.Exec([]fitting.Spec{constSpec("pass", builtin.Pass, nil)}, Options{})
	is.NoErr(err)

	is.NoErr(h.QueueWork(ctx, "x"))
	h.EOI()
	h.EOI()
	h.EOI()

	results, _, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(results), 1)

	recvCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.ReceiveResult(recvCtx)
	is.True(cerrors.Is(err, context.DeadlineExceeded)) // no second EOI record
}

// end-of-input on a pipeline that never saw an input still reaches the sink.
func TestPipeline_EOIWithoutInputs(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	h, err := c.Exec(
		[]fitting.Spec{constSpec("a", builtin.Pass, nil), constSpec("b", builtin.Pass, nil)},
		Options{},
	)
	is.NoErr(err)

	h.EOI()
	results, logs, err := h.CollectResults(ctx)
	is.NoErr(err)
	is.Equal(len(results), 0)
	is.Equal(len(logs), 0)
}

// two pipelines can share one sink; records are told apart by pipeline ref.
func TestPipeline_SharedSink(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	sink := NewSink()
	h1, err := c.Exec([]fitting.Spec{constSpec("p1", builtin.Pass, nil)}, Options{Sink: sink})
	is.NoErr(err)
	h2, err := c.Exec([]fitting.Spec{constSpec("p2", builtin.Pass, nil)}, Options{Sink: sink})
	is.NoErr(err)

	is.True(h1.Ref != h2.Ref) // refs are unique per exec

	is.NoErr(h1.QueueWork(ctx, "one"))
	is.NoErr(h2.QueueWork(ctx, "two"))
	h1.EOI()
	h2.EOI()

	results1, _, err := h1.CollectResults(ctx)
	is.NoErr(err)
	results2, _, err := h2.CollectResults(ctx)
	is.NoErr(err)

	is.Equal(len(results1), 1)
	is.Equal(results1[0].Value, "one")
	is.Equal(len(results2), 1)
	is.Equal(results2[0].Value, "two")
}

// a destroyed pipeline unblocks and discards everything.
func TestPipeline_Destroy(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	gate := make(chan struct{})
	spec := constSpec("gated", "test.gate", gate)
	spec.QLimit = 1

	h, err := c.Exec([]fitting.Spec{spec}, Options{})
	is.NoErr(err)

	is.NoErr(h.QueueWork(ctx, 1))
	is.NoErr(h.QueueWork(ctx, 2))

	h.Destroy()
	err = h.Wait(ctx)
	is.True(cerrors.Is(err, ErrPipelineDestroyed))
}

// trace records are emitted only when a topic matches the filter.
func TestPipeline_TraceFilter(t *testing.T) {
	is := is.New(t)
	ctx := testContext(t)
	c := testCluster(t, Config{}, 8)

	h, err := c.Exec(
		[]fitting.Spec{constSpec("traced", builtin.Pass, nil)},
		Options{Trace: TraceTopics("traced")},
	)
	is.NoErr(err)

	is.NoErr(h.QueueWork(ctx, "x"))
	h.EOI()

	var traces int
	for {
		rec, err := h.ReceiveResult(ctx)
		is.NoErr(err)
		if _, ok := rec.(TraceRecord); ok {
			traces++
		}
		if _, ok := rec.(EOIRecord); ok {
			break
		}
	}
	is.True(traces > 0) // the fitting name topic matches

	// and with a non-matching filter nothing is traced
	h2, err := c.Exec(
		[]fitting.Spec{constSpec("traced", builtin.Pass, nil)},
		Options{Trace: TraceTopics("other")},
	)
	is.NoErr(err)
	is.NoErr(h2.QueueWork(ctx, "x"))
	h2.EOI()
	for {
		rec, err := h2.ReceiveResult(ctx)
		is.NoErr(err)
		_, isTrace := rec.(TraceRecord)
		is.True(!isTrace)
		if _, ok := rec.(EOIRecord); ok {
			break
		}
	}
}

// exec rejects invalid stage lists up front.
func TestExec_Validation(t *testing.T) {
	is := is.New(t)
	c := testCluster(t, Config{}, 8)

	_, err := c.Exec(nil, Options{})
	is.True(err != nil) // empty pipeline

	bad := constSpec("bad", builtin.Pass, nil)
	bad.NVal = 0
	_, err = c.Exec([]fitting.Spec{bad}, Options{})
	is.True(err != nil) // invalid spec

	follow := constSpec("head", builtin.Pass, nil)
	follow.Partitioner = fitting.Follow
	_, err = c.Exec([]fitting.Spec{follow}, Options{})
	is.True(err != nil) // follow head stage
}
