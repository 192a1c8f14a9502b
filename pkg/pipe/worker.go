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
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/foundation/metrics/measure"
	"github.com/pipewright/pipewright/pkg/ring"
	"gopkg.in/tomb.v2"
)

// dequeueOp tells the worker what its dequeue call resolved to.
type dequeueOp int

const (
	// opInput delivers an envelope to process.
	opInput dequeueOp = iota
	// opEOI means end-of-input was reached and the queue is drained.
	opEOI
	// opHandoff asks the worker to archive its state and terminate.
	opHandoff
	// opCanceled means the pipeline is shutting down.
	opCanceled
)

// Worker runs the behavior callbacks for one (fitting, partition) pair. It is
// a plain event loop: dequeue, process, emit; the queue manager owns its
// lifecycle and watches its tomb.
type Worker struct {
	manager   *Manager
	queue     *queue
	details   *Details
	partition ring.Partition

	behavior fitting.Behavior
	// pending holds an archived state to apply after Init when the worker
	// was created by a handoff.
	pending any

	t *tomb.Tomb

	// reported is set when the worker has already emitted a log record for
	// its own death, so the manager's monitor doesn't emit a second one.
	reported atomic.Bool

	counters workerCounters
}

type workerCounters struct {
	started    time.Time
	state      atomic.Int32
	processed  atomic.Uint64
	failures   atomic.Uint64
	workNanos  atomic.Int64
	idleNanos  atomic.Int64
	inputsDone atomic.Bool
}

func newWorker(m *Manager, q *queue, d *Details, p ring.Partition, pendingHandoff any) *Worker {
	w := &Worker{
		manager:   m,
		queue:     q,
		details:   d,
		partition: p,
		pending:   pendingHandoff,
		t:         &tomb.Tomb{},
	}
	w.counters.started = time.Now()
	w.t.Go(w.run)
	return w
}

func (w *Worker) run() error {
	ctx := w.t.Context(w.details.Coordinator.ctx)
	spec := w.details.Spec

	factory, err := fitting.Resolve(spec.Behavior)
	if err != nil {
		return w.fatal(err, nil, "")
	}
	w.behavior = factory()

	w.setState(StateInit)
	if err := w.initBehavior(ctx); err != nil {
		return err
	}

	w.details.sendTrace(w.traceTopics(), "worker started")

	for {
		w.setState(StateWaiting)
		idleStart := time.Now()
		env, op := w.manager.dequeue(ctx, w.queue)
		w.counters.idleNanos.Add(int64(time.Since(idleStart)))

		switch op {
		case opCanceled:
			return ctx.Err()
		case opHandoff:
			return w.archiveForHandoff(ctx)
		case opEOI:
			return w.finish(ctx)
		case opInput:
		}

		w.setState(StateProcessing)
		workStart := time.Now()
		verdict, procErr, panicErr, stack := w.invokeProcess(ctx, env)
		w.counters.workNanos.Add(int64(time.Since(workStart)))
		w.counters.processed.Add(1)
		measure.ProcessedCounter.WithValues(spec.Name).Inc()
		measure.ProcessDurationTimer.WithValues(spec.Name).UpdateSince(workStart)

		if panicErr != nil {
			w.counters.failures.Add(1)
			return w.fatal(panicErr, env.Input, stack)
		}

		switch verdict {
		case fitting.VerdictForward:
			if err := w.manager.cluster.forwardFrom(ctx, w.details, env); err != nil {
				return err
			}
		case fitting.VerdictError:
			w.counters.failures.Add(1)
			w.details.sendLog(LogRecord{
				Kind:      LogKindResult,
				Msg:       "behavior returned an error",
				Err:       procErr,
				Partition: &w.partition,
				Input:     env.Input,
			})
		case fitting.VerdictOK:
			if procErr != nil {
				// an ok verdict carrying an error breaks the behavior contract
				w.counters.failures.Add(1)
				return w.fatal(cerrors.Errorf("behavior returned an error with an ok verdict: %w", procErr), env.Input, "")
			}
		}
	}
}

// initBehavior runs Init and, for handoff workers, applies the archived
// state. Failures are fatal to the worker and surface as log records.
func (w *Worker) initBehavior(ctx context.Context) error {
	err, stack := w.invokeInit(ctx)
	if err != nil {
		return w.fatal(cerrors.Errorf("behavior init: %w", err), nil, stack)
	}

	if w.pending == nil {
		return nil
	}
	archiver, ok := w.behavior.(fitting.Archiver)
	if !ok {
		// the behavior cannot carry state across nodes, start fresh
		return nil
	}
	if err := archiver.Handoff(ctx, w.pending); err != nil {
		return w.fatal(cerrors.Errorf("behavior handoff: %w", err), nil, "")
	}
	w.details.sendTrace(w.traceTopics(), "worker restored from handoff archive")
	return nil
}

// finish runs the post-drain Done callback and ends the worker cleanly.
func (w *Worker) finish(ctx context.Context) error {
	err, stack := w.invokeDone(ctx)
	if err != nil {
		return w.fatal(cerrors.Errorf("behavior done: %w", err), nil, stack)
	}
	w.counters.inputsDone.Store(true)
	w.setState(StateDone)
	w.details.sendTrace(w.traceTopics(), "worker drained after end of input")
	return nil
}

// fatal emits the exception log record for a dying worker and returns the
// reason for the tomb.
func (w *Worker) fatal(reason error, input any, stack string) error {
	w.reported.Store(true)
	w.details.sendLog(LogRecord{
		Kind:      LogKindException,
		Msg:       "behavior raised",
		Err:       reason,
		Partition: &w.partition,
		Input:     input,
		State:     w.behavior,
		Stack:     stack,
	})
	return reason
}

func (w *Worker) invokeInit(ctx context.Context) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.Errorf("behavior panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	err = w.behavior.Init(ctx, (*workerEnv)(w))
	return
}

func (w *Worker) invokeProcess(ctx context.Context, env *Envelope) (verdict fitting.Verdict, procErr, panicErr error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			panicErr = cerrors.Errorf("behavior panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	verdict, procErr = w.behavior.Process(ctx, env.Input, env.LastPreflist())
	return
}

func (w *Worker) invokeDone(ctx context.Context) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.Errorf("behavior panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	err = w.behavior.Done(ctx)
	return
}

// archiveForHandoff captures the behavior state for the handoff driver and
// terminates the worker.
func (w *Worker) archiveForHandoff(ctx context.Context) error {
	w.manager.mu.Lock()
	hr := w.queue.handoff
	w.manager.mu.Unlock()
	if hr == nil {
		// the handoff was abandoned while we were waking up
		return errWorkerHandoff
	}

	var res handoffResult
	if archiver, ok := w.behavior.(fitting.Archiver); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					res.err = cerrors.Errorf("behavior panic: %v", r)
				}
			}()
			res.archive, res.err = archiver.Archive(ctx)
		}()
	}
	hr.reply <- res
	return errWorkerHandoff
}

func (w *Worker) setState(s WorkerState) {
	w.counters.state.Store(int32(stateIndex(s)))
}

func (w *Worker) traceTopics() []string {
	return []string{
		w.details.Spec.Name,
		string(w.manager.node),
		w.details.Spec.Behavior,
	}
}

// workerEnv is the fitting.Env a worker hands to its behavior.
type workerEnv Worker

func (e *workerEnv) Partition() ring.Partition { return e.partition }
func (e *workerEnv) NodeID() ring.NodeID       { return e.manager.node }
func (e *workerEnv) Fitting() string           { return e.details.Spec.Name }
func (e *workerEnv) Arg() any                  { return e.details.Spec.Arg }

// Emit routes a value to the next stage, blocking on downstream
// back-pressure, or delivers it to the sink when this is the last stage. A
// rejected value is discarded with a log record; the returned error is
// non-nil only when the pipeline is shutting down.
func (e *workerEnv) Emit(ctx context.Context, value any) error {
	w := (*Worker)(e)
	d := w.details
	if d.Next == nil {
		d.sendResult(value)
		return nil
	}

	err := w.manager.cluster.queueWork(ctx, d.Next, &w.partition, value)
	if err == nil {
		return nil
	}
	if cerrors.Is(err, ErrRejected) {
		d.sendLog(LogRecord{
			Kind:      LogKindRejectedOutput,
			Msg:       "downstream queue rejected output, discarding",
			Err:       err,
			Partition: &w.partition,
			Input:     value,
		})
		return nil
	}
	return err
}

func (e *workerEnv) Log(msg string) {
	w := (*Worker)(e)
	w.details.sendLog(LogRecord{
		Kind:      LogKindMessage,
		Msg:       msg,
		Partition: &w.partition,
	})
}
