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
	"time"

	"github.com/gammazero/deque"
	"github.com/jpillora/backoff"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/foundation/log"
	"github.com/pipewright/pipewright/pkg/foundation/metrics/measure"
	"github.com/pipewright/pipewright/pkg/ring"
)

// qkey identifies one queue on a node. Keying by coordinator rather than
// fitting name keeps pipelines apart: two pipelines may well run a fitting
// with the same name through the same manager.
type qkey struct {
	coordinator *Coordinator
	partition   ring.Partition
}

// blockedSend is a sender parked on a full queue. reply is buffered so the
// manager can complete it without leaving the lock; a nil error means the
// input made it into the ready list, anything else is a rejection.
type blockedSend struct {
	env   *Envelope
	reply chan error
}

// queue is the record the manager keeps per (fitting, partition): a bounded
// ready list, the senders blocked on it, and the worker consuming it. All
// fields are guarded by the manager's mutex.
type queue struct {
	key      qkey
	details  *Details
	capacity int

	ready    deque.Deque[*Envelope]
	blocking deque.Deque[blockedSend]

	worker *Worker
	// wake is non-nil while the worker is parked in dequeue waiting for
	// input, end-of-input or a handoff request.
	wake chan struct{}

	eoi        bool
	forwarding bool
	restarts   int
	// inflight counts envelopes being forwarded asynchronously after the
	// worker went away; the queue cannot be reclaimed while any remain.
	inflight  int
	reclaimed bool

	handoff *handoffRequest
}

func (q *queue) fitting() string { return q.details.Spec.Name }

type handoffRequest struct {
	reply chan handoffResult
}

type handoffResult struct {
	archive any
	err     error
}

// Manager hosts the queues of every (fitting, partition) pair a node is
// responsible for. It accepts blocking enqueues, spawns and restarts workers,
// and participates in preflist forwarding when a worker is gone for good.
type Manager struct {
	cluster *Cluster
	node    ring.NodeID
	logger  log.CtxLogger

	mu     sync.Mutex
	queues map[qkey]*queue
}

func newManager(c *Cluster, node ring.NodeID) *Manager {
	return &Manager{
		cluster: c,
		node:    node,
		logger:  log.New(c.logger.With().Str(log.NodeIDField, string(node)).Logger()).WithComponent("pipe.Manager"),
		queues:  make(map[qkey]*queue),
	}
}

// NodeID returns the node this manager runs on.
func (m *Manager) NodeID() ring.NodeID { return m.node }

// Enqueue places the envelope into the ready list of its (fitting, partition)
// queue. The call is synchronous: it does not return success until the input
// sits in the ready list, blocking the sender while the list is full. It
// returns an error wrapping ErrRejected when the queue no longer accepts
// inputs.
func (m *Manager) Enqueue(ctx context.Context, env *Envelope) error {
	start := time.Now()
	key := qkey{coordinator: env.Coordinator, partition: env.Preflist[0]}

	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		// The coordinator lookup registers this queue in the stage's working
		// set before the first input is accepted; the stage can therefore not
		// close underneath an accepted input. The lookup is a local call, the
		// transport resolved the coordinator's node when it delivered the
		// envelope.
		d, eoiPending, err := env.Coordinator.GetDetails(m, key.partition)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		q = &queue{
			key:      key,
			details:  d,
			capacity: m.effectiveCapacity(d),
		}
		m.queues[key] = q
		m.spawnWorkerLocked(q, nil)

		if eoiPending {
			// the stage is draining: take this input, but no further ones
			q.ready.PushBack(env)
			q.eoi = true
			m.wakeWorkerLocked(q)
			m.mu.Unlock()
			measure.EnqueuedCounter.WithValues(env.Fitting).Inc()
			measure.QueueLengthGauge.WithValues(env.Fitting).Inc()
			measure.EnqueueDurationTimer.WithValues(env.Fitting).UpdateSince(start)
			return nil
		}
	}

	switch {
	case q.eoi:
		m.mu.Unlock()
		return ErrEOIClosed

	case q.forwarding:
		// the worker is gone for good; accept and forward right away so the
		// sender never parks on a dead queue
		d := q.details
		q.inflight++
		m.mu.Unlock()
		go m.forwardOne(q, d, env)
		return nil

	case q.ready.Len() < q.capacity:
		q.ready.PushBack(env)
		m.wakeWorkerLocked(q)
		m.mu.Unlock()
		measure.EnqueuedCounter.WithValues(env.Fitting).Inc()
		measure.QueueLengthGauge.WithValues(env.Fitting).Inc()
		measure.EnqueueDurationTimer.WithValues(env.Fitting).UpdateSince(start)
		return nil

	default:
		send := blockedSend{env: env, reply: make(chan error, 1)}
		q.blocking.PushBack(send)
		m.mu.Unlock()
		measure.BlockingLengthGauge.WithValues(env.Fitting).Inc()

		defer measure.BlockingLengthGauge.WithValues(env.Fitting).Dec()
		select {
		case err := <-send.reply:
			if err == nil {
				measure.EnqueuedCounter.WithValues(env.Fitting).Inc()
				measure.EnqueueDurationTimer.WithValues(env.Fitting).UpdateSince(start)
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// effectiveCapacity caps a spec's q_limit at the node-wide ceiling.
func (m *Manager) effectiveCapacity(d *Details) int {
	capacity := d.Spec.QLimit
	if capacity > m.cluster.cfg.MaxQueueLimit {
		capacity = m.cluster.cfg.MaxQueueLimit
	}
	return capacity
}

// MarkEOI is the coordinator telling this manager that no further inputs will
// arrive for the given partition of its fitting. Senders still parked on the
// queue are rejected; once the queue is drained and the worker has returned
// from Done the coordinator is sent WorkerDone and the queue is reclaimed.
func (m *Manager) MarkEOI(c *Coordinator, p ring.Partition) {
	key := qkey{coordinator: c, partition: p}

	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	q.eoi = true
	rejects := m.clearBlockedLocked(q)
	m.wakeWorkerLocked(q)
	done := m.maybeReclaimLocked(q)
	m.mu.Unlock()

	complete(rejects, ErrEOIClosed)
	if done {
		c.WorkerDone(p)
	}
}

// dequeue hands the worker its next unit of work. It blocks until an input
// arrives, a handoff is requested, end-of-input is reached with an empty
// queue, or the context is canceled.
func (m *Manager) dequeue(ctx context.Context, q *queue) (*Envelope, dequeueOp) {
	m.mu.Lock()
	for {
		switch {
		case q.handoff != nil:
			m.mu.Unlock()
			return nil, opHandoff

		case q.ready.Len() > 0:
			env := q.ready.PopFront()
			accepts := m.promoteBlockedLocked(q)
			m.mu.Unlock()

			measure.QueueLengthGauge.WithValues(q.fitting()).Dec()
			complete(accepts, nil)
			return env, opInput

		case q.eoi:
			m.mu.Unlock()
			return nil, opEOI

		default:
			wake := make(chan struct{})
			q.wake = wake
			m.mu.Unlock()

			select {
			case <-wake:
			case <-ctx.Done():
				return nil, opCanceled
			}
			m.mu.Lock()
		}
	}
}

// promoteBlockedLocked moves parked senders into the ready list while there
// is room, returning their replies to be completed outside the lock.
func (m *Manager) promoteBlockedLocked(q *queue) []chan error {
	var replies []chan error
	for q.blocking.Len() > 0 && q.ready.Len() < q.capacity {
		send := q.blocking.PopFront()
		q.ready.PushBack(send.env)
		replies = append(replies, send.reply)
		measure.QueueLengthGauge.WithValues(q.fitting()).Inc()
	}
	if len(replies) > 0 {
		m.wakeWorkerLocked(q)
	}
	return replies
}

// clearBlockedLocked empties the blocking list, returning the replies to be
// rejected outside the lock.
func (m *Manager) clearBlockedLocked(q *queue) []chan error {
	replies := make([]chan error, 0, q.blocking.Len())
	for q.blocking.Len() > 0 {
		replies = append(replies, q.blocking.PopFront().reply)
	}
	return replies
}

func (m *Manager) wakeWorkerLocked(q *queue) {
	if q.wake != nil {
		close(q.wake)
		q.wake = nil
	}
}

// complete sends err to each reply channel; the channels are buffered so this
// never blocks.
func complete(replies []chan error, err error) {
	for _, reply := range replies {
		reply <- err
	}
}

// spawnWorkerLocked creates and starts the queue's worker and arranges a
// monitor on it.
func (m *Manager) spawnWorkerLocked(q *queue, pendingHandoff any) {
	w := newWorker(m, q, q.details, q.key.partition, pendingHandoff)
	q.worker = w
	go m.monitorWorker(q, w)
}

// monitorWorker waits for the worker to terminate and reacts to the reason:
// a clean exit reclaims the drained queue, a handoff is driven elsewhere, and
// a crash triggers restart or preflist forwarding.
func (m *Manager) monitorWorker(q *queue, w *Worker) {
	err := w.t.Wait()

	m.mu.Lock()
	if q.worker == w {
		q.worker = nil
	}

	switch {
	case err == nil:
		// post-EOI drain completed, Done has run
		done := m.maybeReclaimLocked(q)
		m.mu.Unlock()
		if done {
			q.key.coordinator.WorkerDone(q.key.partition)
		}

	case cerrors.Is(err, errWorkerHandoff):
		m.mu.Unlock()

	case q.key.coordinator.ctx.Err() != nil:
		// pipeline teardown, discard everything without reporting
		q.reclaimed = true
		delete(m.queues, q.key)
		m.mu.Unlock()

	default:
		m.workerCrashedLocked(q, w, err)
	}
}

// workerCrashedLocked is called with the manager lock held and consumes it.
func (m *Manager) workerCrashedLocked(q *queue, w *Worker, reason error) {
	d := q.details

	if !w.reported.Load() {
		defer d.sendLog(LogRecord{
			Kind:      LogKindUnreachableWorker,
			Msg:       "worker terminated outside behavior code",
			Err:       reason,
			Partition: &q.key.partition,
		})
	}

	// nothing left to do for this queue, report it done
	if q.eoi && q.ready.Len() == 0 && q.blocking.Len() == 0 {
		done := m.maybeReclaimLocked(q)
		m.mu.Unlock()
		if done {
			q.key.coordinator.WorkerDone(q.key.partition)
		}
		return
	}

	if q.restarts < m.cluster.cfg.WorkerRestartLimit {
		q.restarts++
		delay := m.restartDelay(q.restarts)
		m.mu.Unlock()

		measure.WorkerRestartCounter.WithValues(d.Spec.Name).Inc()
		m.logger.Warn(context.Background()).
			Str(log.FittingField, d.Spec.Name).
			Stringer(log.PartitionField, q.key.partition).
			Dur(log.DurationField, delay).
			Err(reason).
			Msg("worker crashed, restarting")

		go m.restartWorker(q, delay)
		return
	}

	// restart budget exhausted: convert everything queued into preflist
	// forwards and keep forwarding whatever still arrives
	q.forwarding = true
	envs := make([]*Envelope, 0, q.ready.Len()+q.blocking.Len())
	for q.ready.Len() > 0 {
		envs = append(envs, q.ready.PopFront())
		measure.QueueLengthGauge.WithValues(d.Spec.Name).Dec()
	}
	var accepts []chan error
	for q.blocking.Len() > 0 {
		send := q.blocking.PopFront()
		envs = append(envs, send.env)
		accepts = append(accepts, send.reply)
	}
	q.inflight += len(envs)
	m.mu.Unlock()

	complete(accepts, nil)
	d.sendLog(LogRecord{
		Kind:      LogKindRestartFailed,
		Msg:       "worker could not be restarted, queue switched to preflist forwarding",
		Err:       reason,
		Partition: &q.key.partition,
	})

	go func() {
		for _, env := range envs {
			m.forwardOne(q, d, env)
		}
	}()
}

func (m *Manager) restartWorker(q *queue, delay time.Duration) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-q.key.coordinator.ctx.Done():
			return
		}
	}

	m.mu.Lock()
	if q.reclaimed || q.worker != nil || q.handoff != nil {
		m.mu.Unlock()
		return
	}
	m.spawnWorkerLocked(q, nil)
	m.mu.Unlock()
}

func (m *Manager) restartDelay(attempt int) time.Duration {
	b := backoff.Backoff{
		Min:    m.cluster.cfg.WorkerRestartBackoffMin,
		Max:    m.cluster.cfg.WorkerRestartBackoffMax,
		Factor: 2,
	}
	return b.ForAttempt(float64(attempt - 1))
}

// forwardOne forwards one envelope of a queue whose worker is gone and
// accounts for it in the queue's inflight count.
func (m *Manager) forwardOne(q *queue, d *Details, env *Envelope) {
	if err := m.cluster.forwardFrom(q.key.coordinator.ctx, d, env); err != nil {
		if !cerrors.Is(err, ErrRejected) && !cerrors.Is(err, context.Canceled) {
			m.logger.Warn(context.Background()).
				Str(log.FittingField, d.Spec.Name).
				Err(err).
				Msg("preflist forward failed")
		}
	}

	m.mu.Lock()
	q.inflight--
	done := m.maybeReclaimLocked(q)
	m.mu.Unlock()
	if done {
		q.key.coordinator.WorkerDone(q.key.partition)
	}
}

// maybeReclaimLocked reclaims a fully drained queue after end-of-input.
// It reports whether the caller must send WorkerDone to the coordinator
// (outside the manager lock).
func (m *Manager) maybeReclaimLocked(q *queue) bool {
	if q.reclaimed || !q.eoi || q.worker != nil {
		return false
	}
	if q.ready.Len() > 0 || q.blocking.Len() > 0 || q.inflight > 0 {
		return false
	}
	q.reclaimed = true
	delete(m.queues, q.key)
	return true
}

// handoffPartition archives the worker of the coordinator's fitting on
// partition p, terminates it and re-creates it on the destination manager,
// applying the archived state before the first Process call there. Queued
// inputs travel along. The inter-node transfer itself is the transport's
// business; this is the archive/restore choreography both ends share.
func (m *Manager) handoffPartition(c *Coordinator, p ring.Partition, dest *Manager) error {
	key := qkey{coordinator: c, partition: p}

	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok || q.worker == nil {
		m.mu.Unlock()
		return cerrors.Errorf("handoff of %q %s: %w", c.details.Spec.Name, p, ErrNoSuchWorker)
	}
	if q.handoff != nil {
		m.mu.Unlock()
		return cerrors.Errorf("handoff of %q %s already in progress", c.details.Spec.Name, p)
	}
	hr := &handoffRequest{reply: make(chan handoffResult, 1)}
	q.handoff = hr
	m.wakeWorkerLocked(q)
	d := q.details
	m.mu.Unlock()

	// The wait is bounded by the pipeline's life, not a caller deadline:
	// abandoning a handoff after the worker archived and exited would strand
	// the queue without a worker.
	var res handoffResult
	select {
	case res = <-hr.reply:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	if res.err != nil {
		d.sendLog(LogRecord{
			Kind:      LogKindException,
			Msg:       "archive failed, worker state lost in handoff",
			Err:       res.err,
			Partition: &p,
		})
		res.archive = nil
	}

	m.mu.Lock()
	envs := make([]*Envelope, 0, q.ready.Len()+q.blocking.Len())
	for q.ready.Len() > 0 {
		envs = append(envs, q.ready.PopFront())
		measure.QueueLengthGauge.WithValues(d.Spec.Name).Dec()
	}
	var accepts []chan error
	for q.blocking.Len() > 0 {
		send := q.blocking.PopFront()
		envs = append(envs, send.env)
		accepts = append(accepts, send.reply)
	}
	eoi := q.eoi
	q.reclaimed = true
	delete(m.queues, key)
	m.mu.Unlock()

	complete(accepts, nil)
	return dest.installHandoff(d, p, res.archive, envs, eoi)
}

// installHandoff is the receiving half of handoffPartition: it re-registers
// the partition with the coordinator, rebuilds the queue and spawns a worker
// that applies the archived state before processing.
func (m *Manager) installHandoff(d *Details, p ring.Partition, archived any, envs []*Envelope, eoi bool) error {
	_, eoiPending, err := d.Coordinator.GetDetails(m, p)
	if err != nil {
		return err
	}

	key := qkey{coordinator: d.Coordinator, partition: p}

	m.mu.Lock()
	if _, ok := m.queues[key]; ok {
		m.mu.Unlock()
		return cerrors.Errorf("handoff target %q %s already has a queue", d.Spec.Name, p)
	}
	q := &queue{
		key:      key,
		details:  d,
		capacity: m.effectiveCapacity(d),
		eoi:      eoi || eoiPending,
	}
	for _, env := range envs {
		q.ready.PushBack(env)
		measure.QueueLengthGauge.WithValues(d.Spec.Name).Inc()
	}
	m.queues[key] = q
	m.spawnWorkerLocked(q, archived)
	m.mu.Unlock()
	return nil
}
