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
	"time"

	"github.com/pipewright/pipewright/pkg/ring"
)

// WorkerState is the coarse phase a worker is in.
type WorkerState string

const (
	StateInit       WorkerState = "init"
	StateWaiting    WorkerState = "waiting"
	StateProcessing WorkerState = "processing"
	StateDone       WorkerState = "done"
)

var workerStates = []WorkerState{StateInit, StateWaiting, StateProcessing, StateDone}

func stateIndex(s WorkerState) int {
	for i, ws := range workerStates {
		if ws == s {
			return i
		}
	}
	return 0
}

// WorkerStatus is a best-effort snapshot of one worker. Counters are read
// without a cross-partition barrier, so values from different workers may be
// from slightly different moments.
type WorkerStatus struct {
	Node      ring.NodeID
	Partition ring.Partition
	Fitting   string
	Behavior  string

	State      WorkerState
	InputsDone bool

	QueueLength    int
	BlockingLength int

	Started   time.Time
	Processed uint64
	Failures  uint64
	WorkTime  time.Duration
	IdleTime  time.Duration
}

// StageStatus groups the worker statuses of one fitting.
type StageStatus struct {
	Fitting string
	Workers []WorkerStatus
}

// workerStatus snapshots the worker of the coordinator's fitting on p, if one
// is live.
func (m *Manager) workerStatus(c *Coordinator, p ring.Partition) (WorkerStatus, bool) {
	m.mu.Lock()
	q, ok := m.queues[qkey{coordinator: c, partition: p}]
	if !ok || q.worker == nil {
		m.mu.Unlock()
		return WorkerStatus{}, false
	}
	w := q.worker
	st := WorkerStatus{
		Node:           m.node,
		Partition:      p,
		Fitting:        q.details.Spec.Name,
		Behavior:       q.details.Spec.Behavior,
		QueueLength:    q.ready.Len(),
		BlockingLength: q.blocking.Len(),
	}
	m.mu.Unlock()

	st.State = workerStates[w.counters.state.Load()]
	st.InputsDone = w.counters.inputsDone.Load()
	st.Started = w.counters.started
	st.Processed = w.counters.processed.Load()
	st.Failures = w.counters.failures.Load()
	st.WorkTime = time.Duration(w.counters.workNanos.Load())
	st.IdleTime = time.Duration(w.counters.idleNanos.Load())
	return st, true
}

// Status reports, stage by stage, the workers currently active for the
// pipeline. It is best-effort: workers may come and go while the snapshot is
// taken.
func (h *Handle) Status() []StageStatus {
	out := make([]StageStatus, len(h.coords))
	for i, co := range h.coords {
		stage := StageStatus{Fitting: co.details.Spec.Name}
		for p, m := range co.workingSet() {
			if st, ok := m.workerStatus(co, p); ok {
				stage.Workers = append(stage.Workers, st)
			}
		}
		out[i] = stage
	}
	return out
}
