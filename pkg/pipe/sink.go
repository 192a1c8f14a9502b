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

	"github.com/gammazero/deque"
)

// Sink collects the result, log, trace and end-of-input records of one or
// more pipelines. It behaves like a mailbox: pushes never block, receives
// block until a record arrives.
//
// Workers must never stall on a slow sink reader, a full sink would otherwise
// back-pressure the whole pipeline through its last stage. That is why the
// sink is unbounded, mirroring an actor mailbox.
type Sink struct {
	mu      sync.Mutex
	records deque.Deque[Record]
	signal  chan struct{}
}

// NewSink creates an empty sink. One sink may serve many pipelines; records
// are correlated through their pipeline reference.
func NewSink() *Sink {
	return &Sink{
		signal: make(chan struct{}, 1),
	}
}

func (s *Sink) push(rec Record) {
	s.mu.Lock()
	s.records.PushBack(rec)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Receive returns the next record, blocking until one arrives or the context
// is canceled.
func (s *Sink) Receive(ctx context.Context) (Record, error) {
	for {
		s.mu.Lock()
		if s.records.Len() > 0 {
			rec := s.records.PopFront()
			more := s.records.Len() > 0
			s.mu.Unlock()
			if more {
				// keep the signal primed for the next reader
				select {
				case s.signal <- struct{}{}:
				default:
				}
			}
			return rec, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of records waiting in the sink.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}
