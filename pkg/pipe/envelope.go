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
	"github.com/google/uuid"
	"github.com/pipewright/pipewright/pkg/ring"
)

// Envelope is an input on its way to a worker queue. The head of Preflist is
// the partition the envelope is currently targeted at; the tail holds the
// fallback partitions that may still be tried.
type Envelope struct {
	Ref         uuid.UUID
	Coordinator *Coordinator
	Fitting     string

	// SourcePartition is the partition of the worker that produced this
	// input, or nil when it was submitted by the client. Follow-partitioned
	// stages route on it directly.
	SourcePartition *ring.Partition

	Input    any
	Preflist []ring.Partition
}

// LastPreflist reports whether the envelope has no fallback partitions left.
// It is handed to the behavior's Process call, behaviors that forward must
// handle the final position themselves.
func (e *Envelope) LastPreflist() bool {
	return len(e.Preflist) == 1
}
