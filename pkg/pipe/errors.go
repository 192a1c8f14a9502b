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

import "github.com/pipewright/pipewright/pkg/foundation/cerrors"

var (
	// ErrRejected wraps every rejection of an enqueue. Callers that want to
	// know whether an input was rejected rather than accepted should match
	// with cerrors.Is.
	ErrRejected = cerrors.New("input rejected")

	// ErrEOIClosed is returned when an input arrives at a queue that has
	// already received end-of-input.
	ErrEOIClosed = cerrors.Errorf("end of input received: %w", ErrRejected)

	// ErrFittingClosed is returned when an input arrives for a fitting whose
	// coordinator has already shut down.
	ErrFittingClosed = cerrors.Errorf("fitting closed: %w", ErrRejected)

	// ErrPipelineDestroyed is the reason a pipeline's shutdown group is
	// killed with when the client destroys the pipeline.
	ErrPipelineDestroyed = cerrors.New("pipeline destroyed")

	// ErrNoSuchWorker is returned by handoff when the named
	// (fitting, partition) pair has no live worker on the node.
	ErrNoSuchWorker = cerrors.New("no such worker")
)

// errWorkerHandoff is the exit reason of a worker that archived its state for
// handoff; it is not a crash.
var errWorkerHandoff = cerrors.New("worker handed off")
