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

// Record is a message delivered to a pipeline sink. Every record carries the
// pipeline reference so that many pipelines can share one sink.
type Record interface {
	PipelineRef() uuid.UUID
}

// Result is an output emitted by the last stage of a pipeline.
type Result struct {
	Ref   uuid.UUID
	From  string
	Value any
}

func (r Result) PipelineRef() uuid.UUID { return r.Ref }

// LogKind classifies a log record.
type LogKind string

const (
	// LogKindResult is emitted when a behavior returns an error verdict; the
	// worker continues.
	LogKindResult LogKind = "result"
	// LogKindException is emitted when a behavior callback panics or fails;
	// the worker exits and may be restarted.
	LogKindException LogKind = "exception"
	// LogKindForwardExhausted is emitted when an input has been forwarded
	// past the last partition of its preflist and is dropped.
	LogKindForwardExhausted LogKind = "forward_preflist_exhausted"
	// LogKindPreflistExhausted is emitted when the preflist was empty at
	// routing time and the input is dropped.
	LogKindPreflistExhausted LogKind = "preflist_exhausted"
	// LogKindUnreachableWorker is emitted when a worker terminated for a
	// reason the engine could not attribute to the behavior; only the reason
	// is known.
	LogKindUnreachableWorker LogKind = "unreachable_worker"
	// LogKindRestartFailed is emitted when a crashed worker could not be
	// restarted and its queue switched to preflist forwarding.
	LogKindRestartFailed LogKind = "restart_failed"
	// LogKindRejectedOutput is emitted when a downstream queue rejected an
	// output and it was discarded.
	LogKindRejectedOutput LogKind = "rejected_output"
	// LogKindMessage is a plain log message emitted by a behavior.
	LogKindMessage LogKind = "message"
)

// LogRecord reports an error or a behavior message from one stage. The
// structured payload fields are filled as far as the emitting site knows
// them.
type LogRecord struct {
	Ref  uuid.UUID
	From string
	Kind LogKind
	Msg  string
	Err  error

	Behavior  string
	Partition *ring.Partition
	Input     any
	State     any
	Stack     string
}

func (r LogRecord) PipelineRef() uuid.UUID { return r.Ref }

// TraceRecord is a debug record emitted only when one of its topics matches
// the pipeline's trace filter.
type TraceRecord struct {
	Ref    uuid.UUID
	From   string
	Topics []string
	Msg    string
}

func (r TraceRecord) PipelineRef() uuid.UUID { return r.Ref }

// EOIRecord signals that a pipeline has processed every input; it is the last
// record a pipeline delivers to its sink.
type EOIRecord struct {
	Ref uuid.UUID
}

func (r EOIRecord) PipelineRef() uuid.UUID { return r.Ref }
