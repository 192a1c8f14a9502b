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

// Package fitting defines the contract between the pipeline engine and the
// user-supplied stage implementations (behaviors), together with the fitting
// spec describing one stage of a pipeline.
package fitting

import (
	"context"

	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/ring"
)

// Spec describes one stage of a pipeline. A spec is immutable after the
// pipeline is created.
type Spec struct {
	// Name is a human label attached to every result and log record emitted
	// by this stage.
	Name string

	// Behavior is the identifier of the stage implementation, resolved
	// through the registry at pipeline-creation time.
	Behavior string

	// Arg is opaque static configuration handed to the behavior's Init.
	Arg any

	// Partitioner maps an input to a point on the ring, or is the Follow
	// sentinel to keep an input on the partition that produced it.
	Partitioner Partitioner

	// NVal is the length of the preflist considered for each input, i.e. the
	// number of partitions tried before the input is declared exhausted.
	NVal int

	// QLimit is the maximum number of enqueued inputs per worker. The
	// effective cap is min(QLimit, the node-wide limit).
	QLimit int
}

// Validate checks the spec for structural problems and, if the behavior
// implements ArgValidator, asks it to validate the static argument.
func (s Spec) Validate() error {
	if s.Name == "" {
		return cerrors.New("fitting needs a name")
	}
	if s.NVal <= 0 {
		return cerrors.Errorf("fitting %q: nval must be positive, got %d", s.Name, s.NVal)
	}
	if s.QLimit <= 0 {
		return cerrors.Errorf("fitting %q: q_limit must be positive, got %d", s.Name, s.QLimit)
	}
	if s.Partitioner == nil {
		return cerrors.Errorf("fitting %q: partitioner is required", s.Name)
	}

	factory, err := Resolve(s.Behavior)
	if err != nil {
		return cerrors.Errorf("fitting %q: %w", s.Name, err)
	}
	if v, ok := factory().(ArgValidator); ok {
		if err := v.ValidateArg(s.Arg); err != nil {
			return cerrors.Errorf("fitting %q: invalid arg: %w", s.Name, err)
		}
	}
	return nil
}

// Env is the environment a worker hands to its behavior. It identifies the
// partition the behavior runs on and carries the output side of the stage.
type Env interface {
	// Partition returns the partition this worker is responsible for.
	Partition() ring.Partition

	// NodeID returns the node hosting the worker.
	NodeID() ring.NodeID

	// Fitting returns the name of the fitting.
	Fitting() string

	// Arg returns the spec's static argument.
	Arg() any

	// Emit sends a value to the next stage, or to the pipeline sink if this
	// is the last stage. It blocks until the downstream queue accepts the
	// value. A rejected value is discarded with a log record; the returned
	// error is non-nil only when the pipeline is shutting down.
	Emit(ctx context.Context, value any) error

	// Log emits a log record attributed to this fitting.
	Log(msg string)
}

// Verdict is the outcome of a single Process call.
type Verdict int

const (
	// VerdictOK means the input was consumed.
	VerdictOK Verdict = iota
	// VerdictForward asks the engine to retry the input on the next partition
	// in its preflist.
	VerdictForward
	// VerdictError means the input failed; the error returned alongside it is
	// surfaced as a log record and the worker continues.
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictForward:
		return "forward_preflist"
	case VerdictError:
		return "error"
	}
	return "unknown"
}

// Behavior is the callback set executed by a worker. A behavior instance is
// owned by exactly one worker, so implementations don't need to be safe for
// concurrent use; any state they keep between calls is the worker state.
type Behavior interface {
	// Init is called once before the first Process call. Failure is fatal to
	// the worker and surfaces as a pipeline log record.
	Init(ctx context.Context, env Env) error

	// Process handles one input. lastPreflist is true when the input has no
	// further partitions to fall back to, which matters to behaviors that
	// return VerdictForward. Outputs are emitted through the Env.
	Process(ctx context.Context, input any, lastPreflist bool) (Verdict, error)

	// Done is called after the worker has drained its queue following
	// end-of-input. Behaviors that accumulate state emit their final outputs
	// here.
	Done(ctx context.Context) error
}

// Archiver is implemented by behaviors whose worker state can move between
// nodes when partition ownership changes.
type Archiver interface {
	// Archive captures the worker state as a serializable value.
	Archive(ctx context.Context) (any, error)

	// Handoff applies a previously archived value to a freshly initialized
	// worker, before its first Process call.
	Handoff(ctx context.Context, archived any) error
}

// ArgValidator is implemented by behaviors that want to reject a bad static
// argument at pipeline-creation time instead of failing at Init.
type ArgValidator interface {
	ValidateArg(arg any) error
}
