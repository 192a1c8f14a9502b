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

	"github.com/google/uuid"
	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/foundation/log"
	zlog "github.com/rs/zerolog/log"
)

// LogMode selects where a pipeline's log records are delivered.
type LogMode int

const (
	// LogDrop discards log records. The default.
	LogDrop LogMode = iota
	// LogSink delivers log records to the pipeline sink.
	LogSink
	// LogNode writes log records to the engine's node logger.
	LogNode
	// LogSystem writes log records to the process-global logger.
	LogSystem
)

// TraceFilter selects which trace records a pipeline emits. The zero value
// drops all traces.
type TraceFilter struct {
	// All emits every trace record.
	All bool
	// Topics emits a trace record if any of its topics is in the set.
	Topics map[string]struct{}
}

// TraceAll returns a filter that matches every trace.
func TraceAll() TraceFilter { return TraceFilter{All: true} }

// TraceTopics returns a filter matching any of the given topics.
func TraceTopics(topics ...string) TraceFilter {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return TraceFilter{Topics: set}
}

func (f TraceFilter) matches(topics []string) bool {
	if f.All {
		return true
	}
	for _, t := range topics {
		if _, ok := f.Topics[t]; ok {
			return true
		}
	}
	return false
}

// Details is a fitting spec bound to a running pipeline: the spec itself plus
// the coordinator serving it, the pipeline reference and the stage's output.
// Details are immutable once the pipeline is built, workers keep their own
// reference without locking.
type Details struct {
	Spec        fitting.Spec
	Ref         uuid.UUID
	Coordinator *Coordinator

	// Next is the downstream stage, nil for the last stage whose outputs
	// become results at the sink.
	Next *Details

	sink    *Sink
	logger  log.CtxLogger
	logMode LogMode
	trace   TraceFilter
}

// sendResult delivers an output of the last stage to the sink.
func (d *Details) sendResult(value any) {
	d.sink.push(Result{Ref: d.Ref, From: d.Spec.Name, Value: value})
}

// sendLog routes a log record according to the pipeline's log mode. Ref and
// From are filled in here.
func (d *Details) sendLog(rec LogRecord) {
	rec.Ref = d.Ref
	rec.From = d.Spec.Name
	if rec.Behavior == "" {
		rec.Behavior = d.Spec.Behavior
	}

	switch d.logMode {
	case LogSink:
		d.sink.push(rec)
	case LogNode:
		d.logLocal(d.logger, rec)
	case LogSystem:
		d.logLocal(log.New(zlog.Logger), rec)
	case LogDrop:
	}
}

func (d *Details) logLocal(logger log.CtxLogger, rec LogRecord) {
	evt := logger.WithComponent("pipe.Worker").Err(context.Background(), rec.Err).
		Str(log.PipelineField, rec.Ref.String()).
		Str(log.FittingField, rec.From).
		Str(log.BehaviorField, rec.Behavior).
		Str(log.RecordKindField, string(rec.Kind))
	if rec.Partition != nil {
		evt = evt.Stringer(log.PartitionField, *rec.Partition)
	}
	evt.Msg(rec.Msg)
}

// sendTrace delivers a trace record to the sink if the pipeline's trace
// filter matches. The fitting name, node and behavior topics are attached by
// the caller.
func (d *Details) sendTrace(topics []string, msg string) {
	if !d.trace.matches(topics) {
		return
	}
	d.sink.push(TraceRecord{Ref: d.Ref, From: d.Spec.Name, Topics: topics, Msg: msg})
}

// sendEOI delivers the final end-of-input record for the pipeline.
func (d *Details) sendEOI() {
	d.sink.push(EOIRecord{Ref: d.Ref})
}
