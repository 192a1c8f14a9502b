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

// Package builtin registers the behaviors that ship with pipewright.
package builtin

import (
	"context"
	"fmt"

	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
)

const (
	// Pass emits every input unchanged.
	Pass = "pipewright.pass"
	// Tee emits every input unchanged and also logs it.
	Tee = "pipewright.tee"
	// Transform applies a TransformFunc from the spec arg to every input.
	Transform = "pipewright.transform"
	// Reduce folds inputs keyed by KV.Key with a ReduceFunc from the spec
	// arg and emits one KV per key on end-of-input.
	Reduce = "pipewright.reduce"
)

func init() {
	fitting.Register(Pass, func() fitting.Behavior { return &pass{} })
	fitting.Register(Tee, func() fitting.Behavior { return &tee{} })
	fitting.Register(Transform, func() fitting.Behavior { return &transform{} })
	fitting.Register(Reduce, func() fitting.Behavior { return &reduce{} })
}

type pass struct {
	env fitting.Env
}

func (b *pass) Init(_ context.Context, env fitting.Env) error {
	b.env = env
	return nil
}

func (b *pass) Process(ctx context.Context, input any, _ bool) (fitting.Verdict, error) {
	if err := b.env.Emit(ctx, input); err != nil {
		return fitting.VerdictError, err
	}
	return fitting.VerdictOK, nil
}

func (b *pass) Done(context.Context) error { return nil }

type tee struct {
	env fitting.Env
}

func (b *tee) Init(_ context.Context, env fitting.Env) error {
	b.env = env
	return nil
}

func (b *tee) Process(ctx context.Context, input any, _ bool) (fitting.Verdict, error) {
	b.env.Log(fmt.Sprintf("%v", input))
	if err := b.env.Emit(ctx, input); err != nil {
		return fitting.VerdictError, err
	}
	return fitting.VerdictOK, nil
}

func (b *tee) Done(context.Context) error { return nil }

// TransformFunc is the spec arg of the transform behavior.
type TransformFunc func(input any) (any, error)

type transform struct {
	env fitting.Env
	fn  TransformFunc
}

func (b *transform) ValidateArg(arg any) error {
	if _, ok := arg.(TransformFunc); !ok {
		return cerrors.Errorf("transform wants a TransformFunc arg, got %T", arg)
	}
	return nil
}

func (b *transform) Init(_ context.Context, env fitting.Env) error {
	b.env = env
	b.fn = env.Arg().(TransformFunc)
	return nil
}

func (b *transform) Process(ctx context.Context, input any, _ bool) (fitting.Verdict, error) {
	out, err := b.fn(input)
	if err != nil {
		return fitting.VerdictError, err
	}
	if err := b.env.Emit(ctx, out); err != nil {
		return fitting.VerdictError, err
	}
	return fitting.VerdictOK, nil
}

func (b *transform) Done(context.Context) error { return nil }

// KV is the input and output shape of the reduce behavior.
type KV struct {
	Key   string
	Value any
}

// ReduceFunc folds one value into the accumulator for a key. acc is nil on
// the first value seen for a key.
type ReduceFunc func(key string, acc, value any) (any, error)

type reduce struct {
	env  fitting.Env
	fn   ReduceFunc
	accs map[string]any
}

func (b *reduce) ValidateArg(arg any) error {
	if _, ok := arg.(ReduceFunc); !ok {
		return cerrors.Errorf("reduce wants a ReduceFunc arg, got %T", arg)
	}
	return nil
}

func (b *reduce) Init(_ context.Context, env fitting.Env) error {
	b.env = env
	b.fn = env.Arg().(ReduceFunc)
	b.accs = make(map[string]any)
	return nil
}

func (b *reduce) Process(_ context.Context, input any, _ bool) (fitting.Verdict, error) {
	kv, ok := input.(KV)
	if !ok {
		return fitting.VerdictError, cerrors.Errorf("reduce wants KV inputs, got %T", input)
	}

	acc, err := b.fn(kv.Key, b.accs[kv.Key], kv.Value)
	if err != nil {
		return fitting.VerdictError, err
	}
	b.accs[kv.Key] = acc
	return fitting.VerdictOK, nil
}

func (b *reduce) Done(ctx context.Context) error {
	for key, acc := range b.accs {
		if err := b.env.Emit(ctx, KV{Key: key, Value: acc}); err != nil {
			return err
		}
	}
	return nil
}

// Archive captures the accumulators so a reduce worker can move between nodes
// without losing partially folded state.
func (b *reduce) Archive(context.Context) (any, error) {
	out := make(map[string]any, len(b.accs))
	for k, v := range b.accs {
		out[k] = v
	}
	return out, nil
}

func (b *reduce) Handoff(_ context.Context, archived any) error {
	accs, ok := archived.(map[string]any)
	if !ok {
		return cerrors.Errorf("reduce handoff wants map[string]any, got %T", archived)
	}
	for k, v := range accs {
		b.accs[k] = v
	}
	return nil
}
