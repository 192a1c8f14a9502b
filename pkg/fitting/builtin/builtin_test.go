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

package builtin

import (
	"context"
	"testing"

	"github.com/matryer/is"
	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/ring"
)

// fakeEnv collects emissions and logs for behavior tests.
type fakeEnv struct {
	arg     any
	emitted []any
	logged  []string
	emitErr error
}

func (e *fakeEnv) Partition() ring.Partition { return 0 }
func (e *fakeEnv) NodeID() ring.NodeID       { return "test-node" }
func (e *fakeEnv) Fitting() string           { return "test-fitting" }
func (e *fakeEnv) Arg() any                  { return e.arg }

func (e *fakeEnv) Emit(_ context.Context, value any) error {
	if e.emitErr != nil {
		return e.emitErr
	}
	e.emitted = append(e.emitted, value)
	return nil
}

func (e *fakeEnv) Log(msg string) {
	e.logged = append(e.logged, msg)
}

func newBehavior(t *testing.T, id string) fitting.Behavior {
	t.Helper()
	factory, err := fitting.Resolve(id)
	if err != nil {
		t.Fatal(err)
	}
	return factory()
}

func TestPass(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	env := &fakeEnv{}

	b := newBehavior(t, Pass)
	is.NoErr(b.Init(ctx, env))

	for _, in := range []any{"a", 42, nil} {
		v, err := b.Process(ctx, in, false)
		is.NoErr(err)
		is.Equal(v, fitting.VerdictOK)
	}
	is.NoErr(b.Done(ctx))
	is.Equal(env.emitted, []any{"a", 42, nil})
}

func TestTee(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	env := &fakeEnv{}

	b := newBehavior(t, Tee)
	is.NoErr(b.Init(ctx, env))

	v, err := b.Process(ctx, "hello", false)
	is.NoErr(err)
	is.Equal(v, fitting.VerdictOK)
	is.Equal(env.emitted, []any{"hello"})
	is.Equal(env.logged, []string{"hello"})
}

func TestTransform(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var double TransformFunc = func(input any) (any, error) {
		return input.(int) * 2, nil
	}
	env := &fakeEnv{arg: double}

	b := newBehavior(t, Transform)
	is.NoErr(b.Init(ctx, env))

	v, err := b.Process(ctx, 21, false)
	is.NoErr(err)
	is.Equal(v, fitting.VerdictOK)
	is.Equal(env.emitted, []any{42})
}

func TestTransform_Error(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	wantErr := cerrors.New("bad input")
	var failing TransformFunc = func(any) (any, error) {
		return nil, wantErr
	}
	env := &fakeEnv{arg: failing}

	b := newBehavior(t, Transform)
	is.NoErr(b.Init(ctx, env))

	v, err := b.Process(ctx, 1, false)
	is.Equal(v, fitting.VerdictError)
	is.True(cerrors.Is(err, wantErr))
	is.Equal(len(env.emitted), 0)
}

func TestTransform_ValidateArg(t *testing.T) {
	is := is.New(t)

	b := newBehavior(t, Transform).(fitting.ArgValidator)
	is.True(b.ValidateArg("not a func") != nil)
	is.NoErr(b.ValidateArg(TransformFunc(func(input any) (any, error) { return input, nil })))
}

func TestReduce(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var sum ReduceFunc = func(_ string, acc, value any) (any, error) {
		if acc == nil {
			return value, nil
		}
		return acc.(int) + value.(int), nil
	}
	env := &fakeEnv{arg: sum}

	b := newBehavior(t, Reduce)
	is.NoErr(b.Init(ctx, env))

	for _, kv := range []KV{
		{Key: "a", Value: 1},
		{Key: "b", Value: 2},
		{Key: "a", Value: 3},
	} {
		v, err := b.Process(ctx, kv, false)
		is.NoErr(err)
		is.Equal(v, fitting.VerdictOK)
	}
	is.Equal(len(env.emitted), 0) // nothing until end-of-input

	is.NoErr(b.Done(ctx))
	got := map[string]int{}
	for _, e := range env.emitted {
		kv := e.(KV)
		got[kv.Key] = kv.Value.(int)
	}
	is.Equal(got, map[string]int{"a": 4, "b": 2})
}

func TestReduce_RejectsNonKV(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var sum ReduceFunc = func(_ string, acc, value any) (any, error) { return value, nil }
	env := &fakeEnv{arg: sum}

	b := newBehavior(t, Reduce)
	is.NoErr(b.Init(ctx, env))

	v, err := b.Process(ctx, "not a kv", false)
	is.Equal(v, fitting.VerdictError)
	is.True(err != nil)
}

func TestReduce_ArchiveHandoff(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var sum ReduceFunc = func(_ string, acc, value any) (any, error) {
		if acc == nil {
			return value, nil
		}
		return acc.(int) + value.(int), nil
	}

	env := &fakeEnv{arg: sum}
	b := newBehavior(t, Reduce)
	is.NoErr(b.Init(ctx, env))
	_, err := b.Process(ctx, KV{Key: "a", Value: 5}, false)
	is.NoErr(err)

	blob, err := b.(fitting.Archiver).Archive(ctx)
	is.NoErr(err)

	env2 := &fakeEnv{arg: sum}
	b2 := newBehavior(t, Reduce)
	is.NoErr(b2.Init(ctx, env2))
	is.NoErr(b2.(fitting.Archiver).Handoff(ctx, blob))

	_, err = b2.Process(ctx, KV{Key: "a", Value: 7}, false)
	is.NoErr(err)
	is.NoErr(b2.Done(ctx))
	is.Equal(env2.emitted, []any{KV{Key: "a", Value: 12}})
}
