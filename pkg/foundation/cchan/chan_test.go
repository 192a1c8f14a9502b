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

package cchan

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
)

func TestChanOut_Recv(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	ch := make(chan int, 1)
	ch <- 42
	val, ok, err := ChanOut[int](ch).Recv(ctx)
	is.NoErr(err)
	is.True(ok)
	is.Equal(val, 42)

	close(ch)
	_, ok, err = ChanOut[int](ch).Recv(ctx)
	is.NoErr(err)
	is.True(!ok)
}

func TestChanOut_RecvCanceled(t *testing.T) {
	is := is.New(t)

	ch := make(chan int)
	_, _, err := ChanOut[int](ch).RecvTimeout(context.Background(), 10*time.Millisecond)
	is.True(cerrors.Is(err, context.DeadlineExceeded))
}

func TestChanIn_Send(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	ch := make(chan string, 1)
	is.NoErr(ChanIn[string](ch).Send(ctx, "hello"))
	is.Equal(<-ch, "hello")

	full := make(chan string)
	canceled, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := ChanIn[string](full).Send(canceled, "stuck")
	is.True(cerrors.Is(err, context.DeadlineExceeded))
}
