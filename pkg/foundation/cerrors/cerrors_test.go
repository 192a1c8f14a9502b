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

package cerrors_test

import (
	"strings"
	"testing"

	"github.com/matryer/is"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
)

func TestWrapping(t *testing.T) {
	is := is.New(t)

	base := cerrors.New("base")
	wrapped := cerrors.Errorf("context: %w", base)
	is.True(cerrors.Is(wrapped, base))
	is.Equal(cerrors.Unwrap(wrapped), base)
}

func TestGetStackTrace(t *testing.T) {
	is := is.New(t)

	err := cerrors.Errorf("outer: %w", cerrors.New("inner"))
	frames, ok := cerrors.GetStackTrace(err).([]cerrors.Frame)
	is.True(ok)
	is.True(len(frames) >= 1)

	var found bool
	for _, f := range frames {
		if strings.Contains(f.Func, "TestGetStackTrace") {
			found = true
		}
	}
	is.True(found) // the creating frame is captured
}

func TestJoin(t *testing.T) {
	is := is.New(t)

	err1 := cerrors.New("one")
	err2 := cerrors.New("two")
	joined := cerrors.Join(err1, err2)
	is.True(cerrors.Is(joined, err1))
	is.True(cerrors.Is(joined, err2))
	is.True(cerrors.Join(nil, nil) == nil)
}
