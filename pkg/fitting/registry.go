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

package fitting

import (
	"sync"

	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
)

// Factory creates a fresh behavior instance. The engine calls it once per
// worker, so a factory must not share mutable state between the instances it
// returns.
type Factory func() Behavior

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes a behavior available under the given identifier. It is meant
// to be called from package init functions and panics on duplicate
// registration, like database/sql drivers do.
func Register(id string, factory Factory) {
	if id == "" {
		panic("fitting: behavior id must not be empty")
	}
	if factory == nil {
		panic("fitting: nil behavior factory for " + id)
	}

	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.factories[id]; ok {
		panic("fitting: behavior registered twice: " + id)
	}
	registry.factories[id] = factory
}

// Resolve looks up a behavior factory by identifier.
func Resolve(id string) (Factory, error) {
	registry.RLock()
	defer registry.RUnlock()
	factory, ok := registry.factories[id]
	if !ok {
		return nil, cerrors.Errorf("unknown behavior %q", id)
	}
	return factory, nil
}
