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
	"fmt"

	"github.com/pipewright/pipewright/pkg/ring"
)

// Partitioner maps an input to a point on the ring keyspace. Partitioners
// must be deterministic: the same input always maps to the same hash.
type Partitioner interface {
	Partition(input any) ring.Hash
}

// PartitionerFunc adapts a plain function to the Partitioner interface.
type PartitionerFunc func(input any) ring.Hash

func (f PartitionerFunc) Partition(input any) ring.Hash { return f(input) }

// Follow is the sentinel partitioner meaning "route to the partition that
// produced this input". The router recognizes it by identity and skips
// hashing entirely.
var Follow Partitioner = followPartitioner{}

type followPartitioner struct{}

func (followPartitioner) Partition(any) ring.Hash {
	panic("BUG: the follow partitioner must never be invoked, inputs are routed by source partition")
}

// ConstantPartitioner routes every input to the same hash. Mostly useful for
// single-partition stages and tests.
func ConstantPartitioner(h ring.Hash) Partitioner {
	return PartitionerFunc(func(any) ring.Hash { return h })
}

// BytesPartitioner hashes the input's canonical byte representation: []byte
// and string are hashed directly, anything else through fmt.
func BytesPartitioner() Partitioner {
	return PartitionerFunc(func(input any) ring.Hash {
		switch v := input.(type) {
		case []byte:
			return ring.HashOf(v)
		case string:
			return ring.HashOf([]byte(v))
		default:
			return ring.HashOf(fmt.Appendf(nil, "%v", v))
		}
	})
}
