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

// Package ring contains the consistent-hash ring client used to route inputs
// to partitions. The ring itself is an external collaborator; this package
// defines the interface the engine relies on and ships a static in-process
// implementation for single-binary deployments and tests.
package ring

import (
	"crypto/sha1" //nolint:gosec // the ring keyspace is 160 bits by definition, not a security boundary
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
)

// HashSize is the size of a ring hash in bytes. The keyspace is 160 bits.
const HashSize = sha1.Size

// Hash is a point on the 160-bit ring keyspace.
type Hash [HashSize]byte

// HashOf maps an arbitrary key onto the ring keyspace.
func HashOf(key []byte) Hash {
	return sha1.Sum(key) //nolint:gosec // see package doc, not used for security
}

// top64 returns the most significant 64 bits of the hash. Partitions are
// spaced evenly on the ring, so the top bits are enough to locate the owning
// partition.
func (h Hash) top64() uint64 {
	return binary.BigEndian.Uint64(h[:8])
}

// Partition identifies one shard of the ring. Partitions are numbered
// 0..NumPartitions-1 in ring order.
type Partition uint64

func (p Partition) String() string {
	return fmt.Sprintf("partition-%d", uint64(p))
}

// NodeID identifies a node that can own partitions.
type NodeID string

// Ring maps hashes to ordered preference lists of partitions and partitions to
// their current owners.
type Ring interface {
	// Preflist returns the ordered list of partitions responsible for the
	// given hash. The list contains min(nval, NumPartitions()) distinct
	// partitions, starting at the hash's successor partition and walking the
	// ring.
	Preflist(h Hash, nval int) []Partition

	// Owner returns the node currently owning the given partition.
	Owner(p Partition) NodeID

	// NumPartitions returns the number of partitions on the ring.
	NumPartitions() int
}

// Static is a fixed ring: a power-of-two number of evenly spaced partitions
// with round-robin node ownership. Ownership can be reassigned explicitly
// (used to exercise handoff); the partition layout never changes.
type Static struct {
	partitions int
	nodes      []NodeID
	owners     []NodeID
}

// NewStatic creates a static ring with the given number of partitions spread
// across the given nodes. The partition count must be a power of two and at
// least one node is required.
func NewStatic(partitions int, nodes []NodeID) (*Static, error) {
	if partitions <= 0 || bits.OnesCount(uint(partitions)) != 1 {
		return nil, cerrors.Errorf("ring size must be a positive power of two, got %d", partitions)
	}
	if len(nodes) == 0 {
		return nil, cerrors.New("ring needs at least one node")
	}

	owners := make([]NodeID, partitions)
	for i := range owners {
		owners[i] = nodes[i%len(nodes)]
	}
	return &Static{
		partitions: partitions,
		nodes:      append([]NodeID(nil), nodes...),
		owners:     owners,
	}, nil
}

func (r *Static) NumPartitions() int { return r.partitions }

// Nodes returns the nodes the ring was created with.
func (r *Static) Nodes() []NodeID {
	return append([]NodeID(nil), r.nodes...)
}

// Preflist walks the ring starting at the partition succeeding the hash point.
func (r *Static) Preflist(h Hash, nval int) []Partition {
	if nval <= 0 {
		return nil
	}
	if nval > r.partitions {
		nval = r.partitions
	}

	// Partitions are evenly spaced, so the index of the successor partition
	// is the top bits of the hash scaled to the ring size.
	step := ^uint64(0)/uint64(r.partitions) + 1
	first := h.top64() / step

	out := make([]Partition, nval)
	for i := 0; i < nval; i++ {
		out[i] = Partition((first + uint64(i)) % uint64(r.partitions))
	}
	return out
}

func (r *Static) Owner(p Partition) NodeID {
	return r.owners[uint64(p)%uint64(r.partitions)]
}

// Reassign moves ownership of a partition to another node. This mirrors a
// cluster membership change and is what triggers worker handoff in the engine.
func (r *Static) Reassign(p Partition, n NodeID) {
	r.owners[uint64(p)%uint64(r.partitions)] = n
}
