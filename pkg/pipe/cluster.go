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
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/foundation/log"
	"github.com/pipewright/pipewright/pkg/ring"
)

// Cluster binds the engine to its two external collaborators, the ring and
// the set of addressable queue managers. In a multi-node deployment each
// process hosts one Manager and a transport resolves the others; this
// in-process form holds them all directly, which is also what the tests run
// against.
type Cluster struct {
	cfg    Config
	logger log.CtxLogger
	ring   ring.Ring
	nodes  map[ring.NodeID]*Manager
}

// NewCluster creates a cluster of queue managers, one per node, sharing the
// given ring.
func NewCluster(cfg Config, logger log.CtxLogger, r ring.Ring, nodeIDs []ring.NodeID) (*Cluster, error) {
	if r == nil {
		return nil, cerrors.New("cluster needs a ring")
	}
	if len(nodeIDs) == 0 {
		return nil, cerrors.New("cluster needs at least one node")
	}

	c := &Cluster{
		cfg:    cfg.withDefaults(),
		logger: logger,
		ring:   r,
		nodes:  make(map[ring.NodeID]*Manager, len(nodeIDs)),
	}
	for _, id := range nodeIDs {
		if _, ok := c.nodes[id]; ok {
			return nil, cerrors.Errorf("duplicate node %q", id)
		}
		c.nodes[id] = newManager(c, id)
	}
	return c, nil
}

// Node returns the queue manager hosted on the given node.
func (c *Cluster) Node(id ring.NodeID) (*Manager, bool) {
	m, ok := c.nodes[id]
	return m, ok
}

// Ring returns the ring the cluster routes on.
func (c *Cluster) Ring() ring.Ring { return c.ring }

// managerFor resolves the queue manager currently owning a partition.
func (c *Cluster) managerFor(p ring.Partition) (*Manager, bool) {
	m, ok := c.nodes[c.ring.Owner(p)]
	return m, ok
}
