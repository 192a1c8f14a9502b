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

// Package pipe implements the pipeline engine: it composes fittings into
// multi-stage dataflows across a partitioned cluster.
//
// A pipeline is an ordered list of fittings. Every input is routed to one
// partition of a consistent-hashing ring; a per-partition worker for that
// stage consumes a bounded queue and emits zero or more outputs that become
// inputs to the next stage, or results at the pipeline sink. Enqueues are
// synchronous, so producers block until the downstream queue has accepted the
// message; back-pressure reaches from the sink all the way to the client
// without intermediate buffering.
//
// The package is built from a few long-lived actors:
//
//   - Manager, one per node, owns the bounded queues for every
//     (fitting, partition) pair the node hosts and the lifecycle of their
//     workers.
//   - Worker, one per (fitting, partition), runs the behavior callbacks.
//   - Coordinator, one per fitting per pipeline, hands out fitting details,
//     tracks the set of active partitions and drives end-of-input.
//   - Sink, the destination for result, log, trace and end-of-input records.
//
// Exec ties them together and returns a Handle for the client API.
package pipe
