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

import "time"

// Config carries the node-wide engine settings. It is immutable and passed
// into cluster construction, there is no ambient configuration.
type Config struct {
	// MaxQueueLimit is the node-wide ceiling on per-worker queue capacity.
	// The effective capacity of a queue is min(spec q_limit, MaxQueueLimit).
	MaxQueueLimit int

	// WorkerRestartLimit is how many times a crashed worker is respawned
	// before its queue switches to preflist forwarding. Set to a negative
	// value to disable restarts entirely.
	WorkerRestartLimit int

	// WorkerRestartBackoffMin and WorkerRestartBackoffMax bound the
	// exponential backoff between worker restarts.
	WorkerRestartBackoffMin time.Duration
	WorkerRestartBackoffMax time.Duration
}

// DefaultConfig returns the settings used when a Config field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxQueueLimit:           4096,
		WorkerRestartLimit:      1,
		WorkerRestartBackoffMin: 10 * time.Millisecond,
		WorkerRestartBackoffMax: time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxQueueLimit <= 0 {
		c.MaxQueueLimit = def.MaxQueueLimit
	}
	if c.WorkerRestartLimit == 0 {
		c.WorkerRestartLimit = def.WorkerRestartLimit
	} else if c.WorkerRestartLimit < 0 {
		c.WorkerRestartLimit = 0
	}
	if c.WorkerRestartBackoffMin <= 0 {
		c.WorkerRestartBackoffMin = def.WorkerRestartBackoffMin
	}
	if c.WorkerRestartBackoffMax <= 0 {
		c.WorkerRestartBackoffMax = def.WorkerRestartBackoffMax
	}
	return c
}
