/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stats collects engine counters. Counters are atomic so a
// monitoring goroutine can read them while the engine runs.
package stats

import "sync/atomic"

// Counters is the full counter set of one engine instance.
type Counters struct {
	Packets          atomic.Uint64
	Ir               atomic.Uint64
	IrDyn            atomic.Uint64
	Uo0              atomic.Uint64
	Uo1              atomic.Uint64
	Uor2             atomic.Uint64
	Normal           atomic.Uint64
	Segments         atomic.Uint64
	Malformed        atomic.Uint64
	CrcFailures      atomic.Uint64
	Repairs          atomic.Uint64
	FeedbackSent     atomic.Uint64
	FeedbackReceived atomic.Uint64
	ContextsCreated  atomic.Uint64
	ContextsEvicted  atomic.Uint64
	NoContext        atomic.Uint64
}

// Snapshot returns a point-in-time copy of all counters keyed by name.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"packets":           c.Packets.Load(),
		"ir":                c.Ir.Load(),
		"ir_dyn":            c.IrDyn.Load(),
		"uo0":               c.Uo0.Load(),
		"uo1":               c.Uo1.Load(),
		"uor2":              c.Uor2.Load(),
		"normal":            c.Normal.Load(),
		"segments":          c.Segments.Load(),
		"malformed":         c.Malformed.Load(),
		"crc_failures":      c.CrcFailures.Load(),
		"repairs":           c.Repairs.Load(),
		"feedback_sent":     c.FeedbackSent.Load(),
		"feedback_received": c.FeedbackReceived.Load(),
		"contexts_created":  c.ContextsCreated.Load(),
		"contexts_evicted":  c.ContextsEvicted.Load(),
		"no_context":        c.NoContext.Load(),
	}
}
