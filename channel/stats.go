// File: channel/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-region statistics block. Writers on either side of the channel use
// relaxed atomic adds; readers take best-effort snapshots that may lag.

package channel

import "sync/atomic"

// StatsSize is the size of the statistics block inside the region.
const StatsSize = 128

// Stats is the counters block placed immediately after the channel header.
// Field order is part of the region layout; do not reorder.
type Stats struct {
	EngMsgEnqueued  uint64 // messages the engine pushed toward the app
	EngMsgDequeued  uint64 // messages the engine pulled from the app
	AppMsgEnqueued  uint64 // messages the app pushed toward the engine
	AppMsgDequeued  uint64 // messages the app pulled from the engine
	BufAllocated    uint64
	BufFreed        uint64
	CtrlSubmitted   uint64
	CtrlCompleted   uint64
	DropRingFull    uint64
	DropPoolEmpty   uint64
	DropMsgTooLong  uint64
	FreeRetryFailed uint64 // free-bulk gave up after bounded retries
	_               [4]uint64
}

// statsAdd bumps a counter. Best-effort; ordering is irrelevant for statistics.
func statsAdd(c *uint64, n uint64) {
	if n != 0 {
		atomic.AddUint64(c, n)
	}
}

// Snapshot copies the counters atomically field by field. The result is a
// consistent-enough view for reporting, not a linearizable one.
type StatsSnapshot struct {
	EngMsgEnqueued  uint64
	EngMsgDequeued  uint64
	AppMsgEnqueued  uint64
	AppMsgDequeued  uint64
	BufAllocated    uint64
	BufFreed        uint64
	CtrlSubmitted   uint64
	CtrlCompleted   uint64
	DropRingFull    uint64
	DropPoolEmpty   uint64
	DropMsgTooLong  uint64
	FreeRetryFailed uint64
}

// Snapshot returns a best-effort copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		EngMsgEnqueued:  atomic.LoadUint64(&s.EngMsgEnqueued),
		EngMsgDequeued:  atomic.LoadUint64(&s.EngMsgDequeued),
		AppMsgEnqueued:  atomic.LoadUint64(&s.AppMsgEnqueued),
		AppMsgDequeued:  atomic.LoadUint64(&s.AppMsgDequeued),
		BufAllocated:    atomic.LoadUint64(&s.BufAllocated),
		BufFreed:        atomic.LoadUint64(&s.BufFreed),
		CtrlSubmitted:   atomic.LoadUint64(&s.CtrlSubmitted),
		CtrlCompleted:   atomic.LoadUint64(&s.CtrlCompleted),
		DropRingFull:    atomic.LoadUint64(&s.DropRingFull),
		DropPoolEmpty:   atomic.LoadUint64(&s.DropPoolEmpty),
		DropMsgTooLong:  atomic.LoadUint64(&s.DropMsgTooLong),
		FreeRetryFailed: atomic.LoadUint64(&s.FreeRetryFailed),
	}
}
