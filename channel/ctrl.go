// File: channel/ctrl.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Control queue entries and the engine-side completion stager. The control
// rings are deliberately tiny (two slots each); the stager absorbs
// completion bursts in process-local memory and drains opportunistically.

package channel

import (
	"unsafe"

	"github.com/eapache/queue"
)

const (
	// CtrlEntrySize is the wire size of one control queue record.
	CtrlEntrySize = 64

	// CtrlRingSlots is the slot count of each control ring.
	CtrlRingSlots = 2
)

// Control opcodes. Completions echo the opcode of the request they answer.
const (
	CtrlOpListen  = uint32(1)
	CtrlOpConnect = uint32(2)
	CtrlOpClose   = uint32(3)
)

// Control completion status.
const (
	CtrlStatusOK  = uint32(0)
	CtrlStatusErr = uint32(1)
)

// CtrlEntry is one control queue record. The layout is shared between
// address spaces; do not reorder fields.
type CtrlEntry struct {
	ReqID   uint64
	Op      uint32
	Status  uint32
	Flow    Flow // padded to 16 bytes
	Payload [32]byte
}

// ctrlBytes views a CtrlEntry slice as raw ring records.
func ctrlBytes(entries []CtrlEntry) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&entries[0])), len(entries)*CtrlEntrySize)
}

// CtrlCompletionStager queues completions in front of the two-slot control
// completion ring. The engine's per-channel poll thread owns it; it is not
// safe for concurrent use.
type CtrlCompletionStager struct {
	ch      *Channel
	pending *queue.Queue
}

// NewCtrlCompletionStager builds a stager bound to a channel.
func NewCtrlCompletionStager(ch *Channel) *CtrlCompletionStager {
	return &CtrlCompletionStager{ch: ch, pending: queue.New()}
}

// Stage records a completion for later delivery.
func (s *CtrlCompletionStager) Stage(e CtrlEntry) {
	s.pending.Add(e)
}

// Pending returns the number of staged completions not yet on the ring.
func (s *CtrlCompletionStager) Pending() int {
	return s.pending.Length()
}

// Flush pushes staged completions onto the completion ring until the ring
// refuses. Returns the number delivered this call.
func (s *CtrlCompletionStager) Flush() int {
	delivered := 0
	for s.pending.Length() > 0 {
		e := s.pending.Peek().(CtrlEntry)
		if s.ch.EnqueueCtrlCompletions([]CtrlEntry{e}) == 0 {
			break
		}
		s.pending.Remove()
		delivered++
	}
	return delivered
}
