// File: channel/msgbuf.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-size message buffer records. Every pool slot starts with a 64-byte
// header followed by a data area of headroom plus payload. Buffers chain
// through slot indices into multi-buffer messages.

package channel

import (
	"fmt"
	"unsafe"

	"github.com/momentics/shmchan/api"
)

const (
	// MsgBufMagic marks an initialized buffer header; anything else means
	// corruption.
	MsgBufMagic = uint32(0x4D425546) // "MBUF"

	// MsgBufHeaderSize is the size of the header record at the start of
	// every pool slot.
	MsgBufHeaderSize = 64

	// MaxHeadroom is the reserved space in front of the payload, enough
	// for the engine to prepend packet headers without copying.
	MaxHeadroom = 64

	// InvalidSlot is the chain terminator.
	InvalidSlot = ^uint32(0)

	// MsgMaxLen caps the total length of a chained message.
	MsgMaxLen = 8 << 20
)

// Buffer flag bits.
const (
	FlagFirst   = uint32(1 << 0) // head of a message
	FlagLast    = uint32(1 << 1) // tail of a message
	FlagChained = uint32(1 << 2) // a successor buffer follows
)

// Flow identifies the 5-tuple a message belongs to. The zero value means
// "no flow". Addresses and ports are in network order as the engine wrote
// them; this layer treats them as opaque.
type Flow struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// MsgBuf is the header record at the start of every pool slot. Its layout is
// shared between address spaces; do not reorder fields. magic, index and
// size are written once at region initialization and never mutated after.
type MsgBuf struct {
	magic       uint32
	index       uint32
	size        uint32 // data area bytes: mss + MaxHeadroom
	flags       uint32
	msgLen      uint32 // whole-message bytes, valid on the FIRST buffer
	segLen      uint32 // payload bytes in this buffer
	headroomOff uint32 // payload start, relative to the data area
	next        uint32 // successor slot index or InvalidSlot
	srcIP       uint32
	dstIP       uint32
	srcPort     uint16
	dstPort     uint16
	proto       uint8
	_           [19]byte
}

// stamp writes the immutable identity fields. Called once per slot during
// region initialization.
func (b *MsgBuf) stamp(index, mss uint32) {
	b.magic = MsgBufMagic
	b.index = index
	b.size = mss + MaxHeadroom
	b.Reset()
}

// Reset restores a buffer to its freshly-allocated state. The immutable
// identity fields are untouched.
func (b *MsgBuf) Reset() {
	b.flags = 0
	b.msgLen = 0
	b.segLen = 0
	b.headroomOff = MaxHeadroom
	b.next = InvalidSlot
	b.srcIP = 0
	b.dstIP = 0
	b.srcPort = 0
	b.dstPort = 0
	b.proto = 0
}

// Validate checks the header magic.
func (b *MsgBuf) Validate() error {
	if b.magic != MsgBufMagic {
		return fmt.Errorf("buffer %d magic %#x: %w", b.index, b.magic, api.ErrUnmapped)
	}
	return nil
}

// Index returns the buffer's slot number within its pool.
func (b *MsgBuf) Index() uint32 { return b.index }

// Size returns the data area size in bytes (usable payload plus headroom).
func (b *MsgBuf) Size() uint32 { return b.size }

// MSS returns the usable payload capacity.
func (b *MsgBuf) MSS() uint32 { return b.size - MaxHeadroom }

// Flags returns the current flag bits.
func (b *MsgBuf) Flags() uint32 { return b.flags }

// SetFlags ors the given bits into the flag set.
func (b *MsgBuf) SetFlags(f uint32) { b.flags |= f }

// ClearFlags removes the given bits from the flag set.
func (b *MsgBuf) ClearFlags(f uint32) { b.flags &^= f }

// IsFirst reports whether this buffer heads a message.
func (b *MsgBuf) IsFirst() bool { return b.flags&FlagFirst != 0 }

// IsLast reports whether this buffer ends a message.
func (b *MsgBuf) IsLast() bool { return b.flags&FlagLast != 0 }

// IsChained reports whether a successor buffer follows.
func (b *MsgBuf) IsChained() bool { return b.flags&FlagChained != 0 }

// MsgLen returns the whole-message length recorded on the FIRST buffer.
func (b *MsgBuf) MsgLen() uint32 { return b.msgLen }

// SetMsgLen records the whole-message length.
func (b *MsgBuf) SetMsgLen(n uint32) { b.msgLen = n }

// SegLen returns the payload bytes held in this buffer.
func (b *MsgBuf) SegLen() uint32 { return b.segLen }

// Next returns the successor slot index, or InvalidSlot.
func (b *MsgBuf) Next() uint32 { return b.next }

// HasNext reports whether a successor buffer is linked.
func (b *MsgBuf) HasNext() bool { return b.next != InvalidSlot }

// SetNext links a successor buffer and marks the chain flag.
func (b *MsgBuf) SetNext(index uint32) {
	b.next = index
	b.flags |= FlagChained
}

// SetFlow records the flow the message belongs to.
func (b *MsgBuf) SetFlow(f Flow) {
	b.srcIP = f.SrcIP
	b.dstIP = f.DstIP
	b.srcPort = f.SrcPort
	b.dstPort = f.DstPort
	b.proto = f.Proto
}

// FlowKey returns the flow recorded on this buffer.
func (b *MsgBuf) FlowKey() Flow {
	return Flow{
		SrcIP:   b.srcIP,
		DstIP:   b.dstIP,
		SrcPort: b.srcPort,
		DstPort: b.dstPort,
		Proto:   b.proto,
	}
}

// data returns the whole data area following the header.
func (b *MsgBuf) data() []byte {
	p := unsafe.Add(unsafe.Pointer(b), MsgBufHeaderSize)
	return unsafe.Slice((*byte)(p), b.size)
}

// Payload returns the current payload bytes.
func (b *MsgBuf) Payload() []byte {
	return b.data()[b.headroomOff : b.headroomOff+b.segLen]
}

// Headroom returns the bytes available in front of the payload.
func (b *MsgBuf) Headroom() uint32 { return b.headroomOff }

// Tailroom returns the bytes available after the payload.
func (b *MsgBuf) Tailroom() uint32 {
	return b.size - b.headroomOff - b.segLen
}

// Append extends the payload by up to n bytes and returns the writable
// slice covering the extension. Shorter than n when tailroom runs out.
func (b *MsgBuf) Append(n uint32) []byte {
	if room := b.Tailroom(); n > room {
		n = room
	}
	off := b.headroomOff + b.segLen
	b.segLen += n
	return b.data()[off : off+n]
}

// Prepend claims n bytes of headroom in front of the payload and returns
// the writable slice, or nil if the headroom is insufficient.
func (b *MsgBuf) Prepend(n uint32) []byte {
	if n > b.headroomOff {
		return nil
	}
	b.headroomOff -= n
	b.segLen += n
	return b.data()[b.headroomOff : b.headroomOff+n]
}

// Trim drops n bytes from the payload tail; drops everything when n
// exceeds the payload.
func (b *MsgBuf) Trim(n uint32) {
	if n > b.segLen {
		n = b.segLen
	}
	b.segLen -= n
}
