// File: channel/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Multi-buffer message construction and reassembly. A message is a chain
// of buffers: exactly one FIRST, exactly one LAST, linked by slot index.
// The producer finishes every payload write and link before the head index
// crosses a ring; the consumer therefore sees whole messages only.

package channel

import (
	"fmt"

	"github.com/momentics/shmchan/api"
)

// ErrBadChain reports a malformed message chain: flag violations, length
// mismatch, or a walk exceeding the hop cap.
var ErrBadChain = fmt.Errorf("bad message chain")

// maxChainHops bounds a chain walk for a given per-buffer payload size.
func maxChainHops(mss uint32) uint32 {
	return (MsgMaxLen + mss - 1) / mss
}

// BuildMessage allocates buffers and lays payload across them, at most mss
// bytes per buffer. Returns the chain head. On allocation failure the
// partial chain is freed and api.ErrPoolExhausted returned.
func BuildMessage(c *Channel, payload []byte, flow Flow) (*MsgBuf, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty message: %w", api.ErrBadParameter)
	}
	if len(payload) > MsgMaxLen {
		statsAdd(&c.region.stats.DropMsgTooLong, 1)
		return nil, fmt.Errorf("message of %d bytes exceeds %d: %w", len(payload), MsgMaxLen, api.ErrBadParameter)
	}

	mss := c.UsableBufSize()
	var first, prev *MsgBuf
	remaining := payload
	for len(remaining) > 0 {
		b := c.MsgBufAlloc()
		if b == nil {
			if first != nil {
				FreeMessage(c, first)
			}
			return nil, fmt.Errorf("message needs more buffers: %w", api.ErrPoolExhausted)
		}
		seg := uint32(len(remaining))
		if seg > mss {
			seg = mss
		}
		copy(b.Append(seg), remaining[:seg])
		remaining = remaining[seg:]

		if first == nil {
			first = b
			b.SetFlags(FlagFirst)
			b.SetMsgLen(uint32(len(payload)))
			b.SetFlow(flow)
		} else {
			prev.SetNext(b.index)
		}
		prev = b
	}
	prev.SetFlags(FlagLast)
	return first, nil
}

// ReadMessage walks a chain from its FIRST buffer, validates the chain
// invariants and returns the reassembled payload.
func ReadMessage(c *Channel, first *MsgBuf) ([]byte, error) {
	if err := first.Validate(); err != nil {
		return nil, err
	}
	if !first.IsFirst() {
		return nil, fmt.Errorf("head lacks FIRST: %w", ErrBadChain)
	}
	total := first.MsgLen()
	if total == 0 || total > MsgMaxLen {
		return nil, fmt.Errorf("message length %d: %w", total, ErrBadChain)
	}

	out := make([]byte, 0, total)
	hops := maxChainHops(c.UsableBufSize())
	b := first
	for {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if b != first && b.IsFirst() {
			return nil, fmt.Errorf("interior buffer %d has FIRST: %w", b.index, ErrBadChain)
		}
		out = append(out, b.Payload()...)
		if b.IsLast() {
			break
		}
		if !b.HasNext() {
			return nil, fmt.Errorf("chain breaks before LAST at buffer %d: %w", b.index, ErrBadChain)
		}
		if hops--; hops == 0 {
			return nil, fmt.Errorf("chain exceeds %d hops: %w", maxChainHops(c.UsableBufSize()), ErrBadChain)
		}
		b = c.MsgBuf(b.Next())
	}
	if uint32(len(out)) != total {
		return nil, fmt.Errorf("segment sum %d != message length %d: %w", len(out), total, ErrBadChain)
	}
	return out, nil
}

// ChainLen returns the number of buffers in a chain, bounded by the hop
// cap; 0 signals a walk that never reached LAST.
func ChainLen(c *Channel, first *MsgBuf) uint32 {
	hops := maxChainHops(c.UsableBufSize())
	n := uint32(0)
	for b := first; ; b = c.MsgBuf(b.Next()) {
		n++
		if b.IsLast() {
			return n
		}
		if !b.HasNext() || n == hops {
			return 0
		}
	}
}

// FreeMessage releases every buffer of a chain back to the pool. Returns
// the number of buffers freed.
func FreeMessage(c *Channel, first *MsgBuf) uint32 {
	hops := maxChainHops(c.UsableBufSize())
	freed := uint32(0)
	b := first
	for b != nil && freed < hops {
		var next *MsgBuf
		if b.HasNext() && !b.IsLast() {
			next = c.MsgBuf(b.Next())
		}
		c.MsgBufFree(b)
		freed++
		b = next
	}
	return freed
}
