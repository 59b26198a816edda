// File: channel/batch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-capacity batch of message buffers. Batches carry both the resolved
// buffer pointers and their slot indices so hot-path loops touch each
// buffer exactly once. Not thread-safe; one batch per polling thread.

package channel

// MaxBurst is the largest number of messages moved by one batched call.
const MaxBurst = 32

// MsgBufBatch pairs buffer pointers with their slot indices.
type MsgBufBatch struct {
	bufs    [MaxBurst]*MsgBuf
	indices [MaxBurst]uint32
	count   int
}

// Append adds one buffer and its index to the batch. Callers must check
// Room first; Append on a full batch is a no-op.
func (b *MsgBufBatch) Append(buf *MsgBuf, index uint32) {
	if b.count == MaxBurst {
		return
	}
	b.bufs[b.count] = buf
	b.indices[b.count] = index
	b.count++
}

// Size returns the number of buffers in the batch.
func (b *MsgBufBatch) Size() int { return b.count }

// Room returns the remaining capacity.
func (b *MsgBufBatch) Room() int { return MaxBurst - b.count }

// Bufs returns the filled prefix of buffer pointers.
func (b *MsgBufBatch) Bufs() []*MsgBuf { return b.bufs[:b.count] }

// Indices returns the filled prefix of slot indices.
func (b *MsgBufBatch) Indices() []uint32 { return b.indices[:b.count] }

// Get returns the i-th buffer and its index.
func (b *MsgBufBatch) Get(i int) (*MsgBuf, uint32) {
	return b.bufs[i], b.indices[i]
}

// Clear empties the batch, retaining backing storage.
func (b *MsgBufBatch) Clear() { b.count = 0 }

// incr extends the filled prefix after a bulk operation wrote the arrays
// directly.
func (b *MsgBufBatch) incr(n int) { b.count += n }
