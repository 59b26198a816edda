// File: ring/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded multi-producer/multi-consumer ring over mapped memory.
// The layout is position-independent: both processes address the ring by
// its byte offset inside the shared region, never by pointer.

package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"

	"github.com/momentics/shmchan/api"
)

// CacheLineSize separates producer and consumer state to avoid false sharing.
const CacheLineSize = 64

// HeaderSize is the fixed size of the in-region ring header: one cache line
// of geometry, one for the producer position, one for the consumer position.
const HeaderSize = 3 * CacheLineSize

// header is the in-region ring descriptor. Field offsets are part of the
// wire format shared across address spaces; do not reorder.
type header struct {
	slotCount  uint32 // power of two
	mask       uint32 // slotCount - 1
	recordSize uint32 // bytes per record
	capacity   uint32 // slotCount - 1 (one sentinel slot)
	prodSingle uint32 // 1 if a single producer thread
	consSingle uint32 // 1 if a single consumer thread
	_          [CacheLineSize - 24]byte

	prodHead uint64
	prodTail uint64
	_        [CacheLineSize - 16]byte

	consHead uint64
	consTail uint64
	_        [CacheLineSize - 16]byte
}

// Ring is a handle to a ring embedded in a mapped region. The handle itself
// holds no state beyond the mapping and the offset; all mutable state lives
// in shared memory.
type Ring struct {
	mem []byte
	off uint64
}

// MemSize returns the number of bytes a ring with the given geometry occupies
// inside a region, cache-line aligned.
func MemSize(recordSize, slotCount uint32) (uint64, error) {
	if slotCount == 0 || slotCount&(slotCount-1) != 0 {
		return 0, fmt.Errorf("slot count %d: %w", slotCount, api.ErrBadParameter)
	}
	if recordSize == 0 {
		return 0, fmt.Errorf("record size 0: %w", api.ErrBadParameter)
	}
	sz := uint64(HeaderSize) + uint64(slotCount)*uint64(recordSize)
	return (sz + CacheLineSize - 1) &^ (CacheLineSize - 1), nil
}

// Init formats a ring at byte offset off inside mem and returns a handle.
// slotCount must be a power of two; usable capacity is slotCount-1.
func Init(mem []byte, off uint64, slotCount, recordSize uint32, singleProd, singleCons bool) (*Ring, error) {
	sz, err := MemSize(recordSize, slotCount)
	if err != nil {
		return nil, err
	}
	if off%CacheLineSize != 0 {
		return nil, fmt.Errorf("ring offset %d not cache-line aligned: %w", off, api.ErrBadParameter)
	}
	if off+sz > uint64(len(mem)) {
		return nil, fmt.Errorf("ring at %d overruns region of %d bytes: %w", off, len(mem), api.ErrBadParameter)
	}
	r := &Ring{mem: mem, off: off}
	h := r.hdr()
	h.slotCount = slotCount
	h.mask = slotCount - 1
	h.recordSize = recordSize
	h.capacity = slotCount - 1
	h.prodSingle = 0
	h.consSingle = 0
	if singleProd {
		h.prodSingle = 1
	}
	if singleCons {
		h.consSingle = 1
	}
	atomic.StoreUint64(&h.prodHead, 0)
	atomic.StoreUint64(&h.prodTail, 0)
	atomic.StoreUint64(&h.consHead, 0)
	atomic.StoreUint64(&h.consTail, 0)
	return r, nil
}

// Map attaches to an already-initialized ring at byte offset off inside mem.
func Map(mem []byte, off uint64) (*Ring, error) {
	if off%CacheLineSize != 0 || off+HeaderSize > uint64(len(mem)) {
		return nil, fmt.Errorf("ring offset %d: %w", off, api.ErrBadParameter)
	}
	r := &Ring{mem: mem, off: off}
	h := r.hdr()
	sz, err := MemSize(h.recordSize, h.slotCount)
	if err != nil {
		return nil, err
	}
	if off+sz > uint64(len(mem)) {
		return nil, fmt.Errorf("ring at %d overruns region of %d bytes: %w", off, len(mem), api.ErrBadParameter)
	}
	return r, nil
}

func (r *Ring) hdr() *header {
	return (*header)(unsafe.Pointer(&r.mem[r.off]))
}

// Capacity returns the number of records the ring can hold.
func (r *Ring) Capacity() uint32 { return r.hdr().capacity }

// SlotCount returns the physical slot count (capacity plus the sentinel).
func (r *Ring) SlotCount() uint32 { return r.hdr().slotCount }

// RecordSize returns the size of one record in bytes.
func (r *Ring) RecordSize() uint32 { return r.hdr().recordSize }

// Count returns the number of records currently in the ring. Approximate
// while producers or consumers are active.
func (r *Ring) Count() uint32 {
	h := r.hdr()
	return uint32(atomic.LoadUint64(&h.prodTail) - atomic.LoadUint64(&h.consTail))
}

// FreeCount returns the remaining capacity. Approximate under concurrency.
func (r *Ring) FreeCount() uint32 {
	return r.hdr().capacity - r.Count()
}

// EnqueueBulk copies n records from src into the ring. All-or-nothing:
// returns n on success, 0 if the ring lacks space for all n.
func (r *Ring) EnqueueBulk(src []byte, n uint32) uint32 {
	return r.enqueue(src, n, true)
}

// EnqueueBurst copies up to n records from src into the ring and returns
// the number actually enqueued.
func (r *Ring) EnqueueBurst(src []byte, n uint32) uint32 {
	return r.enqueue(src, n, false)
}

// DequeueBulk copies n records from the ring into dst. All-or-nothing.
func (r *Ring) DequeueBulk(dst []byte, n uint32) uint32 {
	return r.dequeue(dst, n, true)
}

// DequeueBurst copies up to n records from the ring into dst and returns
// the number actually dequeued.
func (r *Ring) DequeueBurst(dst []byte, n uint32) uint32 {
	return r.dequeue(dst, n, false)
}

// EnqueueIndices enqueues 32-bit slot indices, all-or-nothing. The ring must
// have been initialized with a 4-byte record size.
func (r *Ring) EnqueueIndices(idx []uint32) uint32 {
	if len(idx) == 0 {
		return 0
	}
	return r.EnqueueBulk(indexBytes(idx), uint32(len(idx)))
}

// EnqueueIndicesBurst enqueues up to len(idx) slot indices.
func (r *Ring) EnqueueIndicesBurst(idx []uint32) uint32 {
	if len(idx) == 0 {
		return 0
	}
	return r.EnqueueBurst(indexBytes(idx), uint32(len(idx)))
}

// DequeueIndices dequeues up to len(idx) slot indices into idx.
func (r *Ring) DequeueIndices(idx []uint32) uint32 {
	if len(idx) == 0 {
		return 0
	}
	return r.DequeueBurst(indexBytes(idx), uint32(len(idx)))
}

func indexBytes(idx []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&idx[0])), len(idx)*4)
}

// enqueue reserves [head, head+n) on the producer side, copies the records,
// and publishes them by advancing prodTail. The tail store is the release
// point: records become visible to consumers only after it.
func (r *Ring) enqueue(src []byte, n uint32, exact bool) uint32 {
	if n == 0 {
		return 0
	}
	h := r.hdr()
	var head, next uint64
	if h.prodSingle != 0 {
		head = atomic.LoadUint64(&h.prodHead)
		consTail := atomic.LoadUint64(&h.consTail)
		free := uint64(h.capacity) - (head - consTail)
		if free < uint64(n) {
			if exact || free == 0 {
				return 0
			}
			n = uint32(free)
		}
		next = head + uint64(n)
		atomic.StoreUint64(&h.prodHead, next)
	} else {
		sw := spin.Wait{}
		for {
			head = atomic.LoadUint64(&h.prodHead)
			consTail := atomic.LoadUint64(&h.consTail)
			free := uint64(h.capacity) - (head - consTail)
			m := n
			if free < uint64(m) {
				if exact || free == 0 {
					return 0
				}
				m = uint32(free)
			}
			next = head + uint64(m)
			if atomic.CompareAndSwapUint64(&h.prodHead, head, next) {
				n = m
				break
			}
			sw.Once()
		}
	}

	r.copyIn(src, head, n)

	if h.prodSingle == 0 {
		// Preceding producers publish in reservation order.
		sw := spin.Wait{}
		for atomic.LoadUint64(&h.prodTail) != head {
			sw.Once()
		}
	}
	atomic.StoreUint64(&h.prodTail, next)
	return n
}

// dequeue mirrors enqueue on the consumer side: reserve [head, head+n) on
// consHead, copy the records out, advance consTail.
func (r *Ring) dequeue(dst []byte, n uint32, exact bool) uint32 {
	if n == 0 {
		return 0
	}
	h := r.hdr()
	var head, next uint64
	if h.consSingle != 0 {
		head = atomic.LoadUint64(&h.consHead)
		prodTail := atomic.LoadUint64(&h.prodTail)
		avail := prodTail - head
		if avail < uint64(n) {
			if exact || avail == 0 {
				return 0
			}
			n = uint32(avail)
		}
		next = head + uint64(n)
		atomic.StoreUint64(&h.consHead, next)
	} else {
		sw := spin.Wait{}
		for {
			head = atomic.LoadUint64(&h.consHead)
			prodTail := atomic.LoadUint64(&h.prodTail)
			avail := prodTail - head
			m := n
			if avail < uint64(m) {
				if exact || avail == 0 {
					return 0
				}
				m = uint32(avail)
			}
			next = head + uint64(m)
			if atomic.CompareAndSwapUint64(&h.consHead, head, next) {
				n = m
				break
			}
			sw.Once()
		}
	}

	r.copyOut(dst, head, n)

	if h.consSingle == 0 {
		sw := spin.Wait{}
		for atomic.LoadUint64(&h.consTail) != head {
			sw.Once()
		}
	}
	atomic.StoreUint64(&h.consTail, next)
	return n
}

// copyIn writes n records starting at logical position head. At most one
// wrap-around can occur since n never exceeds capacity.
func (r *Ring) copyIn(src []byte, head uint64, n uint32) {
	h := r.hdr()
	rs := uint64(h.recordSize)
	base := r.off + HeaderSize
	idx := head & uint64(h.mask)
	first := uint64(h.slotCount) - idx
	if uint64(n) <= first {
		copy(r.mem[base+idx*rs:base+(idx+uint64(n))*rs], src[:uint64(n)*rs])
		return
	}
	split := first * rs
	copy(r.mem[base+idx*rs:base+uint64(h.slotCount)*rs], src[:split])
	copy(r.mem[base:base+(uint64(n)-first)*rs], src[split:uint64(n)*rs])
}

func (r *Ring) copyOut(dst []byte, head uint64, n uint32) {
	h := r.hdr()
	rs := uint64(h.recordSize)
	base := r.off + HeaderSize
	idx := head & uint64(h.mask)
	first := uint64(h.slotCount) - idx
	if uint64(n) <= first {
		copy(dst[:uint64(n)*rs], r.mem[base+idx*rs:base+(idx+uint64(n))*rs])
		return
	}
	split := first * rs
	copy(dst[:split], r.mem[base+idx*rs:base+uint64(h.slotCount)*rs])
	copy(dst[split:uint64(n)*rs], r.mem[base:base+(uint64(n)-first)*rs])
}
