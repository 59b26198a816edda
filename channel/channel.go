// File: channel/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel handle: the operations the engine and the application call on a
// mapped region. Everything here is nonblocking and returns counts; slot
// ownership transfers with every successful ring crossing.

package channel

import (
	"log"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"github.com/momentics/shmchan/shm"
)

// DefaultFreeRetries bounds the free-bulk retry loop. An MPMC enqueue can
// transiently refuse while a concurrent producer's tail catches up; a few
// retries convert that into progress. Tunable via control.Tunables.
const DefaultFreeRetries = 5

// Channel binds a name, a mapped region and its backing segment into the
// handle both endpoints program against.
type Channel struct {
	name   string
	region *Region
	seg    *shm.Segment // nil when the region memory is caller-owned

	freeRetries int

	closeOnce sync.Once
	destroyed atomix.Bool

	dmaMu   sync.Mutex
	dmaFree func([]byte) error
	dmaOn   bool
}

// New wraps an initialized region and its backing segment. seg may be nil
// for caller-owned memory (tests, preallocated arenas).
func New(name string, region *Region, seg *shm.Segment) *Channel {
	return &Channel{
		name:        name,
		region:      region,
		seg:         seg,
		freeRetries: DefaultFreeRetries,
	}
}

// Attach maps an existing segment as a channel. The segment must carry a
// published region; otherwise api.ErrUnmapped is returned and the segment
// is left untouched.
func Attach(name string, seg *shm.Segment) (*Channel, error) {
	region, err := MapRegion(seg.Mem)
	if err != nil {
		return nil, err
	}
	return New(name, region, seg), nil
}

// SetFreeRetries overrides the bounded free-bulk retry count.
func (c *Channel) SetFreeRetries(n int) {
	if n >= 0 {
		c.freeRetries = n
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Region exposes the mapped region.
func (c *Channel) Region() *Region { return c.region }

// Size returns the region size in bytes.
func (c *Channel) Size() uint64 { return c.region.Size() }

// Fd returns the backing file descriptor, or -1 for caller-owned memory.
func (c *Channel) Fd() int {
	if c.seg == nil {
		return -1
	}
	return c.seg.Fd
}

// IsPosixShm reports whether the backing memory is a POSIX shared memory
// object rather than hugepage-backed.
func (c *Channel) IsPosixShm() bool {
	return c.seg != nil && c.seg.IsPosix
}

// Destroyed reports whether Close has completed.
func (c *Channel) Destroyed() bool { return c.destroyed.LoadAcquire() }

// Close unmaps and releases the backing segment. Idempotent. Outstanding
// enqueues are lost; avoiding that is the caller's responsibility.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.UnregisterDMAMem()
		if c.seg != nil {
			err = c.seg.Close()
		}
		c.destroyed.StoreRelease(true)
	})
	return err
}

// Stats returns a best-effort snapshot of the in-region counters.
func (c *Channel) Stats() StatsSnapshot { return c.region.Stats().Snapshot() }

// MsgBuf resolves a slot index to a buffer in the local mapping.
func (c *Channel) MsgBuf(index uint32) *MsgBuf { return c.region.MsgBuf(index) }

// BufIndex returns a buffer's slot index.
func (c *Channel) BufIndex(b *MsgBuf) uint32 { return c.region.BufIndex(b) }

// Pool accessors.

// BufPool returns the raw pool bytes of the local mapping.
func (c *Channel) BufPool() []byte { return c.region.BufPool() }

// BufPoolSize returns the pool size in bytes.
func (c *Channel) BufPoolSize() uint64 { return c.region.BufPoolSize() }

// TotalBufCount returns the number of pool slots.
func (c *Channel) TotalBufCount() uint32 { return c.region.TotalBufCount() }

// FreeBufCount returns the buffers currently available for allocation.
func (c *Channel) FreeBufCount() uint32 { return c.region.FreeBufCount() }

// UsableBufSize returns the payload capacity of one buffer.
func (c *Channel) UsableBufSize() uint32 { return c.region.UsableBufSize() }

// TotalBufSize returns the pool slot stride in bytes.
func (c *Channel) TotalBufSize() uint32 { return c.region.TotalBufSize() }

// Control plane.

// DequeueCtrlRequests pulls pending control requests; engine side.
func (c *Channel) DequeueCtrlRequests(entries []CtrlEntry) uint32 {
	if len(entries) == 0 {
		return 0
	}
	return c.region.ctrlSQ.DequeueBurst(ctrlBytes(entries), uint32(len(entries)))
}

// EnqueueCtrlCompletions pushes completions toward the application; engine
// side. Returns the number accepted by the two-slot ring.
func (c *Channel) EnqueueCtrlCompletions(entries []CtrlEntry) uint32 {
	if len(entries) == 0 {
		return 0
	}
	n := c.region.ctrlCQ.EnqueueBurst(ctrlBytes(entries), uint32(len(entries)))
	statsAdd(&c.region.stats.CtrlCompleted, uint64(n))
	return n
}

// SubmitCtrlRequests pushes control requests toward the engine; app side.
func (c *Channel) SubmitCtrlRequests(entries []CtrlEntry) uint32 {
	if len(entries) == 0 {
		return 0
	}
	n := c.region.ctrlSQ.EnqueueBurst(ctrlBytes(entries), uint32(len(entries)))
	statsAdd(&c.region.stats.CtrlSubmitted, uint64(n))
	return n
}

// PollCtrlCompletions pulls completions; app side.
func (c *Channel) PollCtrlCompletions(entries []CtrlEntry) uint32 {
	if len(entries) == 0 {
		return 0
	}
	return c.region.ctrlCQ.DequeueBurst(ctrlBytes(entries), uint32(len(entries)))
}

// Data plane, engine side.

// EnqueueMessages pushes message head indices toward the application.
// Ownership of every accepted slot transfers to the peer.
func (c *Channel) EnqueueMessages(indices []uint32) uint32 {
	if len(indices) == 0 {
		return 0
	}
	n := c.region.engRing.EnqueueIndicesBurst(indices)
	statsAdd(&c.region.stats.EngMsgEnqueued, uint64(n))
	statsAdd(&c.region.stats.DropRingFull, uint64(len(indices))-uint64(n))
	return n
}

// EnqueueMsgBufs resolves buffer pointers to indices and pushes them
// toward the application. Capped at MaxBurst.
func (c *Channel) EnqueueMsgBufs(bufs []*MsgBuf) uint32 {
	var indices [MaxBurst]uint32
	n := len(bufs)
	if n > MaxBurst {
		n = MaxBurst
	}
	for i := 0; i < n; i++ {
		indices[i] = bufs[i].index
	}
	return c.EnqueueMessages(indices[:n])
}

// EnqueueBatch pushes a whole batch toward the application.
func (c *Channel) EnqueueBatch(batch *MsgBufBatch) uint32 {
	return c.EnqueueMessages(batch.Indices())
}

// DequeueMessages fills batch from the app→engine ring, resolving slot
// indices to buffers; engine side.
func (c *Channel) DequeueMessages(batch *MsgBufBatch) uint32 {
	room := batch.Room()
	if room == 0 {
		return 0
	}
	base := batch.Size()
	n := c.region.appRing.DequeueIndices(batch.indices[base : base+room])
	for i := uint32(0); i < n; i++ {
		batch.bufs[base+int(i)] = c.region.MsgBuf(batch.indices[base+int(i)])
	}
	batch.incr(int(n))
	statsAdd(&c.region.stats.EngMsgDequeued, uint64(n))
	return n
}

// Data plane, application side.

// AppEnqueueMessages pushes message head indices toward the engine.
func (c *Channel) AppEnqueueMessages(indices []uint32) uint32 {
	if len(indices) == 0 {
		return 0
	}
	n := c.region.appRing.EnqueueIndicesBurst(indices)
	statsAdd(&c.region.stats.AppMsgEnqueued, uint64(n))
	statsAdd(&c.region.stats.DropRingFull, uint64(len(indices))-uint64(n))
	return n
}

// AppDequeueMessages fills batch from the engine→app ring.
func (c *Channel) AppDequeueMessages(batch *MsgBufBatch) uint32 {
	room := batch.Room()
	if room == 0 {
		return 0
	}
	base := batch.Size()
	n := c.region.engRing.DequeueIndices(batch.indices[base : base+room])
	for i := uint32(0); i < n; i++ {
		batch.bufs[base+int(i)] = c.region.MsgBuf(batch.indices[base+int(i)])
	}
	batch.incr(int(n))
	statsAdd(&c.region.stats.AppMsgDequeued, uint64(n))
	return n
}

// Buffer allocation.

// MsgBufAlloc allocates one buffer, or nil when the pool is drained.
func (c *Channel) MsgBufAlloc() *MsgBuf {
	var idx [1]uint32
	if c.region.bufRing.DequeueIndices(idx[:]) != 1 {
		statsAdd(&c.region.stats.DropPoolEmpty, 1)
		return nil
	}
	statsAdd(&c.region.stats.BufAllocated, 1)
	b := c.region.MsgBuf(idx[0])
	b.Reset()
	return b
}

// MsgBufBulkAlloc allocates up to cnt buffers into batch. Returns false
// when nothing could be allocated.
func (c *Channel) MsgBufBulkAlloc(batch *MsgBufBatch, cnt int) bool {
	if cnt > batch.Room() {
		cnt = batch.Room()
	}
	if cnt <= 0 {
		return false
	}
	base := batch.Size()
	n := c.region.bufRing.DequeueIndices(batch.indices[base : base+cnt])
	for i := uint32(0); i < n; i++ {
		b := c.region.MsgBuf(batch.indices[base+int(i)])
		b.Reset()
		batch.bufs[base+int(i)] = b
	}
	batch.incr(int(n))
	statsAdd(&c.region.stats.BufAllocated, uint64(n))
	if n == 0 {
		statsAdd(&c.region.stats.DropPoolEmpty, 1)
		return false
	}
	return true
}

// MsgBufFree releases one buffer back to the pool.
func (c *Channel) MsgBufFree(b *MsgBuf) bool {
	idx := [1]uint32{b.index}
	return c.freeIndices(idx[:])
}

// MsgBufBulkFree releases a whole batch back to the pool and clears it on
// success.
func (c *Channel) MsgBufBulkFree(batch *MsgBufBatch) bool {
	if batch.Size() == 0 {
		return true
	}
	if !c.freeIndices(batch.Indices()) {
		return false
	}
	batch.Clear()
	return true
}

// freeIndices pushes indices onto the free ring with bounded retry. The
// free ring is MPMC on both sides; a transient zero only means another
// producer's tail has not advanced yet. Persistent refusal is a pool
// invariant violation: it is counted and logged, never fatal.
func (c *Channel) freeIndices(indices []uint32) bool {
	backoff := iox.Backoff{}
	for attempt := 0; ; attempt++ {
		if n := c.region.bufRing.EnqueueIndices(indices); n != 0 {
			statsAdd(&c.region.stats.BufFreed, uint64(n))
			return true
		}
		if attempt >= c.freeRetries {
			statsAdd(&c.region.stats.FreeRetryFailed, 1)
			log.Printf("shmchan: channel %q: free ring refused %d buffers after %d retries",
				c.name, len(indices), c.freeRetries)
			return false
		}
		backoff.Wait()
	}
}

// DMA registration surface for NIC drivers that own buffer lifetimes via
// reference-counted descriptors over channel memory.

// RegisterMemForDMA registers the pool pages for device access. release is
// invoked once over the whole pool on unregister; nil installs a no-op, matching
// drivers whose fast-free path reinitializes descriptors itself.
func (c *Channel) RegisterMemForDMA(release func([]byte) error) error {
	c.dmaMu.Lock()
	defer c.dmaMu.Unlock()
	if release == nil {
		release = func([]byte) error { return nil }
	}
	c.dmaFree = release
	c.dmaOn = true
	return nil
}

// UnregisterDMAMem releases the DMA registration, invoking the release
// callback over the pool pages.
func (c *Channel) UnregisterDMAMem() {
	c.dmaMu.Lock()
	defer c.dmaMu.Unlock()
	if !c.dmaOn {
		return
	}
	if err := c.dmaFree(c.region.BufPool()); err != nil {
		log.Printf("shmchan: channel %q: DMA release: %v", c.name, err)
	}
	c.dmaFree = nil
	c.dmaOn = false
}
