// File: channel/layout.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel region layout: header, statistics, control queue pair, data queue
// pair, free ring, page-aligned buffer pool. The header magic is stored
// last; a mapper treats anything else as mid-initialization or corruption.

package channel

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/shmchan/api"
	"github.com/momentics/shmchan/ring"
)

const (
	// ChannelMagic is the readiness publication marker.
	ChannelMagic = uint64(0x53484348414E4C31) // "SHCHANL1"

	// ChannelVersion is bumped on incompatible layout changes and checked
	// on attach.
	ChannelVersion = uint32(1)

	// CtxSize is the size of the channel header at offset 0.
	CtxSize = 192

	// NameLen is the fixed width of the NUL-terminated channel name.
	NameLen = 64

	// slotIndexSize is the record size of the data and free rings.
	slotIndexSize = 4
)

// ChannelCtx is the header at offset 0 of every region. Field order is the
// wire format; do not reorder.
type ChannelCtx struct {
	magic   uint64
	version uint32
	_       uint32
	size    uint64
	name    [NameLen]byte

	statsOff    uint64
	ctrlSQOff   uint64
	ctrlCQOff   uint64
	engRingOff  uint64
	appRingOff  uint64
	bufRingOff  uint64
	bufPoolOff  uint64
	reservedOff uint64

	bufSize     uint32
	bufMSS      uint32
	bufPoolMask uint32
	_           uint32
	_           [24]byte
}

// Config describes the geometry of a channel region.
type Config struct {
	Name         string
	EngRingSlots uint32 // engine→app data ring slot count (power of two)
	AppRingSlots uint32 // app→engine data ring slot count (power of two)
	BufRingSlots uint32 // buffer pool slot count (power of two)
	BufMSS       uint32 // usable payload bytes per buffer
	PageSize     uint64 // page size of the backing memory

	// EngineMultithread widens the engine side of every ring from single
	// to multi. The application side is always treated as multithreaded.
	EngineMultithread bool
}

func (c *Config) validate() error {
	if c.Name == "" || len(c.Name) >= NameLen {
		return fmt.Errorf("channel name %q: %w", c.Name, api.ErrBadParameter)
	}
	for _, n := range []uint32{c.EngRingSlots, c.AppRingSlots, c.BufRingSlots} {
		if n == 0 || n&(n-1) != 0 {
			return fmt.Errorf("ring slots %d not a power of two: %w", n, api.ErrBadParameter)
		}
	}
	if c.BufMSS == 0 {
		return fmt.Errorf("zero mss: %w", api.ErrBadParameter)
	}
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size %d: %w", c.PageSize, api.ErrBadParameter)
	}
	if uint64(c.BufMSS) > c.PageSize {
		return fmt.Errorf("mss %d exceeds page size %d: %w", c.BufMSS, c.PageSize, api.ErrBadParameter)
	}
	return nil
}

// BufStride returns the pool slot stride for a given mss: header plus
// headroom plus payload, rounded up to a power of two.
func BufStride(mss uint32) uint32 {
	return roundupPow2(mss + MsgBufHeaderSize + MaxHeadroom)
}

func roundupPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// CalculateSize returns the region bytes a channel with the given geometry
// needs: metadata and rings, page-aligned, then the buffer pool, then
// page-aligned again.
func CalculateSize(cfg *Config) (uint64, error) {
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	total := uint64(CtxSize) + StatsSize
	for _, r := range []struct {
		recordSize uint32
		slots      uint32
	}{
		{CtrlEntrySize, CtrlRingSlots},
		{CtrlEntrySize, CtrlRingSlots},
		{slotIndexSize, cfg.EngRingSlots},
		{slotIndexSize, cfg.AppRingSlots},
		{slotIndexSize, cfg.BufRingSlots},
	} {
		sz, err := ring.MemSize(r.recordSize, r.slots)
		if err != nil {
			return 0, err
		}
		total += sz
	}
	total = alignUp(total, cfg.PageSize)
	total += uint64(cfg.BufRingSlots) * uint64(BufStride(cfg.BufMSS))
	return alignUp(total, cfg.PageSize), nil
}

// Region is a mapped, initialized channel region with its rings resolved
// against the local mapping.
type Region struct {
	mem     []byte
	ctx     *ChannelCtx
	stats   *Stats
	ctrlSQ  *ring.Ring // app submits, engine consumes
	ctrlCQ  *ring.Ring // engine completes, app consumes
	engRing *ring.Ring // engine→app data
	appRing *ring.Ring // app→engine data
	bufRing *ring.Ring // free buffer indices
}

// InitRegion formats mem as a channel region. On success the header magic
// is published and the region is safe for mappers; on failure the magic is
// left unset and the caller unmaps and unlinks the backing memory.
func InitRegion(mem []byte, cfg *Config) (*Region, error) {
	total, err := CalculateSize(cfg)
	if err != nil {
		return nil, err
	}
	if total > uint64(len(mem)) {
		return nil, fmt.Errorf("region needs %d bytes, mapping has %d: %w", total, len(mem), api.ErrBadParameter)
	}

	r := &Region{mem: mem}
	r.ctx = (*ChannelCtx)(unsafe.Pointer(&mem[0]))
	ctx := r.ctx
	ctx.magic = 0
	ctx.version = ChannelVersion
	ctx.size = total
	ctx.name = [NameLen]byte{}
	copy(ctx.name[:NameLen-1], cfg.Name)

	// Statistics follow the header; rings pack one after another.
	ctx.statsOff = CtxSize
	r.stats = (*Stats)(unsafe.Pointer(&mem[ctx.statsOff]))
	*r.stats = Stats{}

	appMulti := true // the application side is always multithreaded
	engMulti := cfg.EngineMultithread

	off := ctx.statsOff + StatsSize

	// Control submission: app produces, engine consumes.
	ctx.ctrlSQOff = off
	if r.ctrlSQ, err = ring.Init(mem, off, CtrlRingSlots, CtrlEntrySize, !appMulti, !engMulti); err != nil {
		return nil, err
	}
	off += mustRingSize(CtrlEntrySize, CtrlRingSlots)

	// Control completion: engine produces, app consumes.
	ctx.ctrlCQOff = off
	if r.ctrlCQ, err = ring.Init(mem, off, CtrlRingSlots, CtrlEntrySize, !engMulti, !appMulti); err != nil {
		return nil, err
	}
	off += mustRingSize(CtrlEntrySize, CtrlRingSlots)

	// Engine→app data: engine produces, app consumes.
	ctx.engRingOff = off
	if r.engRing, err = ring.Init(mem, off, cfg.EngRingSlots, slotIndexSize, !engMulti, !appMulti); err != nil {
		return nil, err
	}
	off += mustRingSize(slotIndexSize, cfg.EngRingSlots)

	// App→engine data: app produces, engine consumes.
	ctx.appRingOff = off
	if r.appRing, err = ring.Init(mem, off, cfg.AppRingSlots, slotIndexSize, !appMulti, !engMulti); err != nil {
		return nil, err
	}
	off += mustRingSize(slotIndexSize, cfg.AppRingSlots)

	// Free ring: both sides allocate and release.
	ctx.bufRingOff = off
	if r.bufRing, err = ring.Init(mem, off, cfg.BufRingSlots, slotIndexSize, false, false); err != nil {
		return nil, err
	}
	off += mustRingSize(slotIndexSize, cfg.BufRingSlots)

	// The buffer pool starts on a page boundary.
	ctx.bufPoolOff = alignUp(off, cfg.PageSize)
	ctx.reservedOff = 0
	ctx.bufSize = BufStride(cfg.BufMSS)
	ctx.bufMSS = cfg.BufMSS
	ctx.bufPoolMask = cfg.BufRingSlots - 1

	// Stamp every buffer's immutable header once.
	for i := uint32(0); i < cfg.BufRingSlots; i++ {
		r.MsgBuf(i).stamp(i, cfg.BufMSS)
	}

	// Hand the usable buffers to the free ring. One pool slot stays out of
	// circulation: the ring's sentinel keeps its capacity at slots-1.
	capacity := r.bufRing.Capacity()
	indices := make([]uint32, capacity)
	for i := range indices {
		indices[i] = uint32(i)
	}
	if n := r.bufRing.EnqueueIndices(indices); n != capacity {
		return nil, fmt.Errorf("free ring took %d of %d buffers: %w", n, capacity, api.ErrBadParameter)
	}

	// Publish. The atomic store is the release point: a mapper that
	// observes the magic observes every initialization write above.
	atomic.StoreUint64(&ctx.magic, ChannelMagic)
	return r, nil
}

// MapRegion attaches to an already-initialized region.
func MapRegion(mem []byte) (*Region, error) {
	if len(mem) < CtxSize {
		return nil, fmt.Errorf("region of %d bytes: %w", len(mem), api.ErrBadParameter)
	}
	r := &Region{mem: mem}
	r.ctx = (*ChannelCtx)(unsafe.Pointer(&mem[0]))
	if atomic.LoadUint64(&r.ctx.magic) != ChannelMagic {
		return nil, fmt.Errorf("channel %q: %w", r.Name(), api.ErrUnmapped)
	}
	if r.ctx.version != ChannelVersion {
		return nil, fmt.Errorf("version %d, want %d: %w", r.ctx.version, ChannelVersion, api.ErrVersionMismatch)
	}
	if r.ctx.size > uint64(len(mem)) {
		return nil, fmt.Errorf("header claims %d bytes, mapping has %d: %w", r.ctx.size, len(mem), api.ErrBadParameter)
	}
	var err error
	r.stats = (*Stats)(unsafe.Pointer(&mem[r.ctx.statsOff]))
	if r.ctrlSQ, err = ring.Map(mem, r.ctx.ctrlSQOff); err != nil {
		return nil, err
	}
	if r.ctrlCQ, err = ring.Map(mem, r.ctx.ctrlCQOff); err != nil {
		return nil, err
	}
	if r.engRing, err = ring.Map(mem, r.ctx.engRingOff); err != nil {
		return nil, err
	}
	if r.appRing, err = ring.Map(mem, r.ctx.appRingOff); err != nil {
		return nil, err
	}
	if r.bufRing, err = ring.Map(mem, r.ctx.bufRingOff); err != nil {
		return nil, err
	}
	return r, nil
}

func mustRingSize(recordSize, slots uint32) uint64 {
	sz, err := ring.MemSize(recordSize, slots)
	if err != nil {
		panic(err)
	}
	return sz
}

// RegionLayout reports the byte offsets of every region component.
type RegionLayout struct {
	StatsOff   uint64
	CtrlSQOff  uint64
	CtrlCQOff  uint64
	EngRingOff uint64
	AppRingOff uint64
	BufRingOff uint64
	BufPoolOff uint64
}

// Layout returns the component offsets recorded in the header.
func (r *Region) Layout() RegionLayout {
	return RegionLayout{
		StatsOff:   r.ctx.statsOff,
		CtrlSQOff:  r.ctx.ctrlSQOff,
		CtrlCQOff:  r.ctx.ctrlCQOff,
		EngRingOff: r.ctx.engRingOff,
		AppRingOff: r.ctx.appRingOff,
		BufRingOff: r.ctx.bufRingOff,
		BufPoolOff: r.ctx.bufPoolOff,
	}
}

// Name returns the channel name recorded in the header.
func (r *Region) Name() string {
	n := r.ctx.name
	for i, b := range n {
		if b == 0 {
			return string(n[:i])
		}
	}
	return string(n[:])
}

// Size returns the total region bytes recorded in the header.
func (r *Region) Size() uint64 { return r.ctx.size }

// Stats returns the in-region counters block.
func (r *Region) Stats() *Stats { return r.stats }

// MsgBuf resolves a slot index to its buffer header in the local mapping.
func (r *Region) MsgBuf(index uint32) *MsgBuf {
	off := r.ctx.bufPoolOff + uint64(index)*uint64(r.ctx.bufSize)
	return (*MsgBuf)(unsafe.Pointer(&r.mem[off]))
}

// BufIndex recovers the slot index from a buffer resolved by this region.
// The buffer's self-identifying index field makes this O(1) without
// pointer arithmetic across mappings.
func (r *Region) BufIndex(b *MsgBuf) uint32 { return b.index }

// BufPoolOff returns the byte offset of the pool inside the region.
func (r *Region) BufPoolOff() uint64 { return r.ctx.bufPoolOff }

// BufPool returns the raw pool bytes.
func (r *Region) BufPool() []byte {
	return r.mem[r.ctx.bufPoolOff : r.ctx.bufPoolOff+r.BufPoolSize()]
}

// BufPoolSize returns the pool bytes: slot count times stride.
func (r *Region) BufPoolSize() uint64 {
	return uint64(r.ctx.bufPoolMask+1) * uint64(r.ctx.bufSize)
}

// TotalBufCount returns the number of slots in the pool.
func (r *Region) TotalBufCount() uint32 { return r.ctx.bufPoolMask + 1 }

// FreeBufCount returns the buffers currently on the free ring.
func (r *Region) FreeBufCount() uint32 { return r.bufRing.Count() }

// UsableBufSize returns the payload capacity of one buffer.
func (r *Region) UsableBufSize() uint32 { return r.ctx.bufMSS }

// TotalBufSize returns the pool slot stride.
func (r *Region) TotalBufSize() uint32 { return r.ctx.bufSize }
