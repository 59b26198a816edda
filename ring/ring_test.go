// File: ring/ring_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ring_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"code.hybscloud.com/iox"

	"github.com/momentics/shmchan/api"
	"github.com/momentics/shmchan/ring"
)

// alignedBytes returns an 8-byte-aligned scratch region backed by uint64s,
// standing in for a mapped segment.
func alignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func mustInit(t *testing.T, slotCount, recordSize uint32, sp, sc bool) *ring.Ring {
	t.Helper()
	sz, err := ring.MemSize(recordSize, slotCount)
	if err != nil {
		t.Fatalf("MemSize: %v", err)
	}
	r, err := ring.Init(alignedBytes(int(sz)), 0, slotCount, recordSize, sp, sc)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r
}

func TestInitRejectsBadGeometry(t *testing.T) {
	mem := alignedBytes(1 << 16)
	if _, err := ring.Init(mem, 0, 100, 4, true, true); !errors.Is(err, api.ErrBadParameter) {
		t.Errorf("non-power-of-two slot count: got %v", err)
	}
	if _, err := ring.Init(mem, 0, 128, 0, true, true); !errors.Is(err, api.ErrBadParameter) {
		t.Errorf("zero record size: got %v", err)
	}
	if _, err := ring.Init(mem, 8, 128, 4, true, true); !errors.Is(err, api.ErrBadParameter) {
		t.Errorf("misaligned offset: got %v", err)
	}
	if _, err := ring.Init(mem[:64], 0, 1024, 64, true, true); !errors.Is(err, api.ErrBadParameter) {
		t.Errorf("region overrun: got %v", err)
	}
}

func TestCapacityIsSlotCountMinusOne(t *testing.T) {
	r := mustInit(t, 256, 4, true, true)
	if r.Capacity() != 255 {
		t.Errorf("capacity = %d, want 255", r.Capacity())
	}
	if r.SlotCount() != 256 {
		t.Errorf("slot count = %d, want 256", r.SlotCount())
	}
}

func TestSPSCFIFOOrder(t *testing.T) {
	r := mustInit(t, 128, 4, true, true)
	in := make([]uint32, 100)
	for i := range in {
		in[i] = uint32(i * 7)
	}
	if n := r.EnqueueIndices(in); n != 100 {
		t.Fatalf("enqueued %d, want 100", n)
	}
	out := make([]uint32, 100)
	if n := r.DequeueIndices(out); n != 100 {
		t.Fatalf("dequeued %d, want 100", n)
	}
	for i := range out {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestUsedPlusFreeConservation(t *testing.T) {
	r := mustInit(t, 64, 4, true, true)
	check := func() {
		t.Helper()
		if got := r.Count() + r.FreeCount(); got != r.Capacity() {
			t.Fatalf("used+free = %d, want %d", got, r.Capacity())
		}
	}
	check()
	buf := []uint32{1, 2, 3, 4, 5}
	for i := 0; i < 40; i++ {
		r.EnqueueIndicesBurst(buf)
		check()
		r.DequeueIndices(buf[:3])
		check()
	}
}

func TestBulkAllOrNothing(t *testing.T) {
	r := mustInit(t, 16, 4, true, true)
	in := make([]uint32, 15)
	if n := r.EnqueueIndices(in); n != 15 {
		t.Fatalf("fill: enqueued %d, want 15", n)
	}
	// Ring at capacity: a default-mode enqueue must return 0.
	if n := r.EnqueueIndices([]uint32{1}); n != 0 {
		t.Fatalf("enqueue on full ring: got %d, want 0", n)
	}
	out := make([]uint32, 5)
	if n := r.DequeueIndices(out); n != 5 {
		t.Fatalf("drain: dequeued %d, want 5", n)
	}
	if n := r.EnqueueIndices(make([]uint32, 5)); n != 5 {
		t.Fatalf("re-enqueue after drain: got %d, want 5", n)
	}
	// Bulk larger than remaining free space refuses entirely.
	if n := r.EnqueueIndices(make([]uint32, 6)); n != 0 {
		t.Fatalf("oversized bulk: got %d, want 0", n)
	}
}

func TestBurstPartial(t *testing.T) {
	r := mustInit(t, 16, 4, true, true)
	if n := r.EnqueueIndicesBurst(make([]uint32, 20)); n != 15 {
		t.Fatalf("burst into empty ring: got %d, want 15", n)
	}
	out := make([]uint32, 20)
	if n := r.DequeueIndices(out); n != 15 {
		t.Fatalf("burst dequeue: got %d, want 15", n)
	}
}

func TestWrapAround(t *testing.T) {
	r := mustInit(t, 8, 4, true, true)
	out := make([]uint32, 8)
	// Advance the positions so subsequent operations straddle the end.
	for round := 0; round < 10; round++ {
		in := []uint32{uint32(round) * 10, uint32(round)*10 + 1, uint32(round)*10 + 2}
		if n := r.EnqueueIndices(in); n != 3 {
			t.Fatalf("round %d: enqueued %d", round, n)
		}
		if n := r.DequeueIndices(out[:3]); n != 3 {
			t.Fatalf("round %d: dequeued %d", round, n)
		}
		for i := 0; i < 3; i++ {
			if out[i] != in[i] {
				t.Fatalf("round %d: out[%d] = %d, want %d", round, i, out[i], in[i])
			}
		}
	}
}

func TestWideRecords(t *testing.T) {
	const recordSize = 64
	r := mustInit(t, 4, recordSize, true, true)
	rec := make([]byte, recordSize)
	for i := range rec {
		rec[i] = byte(i)
	}
	if n := r.EnqueueBulk(rec, 1); n != 1 {
		t.Fatalf("enqueue wide record: got %d", n)
	}
	got := make([]byte, recordSize)
	if n := r.DequeueBulk(got, 1); n != 1 {
		t.Fatalf("dequeue wide record: got %d", n)
	}
	for i := range got {
		if got[i] != rec[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], rec[i])
		}
	}
}

func TestMapSeesInitializedRing(t *testing.T) {
	sz, _ := ring.MemSize(4, 64)
	mem := alignedBytes(int(sz))
	r, err := ring.Init(mem, 0, 64, 4, true, true)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.EnqueueIndices([]uint32{11, 22, 33})

	m, err := ring.Map(mem, 0)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Capacity() != 63 || m.RecordSize() != 4 {
		t.Fatalf("mapped geometry %d/%d", m.Capacity(), m.RecordSize())
	}
	out := make([]uint32, 3)
	if n := m.DequeueIndices(out); n != 3 {
		t.Fatalf("mapped dequeue: got %d", n)
	}
	if out[0] != 11 || out[1] != 22 || out[2] != 33 {
		t.Fatalf("mapped dequeue values %v", out)
	}
}

func TestMPMCUniqueness(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perProd   = 10000
	)
	r := mustInit(t, 1024, 4, false, false)

	var wg sync.WaitGroup
	wg.Add(producers + consumers)

	for p := 0; p < producers; p++ {
		go func(id int) {
			defer wg.Done()
			backoff := iox.Backoff{}
			buf := make([]uint32, 1)
			for i := 0; i < perProd; i++ {
				buf[0] = uint32(id*perProd + i)
				for r.EnqueueIndices(buf) == 0 {
					backoff.Wait()
				}
				backoff.Reset()
			}
		}(p)
	}

	seen := make([]sync.Map, consumers)
	var consumed atomic.Int64
	for c := 0; c < consumers; c++ {
		go func(id int) {
			defer wg.Done()
			backoff := iox.Backoff{}
			out := make([]uint32, 16)
			for consumed.Load() < perProd*producers {
				n := r.DequeueIndices(out)
				if n == 0 {
					backoff.Wait()
					continue
				}
				backoff.Reset()
				for i := uint32(0); i < n; i++ {
					if _, dup := seen[id].LoadOrStore(out[i], struct{}{}); dup {
						t.Errorf("value %d observed twice by consumer %d", out[i], id)
						return
					}
				}
				consumed.Add(int64(n))
			}
		}(c)
	}
	wg.Wait()

	total := 0
	union := make(map[uint32]struct{}, producers*perProd)
	for c := 0; c < consumers; c++ {
		seen[c].Range(func(k, _ any) bool {
			v := k.(uint32)
			if _, dup := union[v]; dup {
				t.Fatalf("value %d observed by two consumers", v)
			}
			union[v] = struct{}{}
			total++
			return true
		})
	}
	if total != producers*perProd {
		t.Fatalf("consumed %d distinct values, want %d", total, producers*perProd)
	}
	if r.Count() != 0 {
		t.Fatalf("ring not drained: %d left", r.Count())
	}
}
