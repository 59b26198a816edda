// File: channel/channel_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package channel_test

import (
	"bytes"
	"sync"
	"testing"

	"code.hybscloud.com/iox"

	"github.com/momentics/shmchan/channel"
)

// newTestChannel initializes a channel over anonymous memory.
func newTestChannel(t *testing.T, eng, app, buf, mss uint32) *channel.Channel {
	t.Helper()
	region, _ := newTestRegion(t, testConfig(t.Name(), eng, app, buf, mss))
	ch := channel.New(t.Name(), region, nil)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestChannelGeometry(t *testing.T) {
	ch := newTestChannel(t, 256, 256, 4096, 1024)
	if got := ch.FreeBufCount(); got != 4095 {
		t.Errorf("free buf count = %d, want 4095", got)
	}
	if got := ch.TotalBufCount(); got != 4096 {
		t.Errorf("total buf count = %d, want 4096", got)
	}
	if got := ch.UsableBufSize(); got != 1024 {
		t.Errorf("usable buf size = %d, want 1024", got)
	}
	if got := ch.TotalBufSize(); got != 2048 {
		t.Errorf("total buf size = %d, want 2048", got)
	}
	if got := ch.BufPoolSize(); got != 4096*2048 {
		t.Errorf("pool size = %d, want %d", got, 4096*2048)
	}
}

func TestSingleBufferMessageRoundTrip(t *testing.T) {
	ch := newTestChannel(t, 256, 256, 4096, 1024)
	payload := []byte("Hello World!")

	// Application side: allocate, write, hand to the engine.
	b := ch.MsgBufAlloc()
	if b == nil {
		t.Fatal("alloc failed on a fresh pool")
	}
	copy(b.Append(uint32(len(payload))), payload)
	b.SetFlags(channel.FlagFirst | channel.FlagLast)
	b.SetMsgLen(uint32(len(payload)))
	if n := ch.AppEnqueueMessages([]uint32{ch.BufIndex(b)}); n != 1 {
		t.Fatalf("app enqueue: %d", n)
	}

	// Engine side: drain and inspect.
	var batch channel.MsgBufBatch
	if n := ch.DequeueMessages(&batch); n != 1 {
		t.Fatalf("engine dequeue: %d", n)
	}
	got, _ := batch.Get(0)
	if got.SegLen() != uint32(len(payload)) {
		t.Errorf("seg len = %d, want %d", got.SegLen(), len(payload))
	}
	if !got.IsFirst() || !got.IsLast() {
		t.Errorf("flags = %#x, want FIRST|LAST", got.Flags())
	}
	if !bytes.Equal(got.Payload(), payload) {
		t.Errorf("payload = %q", got.Payload())
	}
	if !ch.MsgBufBulkFree(&batch) {
		t.Error("bulk free failed")
	}
	if got := ch.FreeBufCount(); got != 4095 {
		t.Errorf("free count after round trip = %d, want 4095", got)
	}
}

func TestChainedMessageRoundTrip(t *testing.T) {
	ch := newTestChannel(t, 256, 256, 4096, 1024)
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	first, err := channel.BuildMessage(ch, payload, channel.Flow{SrcIP: 0x0A000001, DstIP: 0x0A000002, SrcPort: 80, DstPort: 51000, Proto: 6})
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}
	if got := channel.ChainLen(ch, first); got != 3 {
		t.Fatalf("chain length = %d, want 3", got)
	}
	if first.MsgLen() != 3000 {
		t.Errorf("msg len = %d, want 3000", first.MsgLen())
	}

	// Segment sizes: mss, mss, remainder.
	segs := []uint32{1024, 1024, 952}
	b := first
	for i, want := range segs {
		if b.SegLen() != want {
			t.Errorf("segment %d length = %d, want %d", i, b.SegLen(), want)
		}
		if got := b.IsFirst(); got != (i == 0) {
			t.Errorf("segment %d FIRST = %v", i, got)
		}
		if got := b.IsLast(); got != (i == len(segs)-1) {
			t.Errorf("segment %d LAST = %v", i, got)
		}
		if i < len(segs)-1 {
			b = ch.MsgBuf(b.Next())
		}
	}

	// Engine hands the head to the application; only the head crosses.
	if n := ch.EnqueueMessages([]uint32{ch.BufIndex(first)}); n != 1 {
		t.Fatalf("engine enqueue: %d", n)
	}
	var batch channel.MsgBufBatch
	if n := ch.AppDequeueMessages(&batch); n != 1 {
		t.Fatalf("app dequeue: %d", n)
	}
	head, _ := batch.Get(0)
	got, err := channel.ReadMessage(ch, head)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("reassembled payload differs")
	}
	if freed := channel.FreeMessage(ch, head); freed != 3 {
		t.Errorf("freed %d buffers, want 3", freed)
	}
	if got := ch.FreeBufCount(); got != 4095 {
		t.Errorf("free count after chain round trip = %d, want 4095", got)
	}
}

func TestConcurrentAllocDrainsPoolExactlyOnce(t *testing.T) {
	ch := newTestChannel(t, 256, 256, 4096, 1024)

	const workers = 2
	const perWorker = 2048
	var wg sync.WaitGroup
	wg.Add(workers)
	got := make([][]uint32, workers)

	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			indices := make([]uint32, 0, perWorker)
			for len(indices) < perWorker {
				b := ch.MsgBufAlloc()
				if b == nil {
					break // pool drained
				}
				indices = append(indices, b.Index())
			}
			got[id] = indices
		}(w)
	}
	wg.Wait()

	seen := make(map[uint32]struct{})
	total := 0
	for _, indices := range got {
		for _, idx := range indices {
			if _, dup := seen[idx]; dup {
				t.Fatalf("slot %d allocated twice", idx)
			}
			seen[idx] = struct{}{}
			total++
		}
	}
	// Pool minus the free ring's sentinel slot.
	if total != 4095 {
		t.Errorf("allocated %d buffers, want 4095", total)
	}
	if ch.FreeBufCount() != 0 {
		t.Errorf("free count = %d, want 0", ch.FreeBufCount())
	}
}

func TestRingFullThenDrainThenEnqueue(t *testing.T) {
	ch := newTestChannel(t, 256, 16, 64, 256)

	// Fill the app→engine ring to its capacity of 15.
	one := []uint32{0}
	filled := uint32(0)
	for i := uint32(0); i < 15; i++ {
		one[0] = i
		filled += ch.AppEnqueueMessages(one)
	}
	if filled != 15 {
		t.Fatalf("filled %d, want 15", filled)
	}
	if n := ch.AppEnqueueMessages([]uint32{63}); n != 0 {
		t.Fatalf("enqueue on full ring: %d, want 0", n)
	}

	// Engine drains a burst; the same amount then fits again.
	var batch channel.MsgBufBatch
	drained := ch.DequeueMessages(&batch)
	if drained == 0 {
		t.Fatal("drained nothing")
	}
	refill := make([]uint32, drained)
	for i := range refill {
		refill[i] = uint32(16 + i)
	}
	if n := ch.AppEnqueueMessages(refill); n != drained {
		t.Errorf("re-enqueue after drain: %d, want %d", n, drained)
	}
}

func TestAllocFreeRestoresFreeCount(t *testing.T) {
	ch := newTestChannel(t, 64, 64, 256, 256)
	before := ch.FreeBufCount()

	var batch channel.MsgBufBatch
	if !ch.MsgBufBulkAlloc(&batch, 16) {
		t.Fatal("bulk alloc failed")
	}
	if got := ch.FreeBufCount(); got != before-uint32(batch.Size()) {
		t.Errorf("free count during hold = %d", got)
	}
	if !ch.MsgBufBulkFree(&batch) {
		t.Fatal("bulk free failed")
	}
	if got := ch.FreeBufCount(); got != before {
		t.Errorf("free count after release = %d, want %d", got, before)
	}
	if batch.Size() != 0 {
		t.Errorf("batch not cleared: %d", batch.Size())
	}
}

func TestConcurrentAllocFreeConservation(t *testing.T) {
	ch := newTestChannel(t, 64, 64, 512, 256)
	before := ch.FreeBufCount()

	const workers = 4
	const rounds = 2000
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			backoff := iox.Backoff{}
			for i := 0; i < rounds; i++ {
				b := ch.MsgBufAlloc()
				if b == nil {
					backoff.Wait()
					continue
				}
				backoff.Reset()
				for !ch.MsgBufFree(b) {
					backoff.Wait()
				}
			}
		}()
	}
	wg.Wait()

	if got := ch.FreeBufCount(); got != before {
		t.Errorf("free count after quiesce = %d, want %d", got, before)
	}
	s := ch.Stats()
	if s.BufAllocated != s.BufFreed {
		t.Errorf("allocated %d != freed %d after quiesce", s.BufAllocated, s.BufFreed)
	}
}

func TestCtrlRoundTrip(t *testing.T) {
	ch := newTestChannel(t, 64, 64, 128, 256)

	req := channel.CtrlEntry{
		ReqID: 7,
		Op:    channel.CtrlOpListen,
		Flow:  channel.Flow{SrcIP: 1, SrcPort: 8080, Proto: 6},
	}
	if n := ch.SubmitCtrlRequests([]channel.CtrlEntry{req}); n != 1 {
		t.Fatalf("submit: %d", n)
	}

	got := make([]channel.CtrlEntry, 4)
	n := ch.DequeueCtrlRequests(got)
	if n != 1 {
		t.Fatalf("engine dequeue: %d", n)
	}
	if got[0].ReqID != 7 || got[0].Op != channel.CtrlOpListen || got[0].Flow.SrcPort != 8080 {
		t.Errorf("dequeued entry %+v", got[0])
	}

	comp := got[0]
	comp.Status = channel.CtrlStatusOK
	if n := ch.EnqueueCtrlCompletions([]channel.CtrlEntry{comp}); n != 1 {
		t.Fatalf("complete: %d", n)
	}
	if n := ch.PollCtrlCompletions(got); n != 1 {
		t.Fatalf("app poll: %d", n)
	}
	if got[0].ReqID != 7 || got[0].Status != channel.CtrlStatusOK {
		t.Errorf("completion %+v", got[0])
	}
}

func TestCtrlCompletionStagerAbsorbsBursts(t *testing.T) {
	ch := newTestChannel(t, 64, 64, 128, 256)
	stager := channel.NewCtrlCompletionStager(ch)

	// Stage more completions than the two-slot ring can hold.
	const burst = 5
	for i := uint64(0); i < burst; i++ {
		stager.Stage(channel.CtrlEntry{ReqID: i, Op: channel.CtrlOpConnect, Status: channel.CtrlStatusOK})
	}
	if stager.Pending() != burst {
		t.Fatalf("pending = %d, want %d", stager.Pending(), burst)
	}

	// App drains one at a time; each drain lets another flush through.
	got := make([]channel.CtrlEntry, 1)
	received := uint64(0)
	for received < burst {
		stager.Flush()
		n := ch.PollCtrlCompletions(got)
		if n == 0 {
			t.Fatalf("stalled at %d of %d completions", received, burst)
		}
		if got[0].ReqID != received {
			t.Fatalf("completion %d out of order: got req %d", received, got[0].ReqID)
		}
		received++
	}
	if stager.Pending() != 0 {
		t.Errorf("pending = %d after full drain", stager.Pending())
	}
}

func TestFreeRetriesTunable(t *testing.T) {
	ch := newTestChannel(t, 64, 64, 128, 256)
	ch.SetFreeRetries(0)

	b := ch.MsgBufAlloc()
	if b == nil {
		t.Fatal("alloc failed")
	}
	// Plenty of room on the free ring: zero retries still succeeds on the
	// first attempt.
	if !ch.MsgBufFree(b) {
		t.Error("free with zero retries failed on an uncontended ring")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := newTestChannel(t, 64, 64, 128, 256)
	if err := ch.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if !ch.Destroyed() {
		t.Error("not marked destroyed")
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
