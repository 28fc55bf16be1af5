package vring

import (
	"context"
	"testing"

	"github.com/lab47/lsvd/logger"
	"github.com/stretchr/testify/require"
)

// fakeNotifier records kicks and lets a test drive Wait manually.
type fakeNotifier struct {
	kicks int
	waitc chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{waitc: make(chan struct{}, 1)}
}

func (f *fakeNotifier) Kick() error {
	f.kicks++
	return nil
}

func (f *fakeNotifier) Wait(ctx context.Context) error {
	select {
	case <-f.waitc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTestRing(t *testing.T, size uint16, eventIndex bool) (*Vring, *fakeNotifier) {
	t.Helper()

	descs := make([]byte, int(size)*descSize)
	avail := make([]byte, AvailRegionLen(size)+2) // pad so the trailing event word is safely 4-byte addressable
	used := make([]byte, UsedRegionLen(size)+2)

	n := newFakeNotifier()
	v := New(logger.New(logger.Info), Config{
		Descs:      descs,
		Avail:      avail,
		Used:       used,
		Size:       size,
		EventIndex: eventIndex,
	}, n)
	return v, n
}

func singleBuf(addr uint64, l uint32, writeable bool, done func(uint32)) Chain {
	return Chain{{Addr: addr, Len: l, Writeable: writeable, Completed: done}}
}

func TestVringPostAndComplete(t *testing.T) {
	t.Run("single small TX chain completes and frees descriptors", func(t *testing.T) {
		r := require.New(t)

		v, _ := newTestRing(t, 8, false)
		r.Equal(int64(8), v.AvailableDescriptors().Current())

		var gotLen uint32
		var completed bool
		// Post expects the caller to already hold one permit per buffer.
		r.True(v.AvailableDescriptors().TryAcquire(2))
		v.Post([]Chain{{
			// The chain's head is always chain[0] (postChainLocked
			// returns the descriptor allocated for the final reverse
			// iteration, i.e. index 0's), and only the head's
			// Completed fires — matching one used-ring entry per
			// chain, keyed by head descriptor id.
			{Addr: 0x1000, Len: 10, Writeable: false, Completed: func(l uint32) {
				completed = true
				gotLen = l
			}},
			{Addr: 0x2000, Len: 64, Writeable: false},
		}})

		r.Equal(int64(6), v.AvailableDescriptors().Current())
		r.False(completed)

		// Simulate the host: it consumed the chain head and reports
		// the total bytes written across the whole chain.
		head := v.avail.Ring(0)
		v.used.SetElem(0, uint32(head), 74)
		v.used.idxFlags.storeIdxRelease(1)

		v.lock()
		v.doCompleteLocked()
		v.unlock()

		r.True(completed)
		r.Equal(uint32(74), gotLen)
		r.Equal(int64(8), v.AvailableDescriptors().Current())
	})

	t.Run("chain walk frees every descriptor in the chain", func(t *testing.T) {
		r := require.New(t)

		v, _ := newTestRing(t, 4, false)

		r.True(v.AvailableDescriptors().TryAcquire(3))
		v.Post([]Chain{{
			{Addr: 0x1000, Len: 8, Completed: func(uint32) {}},
			{Addr: 0x2000, Len: 8},
			{Addr: 0x3000, Len: 8},
		}})
		r.Equal(int64(1), v.AvailableDescriptors().Current())

		head := v.avail.Ring(0)
		v.used.SetElem(0, uint32(head), 24)
		v.used.idxFlags.storeIdxRelease(1)

		v.lock()
		v.doCompleteLocked()
		v.unlock()

		r.Equal(int64(4), v.AvailableDescriptors().Current())
	})
}

func TestVringKickSuppression(t *testing.T) {
	t.Run("flag-based: NO_NOTIFY suppresses the kick", func(t *testing.T) {
		r := require.New(t)

		v, n := newTestRing(t, 4, false)
		v.used.idxFlags.storeFlagsRelaxed(VRING_USED_F_NO_NOTIFY)

		v.Post([]Chain{singleBuf(0x1000, 8, false, nil)})
		r.Equal(0, n.kicks)
	})

	t.Run("flag-based: no NO_NOTIFY always kicks", func(t *testing.T) {
		r := require.New(t)

		v, n := newTestRing(t, 4, false)
		v.Post([]Chain{singleBuf(0x1000, 8, false, nil)})
		r.Equal(1, n.kicks)
	})

	t.Run("event-index: kicks only when avail.idx crosses avail_event", func(t *testing.T) {
		r := require.New(t)

		v, n := newTestRing(t, 8, true)

		// Bring avail.idx to 1 first so the measured batches below land
		// on 2..6; its kick is not counted.
		v.Post([]Chain{singleBuf(0x1000, 8, false, nil)})
		v.used.availEvent.storeRelaxed(5)
		n.kicks = 0

		// Batches of 1 chain at avail.idx values 2,3,4,5,6 (scenario 5).
		for i := 0; i < 5; i++ {
			v.Post([]Chain{singleBuf(0x1000, 8, false, nil)})
		}

		r.Equal(uint16(6), v.headCounter)
		r.Equal(1, n.kicks)
	})
}

func TestVringReclaimRace(t *testing.T) {
	r := require.New(t)

	v, n := newTestRing(t, 4, false)

	var completed bool
	r.True(v.AvailableDescriptors().TryAcquire(1))
	v.Post([]Chain{singleBuf(0x1000, 8, false, func(uint32) { completed = true })})
	n.kicks = 0

	v.lock()

	// (a) driver disables interrupts, (b) reads used.idx = tail (empty).
	v.disableInterruptsLocked()
	usedIdx := v.used.idxFlags.loadIdxAcquire()
	r.Equal(v.usedTail, usedIdx)

	// (c) host writes a used element and advances used.idx behind our back.
	head := v.avail.Ring(0)
	v.used.SetElem(0, uint32(head), 8)
	v.used.idxFlags.storeIdxRelease(1)

	// (d) driver enables interrupts, fences, re-reads: must observe the
	// host's advance and loop once more rather than missing it.
	again := v.enableInterruptsAndRecheckLocked()
	r.True(again)

	for v.usedTail != v.used.idxFlags.loadIdxAcquire() {
		id, length := v.used.Elem(v.usedTail & (v.cfg.Size - 1))
		v.completeChainLocked(uint16(id), length)
		v.usedTail++
	}

	v.unlock()

	r.True(completed)
	r.Equal(int64(4), v.AvailableDescriptors().Current())
}

func TestVringFatalProtocolViolations(t *testing.T) {
	t.Run("used id out of range panics", func(t *testing.T) {
		v, _ := newTestRing(t, 4, false)
		require.Panics(t, func() {
			v.lock()
			defer v.unlock()
			v.completeChainLocked(99, 0)
		})
	})

	t.Run("HAS_NEXT cycle panics", func(t *testing.T) {
		v, _ := newTestRing(t, 4, false)
		v.lock()
		defer func() {
			v.unlock()
			require.NotNil(t, recover())
		}()

		// Wire a cycle: 0 -> 1 -> 0, both flagged HAS_NEXT.
		v.descs.SetFlags(0, VRING_DESC_F_NEXT)
		v.descs.SetNext(0, 1)
		v.descs.SetFlags(1, VRING_DESC_F_NEXT)
		v.descs.SetNext(1, 0)

		v.completeChainLocked(0, 0)
	})
}
