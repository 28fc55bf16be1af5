package virtionet

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/lab47/lsvd/logger"

	ringbuf "github.com/lab47/vnet/pkg/ring_buf"
	"github.com/lab47/vnet/vring"
)

// rxBufSize is the fixed size of every buffer the refill loop posts,
// large enough for any single virtio-net segment the host will write.
const rxBufSize = 4096

// RxQueue keeps a receive vring stocked with fresh writeable buffers
// and reassembles mergeable-rxbuf chains into whole packets, delivered
// to Packets in strict arrival order.
//
// Reassembled packets land in an internal ring buffer before being
// handed to the consumer, the same dispatcher shape the teacher's
// BufferedPort used between a device's raw frame delivery and its
// reader: onComplete (running on whatever goroutine is draining the
// vring) never blocks on a slow Packets consumer, a separate poll loop
// does the blocking send. Unlike BufferedPort's tx/rx ring, this one
// is sized to the vring itself so a full buffer signals an actual
// bug rather than ordinary backpressure; spec §4.3 still wants no
// packet loss, so Push failing here is logged, not silently dropped.
type RxQueue struct {
	log  logger.Logger
	ring *vring.Vring

	mrg    bool
	hdrLen int

	// Packets is unbuffered: delivery blocks the poll loop until the
	// consumer receives, which is this queue's backpressure path
	// (spec §4.3's "downstream backpressure").
	Packets chan *Packet

	assembled *ringbuf.RingBuf[*Packet]
	charge    chan struct{}

	pending   *Packet
	remaining uint16
}

// NewRxQueue wraps an RX-direction vring. mrg selects mergeable-rxbuf
// reassembly (NET_F_MRG_RXBUF negotiated); when false, every buffer is
// its own one-buffer packet (spec §4.4).
func NewRxQueue(log logger.Logger, r *vring.Vring, mrg bool, hdrLen int) *RxQueue {
	size := 64
	if r != nil {
		size = int(r.Size()) + 1
	}

	return &RxQueue{
		log:       log,
		ring:      r,
		mrg:       mrg,
		hdrLen:    hdrLen,
		Packets:   make(chan *Packet),
		assembled: ringbuf.NewRingBuf[*Packet](size),
		charge:    make(chan struct{}, size),
	}
}

// Run fills the ring, starts the delivery poll loop, and then
// alternates between waiting for host notifications, reclaiming the
// descriptors the host just finished with, and refilling, until ctx
// is done. It must run in its own goroutine; Packets is fed from here.
//
// Unlike Device's TX side, which hands its vring's own Run loop to a
// goroutine, RxQueue drives the ring itself: refill only ever acquires
// permits, it never frees any, so every wakeup must reclaim before
// refilling or the ring saturates after its first batch and every
// later Acquire blocks forever.
func (q *RxQueue) Run(ctx context.Context, notifier vring.Notifier) error {
	go q.pollDeliver(ctx)

	q.refill(ctx)

	for {
		if err := notifier.Wait(ctx); err != nil {
			return err
		}
		q.ring.Reclaim()
		q.refill(ctx)
	}
}

// pollDeliver drains assembled in FIFO order onto Packets, blocking on
// a slow consumer exactly as BufferedPort's pollTX blocked on a slow
// device, except here the "device" is the caller of Receive.
func (q *RxQueue) pollDeliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.charge:
		}

		for {
			pkt, ok := q.assembled.Pop()
			if !ok {
				break
			}
			select {
			case q.Packets <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}
}

// refill implements the opportunistic-batching loop from spec §4.3:
// wait for at least one descriptor, then grab every additional permit
// available without blocking, and post that many fresh buffers in one
// batch.
func (q *RxQueue) refill(ctx context.Context) {
	avail := q.ring.AvailableDescriptors()

	if err := avail.Acquire(ctx, 1); err != nil {
		return
	}
	n := int64(1)
	for avail.TryAcquire(1) {
		n++
	}

	chains := make([]vring.Chain, n)
	for i := range chains {
		buf := make([]byte, rxBufSize)
		chains[i] = vring.Chain{{
			Addr:      uint64(uintptr(unsafe.Pointer(&buf[0]))),
			Len:       rxBufSize,
			Writeable: true,
			Completed: func(l uint32) { q.onComplete(buf, l) },
		}}
	}

	q.ring.Post(chains)
}

// onComplete is the per-buffer completion continuation described in
// spec §4.3. It runs on whatever goroutine is draining the vring's
// used ring (Vring.Post's trailing reclaim pass, or RxQueue.Run's
// notification loop), never concurrently with itself for a given
// RxQueue, so the reassembly state (pending, remaining) needs no
// locking of its own.
func (q *RxQueue) onComplete(buf []byte, length uint32) {
	data := buf[:length]

	if q.remaining == 0 {
		numBuffers := uint16(1)
		if q.mrg {
			if len(data) < q.hdrLen {
				panic(fmt.Sprintf("virtionet: rx buffer shorter than header: %d < %d", len(data), q.hdrLen))
			}
			numBuffers = decodeNumBuffers(data)
			if numBuffers == 0 {
				panic("virtionet: rx header announces num_buffers == 0")
			}
		}
		q.pending = &Packet{}
		q.remaining = numBuffers
		data = data[q.hdrLen:]
	}

	q.pending.Fragments = append(q.pending.Fragments, Fragment{Data: data})
	q.chainRelease(buf)

	q.remaining--
	if q.remaining == 0 {
		pkt := q.pending
		q.pending = nil
		if q.log.IsTrace() {
			q.log.Trace("received packet", "len", pkt.Len(), "dump", pkt.Dump())
		}
		if !q.assembled.Push(pkt) {
			q.log.Error("rx assembly ring full, dropping packet", "len", pkt.Len())
			return
		}
		select {
		case q.charge <- struct{}{}:
		default:
		}
	}
}

// chainRelease folds one more raw buffer into the in-progress packet's
// release closure, so that the closure holds every buffer backing its
// fragments, not just the last one appended.
func (q *RxQueue) chainRelease(buf []byte) {
	prev := q.pending.release
	q.pending.release = func() {
		if prev != nil {
			prev()
		}
		_ = buf
	}
}
