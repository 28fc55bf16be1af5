package virtionet

import (
	"context"
	"unsafe"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"

	"github.com/lab47/vnet/vring"
)

// Completion is returned by TxQueue.Send and resolves once the host has
// acknowledged the packet's head descriptor (spec §4.2's "future").
type Completion struct {
	done chan struct{}
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Wait blocks until the host has consumed the packet, or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TxQueue builds virtio-net headers and posts outgoing packets onto a
// transmit vring, holding each packet's payload alive until the host
// reports it consumed.
type TxQueue struct {
	log  logger.Logger
	ring *vring.Vring

	opts Options
	mtu  int
	mrg  bool
}

// NewTxQueue wraps a TX-direction vring. mrg selects the 12-byte
// net_hdr_mrg layout (NET_F_MRG_RXBUF negotiated) over the 10-byte
// net_hdr layout.
func NewTxQueue(log logger.Logger, r *vring.Vring, opts Options, mtu int, mrg bool) *TxQueue {
	return &TxQueue{log: log, ring: r, opts: opts, mtu: mtu, mrg: mrg}
}

// Send acquires one descriptor per fragment plus one for the header,
// posts the chain, and returns a Completion that resolves when the
// host acknowledges it. pkt must not be mutated until the Completion
// resolves; Send retains a reference to it via the head descriptor's
// completion continuation (spec §9's ownership model).
func (q *TxQueue) Send(ctx context.Context, pkt *Packet) (*Completion, error) {
	// Drop zero-length fragments up front: they never get a descriptor
	// of their own (a descriptor can't point at &f.Data[0] of an empty
	// slice), so n must count only fragments that will actually be
	// chained, or the extra permits acquired for them are never
	// returned, permanently shrinking the descriptor pool.
	fragments := make([]Fragment, 0, len(pkt.Fragments))
	for _, f := range pkt.Fragments {
		if len(f.Data) != 0 {
			fragments = append(fragments, f)
		}
	}
	if len(fragments) == 0 {
		return nil, errors.New("virtionet: cannot send an empty packet")
	}

	n := int64(len(fragments) + 1)
	if err := q.ring.AvailableDescriptors().Acquire(ctx, n); err != nil {
		return nil, errors.Wrap(err, "virtionet: acquiring tx descriptors")
	}

	hdrLen := netHdrSize
	if q.mrg {
		hdrLen = netHdrMrgSize
	}
	hdrBuf := make([]byte, hdrLen)

	full := frameForHeader(pkt)
	h := buildHeader(full, q.opts, q.mtu)
	if q.mrg {
		netHdrMrg{netHdr: h}.encode(hdrBuf)
	} else {
		h.encode(hdrBuf)
	}

	completion := newCompletion()

	// retained keeps pkt and hdrBuf reachable for the lifetime of the
	// in-flight chain; the completion continuation below is the only
	// reference to it, matching spec §9's "continuation captures the
	// packet by value" ownership model.
	retained := struct {
		pkt    *Packet
		hdrBuf []byte
	}{pkt, hdrBuf}

	chain := make(vring.Chain, 0, n)
	chain = append(chain, vring.Buffer{
		Addr: uint64(uintptr(unsafe.Pointer(&hdrBuf[0]))),
		Len:  uint32(len(hdrBuf)),
		Completed: func(uint32) {
			retained.pkt = nil
			retained.hdrBuf = nil
			close(completion.done)
		},
	})
	for _, f := range fragments {
		chain = append(chain, vring.Buffer{
			Addr: uint64(uintptr(unsafe.Pointer(&f.Data[0]))),
			Len:  uint32(len(f.Data)),
		})
	}

	q.ring.Post([]vring.Chain{chain})

	return completion, nil
}

// frameForHeader concatenates a packet's fragments when more than one
// is present, since header classification needs to see the Ethernet
// and IP headers contiguously; single-fragment sends (the common case)
// avoid the copy.
func frameForHeader(pkt *Packet) []byte {
	if len(pkt.Fragments) == 1 {
		return pkt.Fragments[0].Data
	}
	return pkt.Bytes()
}
