package virtionet

import (
	"context"
	"net"

	"github.com/lab47/lsvd/logger"

	"github.com/lab47/vnet/vring"
)

// Arena is the shared-memory region layout backing one vring, per spec
// §6: descs at offset 0, avail immediately after, used aligned up to
// the next 4 KiB boundary. NewArena and NewArenaPair allocate Arenas;
// vhost.Device.SetupQueue hands one Arena per queue direction to
// vhost-net via VHOST_SET_VRING_ADDR.
type Arena struct {
	Descs []byte
	Avail []byte
	Used  []byte
}

// DeviceConfig collects everything Device needs beyond the two arenas:
// the negotiated feature bitmask and MAC, mirrored from vhost-net setup.
type DeviceConfig struct {
	MAC                net.HardwareAddr
	MTU                int
	NegotiatedFeatures uint64
	Options            Options
}

// Device composes one TX and one RX vring sharing a memory arena and
// exposes the send/receive surface described in spec §4.4.
type Device struct {
	log logger.Logger
	cfg DeviceConfig

	tx *TxQueue
	rx *RxQueue

	txRing *vring.Vring
	rxRing *vring.Vring

	rxNotifier vring.Notifier
}

// NewDevice builds the TX and RX vrings over the given arenas and
// wires the queue adapters atop them. txNotifier/rxNotifier are the
// kick/call eventfd pairs vhost.Device.SetupQueue installed for queue 1 (TX) and
// queue 0 (RX) respectively (§6: "queue 0 = RX, queue 1 = TX").
func NewDevice(log logger.Logger, cfg DeviceConfig, txArena, rxArena Arena, txNotifier, rxNotifier vring.Notifier) *Device {
	mrg := cfg.NegotiatedFeatures&VIRTIO_NET_F_MRG_RXBUF != 0
	hdrLen := HeaderLen(cfg.NegotiatedFeatures)
	eventIdx := cfg.NegotiatedFeatures&VIRTIO_RING_F_EVENT_IDX != 0

	size := cfg.Options.RingSize
	if size == 0 {
		size = 256
	}

	txRing := vring.New(log, vring.Config{
		Descs:            txArena.Descs,
		Avail:            txArena.Avail,
		Used:             txArena.Used,
		Size:             size,
		EventIndex:       eventIdx,
		MergeableBuffers: mrg,
	}, txNotifier)

	rxRing := vring.New(log, vring.Config{
		Descs:            rxArena.Descs,
		Avail:            rxArena.Avail,
		Used:             rxArena.Used,
		Size:             size,
		EventIndex:       eventIdx,
		MergeableBuffers: mrg,
	}, rxNotifier)

	return &Device{
		log:        log,
		cfg:        cfg,
		txRing:     txRing,
		rxRing:     rxRing,
		rxNotifier: rxNotifier,
		tx:         NewTxQueue(log, txRing, cfg.Options, cfg.MTU, mrg),
		rx:         NewRxQueue(log, rxRing, mrg, hdrLen),
	}
}

// MAC returns the device's fixed hardware address.
func (d *Device) MAC() net.HardwareAddr { return d.cfg.MAC }

// Features returns the negotiated feature bitmask.
func (d *Device) Features() uint64 { return d.cfg.NegotiatedFeatures }

// Send transmits pkt and returns a Completion resolving on host ack.
func (d *Device) Send(ctx context.Context, pkt *Packet) (*Completion, error) {
	return d.tx.Send(ctx, pkt)
}

// Receive returns the channel packets are delivered on, in strict
// arrival order (spec §5's ordering guarantee). The caller owns
// draining it; a slow consumer backpressures the RX refill loop.
func (d *Device) Receive() <-chan *Packet {
	return d.rx.Packets
}

// Run starts the TX completion service loop and the RX refill/delivery
// loop, blocking until ctx is done or either fails.
func (d *Device) Run(ctx context.Context) error {
	errc := make(chan error, 2)

	go func() { errc <- d.txRing.Run(ctx) }()
	go func() { errc <- d.rx.Run(ctx, d.rxNotifier) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
