// Command vnetd brings up a TAP device bound to /dev/vhost-net and
// drives it through the virtio-net driver core in virtionet and vring.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/lab47/lsvd/logger"

	"github.com/lab47/vnet/pkg/tap"
	"github.com/lab47/vnet/vhost"
	"github.com/lab47/vnet/virtionet"
)

var (
	fTapName      = flag.String("tap-name", "", "TAP interface name (empty picks tapN)")
	fMAC          = flag.String("mac", "52:54:00:12:34:56", "device MAC address")
	fMTU          = flag.Int("mtu", 1500, "device MTU")
	fRingSize     = flag.Uint("virtio-ring-size", 256, "vring size, must be a power of two")
	fEventIndex   = flag.Bool("event-index", true, "negotiate RING_F_EVENT_IDX")
	fCsumOffload  = flag.Bool("csum-offload", true, "negotiate NET_F_CSUM/GUEST_CSUM")
	fTSO          = flag.Bool("tso", true, "negotiate NET_F_HOST_TSO4/GUEST_TSO4")
	fUFO          = flag.Bool("ufo", false, "negotiate NET_F_HOST_UFO/GUEST_UFO")
)

func main() {
	flag.Parse()

	log := logger.New(logger.Info)

	if err := run(log); err != nil {
		log.Error("vnetd exiting", "error", err)
	}
}

func run(log logger.Logger) error {
	mac, err := net.ParseMAC(*fMAC)
	if err != nil {
		return fmt.Errorf("vnetd: parsing -mac: %w", err)
	}

	size := uint16(*fRingSize)
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("vnetd: -virtio-ring-size %d is not a power of two", *fRingSize)
	}

	opts := virtionet.Options{
		EventIndex:  *fEventIndex,
		CsumOffload: *fCsumOffload,
		TSO:         *fTSO,
		UFO:         *fUFO,
		RingSize:    size,
	}

	vh, err := vhost.Open(log)
	if err != nil {
		return err
	}
	defer vh.Close()

	negotiated, err := vh.NegotiateFeatures(opts)
	if err != nil {
		return err
	}
	log.Info("negotiated features", "features", negotiated)

	hdrLen := virtionet.HeaderLen(negotiated)
	mrg := negotiated&virtionet.VIRTIO_NET_F_MRG_RXBUF != 0

	iface, err := tap.Open(*fTapName, tap.Options{
		VnetHdrLen: hdrLen,
		Csum:       *fCsumOffload,
		TSO4:       *fTSO,
		UFO:        *fUFO,
	})
	if err != nil {
		return err
	}
	defer iface.Close()
	log.Info("tap interface up", "name", iface.Name(), "mergeable", mrg)

	rxArena, txArena, slab := virtionet.NewArenaPair(size)

	if err := vh.SetMemTable(slab); err != nil {
		return err
	}

	rxNotifier, err := vh.SetupQueue(vhost.QueueRX, size, rxArena, iface.Fd())
	if err != nil {
		return err
	}
	txNotifier, err := vh.SetupQueue(vhost.QueueTX, size, txArena, iface.Fd())
	if err != nil {
		return err
	}

	dev := virtionet.NewDevice(log, virtionet.DeviceConfig{
		MAC:                mac,
		MTU:                *fMTU,
		NegotiatedFeatures: negotiated,
		Options:            opts,
	}, txArena, rxArena, txNotifier, rxNotifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("vnetd running", "mac", dev.MAC())
	return dev.Run(ctx)
}
