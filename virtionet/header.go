package virtionet

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// netHdr mirrors the kernel's struct virtio_net_hdr (include/uapi/linux/
// virtio_net.h), field-for-field, the same way the teacher's
// vhostuser/virtio.go transcribes it.
type netHdr struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
}

const netHdrSize = 10

// netHdrMrg adds the trailing num_buffers field NET_F_MRG_RXBUF adds.
type netHdrMrg struct {
	netHdr
	NumBuffers uint16
}

const netHdrMrgSize = netHdrSize + 2

const (
	virtioNetHdrFNeedsCsum = 1

	gsoNone  = 0
	gsoTCPv4 = 1
	gsoUDP   = 3
)

func (h netHdr) encode(b []byte) {
	b[0] = h.Flags
	b[1] = h.GSOType
	binary.LittleEndian.PutUint16(b[2:], h.HdrLen)
	binary.LittleEndian.PutUint16(b[4:], h.GSOSize)
	binary.LittleEndian.PutUint16(b[6:], h.CsumStart)
	binary.LittleEndian.PutUint16(b[8:], h.CsumOffset)
}

func decodeNetHdr(b []byte) netHdr {
	return netHdr{
		Flags:      b[0],
		GSOType:    b[1],
		HdrLen:     binary.LittleEndian.Uint16(b[2:]),
		GSOSize:    binary.LittleEndian.Uint16(b[4:]),
		CsumStart:  binary.LittleEndian.Uint16(b[6:]),
		CsumOffset: binary.LittleEndian.Uint16(b[8:]),
	}
}

// decodeNumBuffers reads the trailing num_buffers field of a net_hdr_mrg
// out of the first bytes of a receive buffer.
func decodeNumBuffers(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b[netHdrSize:])
}

func (h netHdrMrg) encode(b []byte) {
	h.netHdr.encode(b)
	binary.LittleEndian.PutUint16(b[netHdrSize:], h.NumBuffers)
}

// buildHeader implements the offload table from spec §4.2. frame is the
// raw Ethernet frame about to be transmitted; mtu bounds the payload of
// a single segment for GSO sizing. Only TCP and UDP over IPv4 are
// recognized; anything else (ARP, IPv6, ...) gets an all-zero header,
// same as the CSUM-off row.
func buildHeader(frame []byte, opts Options, mtu int) netHdr {
	if !opts.CsumOffload {
		return netHdr{}
	}

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return netHdr{}
	}
	ip4 := ipLayer.(*layers.IPv4)

	const ethHdrLen = 14
	ipHdrLen := int(ip4.IHL) * 4

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		h := netHdr{
			Flags:      virtioNetHdrFNeedsCsum,
			CsumStart:  uint16(ethHdrLen + ipHdrLen),
			CsumOffset: 16,
		}

		if opts.TSO && len(frame) > mtu+ethHdrLen {
			tcpHdrLen := int(tcp.DataOffset) * 4
			h.GSOType = gsoTCPv4
			h.HdrLen = uint16(ethHdrLen + ipHdrLen + tcpHdrLen)
			h.GSOSize = uint16(mtu - ipHdrLen - tcpHdrLen)
		}

		return h
	}

	if pkt.Layer(layers.LayerTypeUDP) != nil {
		h := netHdr{
			Flags:      virtioNetHdrFNeedsCsum,
			CsumStart:  uint16(ethHdrLen + ipHdrLen),
			CsumOffset: 6,
		}

		if opts.UFO && len(frame) > mtu+ethHdrLen {
			const udpHdrLen = 8
			h.GSOType = gsoUDP
			h.HdrLen = uint16(ethHdrLen + ipHdrLen + udpHdrLen)
			h.GSOSize = uint16(mtu - ipHdrLen - udpHdrLen)
		}

		return h
	}

	return netHdr{}
}
