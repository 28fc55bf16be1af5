package virtionet

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
	"github.com/stretchr/testify/require"
)

func buildTCPFrame(t *testing.T, payloadLen int) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{
		SrcPort: 1234,
		DstPort: 80,
		SYN:     true,
		Window:  0xffff,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	payload := gopacket.Payload(make([]byte, payloadLen))
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, payload))

	fr := ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      ethernet.Broadcast,
		EtherType:   ethernet.EtherTypeIPv4,
		Payload:     buf.Bytes(),
	}
	out, err := fr.MarshalBinary()
	require.NoError(t, err)
	return out
}

func buildUDPFrame(t *testing.T, payloadLen int) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 5001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	payload := gopacket.Payload(make([]byte, payloadLen))
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, payload))

	fr := ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      ethernet.Broadcast,
		EtherType:   ethernet.EtherTypeIPv4,
		Payload:     buf.Bytes(),
	}
	out, err := fr.MarshalBinary()
	require.NoError(t, err)
	return out
}

func TestBuildHeaderNoOffload(t *testing.T) {
	r := require.New(t)

	frame := buildTCPFrame(t, 50)
	h := buildHeader(frame, Options{CsumOffload: false}, 1500)

	r.Equal(netHdr{}, h)
}

func TestBuildHeaderTCPChecksumOnly(t *testing.T) {
	r := require.New(t)

	frame := buildTCPFrame(t, 50)
	h := buildHeader(frame, Options{CsumOffload: true}, 1500)

	r.Equal(uint8(virtioNetHdrFNeedsCsum), h.Flags)
	r.Equal(uint16(34), h.CsumStart)
	r.Equal(uint16(16), h.CsumOffset)
	r.Equal(uint8(gsoNone), h.GSOType)
	r.Equal(uint16(0), h.HdrLen)
	r.Equal(uint16(0), h.GSOSize)
}

func TestBuildHeaderTCPTSO(t *testing.T) {
	r := require.New(t)

	// Large enough that len(frame) > mtu+eth_hdr_len triggers TSO.
	frame := buildTCPFrame(t, 5000-14-20-20)
	h := buildHeader(frame, Options{CsumOffload: true, TSO: true}, 1500)

	r.Equal(uint8(virtioNetHdrFNeedsCsum), h.Flags)
	r.Equal(uint16(34), h.CsumStart)
	r.Equal(uint16(16), h.CsumOffset)
	r.Equal(uint8(gsoTCPv4), h.GSOType)
	r.Equal(uint16(54), h.HdrLen)
	// gso_size = mtu - ip_hdr_len - tcp_hdr_len, per original_source's
	// txq::post (spec §9 grounds this formula there).
	r.Equal(uint16(1500-20-20), h.GSOSize)
}

func TestBuildHeaderUDPChecksumOnly(t *testing.T) {
	r := require.New(t)

	frame := buildUDPFrame(t, 50)
	h := buildHeader(frame, Options{CsumOffload: true}, 1500)

	r.Equal(uint8(virtioNetHdrFNeedsCsum), h.Flags)
	r.Equal(uint16(34), h.CsumStart)
	r.Equal(uint16(6), h.CsumOffset)
	r.Equal(uint8(gsoNone), h.GSOType)
}

func TestBuildHeaderUDPUFO(t *testing.T) {
	r := require.New(t)

	frame := buildUDPFrame(t, 3000-14-20-8)
	h := buildHeader(frame, Options{CsumOffload: true, UFO: true}, 1500)

	r.Equal(uint8(virtioNetHdrFNeedsCsum), h.Flags)
	r.Equal(uint16(34), h.CsumStart)
	r.Equal(uint16(6), h.CsumOffset)
	r.Equal(uint8(gsoUDP), h.GSOType)
	r.Equal(uint16(42), h.HdrLen)
	r.Equal(uint16(1500-20-8), h.GSOSize)
}
