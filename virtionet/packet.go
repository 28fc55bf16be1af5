package virtionet

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Fragment is one contiguous piece of a received packet's payload,
// pointing directly into an RX buffer that will be released when the
// owning Packet is dropped.
type Fragment struct {
	Data []byte
}

// Packet is an assembled frame, either the one about to be transmitted
// (§4.2, fragments point into caller-owned memory and Release is a
// no-op) or one just received off the wire (§4.3, fragments point into
// buffers this package allocated for that receive; they are not reused).
type Packet struct {
	Fragments []Fragment
	release   func()
}

// Release runs and drops the packet's release closure, which holds the
// RX buffers backing its fragments. There is no buffer pool: the
// buffers are left to the garbage collector, not reused. Safe to call
// once; the caller must not touch Fragments afterward.
func (p *Packet) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// Len returns the total byte length across all fragments.
func (p *Packet) Len() int {
	n := 0
	for _, f := range p.Fragments {
		n += len(f.Data)
	}
	return n
}

// Bytes copies every fragment into one contiguous slice. Convenience
// for callers that don't want to deal with the fragment list; the RX
// stream itself never calls this.
func (p *Packet) Bytes() []byte {
	b := make([]byte, 0, p.Len())
	for _, f := range p.Fragments {
		b = append(b, f.Data...)
	}
	return b
}

// Dump renders the packet's raw fragments and a parsed ethernet layout
// for trace logging, the same combination the teacher's netdevice used
// around an incoming frame before deciding what to do with it.
func (p *Packet) Dump() string {
	raw := p.Bytes()

	out := spew.Sdump(p.Fragments)
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)
	return out + fmt.Sprintln(pkt.Dump())
}
