package virtionet

import "github.com/lab47/vnet/vring"

const pageSize = 4096

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// NewArena allocates one vring's worth of backing memory as a single
// slab, laid out exactly as spec §6 describes: descs at offset 0,
// avail immediately after, used aligned up to the next 4 KiB boundary.
// The returned Arena's slices alias the slab; callers that need the
// slab's own address (to build the VHOST_SET_MEM_TABLE region
// covering it) get it back alongside.
func NewArena(size uint16) (Arena, []byte) {
	slab := make([]byte, arenaLen(size))
	return arenaIn(slab, 0, size), slab
}

// arenaLen returns the byte length one vring's arena occupies, per the
// NewArena layout.
func arenaLen(size uint16) int {
	descLen := int(size) * 16
	availLen := vring.AvailRegionLen(size)
	// +4 guarantees slack after avail's trailing used_event field: the
	// atomic overlay in vring/layout.go reads/writes it as a 4-byte
	// word even though only its low 16 bits are meaningful. The same
	// slack is reserved after the used region's trailing avail_event.
	usedOff := alignUp(descLen+availLen+4, pageSize)
	usedLen := vring.UsedRegionLen(size)
	return alignUp(usedOff+usedLen+4, pageSize)
}

// arenaIn slices one vring's arena out of slab starting at byteOffset,
// which must itself be a multiple of pageSize.
func arenaIn(slab []byte, byteOffset int, size uint16) Arena {
	descLen := int(size) * 16
	availLen := vring.AvailRegionLen(size)
	usedOff := byteOffset + alignUp(descLen+availLen+4, pageSize)
	usedLen := vring.UsedRegionLen(size)

	return Arena{
		Descs: slab[byteOffset : byteOffset+descLen],
		Avail: slab[byteOffset+descLen : byteOffset+descLen+availLen],
		Used:  slab[usedOff : usedOff+usedLen],
	}
}

// NewArenaPair allocates one contiguous slab holding both an RX and a
// TX vring's memory, laid out back to back and page-aligned. A single
// slab makes it possible to register the whole thing with
// VHOST_SET_MEM_TABLE as one guest-physical region (spec §9), rather
// than needing vhost's multi-region support for what is really one
// process's address space.
func NewArenaPair(size uint16) (rx, tx Arena, slab []byte) {
	one := arenaLen(size)
	slab = make([]byte, 2*one)
	rx = arenaIn(slab, 0, size)
	tx = arenaIn(slab, one, size)
	return rx, tx, slab
}
