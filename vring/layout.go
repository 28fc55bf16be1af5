package vring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Wire layout constants. These mirror the shapes Linux's vhost and the
// virtio spec put in shared memory; a conforming implementation on the
// other end (the kernel's vhost-net thread) expects these exact byte
// offsets.

const descSize = 8 + 4 + 2 + 2 // paddr + len + flags + next

// Descriptor flags (vring_desc.flags).
const (
	VRING_DESC_F_NEXT     = 1 // descriptor continues via next
	VRING_DESC_F_WRITE    = 2 // write-only descriptor (otherwise read-only)
	VRING_DESC_F_INDIRECT = 4 // buffer is itself a descriptor list
)

// Avail/used ring flags and feature bits.
const (
	VRING_AVAIL_F_NO_INTERRUPT = 1

	VRING_USED_F_NO_NOTIFY = 1

	VIRTIO_RING_F_INDIRECT_DESC = 28
	VIRTIO_RING_F_EVENT_IDX     = 29
)

// descTable is the raw descriptor array: size*16 bytes, no atomics
// required since only the driver ever writes a descriptor's fields, and
// only after it has been unlinked from both rings.
type descTable struct {
	data []byte
}

func (d descTable) off(n uint16) int { return int(n) * descSize }

func (d descTable) Addr(n uint16) uint64 { return binary.NativeEndian.Uint64(d.data[d.off(n):]) }
func (d descTable) SetAddr(n uint16, v uint64) {
	binary.NativeEndian.PutUint64(d.data[d.off(n):], v)
}

func (d descTable) Len(n uint16) uint32 { return binary.NativeEndian.Uint32(d.data[d.off(n)+8:]) }
func (d descTable) SetLen(n uint16, v uint32) {
	binary.NativeEndian.PutUint32(d.data[d.off(n)+8:], v)
}

func (d descTable) Flags(n uint16) uint16 { return binary.NativeEndian.Uint16(d.data[d.off(n)+12:]) }
func (d descTable) SetFlags(n uint16, v uint16) {
	binary.NativeEndian.PutUint16(d.data[d.off(n)+12:], v)
}

func (d descTable) Next(n uint16) uint16 { return binary.NativeEndian.Uint16(d.data[d.off(n)+14:]) }
func (d descTable) SetNext(n uint16, v uint16) {
	binary.NativeEndian.PutUint16(d.data[d.off(n)+14:], v)
}

// idxFlagsWord overlays a ring's {flags uint16; idx uint16} pair as a
// single 32-bit word. sync/atomic has no 16-bit primitive, but flags and
// idx always land adjacent and 4-byte aligned (descriptor tables and
// ring arrays are always multiples of 4 bytes), so the pair can be
// loaded/stored as one native-endian uint32 and still match the exact
// byte layout the host's vhost-net thread expects. This is how we get
// the acquire/release semantics §5 of the design calls for despite the
// fields being individually sub-word-sized.
type idxFlagsWord struct {
	word *uint32
}

func newIdxFlagsWord(b []byte) idxFlagsWord {
	return idxFlagsWord{word: (*uint32)(unsafe.Pointer(&b[0]))}
}

func (w idxFlagsWord) loadRelaxed() (flags, idx uint16) {
	v := atomic.LoadUint32(w.word)
	return uint16(v), uint16(v >> 16)
}

func (w idxFlagsWord) loadIdxAcquire() uint16 {
	return uint16(atomic.LoadUint32(w.word) >> 16)
}

// storeFlagsRelaxed updates flags without disturbing idx. Only the
// driver ever writes either half of this word, so the read-modify-write
// here races with nothing.
func (w idxFlagsWord) storeFlagsRelaxed(flags uint16) {
	_, idx := w.loadRelaxed()
	atomic.StoreUint32(w.word, uint32(flags)|uint32(idx)<<16)
}

func (w idxFlagsWord) storeIdxRelease(idx uint16) {
	flags, _ := w.loadRelaxed()
	atomic.StoreUint32(w.word, uint32(flags)|uint32(idx)<<16)
}

// eventWord is a standalone trailing 16-bit event-index field
// (used_event / avail_event). It is always 4-byte aligned for the same
// reason idxFlagsWord's pair is: everything preceding it in the region
// is a multiple of 4 bytes. The upper 16 bits of the backing word are
// unused padding that real deployments always have room for (regions
// are rounded up to 4 KiB), and tests allocate the same slack.
type eventWord struct {
	word *uint32
}

func newEventWord(b []byte) eventWord {
	return eventWord{word: (*uint32)(unsafe.Pointer(&b[0]))}
}

func (e eventWord) loadRelaxed() uint16   { return uint16(atomic.LoadUint32(e.word)) }
func (e eventWord) storeRelaxed(v uint16) { atomic.StoreUint32(e.word, uint32(v)) }

// availRing is the guest-to-host ring: flags, idx, ring[size] of
// descriptor heads, trailing used_event.
type availRing struct {
	idxFlags  idxFlagsWord
	ringStart []byte
	usedEvent eventWord
	size      uint16
}

// AvailRegionLen returns the byte length of the avail region for a ring
// of the given size, per §6: 6 + 2*size, trailing used_event included.
func AvailRegionLen(size uint16) int { return 6 + 2*int(size) }

func newAvailRing(b []byte, size uint16) availRing {
	return availRing{
		idxFlags:  newIdxFlagsWord(b),
		ringStart: b[4:],
		usedEvent: newEventWord(b[4+2*int(size):]),
		size:      size,
	}
}

func (a availRing) Ring(n uint16) uint16 {
	return binary.NativeEndian.Uint16(a.ringStart[2*int(n):])
}
func (a availRing) SetRing(n uint16, v uint16) {
	binary.NativeEndian.PutUint16(a.ringStart[2*int(n):], v)
}

// usedRing is the host-to-guest ring: flags, idx, elements[size] of
// {id, len}, trailing avail_event.
type usedRing struct {
	idxFlags    idxFlagsWord
	elemsStart  []byte
	availEvent  eventWord
	size        uint16
}

// UsedRegionLen returns the byte length of the used region for a ring
// of the given size, per §6: 6 + 8*size, trailing avail_event included.
func UsedRegionLen(size uint16) int { return 6 + 8*int(size) }

func newUsedRing(b []byte, size uint16) usedRing {
	return usedRing{
		idxFlags:   newIdxFlagsWord(b),
		elemsStart: b[4:],
		availEvent: newEventWord(b[4+8*int(size):]),
		size:       size,
	}
}

func (u usedRing) Elem(n uint16) (id, length uint32) {
	e := u.elemsStart[8*int(n):]
	return binary.NativeEndian.Uint32(e), binary.NativeEndian.Uint32(e[4:])
}

func (u usedRing) SetElem(n uint16, id, length uint32) {
	e := u.elemsStart[8*int(n):]
	binary.NativeEndian.PutUint32(e, id)
	binary.NativeEndian.PutUint32(e[4:], length)
}
