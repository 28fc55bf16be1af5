// Package vring implements the split-ring virtqueue: descriptor pool,
// publication on the available ring, reclamation from the used ring,
// and the notification-suppression and memory-ordering rules that let a
// userspace driver share descriptor memory with the kernel's vhost-net
// thread without any locking on the wire protocol itself.
package vring

import (
	"context"
	"fmt"

	"github.com/lab47/lsvd/logger"
)

// noDesc marks the end of the descriptor free list. Ring sizes top out
// at 32768 (see VHOST_VRING_SIZE in real deployments), so this index is
// never a valid descriptor.
const noDesc = 0xFFFF

// Config describes one vring's immutable shape: its size and the three
// shared memory regions backing it. Regions must stay alive and mapped
// for the lifetime of the Vring; see §6 for the expected byte layout
// and §9 for why "physical" addresses are just Go pointers cast to
// uintptr in this process.
type Config struct {
	Descs []byte
	Avail []byte
	Used  []byte

	Size uint16

	EventIndex       bool
	Indirect         bool
	MergeableBuffers bool
}

// Buffer is one entry of a scatter-gather chain passed to Post.
// Completed is honored only on a chain's first buffer (its head): if
// non-nil there, it is invoked exactly once — after the host has
// returned the whole chain — with the total byte length the host
// reports for the chain's head descriptor. Completed on any other
// buffer of the chain is never invoked. It must not call back into
// the owning Vring synchronously.
type Buffer struct {
	Addr      uint64
	Len       uint32
	Writeable bool
	Completed func(len uint32)
}

// Chain is one scatter-gather buffer set: one packet's worth of
// descriptors, in order.
type Chain []Buffer

// Notifier is the kick/call eventfd pair a vring uses to tell the host
// about new work and be woken when the host has completed some. In
// production these wrap eventfd(2) descriptors installed with
// VHOST_SET_VRING_KICK/CALL; tests substitute an in-memory fake.
type Notifier interface {
	// Kick signals the host that the available ring has new entries.
	Kick() error
	// Wait blocks until the host signals completions, or ctx is done.
	Wait(ctx context.Context) error
}

// Vring is one split-ring virtqueue: a descriptor table plus the avail
// and used rings layered over it. It is driven from a single goroutine
// at a time conceptually (§5's "single-threaded cooperative reactor");
// mu below is the Go-side concession to real multi-goroutine producers
// feeding the same ring; it serializes driver-local bookkeeping only.
// The shared ring memory itself is kept consistent with the host
// through the atomic, ordered accesses in layout.go — mu buys nothing
// there, since the host never acquires it.
type Vring struct {
	log logger.Logger
	cfg Config

	descs descTable
	avail availRing
	used  usedRing

	notifier Notifier

	available *AvailableDescriptors

	mu             chan struct{} // 1-buffered: acts as a non-reentrant mutex
	freeHead       uint16
	headCounter    uint16
	usedTail       uint16
	addedSinceKick uint16
	completions    []func(uint32)
}

// New builds a Vring over the given shared regions. The regions must
// already be zeroed (fresh vring memory) or in a state consistent with
// a previous negotiation; New does not clear them itself beyond
// threading the descriptor free list.
func New(log logger.Logger, cfg Config, notifier Notifier) *Vring {
	if cfg.Size == 0 || cfg.Size&(cfg.Size-1) != 0 {
		panic(fmt.Sprintf("vring: size %d is not a power of two", cfg.Size))
	}

	v := &Vring{
		log:         log,
		cfg:         cfg,
		descs:       descTable{data: cfg.Descs},
		avail:       newAvailRing(cfg.Avail, cfg.Size),
		used:        newUsedRing(cfg.Used, cfg.Size),
		notifier:    notifier,
		available:   newAvailableDescriptors(cfg.Size),
		mu:          make(chan struct{}, 1),
		completions: make([]func(uint32), cfg.Size),
	}
	v.mu <- struct{}{}

	v.freeHead = noDesc
	for i := uint16(0); i < cfg.Size; i++ {
		v.descs.SetNext(i, v.freeHead)
		v.freeHead = i
	}

	return v
}

func (v *Vring) lock()   { <-v.mu }
func (v *Vring) unlock() { v.mu <- struct{}{} }

// Size returns the number of descriptors in the ring.
func (v *Vring) Size() uint16 { return v.cfg.Size }

// MergeableBuffers reports the advisory mergeable-rxbuf flag; the
// engine itself does not interpret it, only upper layers (RxQueue) do.
func (v *Vring) MergeableBuffers() bool { return v.cfg.MergeableBuffers }

// AvailableDescriptors exposes the semaphore producers wait on for N
// permits before posting an N-entry chain.
func (v *Vring) AvailableDescriptors() *AvailableDescriptors { return v.available }

func (v *Vring) allocDesc() uint16 {
	if v.freeHead == noDesc {
		panic("vring: descriptor pool exhausted despite acquired permits")
	}
	idx := v.freeHead
	v.freeHead = v.descs.Next(idx)
	return idx
}

func (v *Vring) freeDesc(idx uint16) {
	v.descs.SetNext(idx, v.freeHead)
	v.freeHead = idx
	v.available.Release(1)
}

// postChainLocked allocates one descriptor per buffer, walking the
// chain in reverse so the forward `next` links can be set as each
// descriptor is allocated, and returns the chain's head index.
func (v *Vring) postChainLocked(chain Chain) uint16 {
	var next uint16
	hasNext := false
	for i := len(chain) - 1; i >= 0; i-- {
		b := chain[i]
		idx := v.allocDesc()

		var flags uint16
		if b.Writeable {
			flags |= VRING_DESC_F_WRITE
		}
		if hasNext {
			flags |= VRING_DESC_F_NEXT
		}

		v.descs.SetAddr(idx, b.Addr)
		v.descs.SetLen(idx, b.Len)
		v.descs.SetFlags(idx, flags)
		v.descs.SetNext(idx, next)

		v.completions[idx] = b.Completed

		next = idx
		hasNext = true
	}
	return next
}

// Post installs each chain's descriptors, publishes the new avail.idx
// with release ordering, kicks the host if the notification policy
// calls for it, and performs a non-blocking reclaim pass. The caller
// must already hold one descriptor permit per buffer across all chains
// (§4.1 step order: acquire permits, then post).
func (v *Vring) Post(chains []Chain) {
	v.lock()

	mask := v.cfg.Size - 1
	for _, chain := range chains {
		head := v.postChainLocked(chain)
		v.avail.SetRing(v.headCounter&mask, head)
		v.headCounter++
		v.addedSinceKick++
	}
	v.avail.idxFlags.storeIdxRelease(v.headCounter)

	v.kickLocked()
	v.doCompleteLocked()

	v.unlock()
}

// kickLocked implements §4.1's kick policy. sync/atomic's Load/Store
// already provide sequentially consistent ordering on every platform Go
// supports, which is what the seq_cst fence between "publish avail.idx"
// and "read avail_event" requires; no separate fence call is needed.
func (v *Vring) kickLocked() {
	needKick := true

	if v.cfg.EventIndex {
		availEvent := v.used.availEvent.loadRelaxed()
		needKick = uint16(v.headCounter-availEvent-1) < v.addedSinceKick
	} else {
		flags, _ := v.used.idxFlags.loadRelaxed()
		if flags&VRING_USED_F_NO_NOTIFY != 0 {
			needKick = false
		}
	}

	if needKick || v.addedSinceKick >= 32768 {
		if err := v.notifier.Kick(); err != nil {
			v.log.Warn("vring: kick failed", "error", err)
		}
		v.addedSinceKick = 0
	}
}

// completeChainLocked fulfills the completion for the chain's head
// descriptor, then walks the chain via HAS_NEXT/next, freeing each
// descriptor back to the pool.
func (v *Vring) completeChainLocked(head uint16, length uint32) {
	if head >= v.cfg.Size {
		panic(fmt.Sprintf("vring: used element id %d out of range [0,%d)", head, v.cfg.Size))
	}

	if fn := v.completions[head]; fn != nil {
		v.completions[head] = nil
		fn(length)
	}

	id := head
	for visited := uint32(0); ; visited++ {
		if visited > uint32(v.cfg.Size) {
			panic("vring: descriptor chain cycle detected")
		}
		flags := v.descs.Flags(id)
		next := v.descs.Next(id)
		v.freeDesc(id)
		if flags&VRING_DESC_F_NEXT == 0 {
			break
		}
		id = next
	}
}

// disableInterruptsLocked is the first step of the anti-wakeup-race
// dance: without event-index, ask the host not to bother signaling us
// (we're about to drain everything there is).
func (v *Vring) disableInterruptsLocked() {
	if !v.cfg.EventIndex {
		v.avail.idxFlags.storeFlagsRelaxed(VRING_AVAIL_F_NO_INTERRUPT)
	}
}

// enableInterruptsAndRecheckLocked is the last step: re-enable
// notifications (or, with event-index, publish the tail we've drained
// to), fence, then check whether the host advanced used.idx again in
// the gap between our last drain and now. If it did, do_complete must
// loop once more — a late completion landing in that gap is exactly
// the race the fence-and-recheck closes.
func (v *Vring) enableInterruptsAndRecheckLocked() bool {
	tail := v.usedTail
	if !v.cfg.EventIndex {
		v.avail.idxFlags.storeFlagsRelaxed(0)
	} else {
		v.avail.usedEvent.storeRelaxed(tail)
	}

	used := v.used.idxFlags.loadIdxAcquire()
	return used != tail
}

func (v *Vring) doCompleteLocked() {
	for {
		v.disableInterruptsLocked()

		usedIdx := v.used.idxFlags.loadIdxAcquire()
		for v.usedTail != usedIdx {
			id, length := v.used.Elem(v.usedTail & (v.cfg.Size - 1))
			v.completeChainLocked(uint16(id), length)
			v.usedTail++
		}

		if !v.enableInterruptsAndRecheckLocked() {
			return
		}
	}
}

// Reclaim performs a single drain of the used ring, firing every
// completion that has landed since the last drain and freeing their
// descriptors back to the pool. Post already does this after
// installing new chains; callers that don't post on every wakeup —
// RxQueue posts fresh buffers only when descriptors are free, but
// still needs completions drained on every host notification to make
// descriptors free in the first place — call this directly instead.
func (v *Vring) Reclaim() {
	v.lock()
	v.doCompleteLocked()
	v.unlock()
}

// Run performs an initial reclaim pass and then services host
// notifications until ctx is done or the notifier's wait fails (e.g.
// the host side went away). It establishes the permanent service loop
// for this ring; callers typically run it in its own goroutine.
func (v *Vring) Run(ctx context.Context) error {
	v.Reclaim()

	for {
		if err := v.notifier.Wait(ctx); err != nil {
			return err
		}
		v.Reclaim()
	}
}
