package vring

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// AvailableDescriptors tracks how many descriptors are free for posting.
// Producers wait on it for N permits before handing an N-entry chain to
// Post; the completion path releases one permit per descriptor it
// reclaims. It wraps golang.org/x/sync/semaphore.Weighted, which does
// the actual blocking/waking, and layers on a cheap atomic counter so
// callers can peek at how many permits are free right now (Current) —
// something Weighted itself doesn't expose. The RX refill loop's
// opportunistic batching (§4.3) uses TryAcquire, not Current.
type AvailableDescriptors struct {
	w     *semaphore.Weighted
	avail atomic.Int64
}

func newAvailableDescriptors(size uint16) *AvailableDescriptors {
	d := &AvailableDescriptors{w: semaphore.NewWeighted(int64(size))}
	d.avail.Store(int64(size))
	return d
}

// Acquire blocks until n permits (descriptors) are free.
func (d *AvailableDescriptors) Acquire(ctx context.Context, n int64) error {
	if err := d.w.Acquire(ctx, n); err != nil {
		return err
	}
	d.avail.Add(-n)
	return nil
}

// TryAcquire acquires n permits without blocking, reporting whether it
// succeeded.
func (d *AvailableDescriptors) TryAcquire(n int64) bool {
	if !d.w.TryAcquire(n) {
		return false
	}
	d.avail.Add(-n)
	return true
}

// Release returns n permits to the pool.
func (d *AvailableDescriptors) Release(n int64) {
	d.w.Release(n)
	d.avail.Add(n)
}

// Current reports how many permits are free right now. It is a
// best-effort snapshot: by the time the caller acts on it, another
// goroutine may have acquired or released permits.
func (d *AvailableDescriptors) Current() int64 {
	return d.avail.Load()
}
