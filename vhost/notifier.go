package vhost

import (
	"context"
	"encoding/binary"

	"golang.org/x/sys/unix"
)

var kickBuf = make([]byte, 8)

func init() {
	binary.NativeEndian.PutUint64(kickBuf, 1)
}

// EventfdNotifier implements vring.Notifier over a queue's pair of
// Linux eventfds: kickFD is written to wake the kernel's vhost worker,
// callFD is read to learn the kernel has completions ready. Same
// "write 1 to signal, read 8 bytes to consume" idiom as the teacher's
// kick/call plumbing in vhostuser.go.
type EventfdNotifier struct {
	kickFD, callFD int
}

func newEventfdNotifier(kickFD, callFD int) *EventfdNotifier {
	return &EventfdNotifier{kickFD: kickFD, callFD: callFD}
}

// Kick writes to the kick eventfd, waking the kernel's vhost worker
// thread so it services the newly published avail-ring entries.
func (n *EventfdNotifier) Kick() error {
	_, err := unix.Write(n.kickFD, kickBuf)
	return err
}

// Wait blocks until the call eventfd is signaled or ctx is canceled.
// The blocking read itself doesn't observe ctx, so cancellation is
// only checked around it; a real shutdown path also closes the fd,
// which unblocks the read with an error.
func (n *EventfdNotifier) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, 8)
	for {
		_, err := unix.Read(n.callFD, buf)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
