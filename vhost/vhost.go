// Package vhost drives /dev/vhost-net through the bring-up ioctl
// sequence a userspace virtio-net driver needs: claim ownership,
// register the guest memory table, describe each vring's addresses,
// install the kick/call eventfds, negotiate features, and bind the
// queue to a TAP backend. None of this is part of the vring engine
// itself (spec §1 treats it as an external collaborator); it exists
// here so the module is a runnable program end to end.
package vhost

import (
	"os"
	"unsafe"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lab47/vnet/virtionet"
)

// ioctl numbers, transcribed from the Linux vhost UAPI the same way the
// teacher's vhostuser.go documents having derived them ("printed out
// with a little throw-away C program").
const (
	vhostSetOwner      = 0x0000af01
	vhostGetFeatures   = 0x8008af00
	vhostSetFeatures   = 0x4008af00
	vhostSetMemTable   = 0x4008af03
	vhostSetVringNum   = 0x4008af10
	vhostSetVringBase  = 0x4008af12
	vhostSetVringAddr  = 0x4028af11
	vhostSetVringKick  = 0x4008af20
	vhostSetVringCall  = 0x4008af21
	vhostNetSetBackend = 0x4008af30
)

// Queue indices, per spec §6: "queue 0 = RX, queue 1 = TX".
const (
	QueueRX = 0
	QueueTX = 1
)

type vringState struct {
	Index, Num uint32
}

type vringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

type memoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	FlagsPadding  uint64
}

type memoryTable struct {
	NRegions uint32
	Padding  uint32
	Regions  [1]memoryRegion
}

// Device owns the /dev/vhost-net file descriptor and the two queues'
// eventfds across the bring-up sequence.
type Device struct {
	log logger.Logger
	fd  int

	kickFDs [2]int
	callFDs [2]int
}

// Open claims ownership of /dev/vhost-net. Call Close when done.
func Open(log logger.Logger) (*Device, error) {
	fd, err := unix.Open("/dev/vhost-net", os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vhost: opening /dev/vhost-net")
	}

	if err := ioctlNoArg(fd, vhostSetOwner); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "vhost: VHOST_SET_OWNER")
	}

	return &Device{log: log, fd: fd}, nil
}

func (d *Device) Close() error {
	for _, fd := range d.kickFDs {
		if fd != 0 {
			unix.Close(fd)
		}
	}
	for _, fd := range d.callFDs {
		if fd != 0 {
			unix.Close(fd)
		}
	}
	return unix.Close(d.fd)
}

// SetMemTable registers one region covering slab's entire extent as
// guest-physical address 0, matching spec §9's "physical addresses in
// a unified address space": virt_to_phys(p) == uintptr(p) because the
// only region there is starts at 0 and maps the whole process space
// this driver's buffers live in.
func (d *Device) SetMemTable(slab []byte) error {
	if len(slab) == 0 {
		return errors.New("vhost: empty memory table region")
	}

	addr := uint64(uintptr(unsafe.Pointer(&slab[0])))

	table := memoryTable{
		NRegions: 1,
		Regions: [1]memoryRegion{{
			GuestPhysAddr: 0,
			MemorySize:    uint64(len(slab)),
			UserspaceAddr: addr,
		}},
	}

	if err := ioctlPtr(d.fd, vhostSetMemTable, unsafe.Pointer(&table)); err != nil {
		return errors.Wrap(err, "vhost: VHOST_SET_MEM_TABLE")
	}
	return nil
}

// NegotiateFeatures reads VHOST_GET_FEATURES, intersects it with the
// driver's requested mask via virtionet.NegotiateFeatures, and writes
// the result back with VHOST_SET_FEATURES.
func (d *Device) NegotiateFeatures(opts virtionet.Options) (uint64, error) {
	var hostFeatures uint64
	if err := ioctlPtr(d.fd, vhostGetFeatures, unsafe.Pointer(&hostFeatures)); err != nil {
		return 0, errors.Wrap(err, "vhost: VHOST_GET_FEATURES")
	}

	negotiated := virtionet.NegotiateFeatures(opts, hostFeatures)

	if err := ioctlPtr(d.fd, vhostSetFeatures, unsafe.Pointer(&negotiated)); err != nil {
		return 0, errors.Wrap(err, "vhost: VHOST_SET_FEATURES")
	}

	return negotiated, nil
}

// SetupQueue configures one vring's size and shared-memory addresses,
// installs its kick/call eventfds, and binds it to tapFD as the
// backend. idx must be QueueRX or QueueTX. The returned notifier's
// Kick writes the kick fd (wakes the vhost worker) and its Wait reads
// the call fd (learns of new completions) — the single object a
// vring.Vring needs for this queue.
func (d *Device) SetupQueue(idx int, size uint16, arena virtionet.Arena, tapFD uintptr) (*EventfdNotifier, error) {
	if err := ioctlPtr(d.fd, vhostSetVringNum, unsafe.Pointer(&vringState{Index: uint32(idx), Num: uint32(size)})); err != nil {
		return nil, errors.Wrapf(err, "vhost: VHOST_SET_VRING_NUM queue %d", idx)
	}

	if err := ioctlPtr(d.fd, vhostSetVringBase, unsafe.Pointer(&vringState{Index: uint32(idx), Num: 0})); err != nil {
		return nil, errors.Wrapf(err, "vhost: VHOST_SET_VRING_BASE queue %d", idx)
	}

	addr := vringAddr{
		Index:         uint32(idx),
		DescUserAddr:  sliceAddr(arena.Descs),
		AvailUserAddr: sliceAddr(arena.Avail),
		UsedUserAddr:  sliceAddr(arena.Used),
	}
	if err := ioctlPtr(d.fd, vhostSetVringAddr, unsafe.Pointer(&addr)); err != nil {
		return nil, errors.Wrapf(err, "vhost: VHOST_SET_VRING_ADDR queue %d", idx)
	}

	kickFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "vhost: creating kick eventfd")
	}
	callFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(kickFD)
		return nil, errors.Wrap(err, "vhost: creating call eventfd")
	}
	d.kickFDs[idx] = kickFD
	d.callFDs[idx] = callFD

	if err := ioctlFdArg(d.fd, vhostSetVringKick, idx, kickFD); err != nil {
		return nil, errors.Wrapf(err, "vhost: VHOST_SET_VRING_KICK queue %d", idx)
	}
	if err := ioctlFdArg(d.fd, vhostSetVringCall, idx, callFD); err != nil {
		return nil, errors.Wrapf(err, "vhost: VHOST_SET_VRING_CALL queue %d", idx)
	}
	if err := ioctlFdArg(d.fd, vhostNetSetBackend, idx, int(tapFD)); err != nil {
		return nil, errors.Wrapf(err, "vhost: VHOST_NET_SET_BACKEND queue %d", idx)
	}

	return newEventfdNotifier(kickFD, callFD), nil
}

func sliceAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// vhostVringFile mirrors struct vhost_vring_file: {index, fd}, used by
// SET_VRING_KICK/CALL and NET_SET_BACKEND alike.
type vhostVringFile struct {
	Index uint32
	FD    int32
}

func ioctlFdArg(fd int, req uintptr, idx, valueFD int) error {
	v := vhostVringFile{Index: uint32(idx), FD: int32(valueFD)}
	return ioctlPtr(fd, req, unsafe.Pointer(&v))
}

func ioctlPtr(fd int, req uintptr, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(argp))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlNoArg(fd int, req uintptr) error {
	return ioctlPtr(fd, req, nil)
}
