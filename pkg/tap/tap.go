// Package tap opens and configures a Linux TAP device. It is the
// process-wide bring-up collaborator the driver core treats as external
// (spec §1): setting up the interface is orthogonal to the vring engine
// and the queue adapters that consume it.
package tap

import (
	"io"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Options configures the TAP device's virtio-net-header behavior to match
// whatever the vhost-net feature negotiation settled on. VnetHdrLen and
// the offload bits must agree with the values passed to
// vhost.NegotiateFeatures for a given device, or the kernel and the
// virtqueue consumer will disagree about frame layout.
type Options struct {
	// VnetHdrLen is 10 without NET_F_MRG_RXBUF, 12 with it.
	VnetHdrLen int
	// Csum, TSO4, UFO mirror the negotiated offload feature bits; each
	// maps to one TUNSETOFFLOAD flag.
	Csum bool
	TSO4 bool
	UFO  bool
}

type Interface struct {
	io.ReadWriteCloser

	f *os.File

	fd   uintptr
	name string
}

// Open creates or attaches to the named TAP interface and configures it
// per opts. name may be empty to let the kernel pick a name (tapN).
func Open(name string, opts Options) (*Interface, error) {
	fd, err := unix.Open(
		"/dev/net/tun", os.O_RDWR|syscall.O_NONBLOCK, 0)

	if err != nil {
		return nil, err
	}

	name, err = setupFd(uintptr(fd), name, opts)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "tun")

	return &Interface{
		fd:              uintptr(fd),
		f:               f,
		ReadWriteCloser: f,
		name:            name,
	}, nil

}

const (
	cIFFTUN        = 0x0001
	cIFFTAP        = 0x0002
	cIFFNOPI       = 0x1000
	cIFFMULTIQUEUE = 0x0100

	// TUNSETOFFLOAD flags, from linux/if_tun.h. Not exported by
	// golang.org/x/sys/unix, so named here the way the kernel names them.
	tunOffloadCsum  = 0x01
	tunOffloadTSO4  = 0x02
	tunOffloadUFO   = 0x10
	tunSetOffload   = 0x400454d0
	tunSetVnetHdrSz = 0x400454d8

	// defaultVnetHdrLen is the unmerged virtio_net_hdr size, used when
	// Options.VnetHdrLen is left zero.
	defaultVnetHdrLen = 10
)

func ioctl(fd uintptr, request uintptr, argp uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, uintptr(request), argp)
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

func createInterface(fd uintptr, ifName string, flags uint16) (string, error) {
	req, err := unix.NewIfreq(ifName)
	if err != nil {
		return "", err
	}

	req.SetUint16(flags)

	err = unix.IoctlIfreq(int(fd), unix.TUNSETIFF, req)
	if err != nil {
		return "", err
	}

	return req.Name(), nil
}

func setupFd(fd uintptr, name string, opts Options) (string, error) {
	var flags uint16 = unix.IFF_NO_PI | unix.IFF_TAP | unix.IFF_ONE_QUEUE | unix.IFF_VNET_HDR

	name, err := createInterface(fd, name, flags)
	if err != nil {
		return "", err
	}

	err = ioctl(fd, syscall.TUNSETPERSIST, uintptr(1))
	if err != nil {
		return "", err
	}

	var offload uintptr
	if opts.Csum {
		offload |= tunOffloadCsum
	}
	if opts.TSO4 {
		offload |= tunOffloadTSO4
	}
	if opts.UFO {
		offload |= tunOffloadUFO
	}
	if err := ioctl(fd, tunSetOffload, offload); err != nil {
		return "", err
	}

	hdrLen := int32(opts.VnetHdrLen)
	if hdrLen == 0 {
		hdrLen = defaultVnetHdrLen
	}
	if err := ioctl(fd, tunSetVnetHdrSz, uintptr(unsafe.Pointer(&hdrLen))); err != nil {
		return "", err
	}

	return name, nil
}

// Fd returns the underlying file descriptor, needed by vhost.Device.SetupQueue to
// register this TAP device as a queue's backend via
// VHOST_NET_SET_BACKEND.
func (i *Interface) Fd() uintptr { return i.fd }

// Name returns the kernel-assigned interface name (e.g. "tap0").
func (i *Interface) Name() string { return i.name }

func (i *Interface) Close() error {
	return i.f.Close()
}
