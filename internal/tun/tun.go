// Package tun opens the tun device the test tool shares with the kernel
// under test. Scripted frames are written whole; kernel frames are read
// whole. No queueing happens here, the packet loop is synchronous.
package tun

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/mptcpdrill/internal/logging"
)

var log = logging.WithTag("tun")

const devPath = "/dev/net/tun"

// Room for ifreq: interface name plus the union of request payloads.
const ifReqSize = unix.IFNAMSIZ + 64

var ErrTimeout = errors.New("tun: read timeout")

type Device struct {
	fd   int
	name string
}

// Open attaches to the named tun interface in IFF_TUN | IFF_NO_PI mode, so
// reads and writes carry bare IP frames.
func Open(name string) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.Errorf("tun: interface name %q too long", name)
	}

	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "tun: open "+devPath)
	}

	var ifr [ifReqSize]byte
	copy(ifr[:], name)
	*(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = unix.IFF_TUN | unix.IFF_NO_PI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		unix.Close(fd)
		return nil, errors.Wrap(errno, "tun: TUNSETIFF")
	}

	log.Info("attached to %s", name)
	return &Device{fd: fd, name: name}, nil
}

func (d *Device) Name() string {
	return d.name
}

// Read one frame.
func (d *Device) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	return n, errors.Wrap(err, "tun: read")
}

// Read one frame, waiting at most timeoutMs for it to arrive.
func (d *Device) ReadTimeout(p []byte, timeoutMs int) (int, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return 0, errors.Wrap(err, "tun: poll")
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return d.Read(p)
}

// Write one frame.
func (d *Device) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	return n, errors.Wrap(err, "tun: write")
}

func (d *Device) Close() error {
	return unix.Close(d.fd)
}
