//go:build linux

package afpacket

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// promiscGuard remembers whether this process turned IFF_PROMISC on.
type promiscGuard struct {
	device string
	set    bool
}

func ifaceFlags(fd int, device string) (*unix.Ifreq, error) {
	ifr, err := unix.NewIfreq(device)
	if err != nil {
		return nil, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return nil, fmt.Errorf("SIOCGIFFLAGS %s: %w", device, err)
	}
	return ifr, nil
}

func setPromisc(device string, on bool) (changed bool, err error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false, err
	}
	defer unix.Close(fd)

	ifr, err := ifaceFlags(fd, device)
	if err != nil {
		return false, err
	}
	flags := ifr.Uint16()
	if (flags&unix.IFF_PROMISC != 0) == on {
		return false, nil
	}
	if on {
		flags |= unix.IFF_PROMISC
	} else {
		flags &^= unix.IFF_PROMISC
	}
	ifr.SetUint16(flags)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return false, fmt.Errorf("SIOCSIFFLAGS %s: %w", device, err)
	}
	return true, nil
}

func enablePromisc(device string) (*promiscGuard, error) {
	changed, err := setPromisc(device, true)
	if err != nil {
		return nil, err
	}
	return &promiscGuard{device: device, set: changed}, nil
}

// restore clears IFF_PROMISC only when enablePromisc set it.
func (g *promiscGuard) restore() error {
	if g == nil || !g.set {
		return nil
	}
	g.set = false
	_, err := setPromisc(g.device, false)
	return err
}
