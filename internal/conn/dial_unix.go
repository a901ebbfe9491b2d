//go:build linux || darwin || freebsd || openbsd || netbsd

package conn

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

func dial(ctx context.Context, addr netip.AddrPort, deadline time.Time) (net.Conn, error) {
	family, sa := sockaddr(addr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, connectError(addr, os.NewSyscallError("socket", err))
	}
	unix.CloseOnExec(fd)

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, connectError(addr, os.NewSyscallError("setnonblock", err))
	}

	switch err := unix.Connect(fd, sa); {
	case err == nil:
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR), errors.Is(err, unix.EALREADY):
		if err := waitWritable(ctx, fd, addr, deadline); err != nil {
			return nil, err
		}
	default:
		return nil, connectError(addr, os.NewSyscallError("connect", err))
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return nil, connectError(addr, os.NewSyscallError("getsockopt", err))
	}
	if soErr != 0 {
		return nil, connectError(addr, os.NewSyscallError("connect", unix.Errno(soErr)))
	}

	// FileConn dups the descriptor and hands the copy to the runtime poller.
	f := os.NewFile(uintptr(fd), "tcp:"+addr.String())
	ok = true
	c, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, connectError(addr, err)
	}
	return c, nil
}

// waitWritable polls fd for POLLOUT until deadline. Each wait is capped at
// pollSlice and the remaining budget is recomputed after every wakeup,
// including EINTR.
func waitWritable(ctx context.Context, fd int, addr netip.AddrPort, deadline time.Time) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return connectError(addr, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return connectTimeout(addr)
		}
		wait := min(remaining, pollSlice)
		ms := int((wait + time.Millisecond - 1) / time.Millisecond)

		fds[0].Revents = 0
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return connectError(addr, os.NewSyscallError("poll", err))
		}
		if n > 0 && fds[0].Revents != 0 {
			return nil
		}
	}
}

func sockaddr(addr netip.AddrPort) (int, unix.Sockaddr) {
	a := addr.Addr()
	if a.Is4() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(addr.Port()), Addr: a.As4()}
	}

	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: a.As16()}
	if zone := a.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa
}
