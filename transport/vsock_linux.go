//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const vsockAnyCID = unix.VMADDR_CID_ANY

type vsockAddr struct {
	cid, port uint32
}

func (a *vsockAddr) Network() string { return NetworkVsock }
func (a *vsockAddr) String() string  { return fmt.Sprintf("%d:%d", a.cid, a.port) }

func vsockAddrOf(sa unix.Sockaddr) *vsockAddr {
	if vm, ok := sa.(*unix.SockaddrVM); ok {
		return &vsockAddr{cid: vm.CID, port: vm.Port}
	}
	return &vsockAddr{}
}

// vsockConn is a connected AF_VSOCK socket. The fd is non-blocking, so *os.File hands it to the
// runtime poller and deadlines work.
type vsockConn struct {
	*os.File
	local, remote *vsockAddr
}

var _ net.Conn = (*vsockConn)(nil)

func (c *vsockConn) LocalAddr() net.Addr  { return c.local }
func (c *vsockConn) RemoteAddr() net.Addr { return c.remote }

func newVsockConn(fd int, remote unix.Sockaddr) (*vsockConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &vsockConn{
		File:   os.NewFile(uintptr(fd), "vsock"),
		local:  vsockAddrOf(local),
		remote: vsockAddrOf(remote),
	}, nil
}

func dialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	sa := &unix.SockaddrVM{CID: cid, Port: port}

	// connect(2) blocks; run it aside so ctx can abandon it.
	errc := make(chan error, 1)
	go func() { errc <- unix.Connect(fd, sa) }()
	select {
	case err := <-errc:
		if err != nil {
			unix.Close(fd)
			return nil, os.NewSyscallError("connect", err)
		}
	case <-ctx.Done():
		go func() {
			<-errc
			unix.Close(fd)
		}()
		return nil, ctx.Err()
	}
	return newVsockConn(fd, sa)
}

type vsockListener struct {
	f    *os.File
	addr *vsockAddr
}

func listenVsock(cid, port uint32) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	return &vsockListener{
		f:    os.NewFile(uintptr(fd), "vsock-listener"),
		addr: &vsockAddr{cid: cid, port: port},
	}, nil
}

func (l *vsockListener) Accept() (net.Conn, error) {
	rc, err := l.f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		nfd    int
		remote unix.Sockaddr
		aerr   error
	)
	err = rc.Read(func(fd uintptr) bool {
		nfd, remote, aerr = unix.Accept4(int(fd), unix.SOCK_CLOEXEC)
		return !errors.Is(aerr, unix.EAGAIN)
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	if aerr != nil {
		return nil, os.NewSyscallError("accept", aerr)
	}
	return newVsockConn(nfd, remote)
}

func (l *vsockListener) Close() error   { return l.f.Close() }
func (l *vsockListener) Addr() net.Addr { return l.addr }

// SetDeadline bounds Accept.
func (l *vsockListener) SetDeadline(t time.Time) error { return l.f.SetDeadline(t) }
