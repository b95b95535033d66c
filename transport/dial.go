package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	NetworkUnix  = "unix"
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

const defaultDialTimeout = 5 * time.Second

// Dial connects to address over network with a default timeout.
func Dial(network, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	return DialContext(ctx, network, address)
}

func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case NetworkUnix, NetworkTCP:
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	case NetworkVsock:
		cid, port, err := ParseVsockAddr(address)
		if err != nil {
			return nil, err
		}
		return dialVsock(ctx, cid, port)
	default:
		return nil, fmt.Errorf("transport: unsupported network %q", network)
	}
}

// Listen opens a listener for network. A unix socket left behind by a previous process is
// removed first, and its directory is created.
func Listen(network, address string) (net.Listener, error) {
	switch network {
	case NetworkUnix:
		if err := prepareUnixSocket(address); err != nil {
			return nil, err
		}
		return net.Listen(network, address)
	case NetworkTCP:
		return net.Listen(network, address)
	case NetworkVsock:
		cid, port, err := ParseVsockAddr(address)
		if err != nil {
			return nil, err
		}
		return listenVsock(cid, port)
	default:
		return nil, fmt.Errorf("transport: unsupported network %q", network)
	}
}

func prepareUnixSocket(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("transport: create socket dir: %w", err)
	}
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transport: stat socket: %w", err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("transport: %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("transport: remove stale socket: %w", err)
	}
	return nil
}

// ParseVsockAddr parses "cid:port". An empty cid means any local cid when listening.
func ParseVsockAddr(address string) (cid, port uint32, err error) {
	host, p, ok := strings.Cut(address, ":")
	if !ok {
		return 0, 0, fmt.Errorf("transport: vsock address %q is not cid:port", address)
	}
	if host == "" {
		cid = vsockAnyCID
	} else {
		v, err := strconv.ParseUint(host, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("transport: vsock cid %q: %w", host, err)
		}
		cid = uint32(v)
	}
	v, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("transport: vsock port %q: %w", p, err)
	}
	return cid, uint32(v), nil
}

// Pipe returns both ends of a synchronous in-memory channel.
func Pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}
