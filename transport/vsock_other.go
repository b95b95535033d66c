//go:build !linux

package transport

import (
	"context"
	"errors"
	"net"
)

const vsockAnyCID = ^uint32(0)

var errVsockUnsupported = errors.New("transport: vsock is only supported on linux")

func dialVsock(context.Context, uint32, uint32) (net.Conn, error) {
	return nil, errVsockUnsupported
}

func listenVsock(uint32, uint32) (net.Listener, error) {
	return nil, errVsockUnsupported
}
