package transport

import (
	"errors"
	"io"
	"net"

	"github.com/xtaci/smux"
)

// SmuxListener accepts smux streams on one carrier connection; each stream carries one muxrpc
// connection.
type SmuxListener struct {
	session *smux.Session
}

var _ net.Listener = (*SmuxListener)(nil)

// NewSmuxListener runs the server side of an smux session over carrier. A nil config uses
// smux.DefaultConfig.
func NewSmuxListener(carrier io.ReadWriteCloser, config *smux.Config) (*SmuxListener, error) {
	session, err := smux.Server(carrier, config)
	if err != nil {
		return nil, err
	}
	return &SmuxListener{session: session}, nil
}

func (l *SmuxListener) Accept() (net.Conn, error) {
	stream, err := l.session.AcceptStream()
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) || l.session.IsClosed() {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return stream, nil
}

func (l *SmuxListener) Close() error { return l.session.Close() }

func (l *SmuxListener) Addr() net.Addr { return l.session.LocalAddr() }

// SmuxDialer opens smux streams on one carrier connection.
type SmuxDialer struct {
	session *smux.Session
}

// DialSmux runs the client side of an smux session over carrier.
func DialSmux(carrier io.ReadWriteCloser, config *smux.Config) (*SmuxDialer, error) {
	session, err := smux.Client(carrier, config)
	if err != nil {
		return nil, err
	}
	return &SmuxDialer{session: session}, nil
}

// Open returns a new stream, ready to back a client.
func (d *SmuxDialer) Open() (net.Conn, error) {
	return d.session.OpenStream()
}

// NumStreams reports the streams currently open on the session.
func (d *SmuxDialer) NumStreams() int { return d.session.NumStreams() }

// Close closes the session and every stream on it.
func (d *SmuxDialer) Close() error { return d.session.Close() }
