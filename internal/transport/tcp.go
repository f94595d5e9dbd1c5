package transport

import (
	"context"
	"net"
	"time"
)

// TcpTransport connects to command endpoints forwarded over loopback TCP —
// used by the macOS and Windows nested-Linux drivers, whose guest command
// port is reached from the host through an SSH direct-tcpip forwarder
// (macOS) or WSL2's shared loopback (Windows).
type TcpTransport struct {
	dialer net.Dialer
}

// NewTcpTransport returns a Transport that dials "host:port" targets.
func NewTcpTransport() *TcpTransport {
	return &TcpTransport{}
}

func (t *TcpTransport) Connect(target string, connectTimeout time.Duration) (Channel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	conn, err := t.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, newError(classify(err), err)
	}
	return newNetChannel(conn), nil
}
