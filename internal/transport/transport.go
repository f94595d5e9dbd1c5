// Package transport provides the two interchangeable byte-stream primitives
// the rest of the core builds on: a vsock client for (CID, port) guest
// endpoints and a TCP client for forwarded nested-host endpoints. Neither
// retries internally — every operation is deadline-bounded and callers
// decide whether to retry.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies a transport-level failure so callers (the Command
// Channel, the Command Pool) can decide whether to retry or discard.
type Kind int

const (
	KindConnectRefused Kind = iota
	KindConnectTimeout
	KindIO
	KindClosed
	KindDeadline
)

func (k Kind) String() string {
	switch k {
	case KindConnectRefused:
		return "ConnectRefused"
	case KindConnectTimeout:
		return "ConnectTimeout"
	case KindIO:
		return "IoError"
	case KindClosed:
		return "Closed"
	case KindDeadline:
		return "Deadline"
	default:
		return "Unknown"
	}
}

// Error wraps a transport failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// classify turns a net.Error into our Kind taxonomy.
func classify(err error) Kind {
	if err == nil {
		return KindIO
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindDeadline
	}
	if errors.Is(err, net.ErrClosed) {
		return KindClosed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			if isRefused(opErr) {
				return KindConnectRefused
			}
			return KindConnectTimeout
		}
	}
	return KindIO
}

func isRefused(err error) bool {
	return errors.Is(err, errConnRefused) || (err != nil &&
		strings.Contains(err.Error(), "connection refused"))
}

// errConnRefused is a sentinel used only for errors.Is comparisons against
// wrapped syscall errors; platform-specific syscall error values are not
// compared here to keep this file build-tag free.
var errConnRefused = errors.New("connection refused")

// Channel is a bidirectional byte stream returned by Connect.
type Channel interface {
	// Send writes all of b, respecting the deadline.
	Send(b []byte, deadline time.Time) error
	// RecvExact reads exactly n bytes, respecting the deadline.
	RecvExact(n int, deadline time.Time) ([]byte, error)
	// Close releases the underlying connection.
	Close() error
}

// Transport opens byte streams to a guest-reachable endpoint.
type Transport interface {
	// Connect opens a Channel to target within connectTimeout.
	Connect(target string, connectTimeout time.Duration) (Channel, error)
}

// netChannel adapts a net.Conn to the Channel contract.
type netChannel struct {
	conn net.Conn
}

func newNetChannel(conn net.Conn) *netChannel {
	return &netChannel{conn: conn}
}

func (c *netChannel) Send(b []byte, deadline time.Time) error {
	if !deadline.IsZero() {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return newError(KindIO, err)
		}
	}
	_, err := c.conn.Write(b)
	if err != nil {
		return newError(classify(err), err)
	}
	return nil
}

func (c *netChannel) RecvExact(n int, deadline time.Time) ([]byte, error) {
	if !deadline.IsZero() {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, newError(KindIO, err)
		}
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := c.conn.Read(buf[read:])
		read += m
		if err != nil {
			if read == n {
				break
			}
			return nil, newError(classify(err), err)
		}
	}
	return buf, nil
}

func (c *netChannel) Close() error {
	return c.conn.Close()
}
