package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// VsockTransport connects to guest command endpoints over AF_VSOCK, the
// transport used by the Linux-direct driver to reach a Firecracker guest's
// command endpoint directly (no TCP forwarder needed on this platform).
type VsockTransport struct{}

// NewVsockTransport returns a Transport that dials "<cid>:<port>" targets.
func NewVsockTransport() *VsockTransport {
	return &VsockTransport{}
}

// Connect parses target as "cid:port" and dials it via mdlayher/vsock.
// connectTimeout bounds the dial; mdlayher/vsock's Dial does not accept a
// context directly, so the deadline is enforced with a result channel.
func (t *VsockTransport) Connect(target string, connectTimeout time.Duration) (Channel, error) {
	cid, port, err := parseVsockTarget(target)
	if err != nil {
		return nil, newError(KindIO, err)
	}

	type result struct {
		conn *vsock.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(cid, port, nil)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, newError(classifyVsockDial(r.err), r.err)
		}
		return newNetChannel(r.conn), nil
	case <-time.After(connectTimeout):
		return nil, newError(KindConnectTimeout, fmt.Errorf("dial vsock %s: timed out after %s", target, connectTimeout))
	}
}

func parseVsockTarget(target string) (cid, port uint32, err error) {
	parts := strings.SplitN(target, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid vsock target %q: expected cid:port", target)
	}
	c, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock cid in %q: %w", target, err)
	}
	p, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port in %q: %w", target, err)
	}
	return uint32(c), uint32(p), nil
}

func classifyVsockDial(err error) Kind {
	if err == nil {
		return KindIO
	}
	if strings.Contains(err.Error(), "connection refused") {
		return KindConnectRefused
	}
	if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "timed out") {
		return KindConnectTimeout
	}
	return KindIO
}
