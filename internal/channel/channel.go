package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aivahq/aiva/internal/transport"
)

// Request is one Command Channel request frame.
type Request struct {
	ID        uint64                 `json:"id"`
	Cmd       string                 `json:"cmd"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Stdin     string                 `json:"stdin,omitempty"` // base64
	TimeoutMs uint32                 `json:"timeout_ms,omitempty"`
}

// Response is one Command Channel response frame.
type Response struct {
	ID       uint64  `json:"id"`
	Status   string  `json:"status"` // "ok" | "err"
	ExitCode *int32  `json:"exit_code,omitempty"`
	Stdout   string  `json:"stdout,omitempty"` // base64
	Stderr   string  `json:"stderr,omitempty"` // base64
	Error    *string `json:"error,omitempty"`
}

// StdoutBytes decodes the base64 Stdout field.
func (r *Response) StdoutBytes() ([]byte, error) {
	if r.Stdout == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(r.Stdout)
}

// StderrBytes decodes the base64 Stderr field.
func (r *Response) StderrBytes() ([]byte, error) {
	if r.Stderr == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(r.Stderr)
}

// Channel is a Command Channel bound to one transport.Channel. It processes
// one outstanding request at a time: a concurrent Execute while one is
// already in flight returns a Busy error rather than blocking.
type Channel struct {
	conn transport.Channel

	nextID uint64

	mu     sync.Mutex
	busy   bool
	closed bool
}

// New wraps an already-connected transport.Channel as a Command Channel.
func New(conn transport.Channel) *Channel {
	return &Channel{conn: conn}
}

// Execute sends req and waits for its matching response, or an error, before
// deadline. req.ID is overwritten with a channel-local monotonic value.
func (c *Channel) Execute(req Request, deadline time.Time) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newErr(KindClosed, "channel is closed")
	}
	if c.busy {
		c.mu.Unlock()
		return nil, newErr(KindBusy, "a request is already in flight on this channel")
	}
	c.busy = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	req.ID = atomic.AddUint64(&c.nextID, 1)

	if err := writeFrame(c.conn, req, deadline); err != nil {
		return nil, c.translateTransportErr(err)
	}

	body, err := readFrame(c.conn, deadline)
	if err != nil {
		return nil, c.translateTransportErr(err)
	}

	var resp Response
	if err := decodeResponse(body, &resp); err != nil {
		return nil, newErr(KindDecodeError, "%v", err)
	}
	if resp.ID != req.ID {
		return nil, newErr(KindDecodeError, "response id %d does not match request id %d", resp.ID, req.ID)
	}
	if resp.Status == "err" {
		msg := "remote error"
		if resp.Error != nil {
			msg = *resp.Error
		}
		return &resp, newErr(KindRemoteError, "%s", msg)
	}
	return &resp, nil
}

// Ping issues the sentinel "ping" health probe and returns nil only if the
// remote answers {"status":"ok"} before deadline. A channel that fails a
// probe should be discarded by the caller (the Command Pool does this).
func (c *Channel) Ping(deadline time.Time) error {
	resp, err := c.Execute(Request{Cmd: "ping"}, deadline)
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return newErr(KindDecodeError, "ping answered with status %q", resp.Status)
	}
	return nil
}

// Close releases the underlying transport. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Channel) translateTransportErr(err error) error {
	var te *transport.Error
	if as, ok := err.(*transport.Error); ok {
		te = as
	}
	if te != nil && te.Kind == transport.KindDeadline {
		return newErr(KindDeadline, "%v", err)
	}
	switch {
	case te != nil && te.Kind == transport.KindClosed,
		te != nil && te.Kind == transport.KindIO,
		te != nil && te.Kind == transport.KindConnectRefused:
		// A mid-frame I/O failure or connection reset leaves the transport
		// unusable exactly like an explicit close does — this isn't a
		// protocol decode error, it's a dead channel.
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return newErr(KindClosed, "%v", err)
	default:
		return newErr(KindDecodeError, "transport error: %v", err)
	}
}

func decodeResponse(body []byte, out *Response) error {
	if len(body) == 0 {
		return fmt.Errorf("empty response frame")
	}
	return json.Unmarshal(body, out)
}
