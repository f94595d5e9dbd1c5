// Package channel implements the Command Channel: a length-prefixed JSON
// request/response protocol layered on an internal/transport.Channel, with
// per-request timeouts, id correlation, and a ping health probe.
package channel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aivahq/aiva/internal/transport"
)

const maxFrameBytes = 64 << 20 // guards against a corrupt length prefix stalling a reader forever

// writeFrame encodes v as a 4-byte big-endian length prefix followed by its
// JSON body and writes it to t before deadline.
func writeFrame(t transport.Channel, v interface{}, deadline time.Time) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))
	if err := t.Send(hdr, deadline); err != nil {
		return err
	}
	return t.Send(body, deadline)
}

// readFrame reads one length-prefixed JSON frame from t before deadline.
func readFrame(t transport.Channel, deadline time.Time) ([]byte, error) {
	hdr, err := t.RecvExact(4, deadline)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame length %d exceeds max %d", n, maxFrameBytes)
	}
	if n == 0 {
		return []byte{}, nil
	}
	return t.RecvExact(int(n), deadline)
}
