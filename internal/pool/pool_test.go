package pool

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aivahq/aiva/internal/channel"
)

func unmarshalRequest(b []byte, req *channel.Request) error {
	return json.Unmarshal(b, req)
}

func marshalResponse(resp channel.Response) []byte {
	b, _ := json.Marshal(resp)
	return b
}

// memTransportChannel adapts a net.Conn to transport.Channel.
type memTransportChannel struct{ conn net.Conn }

func (m *memTransportChannel) Send(b []byte, deadline time.Time) error {
	if !deadline.IsZero() {
		m.conn.SetWriteDeadline(deadline)
	}
	_, err := m.conn.Write(b)
	return err
}

func (m *memTransportChannel) RecvExact(n int, deadline time.Time) ([]byte, error) {
	if !deadline.IsZero() {
		m.conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		k, err := m.conn.Read(buf[read:])
		read += k
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (m *memTransportChannel) Close() error { return m.conn.Close() }

// newPipeDialer returns a Dialer backed by in-memory net.Pipe connections,
// each served by a trivial echo server that answers ping and sleeps
// `work` before answering any other command.
func newPipeDialer(t *testing.T, work time.Duration, openCount *int64) Dialer {
	return func(_ time.Duration) (*channel.Channel, error) {
		atomic.AddInt64(openCount, 1)
		server, client := net.Pipe()
		go runFakeServer(t, server, work)
		return channel.New(&memTransportChannel{conn: client}), nil
	}
}

func runFakeServer(t *testing.T, conn net.Conn, work time.Duration) {
	defer conn.Close()
	for {
		hdr := make([]byte, 4)
		if _, err := readFull(conn, hdr); err != nil {
			return
		}
		n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
		body := make([]byte, n)
		if _, err := readFull(conn, body); err != nil {
			return
		}
		var req channel.Request
		if err := unmarshalRequest(body, &req); err != nil {
			return
		}
		if req.Cmd != "ping" && work > 0 {
			time.Sleep(work)
		}
		resp := channel.Response{ID: req.ID, Status: "ok"}
		out := marshalResponse(resp)
		out4 := []byte{byte(len(out) >> 24), byte(len(out) >> 16), byte(len(out) >> 8), byte(len(out))}
		if _, err := conn.Write(out4); err != nil {
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func TestPoolAcquireReleaseReuse(t *testing.T) {
	var opens int64
	p := New(newPipeDialer(t, 0, &opens), Config{MaxConnections: 2, IdleTimeout: time.Minute, ConnectTimeout: time.Second})
	defer p.Shutdown()

	ch, err := p.Acquire(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ch, Healthy)

	ch2, err := p.Acquire(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("acquire2: %v", err)
	}
	p.Release(ch2, Healthy)

	if atomic.LoadInt64(&opens) != 1 {
		t.Fatalf("expected 1 channel opened (reuse), got %d", opens)
	}
}

func TestPoolCapEnforced(t *testing.T) {
	var opens int64
	p := New(newPipeDialer(t, 200*time.Millisecond, &opens), Config{MaxConnections: 2, IdleTimeout: time.Minute, ConnectTimeout: time.Second})
	defer p.Shutdown()

	var wg sync.WaitGroup
	var maxObservedOpens int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.Execute(channel.Request{Cmd: "run"}, time.Now().Add(5*time.Second))
			if err != nil {
				t.Errorf("execute: %v", err)
				return
			}
			_ = resp
			if o := atomic.LoadInt64(&opens); o > atomic.LoadInt64(&maxObservedOpens) {
				atomic.StoreInt64(&maxObservedOpens, o)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&opens) > 2 {
		t.Fatalf("expected at most 2 channels ever opened, got %d", opens)
	}
}

func TestPoolShutdownFailsWaiters(t *testing.T) {
	var opens int64
	p := New(newPipeDialer(t, time.Second, &opens), Config{MaxConnections: 1, IdleTimeout: time.Minute, ConnectTimeout: time.Second})

	ch, err := p.Acquire(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(time.Now().Add(5 * time.Second))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Shutdown()
	p.Release(ch, Healthy)

	err = <-errCh
	if err == nil {
		t.Fatalf("expected PoolClosed error for queued waiter")
	}
	if perr, ok := err.(*Error); !ok || perr.Kind != KindPoolClosed {
		t.Fatalf("expected PoolClosed, got %v", err)
	}
}
