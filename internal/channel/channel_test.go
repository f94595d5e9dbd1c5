package channel

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

// fakeTransportChannel adapts a net.Conn to transport.Channel for tests
// without depending on the transport package's net dial logic.
type fakeTransportChannel struct {
	conn net.Conn
}

func (f *fakeTransportChannel) Send(b []byte, deadline time.Time) error {
	if !deadline.IsZero() {
		f.conn.SetWriteDeadline(deadline)
	}
	_, err := f.conn.Write(b)
	return err
}

func (f *fakeTransportChannel) RecvExact(n int, deadline time.Time) ([]byte, error) {
	if !deadline.IsZero() {
		f.conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := f.conn.Read(buf[read:])
		read += m
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (f *fakeTransportChannel) Close() error { return f.conn.Close() }

// serverEcho runs a minimal Command Channel server on conn: it answers ping
// with ok, answers "fail" with a remote error, and echoes the request's
// Stdin as stdout for any other cmd.
func serverEcho(t *testing.T, conn net.Conn) {
	t.Helper()
	srv := &fakeTransportChannel{conn: conn}
	for {
		body, err := readFrame(srv, time.Now().Add(5*time.Second))
		if err != nil {
			return
		}
		req := decodeRequest(t, body)

		resp := Response{ID: req.ID, Status: "ok"}
		switch req.Cmd {
		case "ping":
		case "fail":
			errMsg := "boom"
			resp.Status = "err"
			resp.Error = &errMsg
		default:
			resp.Stdout = req.Stdin
		}
		if err := writeFrame(srv, resp, time.Now().Add(5*time.Second)); err != nil {
			return
		}
	}
}

func decodeRequest(t *testing.T, body []byte) Request {
	t.Helper()
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func TestChannelPingAndExecute(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	go serverEcho(t, server)

	ch := New(&fakeTransportChannel{conn: client})
	defer ch.Close()

	if err := ch.Ping(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ping: %v", err)
	}

	resp, err := ch.Execute(Request{Cmd: "echo", Stdin: "aGVsbG8="}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Stdout != "aGVsbG8=" {
		t.Fatalf("got stdout %q", resp.Stdout)
	}
}

func TestChannelRemoteError(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	go serverEcho(t, server)

	ch := New(&fakeTransportChannel{conn: client})
	defer ch.Close()

	_, err := ch.Execute(Request{Cmd: "fail"}, time.Now().Add(time.Second))
	if err == nil {
		t.Fatalf("expected error")
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Kind != KindRemoteError {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestChannelBusyOnConcurrentExecute(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	// Slow server: reads the frame but never responds, holding the channel busy.
	go func() {
		srv := &fakeTransportChannel{conn: server}
		readFrame(srv, time.Now().Add(5*time.Second))
		time.Sleep(200 * time.Millisecond)
	}()

	ch := New(&fakeTransportChannel{conn: client})
	defer ch.Close()

	done := make(chan struct{})
	go func() {
		ch.Execute(Request{Cmd: "echo"}, time.Now().Add(time.Second))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := ch.Execute(Request{Cmd: "echo"}, time.Now().Add(time.Second))
	if err == nil {
		t.Fatalf("expected Busy error")
	}
	if cerr, ok := err.(*Error); !ok || cerr.Kind != KindBusy {
		t.Fatalf("expected Busy, got %v", err)
	}
	<-done
}
