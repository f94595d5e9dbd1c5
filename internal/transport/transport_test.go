package transport

import (
	"net"
	"testing"
	"time"
)

func TestTcpTransportConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	tr := NewTcpTransport()
	_, err = tr.Connect(addr, 500*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error connecting to closed listener")
	}
	var te *Error
	if !asError(err, &te) {
		t.Fatalf("expected *transport.Error, got %T: %v", err, err)
	}
	if te.Kind != KindConnectRefused && te.Kind != KindIO {
		t.Fatalf("expected ConnectRefused or IoError, got %v", te.Kind)
	}
}

func TestTcpTransportSendRecv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(buf)
	}()

	tr := NewTcpTransport()
	ch, err := tr.Connect(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	deadline := time.Now().Add(time.Second)
	if err := ch.Send([]byte("hello"), deadline); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := ch.RecvExact(5, deadline)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestParseVsockTarget(t *testing.T) {
	cid, port, err := parseVsockTarget("3:52000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cid != 3 || port != 52000 {
		t.Fatalf("got cid=%d port=%d", cid, port)
	}

	if _, _, err := parseVsockTarget("bogus"); err == nil {
		t.Fatalf("expected error for malformed target")
	}
}

func asError(err error, target **Error) bool {
	te, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = te
	return true
}
