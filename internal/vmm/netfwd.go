package vmm

import (
	"io"
	"net"

	"golang.org/x/crypto/ssh"
)

// tcpForward listens on a random local loopback port and, for each
// accepted connection, opens a direct-tcpip channel through client to
// remoteAddr, copying bytes in both directions. This is the "TCP
// forwarder published on the nested VM's loopback and mapped out" spec.md
// §4.4 describes for the macOS driver, built directly on the SSH client's
// own forwarding primitive rather than a separate gvproxy-style process.
func tcpForward(client *ssh.Client, remoteAddr string) (localAddr string, closeFn func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go forwardConn(conn, client, remoteAddr)
		}
	}()

	closeFn = func() {
		ln.Close()
	}
	return ln.Addr().String(), closeFn, nil
}

func forwardConn(local net.Conn, client *ssh.Client, remoteAddr string) {
	defer local.Close()
	remote, err := client.Dial("tcp", remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()

	doneCh := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		doneCh <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		doneCh <- struct{}{}
	}()
	<-doneCh
}
