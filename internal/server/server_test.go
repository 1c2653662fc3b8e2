package server

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cvdpl/respkv/internal/cachemgr"
	"github.com/cvdpl/respkv/internal/config"
	"github.com/cvdpl/respkv/internal/resp"
	"github.com/cvdpl/respkv/internal/storage"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	backend, err := storage.NewFileBackend(filepath.Join(t.TempDir(), "data.tsv"))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	mgr, err := cachemgr.New(4, 64, backend, config.WriteThrough, nil, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	dispatcher := resp.New(mgr, config.WriteThrough)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := New(addr, dispatcher, nil)
	go srv.Start()
	t.Cleanup(srv.Shutdown)

	waitForListening(t, addr)
	return srv, addr
}

func waitForListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}

func TestServerHandlesInlinePing(t *testing.T) {
	_, addr := newTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("PING\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "+PONG\r\n" {
		t.Fatalf("reply = %q, want +PONG\\r\\n", line)
	}
}

func TestServerHandlesArrayFramedSetGet(t *testing.T) {
	_, addr := newTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "+OK\r\n" {
		t.Fatalf("set reply = %q, want +OK\\r\\n", line)
	}

	req = "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	header, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header != "$1\r\n" {
		t.Fatalf("bulk header = %q, want $1\\r\\n", header)
	}
	body, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if body != "v\r\n" {
		t.Fatalf("bulk body = %q, want v\\r\\n", body)
	}
}

func TestServerQuitClosesConnection(t *testing.T) {
	_, addr := newTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("QUIT\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "+OK\r\n" {
		t.Fatalf("reply = %q, want +OK\\r\\n", line)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after QUIT")
	}
}
