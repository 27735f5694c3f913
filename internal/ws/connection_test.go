package ws

import (
	"net"
	"sync"
	"testing"
	"time"
)

// tcpPair dials a loopback listener and returns the client side of the
// connection, closed automatically at test end.
func tcpPair(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case server := <-accepted:
		t.Cleanup(func() { server.Close() })
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	return conn
}

func TestSocketFD_UniquePerConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	c1 := tcpPair(t, ln)
	c2 := tcpPair(t, ln)

	fd1, fd2 := socketFD(c1), socketFD(c2)
	if fd1 < 0 || fd2 < 0 {
		t.Fatalf("socketFD returned %d and %d, want real descriptors", fd1, fd2)
	}
	if fd1 == fd2 {
		t.Fatalf("both connections map to fd %d", fd1)
	}
}

func TestConnectionManager_GetByConnResolvesDistinctConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cm := NewConnectionManager()
	a := &Connection{ID: "conn-a", UserID: "ua", Conn: tcpPair(t, ln)}
	a.Fd = socketFD(a.Conn)
	b := &Connection{ID: "conn-b", UserID: "ub", Conn: tcpPair(t, ln)}
	b.Fd = socketFD(b.Conn)
	cm.Add(a)
	cm.Add(b)

	if got := cm.GetByConn(a.Conn); got == nil || got.ID != "conn-a" {
		t.Errorf("GetByConn(a) = %v, want conn-a", got)
	}
	if got := cm.GetByConn(b.Conn); got == nil || got.ID != "conn-b" {
		t.Errorf("GetByConn(b) = %v, want conn-b", got)
	}
}

func TestConnectionActivity_ConcurrentTouchAndRead(t *testing.T) {
	c := &Connection{ID: "c1"}
	c.Touch()
	before := c.LastActive()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Touch()
				_ = c.LastActive()
			}
		}()
	}
	wg.Wait()

	if c.LastActive().Before(before) {
		t.Error("LastActive moved backwards")
	}
}
