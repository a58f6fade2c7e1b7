package buffer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	pressured  bool
	failSend   bool
	sent       []string
	closeCode  int
	closeCalls int
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true}
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Pressured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressured
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("write failed")
	}
	c.sent = append(c.sent, string(data))
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closeCode = code
	c.closeCalls++
	return nil
}

func (c *fakeConn) setPressured(v bool) {
	c.mu.Lock()
	c.pressured = v
	c.mu.Unlock()
}

func (c *fakeConn) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestPushFastPath(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, Options{MaxBuffer: 3})

	b.Push([]byte("a"))
	b.Push([]byte("b"))

	if got := conn.sentMessages(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("sent = %v, want [a b]", got)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}

func TestPushDisconnectedDiscards(t *testing.T) {
	conn := newFakeConn()
	conn.connected = false
	b := New(conn, Options{MaxBuffer: 3})

	b.Push([]byte("a"))

	if len(conn.sentMessages()) != 0 || b.Len() != 0 {
		t.Fatal("message should have been discarded")
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	conn := newFakeConn()
	conn.setPressured(true)
	overflows := 0
	b := New(conn, Options{
		MaxBuffer:  3,
		Policy:     PolicyDropOldest,
		OnOverflow: func(Policy) { overflows++ },
	})

	for i := 1; i <= 5; i++ {
		b.Push([]byte(fmt.Sprintf("m%d", i)))
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if overflows != 2 {
		t.Fatalf("overflows = %d, want 2", overflows)
	}

	conn.setPressured(false)
	b.Drain()

	want := []string{"m3", "m4", "m5"}
	got := conn.sentMessages()
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent = %v, want %v", got, want)
		}
	}
}

func TestDisconnectPolicyClosesConnection(t *testing.T) {
	conn := newFakeConn()
	conn.setPressured(true)
	b := New(conn, Options{MaxBuffer: 2, Policy: PolicyDisconnect})

	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Push([]byte("c"))

	if conn.closeCalls != 1 {
		t.Fatalf("close calls = %d, want 1", conn.closeCalls)
	}
	if conn.closeCode != CloseSlowConsumer {
		t.Fatalf("close code = %d, want %d", conn.closeCode, CloseSlowConsumer)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after disconnect", b.Len())
	}

	b.Push([]byte("d"))
	if len(conn.sentMessages()) != 0 {
		t.Fatal("nothing should be sent after disconnect")
	}
}

func TestOrderPreservedAcrossPressure(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, Options{MaxBuffer: 10})

	b.Push([]byte("1"))
	conn.setPressured(true)
	b.Push([]byte("2"))
	b.Push([]byte("3"))
	conn.setPressured(false)
	b.Push([]byte("4"))

	got := conn.sentMessages()
	want := []string{"1", "2", "3", "4"}
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent = %v, want %v", got, want)
		}
	}
}

func TestFailedSendRequeues(t *testing.T) {
	conn := newFakeConn()
	conn.failSend = true
	b := New(conn, Options{MaxBuffer: 10})

	b.Push([]byte("1"))
	b.Push([]byte("2"))
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}

	conn.mu.Lock()
	conn.failSend = false
	conn.mu.Unlock()
	b.Drain()

	got := conn.sentMessages()
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("sent = %v, want [1 2]", got)
	}
}

func TestClear(t *testing.T) {
	conn := newFakeConn()
	conn.setPressured(true)
	b := New(conn, Options{})
	b.Push([]byte("x"))
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}
