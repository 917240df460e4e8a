package tcp

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"fallwatch/internal/sample"
)

type collector struct {
	mu      sync.Mutex
	samples []sample.Sample
}

func (c *collector) Ingest(s sample.Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *collector) snapshot() []sample.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sample.Sample(nil), c.samples...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewClient_Validates(t *testing.T) {
	if _, err := NewClient(Config{}, &collector{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	if _, err := NewClient(Config{Addr: "127.0.0.1:1"}, nil); err == nil {
		t.Fatalf("expected error for nil sink")
	}
}

func TestHandleLine_AnchorsAndRejects(t *testing.T) {
	sink := &collector{}
	c, err := NewClient(Config{Addr: "phone:9000"}, sink)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t0 := time.Unix(1700000000, 0)
	c.HandleLine([]byte("1000,3,0,0,9.81,5,20,0,-40\n"), t0)
	c.HandleLine([]byte("1010,3,0,0,9.80\n"), t0.Add(15*time.Millisecond))
	c.HandleLine([]byte("# comment\n"), t0)
	c.HandleLine([]byte("garbage\n"), t0)

	got := sink.snapshot()
	if len(got) != 3 {
		t.Fatalf("samples=%d want 3", len(got))
	}
	if got[0].Axis != sample.Magnetometer || got[1].Axis != sample.Accelerometer {
		t.Fatalf("order=%v,%v", got[0].Axis, got[1].Axis)
	}
	if !got[2].At.Equal(t0.Add(10 * time.Millisecond)) {
		t.Fatalf("second line at %v want device spacing of 10ms", got[2].At.Sub(t0))
	}
	st := c.Stats()
	if st.Samples != 3 || st.Rejected != 1 || st.LastError == "" {
		t.Fatalf("stats=%+v", st)
	}
}

func TestClient_ReadsAndReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	sink := &collector{}
	c, err := NewClient(Config{Addr: ln.Addr().String(), ReconnectDelay: 10 * time.Millisecond}, sink)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Fatalf("second Start should fail")
	}

	first := <-conns
	_, _ = io.WriteString(first, "0,mag,20,0,-40\n0,acc,0,0,9.81\n"+strings.Repeat("x", 5000)+"\n10,acc,0,0,9.8\n")
	waitFor(t, "first batch", func() bool { return len(sink.snapshot()) == 3 })
	_ = first.Close()

	second := <-conns
	_, _ = io.WriteString(second, "0,acc,1,2,3\n")
	waitFor(t, "second batch", func() bool { return len(sink.snapshot()) == 4 })

	st := c.Stats()
	if st.Connects != 2 || st.Rejected != 1 || st.State != "connected" {
		t.Fatalf("stats=%+v", st)
	}

	c.Close()
	_ = second.Close()
	if st := c.Stats(); st.State != "stopped" {
		t.Fatalf("state after close=%q", st.State)
	}
}

func TestClient_CloseWithoutStart(t *testing.T) {
	c, err := NewClient(Config{Addr: "127.0.0.1:1"}, &collector{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.Close()
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("Start after Close should fail")
	}
}
