// Package tcp pulls sample lines from a TCP sensor streamer (phone apps that
// serve their readings on a socket) and forwards them to a sample.Sink.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"fallwatch/internal/sample"
	"fallwatch/internal/udp"
)

type Config struct {
	Addr string

	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	MaxLineBytes   int
}

type Stats struct {
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Connects    uint64 `json:"connects"`
	Samples     uint64 `json:"samples"`
	Rejected    uint64 `json:"rejected"`
}

// Client keeps one connection open, redialling after failures. Each
// connection is a new device session: timestamps are re-anchored on connect.
type Client struct {
	cfg  Config
	sink sample.Sink
	now  func() time.Time

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.Mutex
	stats    Stats
	lastSeen time.Time
	anchors  *sample.Anchors

	cancel context.CancelFunc
	done   chan struct{}
}

const maxSkew = time.Second

func NewClient(cfg Config, sink sample.Sink) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("tcp: addr is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("tcp: sink is nil")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 4 * 1024
	}
	return &Client{
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
		stats:   Stats{Addr: cfg.Addr, State: "stopped"},
		anchors: sample.NewAnchors(maxSkew, 0),
		done:    make(chan struct{}),
	}, nil
}

func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("tcp: client is closed")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("tcp: client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")
	log.Printf("tcp: reading samples from %s", c.cfg.Addr)

	go func() {
		defer close(c.done)
		c.runLoop(runCtx)
	}()
	return nil
}

// Close stops the client and waits for the reader to exit.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.started.Load() {
		<-c.done
	}
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	if !c.lastSeen.IsZero() {
		st.LastSeenUTC = c.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return st
}

func (c *Client) runLoop(ctx context.Context) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState("error", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}

		c.mu.Lock()
		c.stats.Connects++
		c.anchors = sample.NewAnchors(maxSkew, 0)
		c.mu.Unlock()
		c.setState("connected", "")

		// Unblock the read when ctx ends.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLines(conn)
		stop()
		_ = conn.Close()

		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

func (c *Client) readLines(conn net.Conn) {
	r := bufio.NewReaderSize(conn, c.cfg.MaxLineBytes)
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			c.reject(fmt.Errorf("line too large (> %d bytes)", c.cfg.MaxLineBytes))
			// Drop the rest of the oversized line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			if err == nil {
				continue
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				c.setState("disconnected", "")
			} else {
				c.setState("disconnected", err.Error())
			}
			return
		}
		c.HandleLine(line, c.now())
	}
}

// HandleLine parses one streamed line received at recvAt and forwards its
// samples.
func (c *Client) HandleLine(line []byte, recvAt time.Time) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == '#' {
		return
	}
	dev, rs, err := udp.ParseLine(string(line))
	if err != nil {
		c.reject(err)
		return
	}

	c.mu.Lock()
	at := c.anchors.Stamp(c.cfg.Addr, dev, recvAt)
	c.stats.Samples += uint64(len(rs))
	c.lastSeen = recvAt
	c.mu.Unlock()

	for _, r := range rs {
		c.sink.Ingest(sample.Sample{Axis: r.Axis, Values: r.Values, At: at})
	}
}

func (c *Client) reject(err error) {
	c.mu.Lock()
	c.stats.Rejected++
	c.stats.LastError = err.Error()
	c.mu.Unlock()
}

func (c *Client) setState(state, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.State = state
	if lastErr != "" {
		c.stats.LastError = lastErr
	} else if state == "connected" || state == "stopped" {
		c.stats.LastError = ""
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
